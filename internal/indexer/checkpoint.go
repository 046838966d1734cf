package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pledgecache/internal/storage"
)

// Checkpointer persists the last fully ingested block.
type Checkpointer interface {
	Load(ctx context.Context) (uint64, bool, error)
	Save(ctx context.Context, lastBlock uint64) error
}

// fileState is the on-disk checkpoint. Contract pins the file to one
// deployment.
type fileState struct {
	Contract  string    `json:"contract"`
	LastBlock uint64    `json:"last_block"`
	SavedAt   time.Time `json:"saved_at"`
}

// FileCheckpoint persists the checkpoint to a JSON file. It backs the memory
// store, which has no state table of its own.
type FileCheckpoint struct {
	path     string
	contract string
}

func NewFileCheckpoint(path, contract string) *FileCheckpoint {
	return &FileCheckpoint{path: path, contract: strings.ToLower(contract)}
}

func (c *FileCheckpoint) Load(context.Context) (uint64, bool, error) {
	if c.path == "" {
		return 0, false, nil
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, false, fmt.Errorf("parse checkpoint %s: %w", c.path, err)
	}
	if st.Contract != "" && c.contract != "" && st.Contract != c.contract {
		return 0, false, fmt.Errorf("checkpoint %s belongs to contract %s, not %s", c.path, st.Contract, c.contract)
	}
	return st.LastBlock, true, nil
}

// Save replaces the file atomically.
func (c *FileCheckpoint) Save(_ context.Context, lastBlock uint64) error {
	if c.path == "" {
		return nil
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.Marshal(fileState{Contract: c.contract, LastBlock: lastBlock, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*")
	if err != nil {
		return fmt.Errorf("create checkpoint tmp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// StateCheckpoint keeps the checkpoint in the cache store next to the events,
// so a shared database carries its own progress.
type StateCheckpoint struct {
	store storage.StateStore
	name  string
}

func NewStateCheckpoint(store storage.StateStore, name string) *StateCheckpoint {
	return &StateCheckpoint{store: store, name: name}
}

func (c *StateCheckpoint) Load(ctx context.Context) (uint64, bool, error) {
	value, ok, err := c.store.LoadState(ctx, c.name)
	if err != nil {
		return 0, false, fmt.Errorf("load state %s: %w", c.name, err)
	}
	return value, ok, nil
}

func (c *StateCheckpoint) Save(ctx context.Context, lastBlock uint64) error {
	if err := c.store.SaveState(ctx, c.name, lastBlock); err != nil {
		return fmt.Errorf("save state %s: %w", c.name, err)
	}
	return nil
}
