package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"pledgecache/internal/chain"
	"pledgecache/internal/indexer"
	"pledgecache/internal/metrics"
	"pledgecache/internal/model"
	"pledgecache/internal/queue"
	"pledgecache/internal/storage"
)

// Source is the part of the chain client the gate reads.
type Source interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Gate promotes waiting events once they are buried deep enough. Before an
// event is promoted its receipt is checked against the block it was seen in,
// so a transaction reorganized out of the chain is removed instead.
type Gate struct {
	chain    Source
	store    storage.EventStore
	queue    queue.Queue
	ingestor *indexer.Ingestor
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewGate(source Source, store storage.EventStore, q queue.Queue, ingestor *indexer.Ingestor, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Gate{
		chain:    source,
		store:    store,
		queue:    q,
		ingestor: ingestor,
		interval: interval,
		logger:   logger.With(zap.String("component", "gate")),
		metrics:  m,
	}
}

// Run ticks every interval, and additionally whenever trigger fires (for
// example on a new head), until ctx is done. trigger may be nil.
func (g *Gate) Run(ctx context.Context, trigger <-chan struct{}) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		if _, err := g.Tick(ctx); err != nil && ctx.Err() == nil {
			g.logger.Warn("confirmation sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-trigger:
		}
	}
}

// Tick runs one sweep over the waiting events and returns how many were
// promoted to the dispatch queue.
func (g *Gate) Tick(ctx context.Context) (int, error) {
	head, err := g.chain.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("get latest block: %w", err)
	}
	g.metrics.SetHead(head)

	waiting, err := g.store.ListEventsByStatus(ctx, model.EventWaiting)
	if err != nil {
		return 0, fmt.Errorf("list waiting events: %w", err)
	}

	required := g.ingestor.RequiredConfirmations()
	receipts := make(map[string]*types.Receipt)
	ready := make([]string, 0)
	for _, ev := range waiting {
		confirmations := indexer.Confirmations(head, ev.BlockNumber)
		if confirmations != ev.Confirmations {
			if err := g.store.SetConfirmations(ctx, ev.ID, confirmations); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return 0, fmt.Errorf("set confirmations %s: %w", ev.ID, err)
			}
		}
		if confirmations < required {
			continue
		}

		receipt, seen := receipts[ev.TxHash]
		if !seen {
			receipt, err = g.chain.TransactionReceipt(ctx, common.HexToHash(ev.TxHash))
			if errors.Is(err, chain.ErrNotFound) {
				receipt, err = nil, nil
			}
			if err != nil {
				g.logger.Warn("receipt lookup failed; retry next sweep", zap.String("tx_hash", ev.TxHash), zap.Error(err))
				continue
			}
			receipts[ev.TxHash] = receipt
		}

		if receipt == nil || !strings.EqualFold(receipt.BlockHash.Hex(), ev.BlockHash) {
			g.logger.Info("transaction left the canonical chain", zap.String("id", ev.ID), zap.String("tx_hash", ev.TxHash), zap.Uint64("block", ev.BlockNumber))
			if err := g.ingestor.Remove(ctx, ev.ID); err != nil {
				return 0, err
			}
			continue
		}

		promoted, err := g.store.TransitionEvent(ctx, ev.ID, []model.EventStatus{model.EventWaiting}, model.EventPending, "")
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("promote %s: %w", ev.ID, err)
		}
		if promoted {
			ready = append(ready, ev.ID)
		}
	}

	// Pushed in (block, tx, log) order so logs of one transaction are
	// applied in log-index order.
	if err := g.queue.Push(ctx, ready...); err != nil {
		return 0, fmt.Errorf("enqueue promoted events: %w", err)
	}
	g.metrics.RecordPromoted(len(ready))
	if len(ready) > 0 {
		g.logger.Info("events promoted", zap.Int("count", len(ready)), zap.Uint64("head", head))
	}
	return len(ready), nil
}
