package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	cache "github.com/patrickmn/go-cache"

	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

const (
	registryTTL     = 10 * time.Minute
	registryCleanup = 20 * time.Minute
)

// Registry resolves pledge admin ids to entities. Entries are written once
// and occasionally patched, so reads go through a TTL cache.
type Registry struct {
	store storage.AdminStore
	cache *cache.Cache
}

func NewRegistry(store storage.AdminStore) *Registry {
	return &Registry{
		store: store,
		cache: cache.New(registryTTL, registryCleanup),
	}
}

// Lookup returns the admin registered under id, reading st on a cache miss.
// st is the store or the open transaction the caller works in.
func (r *Registry) Lookup(ctx context.Context, st storage.AdminStore, id uint64) (model.PledgeAdmin, bool, error) {
	key := strconv.FormatUint(id, 10)
	if obj, found := r.cache.Get(key); found {
		return obj.(model.PledgeAdmin), true, nil
	}
	if st == nil {
		st = r.store
	}
	admin, err := st.GetAdmin(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.PledgeAdmin{}, false, nil
	}
	if err != nil {
		return model.PledgeAdmin{}, false, fmt.Errorf("get admin %d: %w", id, err)
	}
	r.cache.Set(key, admin, cache.DefaultExpiration)
	return admin, true, nil
}

// Register upserts the admin and caches it; a later call for the same id
// patches the entry. The Added handlers call it only for ids not yet
// registered, since the contract adds each admin id once and a second
// Added event for it is a replay.
func (r *Registry) Register(ctx context.Context, st storage.AdminStore, id uint64, kind model.EntityKind, entityID string) (model.PledgeAdmin, error) {
	if st == nil {
		st = r.store
	}
	admin := model.PledgeAdmin{ID: id, Kind: kind, EntityID: entityID}
	if err := st.UpsertAdmin(ctx, admin); err != nil {
		return model.PledgeAdmin{}, fmt.Errorf("upsert admin %d: %w", id, err)
	}
	r.cache.Set(strconv.FormatUint(id, 10), admin, cache.DefaultExpiration)
	return admin, nil
}

// Flush drops every cached entry. Called after a rolled back transaction
// that may have cached registrations which never committed.
func (r *Registry) Flush() {
	r.cache.Flush()
}
