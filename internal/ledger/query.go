package ledger

import (
	"context"

	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

// Read-only views for the API layer.

func (e *Engine) Donation(ctx context.Context, id string) (*model.Donation, error) {
	return e.store.GetDonation(ctx, id)
}

func (e *Engine) Donations(ctx context.Context, filter storage.DonationFilter) ([]*model.Donation, error) {
	return e.store.FindDonations(ctx, filter)
}

// Admin resolves a pledge admin id through the registry cache.
func (e *Engine) Admin(ctx context.Context, id uint64) (model.PledgeAdmin, bool, error) {
	return e.registry.Lookup(ctx, e.store, id)
}

func (e *Engine) Entity(ctx context.Context, ref model.EntityRef) (model.Entity, error) {
	return e.store.GetEntity(ctx, ref)
}

func (e *Engine) Entities(ctx context.Context, filter storage.EntityFilter) ([]model.Entity, error) {
	return e.store.FindEntities(ctx, filter)
}

func (e *Engine) Counters(ctx context.Context, ref model.EntityRef) ([]model.EntityCounter, error) {
	return e.store.GetCounters(ctx, ref)
}
