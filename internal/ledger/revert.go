package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

// FailDonation reverts an unmined donation whose transaction failed or never
// made it on chain: the donation becomes Failed and the reservations it held
// on its parents are released. Reports whether anything changed.
func (e *Engine) FailDonation(ctx context.Context, id, reason string) (bool, error) {
	changed := false
	err := e.store.InTx(ctx, func(tx storage.Store) error {
		d, err := tx.GetDonation(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get donation %s: %w", id, err)
		}
		if d.Mined {
			return nil
		}

		d.Status = model.DonationFailed
		d.Mined = true
		d.AmountRemaining = new(big.Int)
		if err := tx.UpdateDonation(ctx, d); err != nil {
			return fmt.Errorf("fail donation %s: %w", id, err)
		}
		for _, parentID := range d.ParentDonations {
			parent, err := tx.GetDonation(ctx, parentID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("get parent donation %s: %w", parentID, err)
			}
			if !parent.HasPending() {
				continue
			}
			parent.PendingAmountRemaining = nil
			if err := tx.UpdateDonation(ctx, parent); err != nil {
				return fmt.Errorf("release reservation on %s: %w", parentID, err)
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		e.logger.Info("donation reverted", zap.String("donation", id), zap.String("reason", reason))
	}
	return changed, nil
}

// FailEntity marks an unmined entity draft as failed.
func (e *Engine) FailEntity(ctx context.Context, ref model.EntityRef, reason string) (bool, error) {
	changed := false
	err := e.store.InTx(ctx, func(tx storage.Store) error {
		entity, err := tx.GetEntity(ctx, ref)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", ref, err)
		}
		base := entity.Base()
		if base.Mined {
			return nil
		}
		base.Status = model.EntityFailed
		base.Mined = true
		if err := tx.SaveEntity(ctx, entity); err != nil {
			return fmt.Errorf("fail %s: %w", ref, err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		e.logger.Info("entity draft reverted", zap.String("entity", ref.String()), zap.String("reason", reason))
	}
	return changed, nil
}
