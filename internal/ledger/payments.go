package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pledgecache/internal/liquidpledging"
	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

func (e *Engine) handleAuthorizePayment(ctx context.Context, ev *model.Event) (Result, error) {
	id, err := liquidpledging.ReturnUint(ev, 0)
	if err != nil {
		return Result{}, err
	}
	ref, err := liquidpledging.ReturnBig(ev, 1)
	if err != nil {
		return Result{}, err
	}
	if !ref.IsUint64() {
		return Result{}, fmt.Errorf("payment %d reference %s is not a pledge id", id, ref)
	}
	dest, err := liquidpledging.ReturnString(ev, 2)
	if err != nil {
		return Result{}, err
	}
	token, err := liquidpledging.ReturnString(ev, 3)
	if err != nil {
		return Result{}, err
	}
	amount, err := liquidpledging.ReturnBig(ev, 4)
	if err != nil {
		return Result{}, err
	}

	return e.apply(ctx, func(tx storage.Store) (Result, error) {
		if _, err := tx.GetPayment(ctx, id); err == nil {
			return skipped("payment %d already authorized", id), nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("get payment %d: %w", id, err)
		}
		payment := &model.Payment{
			ID:          id,
			PledgeID:    ref.Uint64(),
			Destination: strings.ToLower(dest),
			Token:       strings.ToLower(token),
			Amount:      amount,
			Status:      model.PaymentPending,
			TxHash:      ev.TxHash,
		}
		if err := tx.SavePayment(ctx, payment); err != nil {
			return Result{}, fmt.Errorf("save payment %d: %w", id, err)
		}
		return applied(), nil
	})
}

func (e *Engine) handleConfirmPayment(ctx context.Context, ev *model.Event) (Result, error) {
	return e.settlePayment(ctx, ev, model.PaymentPaid)
}

func (e *Engine) handleCancelPayment(ctx context.Context, ev *model.Event) (Result, error) {
	return e.settlePayment(ctx, ev, model.PaymentCanceled)
}

func (e *Engine) settlePayment(ctx context.Context, ev *model.Event, status model.PaymentStatus) (Result, error) {
	id, err := liquidpledging.ReturnUint(ev, 0)
	if err != nil {
		return Result{}, err
	}

	return e.apply(ctx, func(tx storage.Store) (Result, error) {
		payment, err := tx.GetPayment(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return notFound("payment %d not authorized yet", id), nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("get payment %d: %w", id, err)
		}
		if payment.Status != model.PaymentPending {
			return skipped("payment %d already %s", id, payment.Status), nil
		}
		payment.Status = status
		if err := tx.SavePayment(ctx, payment); err != nil {
			return Result{}, fmt.Errorf("save payment %d: %w", id, err)
		}
		if status != model.PaymentPaid {
			return applied(), nil
		}

		paying, err := tx.FindDonations(ctx, storage.DonationFilter{PledgeID: storage.Uint64(payment.PledgeID)})
		if err != nil {
			return Result{}, fmt.Errorf("find donations at pledge %d: %w", payment.PledgeID, err)
		}
		seen := make(map[model.EntityRef]bool)
		for _, d := range paying {
			if d.Owner.Kind != model.KindMilestone || seen[d.Owner] {
				continue
			}
			seen[d.Owner] = true
			if err := e.settleMilestone(ctx, tx, d.Owner); err != nil {
				return Result{}, err
			}
		}
		return applied(), nil
	})
}

// settleMilestone marks a milestone paid once it holds no unpaid value and
// at least one donation reached it as paid.
func (e *Engine) settleMilestone(ctx context.Context, tx storage.Store, ref model.EntityRef) error {
	entity, err := tx.GetEntity(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", ref, err)
	}
	if entity.Base().Status.Terminal() {
		return nil
	}

	owned, err := tx.FindDonations(ctx, storage.DonationFilter{Owner: &ref, Mined: storage.Bool(true)})
	if err != nil {
		return fmt.Errorf("find donations of %s: %w", ref, err)
	}
	paid := false
	for _, d := range owned {
		switch d.Status {
		case model.DonationPaid:
			paid = true
		case model.DonationCommitted, model.DonationPaying:
			if d.Remaining().Sign() > 0 {
				return nil
			}
		}
	}
	if !paid {
		return nil
	}
	entity.Base().Status = model.EntityPaid
	if err := tx.SaveEntity(ctx, entity); err != nil {
		return fmt.Errorf("save %s: %w", ref, err)
	}
	return nil
}
