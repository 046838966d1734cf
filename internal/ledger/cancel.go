package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"pledgecache/internal/liquidpledging"
	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

// maxLineage bounds the parent walk of a return donation.
const maxLineage = 1024

func (e *Engine) handleCancelProject(ctx context.Context, ev *model.Event) (Result, error) {
	id, err := liquidpledging.ReturnUint(ev, 0)
	if err != nil {
		return Result{}, err
	}

	return e.apply(ctx, func(tx storage.Store) (Result, error) {
		entity, ok, err := e.lookupEntity(ctx, tx, id)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return notFound("project admin %d not registered", id), nil
		}
		if !entity.Ref().Kind.IsProject() {
			return Result{}, fmt.Errorf("admin %d is a %s, not a project", id, entity.Ref().Kind)
		}
		if entity.Base().Status == model.EntityCanceled {
			return skipped("%s already canceled", entity.Ref()), nil
		}

		marks := touched{}
		if err := e.cancel(ctx, tx, entity, ev, marks); err != nil {
			return Result{}, err
		}
		return applied(), e.refreshCounters(ctx, tx, marks)
	})
}

// cancel marks entity canceled, cascades to a campaign's open milestones and
// returns every donation it still holds to the nearest live ancestor.
func (e *Engine) cancel(ctx context.Context, tx storage.Store, entity model.Entity, ev *model.Event, marks touched) error {
	ref := entity.Ref()
	entity.Base().Status = model.EntityCanceled
	if err := tx.SaveEntity(ctx, entity); err != nil {
		return fmt.Errorf("save %s: %w", ref, err)
	}
	marks.add(&ref)

	if ref.Kind == model.KindCampaign {
		children, err := tx.FindEntities(ctx, storage.EntityFilter{Kind: model.KindMilestone, ParentID: ref.ID})
		if err != nil {
			return fmt.Errorf("find milestones of %s: %w", ref, err)
		}
		for _, child := range children {
			if child.Base().Status.Terminal() {
				continue
			}
			if err := e.cancel(ctx, tx, child, ev, marks); err != nil {
				return err
			}
		}
	}

	held, err := tx.FindDonations(ctx, storage.DonationFilter{Touching: &ref, Mined: storage.Bool(true), HasRemaining: true})
	if err != nil {
		return fmt.Errorf("find donations of %s: %w", ref, err)
	}
	for _, d := range held {
		if d.Status.Terminal() {
			continue
		}
		amount := new(big.Int).Set(d.Remaining())
		d.Status = model.DonationCanceled
		d.AmountRemaining = new(big.Int)
		d.PendingAmountRemaining = nil
		if err := tx.UpdateDonation(ctx, d); err != nil {
			return fmt.Errorf("cancel donation %s: %w", d.ID, err)
		}
		marks.donation(d)

		target, err := e.returnTarget(ctx, tx, d)
		if err != nil {
			return err
		}
		if target == nil {
			e.logger.Warn("canceled donation has no ancestor to return to", zap.String("donation", d.ID), zap.String("entity", ref.String()))
			continue
		}

		ret := &model.Donation{
			ID:              e.newID(),
			GiverAddress:    d.GiverAddress,
			Owner:           target.Owner,
			OwnerAdminID:    target.OwnerAdminID,
			Delegate:        target.Delegate,
			DelegateAdminID: target.DelegateAdminID,
			PledgeID:        target.PledgeID,
			Token:           d.Token,
			Amount:          amount,
			AmountRemaining: new(big.Int).Set(amount),
			ParentDonations: []string{d.ID},
			Status:          DeriveStatus(liquidpledging.Pledged, target.Owner.Kind, target.Delegate != nil, false),
			TxHash:          ev.TxHash,
			Mined:           true,
			IsReturn:        true,
			SourceEvent:     ev.ID,
			CommitTime:      target.CommitTime,
			CreatedAt:       e.now().UTC(),
		}
		if err := tx.CreateDonation(ctx, ret); err != nil {
			return fmt.Errorf("create return donation: %w", err)
		}
		marks.donation(ret)
	}
	return nil
}

// returnTarget walks the first-parent lineage of d back to the nearest
// ancestor that is neither canceled nor awaiting approval. The lineage root
// is the fallback; nil means d has no parents at all.
func (e *Engine) returnTarget(ctx context.Context, tx storage.Store, d *model.Donation) (*model.Donation, error) {
	cur := d
	var last *model.Donation
	for depth := 0; len(cur.ParentDonations) > 0 && depth < maxLineage; depth++ {
		parent, err := tx.GetDonation(ctx, cur.ParentDonations[0])
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("get parent donation %s: %w", cur.ParentDonations[0], err)
		}
		last = parent

		skip, err := e.skipAncestor(ctx, tx, parent)
		if err != nil {
			return nil, err
		}
		if !skip {
			return parent, nil
		}
		cur = parent
	}
	return last, nil
}

func (e *Engine) skipAncestor(ctx context.Context, tx storage.Store, d *model.Donation) (bool, error) {
	if d.Status == model.DonationToApprove {
		return true, nil
	}
	owner, err := tx.GetEntity(ctx, d.Owner)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get owner %s: %w", d.Owner, err)
	}
	return owner.Base().Status == model.EntityCanceled, nil
}
