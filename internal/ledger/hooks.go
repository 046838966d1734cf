package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

// RecordExternalEntity stores a DAC, campaign or milestone draft created
// outside the chain. The draft is reconciled with its on-chain registration
// by plugin address or transaction hash; a draft arriving after the
// registration patches its metadata.
func (e *Engine) RecordExternalEntity(ctx context.Context, draft model.Entity) (model.Entity, error) {
	if draft == nil {
		return nil, fmt.Errorf("entity draft is nil")
	}
	ref := draft.Ref()
	if ref.Kind == model.KindGiver {
		return nil, fmt.Errorf("givers are registered from chain events only")
	}
	draft = model.CloneEntity(draft)
	base := draft.Base()
	base.OwnerAddress = strings.ToLower(base.OwnerAddress)
	base.TxHash = strings.ToLower(base.TxHash)
	switch v := draft.(type) {
	case *model.Campaign:
		v.PluginAddress = strings.ToLower(v.PluginAddress)
	case *model.Milestone:
		v.PluginAddress = strings.ToLower(v.PluginAddress)
	}
	plugin := model.PluginAddress(draft)
	if base.TxHash == "" && plugin == "" {
		return nil, fmt.Errorf("%s draft needs a transaction hash or plugin address", ref.Kind)
	}
	if base.OwnerAddress != "" && !e.policy.OwnerAllowed(base.OwnerAddress) {
		return nil, fmt.Errorf("owner %s is not allowed", base.OwnerAddress)
	}

	var saved model.Entity
	err := e.store.InTx(ctx, func(tx storage.Store) error {
		existing, err := findDraft(ctx, tx, ref.Kind, plugin, base.TxHash, false)
		if err != nil {
			return err
		}
		if existing != nil {
			current := existing.Base()
			current.Title = base.Title
			current.URL = base.URL
			if !current.Mined && base.OwnerAddress != "" {
				current.OwnerAddress = base.OwnerAddress
			}
			saved = existing
		} else {
			if base.ID == "" {
				base.ID = e.newID()
			}
			base.AdminID = 0
			base.Status = model.EntityPending
			base.Mined = false
			base.CreatedAt = e.now().UTC()
			saved = draft
		}
		if err := tx.SaveEntity(ctx, saved); err != nil {
			return fmt.Errorf("save %s draft: %w", ref.Kind, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// RecordPendingDonation stores a donation the API layer submitted before its
// transaction was mined. The origination transfer patches it in place.
func (e *Engine) RecordPendingDonation(ctx context.Context, draft *model.Donation) (*model.Donation, error) {
	if draft == nil {
		return nil, fmt.Errorf("donation draft is nil")
	}
	if draft.TxHash == "" {
		return nil, fmt.Errorf("pending donation needs a transaction hash")
	}
	if draft.Amount == nil || draft.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("pending donation needs a positive amount")
	}

	d := draft.Clone()
	if d.ID == "" {
		d.ID = e.newID()
	}
	d.GiverAddress = strings.ToLower(d.GiverAddress)
	d.TxHash = strings.ToLower(d.TxHash)
	d.Token = strings.ToLower(d.Token)
	d.AmountRemaining = new(big.Int).Set(d.Amount)
	d.PendingAmountRemaining = nil
	d.ParentDonations = []string{}
	d.Status = model.DonationPending
	d.Mined = false
	d.CreatedAt = e.now().UTC()
	if err := e.store.CreateDonation(ctx, d); err != nil {
		return nil, fmt.Errorf("create pending donation: %w", err)
	}
	return d, nil
}

// RecordPendingTransfer reserves amount on the parent donations for a
// transfer that is not mined yet and stores the child it will produce. The
// reservation makes those parents the first ones consumed when the transfer
// is applied.
func (e *Engine) RecordPendingTransfer(ctx context.Context, parentIDs []string, amount *big.Int, txHash string, draft *model.Donation) (*model.Donation, error) {
	if len(parentIDs) == 0 {
		return nil, fmt.Errorf("pending transfer needs parent donations")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("pending transfer needs a positive amount")
	}
	if txHash == "" {
		return nil, fmt.Errorf("pending transfer needs a transaction hash")
	}
	if draft == nil {
		draft = &model.Donation{}
	}

	var child *model.Donation
	err := e.store.InTx(ctx, func(tx storage.Store) error {
		parents := make([]*model.Donation, 0, len(parentIDs))
		for _, id := range parentIDs {
			parent, err := tx.GetDonation(ctx, id)
			if err != nil {
				return fmt.Errorf("get parent donation %s: %w", id, err)
			}
			if !parent.Mined || !parent.Status.Live() {
				return fmt.Errorf("parent donation %s cannot fund a transfer in status %s", id, parent.Status)
			}
			parents = append(parents, parent)
		}

		takes, err := Consume(parents, amount)
		if err != nil {
			return err
		}
		funded := make([]string, 0, len(takes))
		for _, take := range takes {
			parent := take.Donation
			parent.PendingAmountRemaining = new(big.Int).Sub(parent.Remaining(), take.Amount)
			if err := tx.UpdateDonation(ctx, parent); err != nil {
				return fmt.Errorf("reserve on donation %s: %w", parent.ID, err)
			}
			funded = append(funded, parent.ID)
		}

		child = draft.Clone()
		if child.ID == "" {
			child.ID = e.newID()
		}
		if child.GiverAddress == "" {
			child.GiverAddress = parents[0].GiverAddress
		}
		if child.Token == "" {
			child.Token = parents[0].Token
		}
		child.Amount = new(big.Int).Set(amount)
		child.AmountRemaining = new(big.Int).Set(amount)
		child.PendingAmountRemaining = nil
		child.ParentDonations = funded
		child.Status = model.DonationPending
		child.TxHash = strings.ToLower(txHash)
		child.Mined = false
		child.CreatedAt = e.now().UTC()
		if err := tx.CreateDonation(ctx, child); err != nil {
			return fmt.Errorf("create pending child: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}
