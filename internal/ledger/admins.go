package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"pledgecache/internal/liquidpledging"
	"pledgecache/internal/model"
	"pledgecache/internal/retry"
	"pledgecache/internal/storage"
)

func (e *Engine) fetchAdmin(ctx context.Context, ev *model.Event, want liquidpledging.AdminType) (uint64, liquidpledging.PledgeAdmin, error) {
	id, err := liquidpledging.ReturnUint(ev, 0)
	if err != nil {
		return 0, liquidpledging.PledgeAdmin{}, err
	}
	admin, err := e.contract.GetPledgeAdmin(ctx, id)
	if err != nil {
		return 0, liquidpledging.PledgeAdmin{}, fmt.Errorf("get pledge admin %d: %w", id, err)
	}
	if admin.Type != want {
		return 0, liquidpledging.PledgeAdmin{}, fmt.Errorf("admin %d is a %s, event expects %s", id, admin.Type, want)
	}
	return id, admin, nil
}

func (e *Engine) handleGiverAdded(ctx context.Context, ev *model.Event) (Result, error) {
	id, admin, err := e.fetchAdmin(ctx, ev, liquidpledging.AdminGiver)
	if err != nil {
		return Result{}, err
	}
	owner := addressString(admin.Addr)

	return e.apply(ctx, func(tx storage.Store) (Result, error) {
		if _, ok, err := e.registry.Lookup(ctx, tx, id); err != nil {
			return Result{}, err
		} else if ok {
			return skipped("giver admin %d already registered", id), nil
		}

		givers, err := tx.FindEntities(ctx, storage.EntityFilter{Kind: model.KindGiver, OwnerAddress: owner})
		if err != nil {
			return Result{}, fmt.Errorf("find giver %s: %w", owner, err)
		}
		giver := &model.Giver{}
		if len(givers) > 0 {
			giver = givers[0].(*model.Giver)
		} else {
			giver.ID = e.newID()
		}
		e.fillBase(giver.Base(), id, admin, ev)

		if err := tx.SaveEntity(ctx, giver); err != nil {
			return Result{}, fmt.Errorf("save giver: %w", err)
		}
		if _, err := e.registry.Register(ctx, tx, id, model.KindGiver, giver.ID); err != nil {
			return Result{}, err
		}
		return applied(), nil
	})
}

func (e *Engine) handleDelegateAdded(ctx context.Context, ev *model.Event) (Result, error) {
	id, admin, err := e.fetchAdmin(ctx, ev, liquidpledging.AdminDelegate)
	if err != nil {
		return Result{}, err
	}
	owner := addressString(admin.Addr)
	if !e.policy.OwnerAllowed(owner) {
		return rejected("delegate owner %s is not allowed", owner), nil
	}

	return e.apply(ctx, func(tx storage.Store) (Result, error) {
		if _, ok, err := e.registry.Lookup(ctx, tx, id); err != nil {
			return Result{}, err
		} else if ok {
			return skipped("delegate admin %d already registered", id), nil
		}

		drafts, err := tx.FindEntities(ctx, storage.EntityFilter{Kind: model.KindDAC, TxHash: ev.TxHash})
		if err != nil {
			return Result{}, fmt.Errorf("find dac draft: %w", err)
		}
		dac := &model.DAC{}
		for _, draft := range drafts {
			if draft.Base().AdminID == 0 {
				dac = draft.(*model.DAC)
				break
			}
		}
		if dac.ID == "" {
			dac.ID = e.newID()
		}
		e.fillBase(dac.Base(), id, admin, ev)

		if err := tx.SaveEntity(ctx, dac); err != nil {
			return Result{}, fmt.Errorf("save dac: %w", err)
		}
		if _, err := e.registry.Register(ctx, tx, id, model.KindDAC, dac.ID); err != nil {
			return Result{}, err
		}
		return applied(), nil
	})
}

func (e *Engine) handleProjectAdded(ctx context.Context, ev *model.Event) (Result, error) {
	id, admin, err := e.fetchAdmin(ctx, ev, liquidpledging.AdminProject)
	if err != nil {
		return Result{}, err
	}
	owner := addressString(admin.Addr)
	if !e.policy.OwnerAllowed(owner) {
		return rejected("project owner %s is not allowed", owner), nil
	}
	kind := model.KindCampaign
	if admin.ParentProject != 0 {
		kind = model.KindMilestone
	}
	plugin := addressString(admin.Plugin)
	// A project is also canceled when any ancestor is.
	canceled, err := e.contract.IsProjectCanceled(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("is project %d canceled: %w", id, err)
	}

	// The API layer may still be writing its draft; give it one bounded wait.
	draft, _, err := retry.Run(ctx, retry.Once(e.retryDelay), func(ctx context.Context) (model.Entity, retry.Outcome, error) {
		found, err := findDraft(ctx, e.store, kind, plugin, ev.TxHash, true)
		if err != nil || found == nil {
			return nil, retry.Again, err
		}
		return found, retry.Done, nil
	})
	if err != nil {
		return Result{}, err
	}

	return e.apply(ctx, func(tx storage.Store) (Result, error) {
		if _, ok, err := e.registry.Lookup(ctx, tx, id); err != nil {
			return Result{}, err
		} else if ok {
			return skipped("project admin %d already registered", id), nil
		}

		var parent model.EntityRef
		if kind == model.KindMilestone {
			ref, ok, err := e.lookupRef(ctx, tx, admin.ParentProject)
			if err != nil {
				return Result{}, err
			}
			if !ok {
				return notFound("parent project admin %d not registered", admin.ParentProject), nil
			}
			parent = ref
		}

		var entity model.Entity
		if draft != nil {
			current, err := tx.GetEntity(ctx, draft.Ref())
			if err != nil {
				return Result{}, fmt.Errorf("reload draft %s: %w", draft.Ref(), err)
			}
			entity = current
		} else {
			entity, err = model.NewEntity(kind)
			if err != nil {
				return Result{}, err
			}
			entity.Base().ID = e.newID()
		}

		switch v := entity.(type) {
		case *model.Campaign:
			v.PluginAddress = plugin
		case *model.Milestone:
			v.PluginAddress = plugin
			v.CampaignID = parent.ID
		}
		e.fillBase(entity.Base(), id, admin, ev)
		if canceled {
			entity.Base().Status = model.EntityCanceled
		}

		if err := tx.SaveEntity(ctx, entity); err != nil {
			return Result{}, fmt.Errorf("save %s: %w", kind, err)
		}
		if _, err := e.registry.Register(ctx, tx, id, kind, entity.Base().ID); err != nil {
			return Result{}, err
		}
		return applied(), nil
	})
}

// findDraft looks up an entity draft, first by plugin address and then by
// transaction hash. With unregistered set, entities already bound to an
// admin id are ignored.
func findDraft(ctx context.Context, st storage.EntityStore, kind model.EntityKind, plugin, txHash string, unregistered bool) (model.Entity, error) {
	filters := make([]storage.EntityFilter, 0, 2)
	if plugin != "" {
		filters = append(filters, storage.EntityFilter{Kind: kind, PluginAddress: plugin})
	}
	if txHash != "" {
		filters = append(filters, storage.EntityFilter{Kind: kind, TxHash: txHash})
	}
	for _, filter := range filters {
		found, err := st.FindEntities(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("find %s draft: %w", kind, err)
		}
		for _, entity := range found {
			if !unregistered || entity.Base().AdminID == 0 {
				return entity, nil
			}
		}
	}
	return nil, nil
}

func (e *Engine) handleAdminUpdated(ctx context.Context, ev *model.Event) (Result, error) {
	id, err := liquidpledging.ReturnUint(ev, 0)
	if err != nil {
		return Result{}, err
	}
	if _, ok, err := e.registry.Lookup(ctx, e.store, id); err != nil {
		return Result{}, err
	} else if !ok {
		return notFound("admin %d not registered", id), nil
	}
	admin, err := e.contract.GetPledgeAdmin(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("get pledge admin %d: %w", id, err)
	}
	owner := addressString(admin.Addr)

	return e.apply(ctx, func(tx storage.Store) (Result, error) {
		entity, ok, err := e.lookupEntity(ctx, tx, id)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return notFound("admin %d not registered", id), nil
		}
		if entity.Ref().Kind != model.KindGiver && !e.policy.OwnerAllowed(owner) {
			return rejected("new owner %s of admin %d is not allowed", owner, id), nil
		}

		base := entity.Base()
		if base.Title == admin.Name && base.URL == admin.URL && base.OwnerAddress == owner {
			return skipped("admin %d unchanged", id), nil
		}
		base.Title = admin.Name
		base.URL = admin.URL
		base.OwnerAddress = owner
		if err := tx.SaveEntity(ctx, entity); err != nil {
			return Result{}, fmt.Errorf("save %s: %w", entity.Ref(), err)
		}
		return applied(), nil
	})
}

func (e *Engine) fillBase(base *model.EntityBase, id uint64, admin liquidpledging.PledgeAdmin, ev *model.Event) {
	base.AdminID = id
	base.Status = model.EntityActive
	base.OwnerAddress = addressString(admin.Addr)
	if admin.Name != "" {
		base.Title = admin.Name
	}
	base.URL = admin.URL
	if base.TxHash == "" {
		base.TxHash = ev.TxHash
	}
	base.Mined = true
	if base.CreatedAt.IsZero() {
		base.CreatedAt = e.now().UTC()
	}
}

// addressString lower-cases an address and maps the zero address to "".
func addressString(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return strings.ToLower(addr.Hex())
}
