package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

func (e *Engine) refreshCounters(ctx context.Context, st storage.Store, marks touched) error {
	for ref := range marks {
		donations, err := st.FindDonations(ctx, storage.DonationFilter{Touching: &ref})
		if err != nil {
			return fmt.Errorf("find donations of %s: %w", ref, err)
		}
		counters := BuildCounters(ref, donations, e.policy.Symbol, e.now().UTC())
		if err := st.SaveCounters(ctx, ref, counters); err != nil {
			return fmt.Errorf("save counters of %s: %w", ref, err)
		}
	}
	return nil
}

// RebuildCounters recomputes the counters of every DAC, campaign and
// milestone from the donation set. Returns the number of entities updated.
func (e *Engine) RebuildCounters(ctx context.Context) (int, error) {
	marks := touched{}
	for _, kind := range []model.EntityKind{model.KindDAC, model.KindCampaign, model.KindMilestone} {
		entities, err := e.store.FindEntities(ctx, storage.EntityFilter{Kind: kind})
		if err != nil {
			return 0, fmt.Errorf("find %s entities: %w", kind, err)
		}
		for _, entity := range entities {
			ref := entity.Ref()
			marks.add(&ref)
		}
	}
	if err := e.refreshCounters(ctx, e.store, marks); err != nil {
		return 0, err
	}
	return len(marks), nil
}

// BuildCounters aggregates per-token totals for ref. A DAC counts the
// donations delegated to it that still wait on it; a project counts the
// donations it owns once committed. Balances only include value the entity
// can still act on, and return donations never count as new money.
func BuildCounters(ref model.EntityRef, donations []*model.Donation, symbol func(string) string, now time.Time) []model.EntityCounter {
	byToken := make(map[string]*model.EntityCounter)
	for _, d := range donations {
		counted, balance := countedBy(ref, d)
		if !counted {
			continue
		}
		c, ok := byToken[d.Token]
		if !ok {
			c = &model.EntityCounter{
				Entity:         ref,
				Token:          d.Token,
				TotalDonated:   new(big.Int),
				CurrentBalance: new(big.Int),
				UpdatedAt:      now,
			}
			if symbol != nil {
				c.Symbol = symbol(d.Token)
			}
			byToken[d.Token] = c
		}
		if !d.IsReturn {
			if d.Amount != nil {
				c.TotalDonated.Add(c.TotalDonated, d.Amount)
			}
			c.DonationCount++
		}
		if balance {
			c.CurrentBalance.Add(c.CurrentBalance, d.Remaining())
		}
	}

	out := make([]model.EntityCounter, 0, len(byToken))
	for _, c := range byToken {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

func countedBy(ref model.EntityRef, d *model.Donation) (counted, balance bool) {
	if ref.Kind == model.KindDAC {
		if d.Delegate == nil || *d.Delegate != ref {
			return false, false
		}
		switch d.Status {
		case model.DonationWaiting, model.DonationToApprove:
			return true, true
		}
		return false, false
	}
	if d.Owner != ref {
		return false, false
	}
	switch d.Status {
	case model.DonationCommitted:
		return true, true
	case model.DonationPaying, model.DonationPaid:
		return true, false
	}
	return false, false
}
