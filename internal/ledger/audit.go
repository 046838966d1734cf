package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"pledgecache/internal/liquidpledging"
	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

// PledgeBatcher reads many pledges in one round trip.
type PledgeBatcher interface {
	GetPledges(ctx context.Context, ids []uint64) ([]liquidpledging.Pledge, error)
}

// Mismatch is a pledge whose cached balance disagrees with the chain.
type Mismatch struct {
	PledgeID uint64
	Cached   *big.Int
	Chain    *big.Int
}

// Audit compares, for every pledge holding live donations, the cached sum of
// remaining amounts with the chain balance. It returns the mismatches and the
// number of pledges checked.
func Audit(ctx context.Context, store storage.DonationStore, chain PledgeBatcher, batchSize int) ([]Mismatch, int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	donations, err := store.FindDonations(ctx, storage.DonationFilter{Mined: storage.Bool(true), HasRemaining: true})
	if err != nil {
		return nil, 0, fmt.Errorf("find live donations: %w", err)
	}

	cached := make(map[uint64]*big.Int)
	for _, d := range donations {
		if !d.Status.Live() || d.Status == model.DonationRejected {
			continue
		}
		sum, ok := cached[d.PledgeID]
		if !ok {
			sum = new(big.Int)
			cached[d.PledgeID] = sum
		}
		sum.Add(sum, d.Remaining())
	}

	ids := make([]uint64, 0, len(cached))
	for id := range cached {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	mismatches := make([]Mismatch, 0)
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		pledges, err := chain.GetPledges(ctx, ids[start:end])
		if err != nil {
			return nil, 0, fmt.Errorf("get pledges: %w", err)
		}
		for i, pledge := range pledges {
			id := ids[start+i]
			amount := pledge.Amount
			if amount == nil {
				amount = new(big.Int)
			}
			if cached[id].Cmp(amount) != 0 {
				mismatches = append(mismatches, Mismatch{PledgeID: id, Cached: cached[id], Chain: amount})
			}
		}
	}
	return mismatches, len(ids), nil
}
