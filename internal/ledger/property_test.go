package ledger

import (
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"pledgecache/internal/liquidpledging"
)

// TestConservation replays random origination and transfer sequences against
// the simulated contract and checks that every pledge's cached balance equals
// the chain balance afterwards.
func TestConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("cached balances follow the chain", prop.ForAll(
		func(ops []uint32) bool {
			h := newHarness(t)
			giver := h.giver(giverAddr)
			dac := h.dac(dacAddr)
			campaign := h.project(campaignAddr, 0)
			milestone := h.project(campaignAddr, campaign)

			pledges := []uint64{
				h.chain.pledge(giver, nil, 0, liquidpledging.Pledged),
				h.chain.pledge(giver, []uint64{dac}, 0, liquidpledging.Pledged),
				h.chain.pledge(campaign, nil, 0, liquidpledging.Pledged),
				h.chain.pledge(milestone, nil, 0, liquidpledging.Pledged),
			}

			for _, op := range ops {
				amount := int64(op>>8)%1000 + 1
				if op%3 == 0 {
					if h.transfer(0, pledges[0], amount).Outcome != Applied {
						return false
					}
					continue
				}
				from := pledges[(op>>2)%4]
				to := pledges[(op>>4)%4]
				if from == to {
					continue
				}
				available := h.chain.balance(from)
				if available.Sign() == 0 {
					continue
				}
				if big.NewInt(amount).Cmp(available) > 0 {
					amount = available.Int64()
				}
				if h.transfer(from, to, amount).Outcome != Applied {
					return false
				}
			}

			for _, p := range pledges {
				if h.chain.balance(p).Cmp(h.cachedBalance(p)) != 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(15, gen.UInt32()),
	))

	properties.TestingRun(t)
}
