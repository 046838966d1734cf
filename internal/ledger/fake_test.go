package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"pledgecache/internal/liquidpledging"
	"pledgecache/internal/model"
	"pledgecache/internal/storage"
	"pledgecache/internal/storage/memory"
)

var testToken = common.HexToAddress("0x00000000000000000000000000000000000000e7")

// fakeLedger simulates the pledge contract: admins, pledges keyed by their
// attributes, and balance moves between them.
type fakeLedger struct {
	mu        sync.Mutex
	admins    map[uint64]liquidpledging.PledgeAdmin
	pledges   map[uint64]*liquidpledging.Pledge
	delegates map[uint64][]uint64
	canceled  map[uint64]bool
	nextAdmin uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		admins:    make(map[uint64]liquidpledging.PledgeAdmin),
		pledges:   make(map[uint64]*liquidpledging.Pledge),
		delegates: make(map[uint64][]uint64),
		canceled:  make(map[uint64]bool),
	}
}

func (f *fakeLedger) addAdmin(typ liquidpledging.AdminType, addr, name string, parent uint64, plugin string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAdmin++
	id := f.nextAdmin
	f.admins[id] = liquidpledging.PledgeAdmin{
		ID:            id,
		Type:          typ,
		Addr:          common.HexToAddress(addr),
		Name:          name,
		URL:           "ipfs://" + name,
		ParentProject: parent,
		Plugin:        common.HexToAddress(plugin),
	}
	return id
}

func (f *fakeLedger) rename(id uint64, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	admin := f.admins[id]
	admin.Name = name
	f.admins[id] = admin
}

// pledge returns the id of the pledge with these attributes, creating it
// with a zero balance when needed.
func (f *fakeLedger) pledge(owner uint64, delegates []uint64, intended uint64, state liquidpledging.PledgeState) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.pledges {
		if p.Owner == owner && p.IntendedProject == intended && p.State == state && sameIDs(f.delegates[id], delegates) {
			return id
		}
	}
	id := uint64(len(f.pledges) + 1)
	f.pledges[id] = &liquidpledging.Pledge{
		ID:              id,
		Amount:          new(big.Int),
		Owner:           owner,
		NDelegates:      uint64(len(delegates)),
		IntendedProject: intended,
		Token:           testToken,
		State:           state,
	}
	f.delegates[id] = append([]uint64(nil), delegates...)
	return id
}

func (f *fakeLedger) move(from, to uint64, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if from != 0 {
		src := f.pledges[from]
		src.Amount = new(big.Int).Sub(src.Amount, amount)
	}
	dst := f.pledges[to]
	dst.Amount = new(big.Int).Add(dst.Amount, amount)
}

func (f *fakeLedger) balance(id uint64) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.pledges[id].Amount)
}

func (f *fakeLedger) GetPledge(_ context.Context, id uint64) (liquidpledging.Pledge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pledges[id]
	if !ok {
		return liquidpledging.Pledge{}, fmt.Errorf("pledge %d does not exist", id)
	}
	out := *p
	out.Amount = new(big.Int).Set(p.Amount)
	return out, nil
}

func (f *fakeLedger) GetPledges(ctx context.Context, ids []uint64) ([]liquidpledging.Pledge, error) {
	out := make([]liquidpledging.Pledge, 0, len(ids))
	for _, id := range ids {
		p, err := f.GetPledge(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeLedger) GetPledgeAdmin(_ context.Context, id uint64) (liquidpledging.PledgeAdmin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	admin, ok := f.admins[id]
	if !ok {
		return liquidpledging.PledgeAdmin{}, fmt.Errorf("admin %d does not exist", id)
	}
	admin.Canceled = f.canceled[id]
	return admin, nil
}

func (f *fakeLedger) GetPledgeDelegate(_ context.Context, pledgeID, idx uint64) (liquidpledging.Delegate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delegates := f.delegates[pledgeID]
	if idx == 0 || idx > uint64(len(delegates)) {
		return liquidpledging.Delegate{}, fmt.Errorf("pledge %d has no delegate %d", pledgeID, idx)
	}
	id := delegates[idx-1]
	return liquidpledging.Delegate{ID: id, Addr: f.admins[id].Addr, Name: f.admins[id].Name}, nil
}

func (f *fakeLedger) IsProjectCanceled(_ context.Context, id uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id != 0 {
		if f.canceled[id] {
			return true, nil
		}
		id = f.admins[id].ParentProject
	}
	return false, nil
}

func sameIDs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type testPolicy struct {
	tokens map[string]bool
	owners map[string]bool
}

func (p testPolicy) TokenAllowed(addr string) bool {
	return p.tokens == nil || p.tokens[strings.ToLower(addr)]
}

func (p testPolicy) OwnerAllowed(addr string) bool {
	return p.owners == nil || p.owners[strings.ToLower(addr)]
}

func (testPolicy) Symbol(string) string {
	return "ETH"
}

// harness wires an Engine to the memory store and the fake contract, with a
// deterministic clock and id sequence.
type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	chain  *fakeLedger
	engine *Engine
	seq    int
	ticks  int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: memory.NewStore(),
		chain: newFakeLedger(),
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	defaults := []Option{
		WithRetryDelay(time.Millisecond),
		WithPolicy(testPolicy{}),
		WithClock(func() time.Time {
			h.ticks++
			return base.Add(time.Duration(h.ticks) * time.Second)
		}),
		WithIDGenerator(func() string {
			h.seq++
			return fmt.Sprintf("id-%04d", h.seq)
		}),
	}
	engine, err := New(h.store, h.chain, append(defaults, opts...)...)
	require.NoError(t, err)
	h.engine = engine
	return h
}

var eventSeq int

func (h *harness) event(kind model.EventKind, values ...string) *model.Event {
	eventSeq++
	tx := fmt.Sprintf("0x%064x", eventSeq)
	return h.eventInTx(tx, kind, values...)
}

func (h *harness) eventInTx(tx string, kind model.EventKind, values ...string) *model.Event {
	eventSeq++
	blockHash := fmt.Sprintf("0x%064x", 1000000+eventSeq)
	return &model.Event{
		ID:           model.EventID(blockHash, tx, uint64(eventSeq)),
		BlockHash:    blockHash,
		TxHash:       tx,
		LogIndex:     uint64(eventSeq),
		BlockNumber:  uint64(100 + eventSeq),
		Kind:         kind,
		ReturnValues: values,
		Status:       model.EventProcessing,
	}
}

func (h *harness) handle(ev *model.Event) Result {
	h.t.Helper()
	res, err := h.engine.Handle(h.ctx, ev)
	require.NoError(h.t, err)
	return res
}

func u(v uint64) string {
	return fmt.Sprintf("%d", v)
}

func (h *harness) giver(addr string) uint64 {
	h.t.Helper()
	id := h.chain.addAdmin(liquidpledging.AdminGiver, addr, "giver", 0, "")
	require.Equal(h.t, Applied, h.handle(h.event(model.KindGiverAdded, u(id), "")).Outcome)
	return id
}

func (h *harness) dac(addr string) uint64 {
	h.t.Helper()
	id := h.chain.addAdmin(liquidpledging.AdminDelegate, addr, "dac", 0, "")
	require.Equal(h.t, Applied, h.handle(h.event(model.KindDelegateAdded, u(id), "")).Outcome)
	return id
}

func (h *harness) project(addr string, parent uint64) uint64 {
	h.t.Helper()
	id := h.chain.addAdmin(liquidpledging.AdminProject, addr, "project", parent, "")
	require.Equal(h.t, Applied, h.handle(h.event(model.KindProjectAdded, u(id), "")).Outcome)
	return id
}

// transfer moves amount on the fake chain and applies the matching event.
func (h *harness) transfer(from, to uint64, amount int64) Result {
	h.t.Helper()
	return h.transferInTx(fmt.Sprintf("0x%064x", 5000000+eventSeq), from, to, amount)
}

func (h *harness) transferInTx(tx string, from, to uint64, amount int64) Result {
	h.t.Helper()
	h.chain.move(from, to, big.NewInt(amount))
	return h.handle(h.eventInTx(tx, model.KindTransfer, u(from), u(to), fmt.Sprintf("%d", amount)))
}

func (h *harness) at(pledgeID uint64) []*model.Donation {
	h.t.Helper()
	found, err := h.store.FindDonations(h.ctx, storage.DonationFilter{PledgeID: storage.Uint64(pledgeID)})
	require.NoError(h.t, err)
	return found
}

func (h *harness) ref(adminID uint64) model.EntityRef {
	h.t.Helper()
	admin, ok, err := h.engine.Admin(h.ctx, adminID)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	return admin.Ref()
}

func (h *harness) cachedBalance(pledgeID uint64) *big.Int {
	sum := new(big.Int)
	for _, d := range h.at(pledgeID) {
		if d.Mined && d.Status.Live() && d.Status != model.DonationRejected {
			sum.Add(sum, d.Remaining())
		}
	}
	return sum
}

func amt(v int64) *big.Int {
	return big.NewInt(v)
}
