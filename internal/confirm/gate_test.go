package confirm

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"pledgecache/internal/chain"
	"pledgecache/internal/indexer"
	"pledgecache/internal/model"
	"pledgecache/internal/queue"
	"pledgecache/internal/storage/memory"
)

type fakeSource struct {
	mu       sync.Mutex
	head     uint64
	receipts map[common.Hash]*types.Receipt
	lookups  int
}

func (f *fakeSource) LatestBlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return receipt, nil
}

var (
	blockA = common.HexToHash("0xaa")
	blockB = common.HexToHash("0xbb")
	txOne  = common.HexToHash("0x01")
	txTwo  = common.HexToHash("0x02")
)

func waitingEvent(block uint64, blockHash, tx common.Hash, logIndex uint64) *model.Event {
	return &model.Event{
		ID:          model.EventID(blockHash.Hex(), tx.Hex(), logIndex),
		BlockHash:   blockHash.Hex(),
		TxHash:      tx.Hex(),
		LogIndex:    logIndex,
		BlockNumber: block,
		Kind:        model.KindTransfer,
	}
}

type gateFixture struct {
	ctx    context.Context
	source *fakeSource
	store  *memory.Store
	queue  *queue.Memory
	ing    *indexer.Ingestor
	gate   *Gate
}

func newGateFixture(t *testing.T, head uint64) *gateFixture {
	t.Helper()
	f := &gateFixture{
		ctx:    context.Background(),
		source: &fakeSource{head: head, receipts: map[common.Hash]*types.Receipt{}},
		store:  memory.NewStore(),
		queue:  queue.NewMemory(),
	}
	f.ing = indexer.NewIngestor(f.store, f.queue, 6, nil, nil)
	f.gate = NewGate(f.source, f.store, f.queue, f.ing, 0, nil, nil)
	return f
}

func (f *gateFixture) ingest(t *testing.T, events ...*model.Event) {
	t.Helper()
	for _, e := range events {
		_, err := f.ing.Ingest(f.ctx, e, f.source.head)
		require.NoError(t, err)
	}
}

func (f *gateFixture) drain(t *testing.T) []string {
	t.Helper()
	var ids []string
	for {
		n, err := f.queue.Len(f.ctx)
		require.NoError(t, err)
		if n == 0 {
			return ids
		}
		id, err := f.queue.Pop(f.ctx)
		require.NoError(t, err)
		ids = append(ids, id)
	}
}

func TestTickWaitsForThreshold(t *testing.T) {
	f := newGateFixture(t, 100)
	ev := waitingEvent(98, blockA, txOne, 0)
	f.ingest(t, ev)
	f.source.receipts[txOne] = &types.Receipt{BlockHash: blockA, Status: types.ReceiptStatusSuccessful}

	promoted, err := f.gate.Tick(f.ctx)
	require.NoError(t, err)
	require.Zero(t, promoted)
	require.Zero(t, f.source.lookups)

	f.source.head = 101
	_, err = f.gate.Tick(f.ctx)
	require.NoError(t, err)
	stored, err := f.store.GetEvent(f.ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, model.EventWaiting, stored.Status)
	require.Equal(t, uint64(3), stored.Confirmations)

	f.source.head = 104
	promoted, err = f.gate.Tick(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	stored, err = f.store.GetEvent(f.ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, model.EventPending, stored.Status)
	require.Equal(t, []string{ev.ID}, f.drain(t))
}

func TestTickPushesInLogOrder(t *testing.T) {
	f := newGateFixture(t, 100)
	later := waitingEvent(97, blockB, txTwo, 0)
	second := waitingEvent(96, blockA, txOne, 4)
	first := waitingEvent(96, blockA, txOne, 1)
	f.ingest(t, later, second, first)
	f.source.receipts[txOne] = &types.Receipt{BlockHash: blockA, Status: types.ReceiptStatusSuccessful}
	f.source.receipts[txTwo] = &types.Receipt{BlockHash: blockB, Status: types.ReceiptStatusSuccessful}

	f.source.head = 110
	promoted, err := f.gate.Tick(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 3, promoted)
	require.Equal(t, []string{first.ID, second.ID, later.ID}, f.drain(t))
	// one lookup per transaction
	require.Equal(t, 2, f.source.lookups)
}

func TestTickRemovesReorganizedEvents(t *testing.T) {
	f := newGateFixture(t, 100)
	moved := waitingEvent(96, blockA, txOne, 0)
	dropped := waitingEvent(96, blockA, txTwo, 1)
	f.ingest(t, moved, dropped)
	// txOne was re-mined in another block; txTwo vanished.
	f.source.receipts[txOne] = &types.Receipt{BlockHash: blockB, Status: types.ReceiptStatusSuccessful}
	f.source.head = 102

	promoted, err := f.gate.Tick(f.ctx)
	require.NoError(t, err)
	require.Zero(t, promoted)

	remaining, err := f.store.ListEventsByStatus(f.ctx, model.EventWaiting, model.EventPending)
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.Empty(t, f.drain(t))
}

func TestTickMatchesBlockHashCaseInsensitively(t *testing.T) {
	f := newGateFixture(t, 100)
	ev := waitingEvent(96, blockA, txOne, 0)
	ev.BlockHash = "0x" + common.Bytes2Hex(blockA.Bytes())
	ev.ID = model.EventID(ev.BlockHash, ev.TxHash, 0)
	f.ingest(t, ev)
	f.source.receipts[txOne] = &types.Receipt{BlockHash: blockA, Status: types.ReceiptStatusSuccessful}
	f.source.head = 102

	promoted, err := f.gate.Tick(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)
}
