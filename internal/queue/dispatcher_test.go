package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pledgecache/internal/ledger"
	"pledgecache/internal/model"
	"pledgecache/internal/storage/memory"
)

type step struct {
	res ledger.Result
	err error
}

// scriptedHandler replays steps in order and then keeps returning Applied.
type scriptedHandler struct {
	mu       sync.Mutex
	store    *memory.Store
	steps    []step
	calls    int
	statuses []model.EventStatus
}

func (h *scriptedHandler) Handle(ctx context.Context, ev *model.Event) (ledger.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stored, err := h.store.GetEvent(ctx, ev.ID)
	if err == nil {
		h.statuses = append(h.statuses, stored.Status)
	}
	h.calls++
	if len(h.steps) == 0 {
		return ledger.Result{Outcome: ledger.Applied}, nil
	}
	next := h.steps[0]
	h.steps = h.steps[1:]
	return next.res, next.err
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type dispatchFixture struct {
	ctx     context.Context
	store   *memory.Store
	queue   *Memory
	handler *scriptedHandler
	done    chan error
	cancel  context.CancelFunc
}

func startDispatcher(t *testing.T, pending []string, steps ...step) *dispatchFixture {
	t.Helper()
	store := memory.NewStore()
	for i, id := range pending {
		_, err := store.UpsertEvent(context.Background(), &model.Event{ID: id, TxHash: "0x" + id, LogIndex: uint64(i), Kind: model.KindTransfer, Status: model.EventPending})
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &dispatchFixture{
		ctx:     ctx,
		store:   store,
		queue:   NewMemory(),
		handler: &scriptedHandler{store: store, steps: steps},
		done:    make(chan error, 1),
		cancel:  cancel,
	}
	d := NewDispatcher(f.queue, store, f.handler, DispatchConfig{
		RetryDelay:   time.Millisecond,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, nil, nil)
	go func() { f.done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Errorf("dispatcher did not stop")
		}
	})
	return f
}

func (f *dispatchFixture) waitStatus(t *testing.T, id string, want model.EventStatus) *model.Event {
	t.Helper()
	var ev *model.Event
	require.Eventually(t, func() bool {
		got, err := f.store.GetEvent(context.Background(), id)
		if err != nil {
			return false
		}
		ev = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return ev
}

func TestDispatcherResumesPendingAndMarksProcessing(t *testing.T) {
	f := startDispatcher(t, []string{"e1"})

	f.waitStatus(t, "e1", model.EventProcessed)
	require.Equal(t, 1, f.handler.callCount())
	require.Equal(t, []model.EventStatus{model.EventProcessing}, f.handler.statuses)
}

func TestDispatcherDropsDuplicates(t *testing.T) {
	f := startDispatcher(t, []string{"e1"})
	require.NoError(t, f.queue.Push(f.ctx, "e1", "e1", "missing"))

	f.waitStatus(t, "e1", model.EventProcessed)
	require.Eventually(t, func() bool {
		n, _ := f.queue.Len(f.ctx)
		return n == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.handler.callCount())
}

func TestDispatcherRetriesLookupMissOnce(t *testing.T) {
	miss := step{res: ledger.Result{Outcome: ledger.NotFound, Reason: "owner admin 7 not registered"}}
	f := startDispatcher(t, []string{"e1"}, miss, miss)

	ev := f.waitStatus(t, "e1", model.EventProcessed)
	require.Equal(t, 2, f.handler.callCount())
	require.Equal(t, "owner admin 7 not registered", ev.Error)
}

func TestDispatcherLookupMissThenApplied(t *testing.T) {
	miss := step{res: ledger.Result{Outcome: ledger.NotFound, Reason: "not yet"}}
	f := startDispatcher(t, []string{"e1"}, miss)

	ev := f.waitStatus(t, "e1", model.EventProcessed)
	require.Equal(t, 2, f.handler.callCount())
	require.Empty(t, ev.Error)
}

func TestDispatcherFailsOnInvariant(t *testing.T) {
	broken := step{err: fmt.Errorf("pledge 4: %w", ledger.ErrInvariant)}
	f := startDispatcher(t, []string{"e1", "e2"}, broken)

	ev := f.waitStatus(t, "e1", model.EventFailed)
	require.Contains(t, ev.Error, "invariant")
	f.waitStatus(t, "e2", model.EventProcessed)
	require.Equal(t, 2, f.handler.callCount())
}

func TestDispatcherBacksOffThenFails(t *testing.T) {
	boom := step{err: errors.New("rpc unavailable")}
	f := startDispatcher(t, []string{"e1"}, boom, boom, boom)

	ev := f.waitStatus(t, "e1", model.EventFailed)
	require.Equal(t, "rpc unavailable", ev.Error)
	require.Equal(t, 3, f.handler.callCount())
}

func TestDispatcherRecoversFromTransientError(t *testing.T) {
	f := startDispatcher(t, []string{"e1"}, step{err: errors.New("timeout")})

	ev := f.waitStatus(t, "e1", model.EventProcessed)
	require.Empty(t, ev.Error)
	require.Equal(t, 2, f.handler.callCount())
}

func TestDispatcherStopsWhenQueueCloses(t *testing.T) {
	f := startDispatcher(t, nil)
	require.NoError(t, f.queue.Close())
	select {
	case err := <-f.done:
		require.NoError(t, err)
		f.done <- nil
	case <-time.After(time.Second):
		t.Fatalf("dispatcher kept running after close")
	}
}
