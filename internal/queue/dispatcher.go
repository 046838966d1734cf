package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"pledgecache/internal/ledger"
	"pledgecache/internal/metrics"
	"pledgecache/internal/model"
	"pledgecache/internal/retry"
	"pledgecache/internal/storage"
)

// Handler applies one event to the cache.
type Handler interface {
	Handle(ctx context.Context, ev *model.Event) (ledger.Result, error)
}

// DispatchConfig holds the dispatcher retry settings.
type DispatchConfig struct {
	// RetryDelay is the bounded wait before the single retry of a lookup miss.
	RetryDelay time.Duration
	// MaxRetries and RetryBackoff govern unexpected handler errors.
	MaxRetries   int
	RetryBackoff time.Duration
}

// Dispatcher is the single consumer of the queue. Exactly one handler runs
// at a time, so ledger mutations never race each other.
type Dispatcher struct {
	queue   Queue
	store   storage.EventStore
	handler Handler
	cfg     DispatchConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(q Queue, store storage.EventStore, handler Handler, cfg DispatchConfig, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Dispatcher{
		queue:   q,
		store:   store,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "dispatcher")),
		metrics: m,
	}
}

// Run consumes the queue until ctx is done or the queue is closed. Pending
// events that were stored but never queued are pushed again first. A handler
// that is running when ctx is canceled is allowed to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.resume(ctx); err != nil {
		return err
	}

	for {
		id, err := d.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			d.logger.Warn("queue pop failed", zap.Error(err))
			if err := retry.Sleep(ctx, d.cfg.RetryBackoff); err != nil {
				return nil
			}
			continue
		}

		d.process(ctx, id)

		if n, err := d.queue.Len(ctx); err == nil {
			d.metrics.SetQueueDepth(n)
		}
	}
}

func (d *Dispatcher) resume(ctx context.Context) error {
	pending, err := d.store.ListEventsByStatus(ctx, model.EventPending)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(pending))
	for _, ev := range pending {
		ids = append(ids, ev.ID)
	}
	if err := d.queue.Push(ctx, ids...); err != nil {
		return err
	}

	stuck, err := d.store.ListEventsByStatus(ctx, model.EventProcessing)
	if err != nil {
		return err
	}
	for _, ev := range stuck {
		d.logger.Warn("event left processing by an earlier run; requeue it after inspection",
			zap.String("id", ev.ID),
			zap.String("event", ev.Kind.String()),
			zap.String("tx_hash", ev.TxHash),
		)
	}
	d.logger.Info("dispatcher started", zap.Int("requeued", len(ids)), zap.Int("processing", len(stuck)))
	return nil
}

// process claims one event and runs the handler on it.
func (d *Dispatcher) process(ctx context.Context, id string) {
	// Store writes after the claim must land even during shutdown.
	wctx := context.WithoutCancel(ctx)

	claimed, err := d.store.TransitionEvent(wctx, id, []model.EventStatus{model.EventPending}, model.EventProcessing, "")
	if errors.Is(err, storage.ErrNotFound) {
		d.logger.Debug("queued event no longer exists", zap.String("id", id))
		return
	}
	if err != nil {
		d.logger.Error("claim event failed", zap.String("id", id), zap.Error(err))
		if err := d.queue.Push(wctx, id); err != nil {
			d.logger.Error("requeue event failed", zap.String("id", id), zap.Error(err))
		}
		return
	}
	if !claimed {
		d.logger.Debug("skip event that is not pending", zap.String("id", id))
		return
	}

	ev, err := d.store.GetEvent(wctx, id)
	if err != nil {
		d.finish(wctx, id, model.KindUnknown, model.EventFailed, err.Error(), "failed", 0)
		return
	}

	start := time.Now()
	status, errText, outcome, interrupted := d.apply(ctx, ev)
	if interrupted {
		if _, err := d.store.TransitionEvent(wctx, id, []model.EventStatus{model.EventProcessing}, model.EventPending, ""); err != nil {
			d.logger.Error("release event on shutdown failed", zap.String("id", id), zap.Error(err))
		}
		return
	}
	d.finish(wctx, id, ev.Kind, status, errText, outcome, time.Since(start))
}

// apply runs the handler with the retry policy: a lookup miss is retried
// once after RetryDelay and then recorded as processed with the reason; an
// invariant violation fails at once; other errors back off up to MaxRetries.
// interrupted reports that ctx ended while waiting to retry.
func (d *Dispatcher) apply(ctx context.Context, ev *model.Event) (status model.EventStatus, errText, outcome string, interrupted bool) {
	hctx := context.WithoutCancel(ctx)
	missRetried := false
	delay := d.cfg.RetryBackoff

	for attempt := 0; ; attempt++ {
		res, err := d.handler.Handle(hctx, ev)
		switch {
		case err == nil && res.Outcome == ledger.NotFound:
			if !missRetried {
				missRetried = true
				d.logger.Debug("lookup miss, retrying once", zap.String("id", ev.ID), zap.String("reason", res.Reason))
				if retry.Sleep(ctx, d.cfg.RetryDelay) != nil {
					return "", "", "", true
				}
				continue
			}
			d.logger.Warn("lookup miss persisted; event left processed",
				zap.String("id", ev.ID),
				zap.String("event", ev.Kind.String()),
				zap.String("reason", res.Reason),
			)
			return model.EventProcessed, res.Reason, res.Outcome.String(), false

		case err == nil:
			return model.EventProcessed, "", res.Outcome.String(), false

		case errors.Is(err, ledger.ErrInvariant):
			return model.EventFailed, err.Error(), "failed", false

		default:
			if attempt >= d.cfg.MaxRetries {
				return model.EventFailed, err.Error(), "failed", false
			}
			d.logger.Warn("handler failed, retrying",
				zap.String("id", ev.ID),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if retry.Sleep(ctx, delay) != nil {
				return "", "", "", true
			}
			delay *= 2
		}
	}
}

func (d *Dispatcher) finish(ctx context.Context, id string, kind model.EventKind, status model.EventStatus, errText, outcome string, elapsed time.Duration) {
	if _, err := d.store.TransitionEvent(ctx, id, []model.EventStatus{model.EventProcessing}, status, errText); err != nil {
		d.logger.Error("record event result failed", zap.String("id", id), zap.Error(err))
	}
	d.metrics.ObserveHandled(kind.String(), outcome, elapsed)

	if status == model.EventFailed {
		d.logger.Error("event failed", zap.String("id", id), zap.String("event", kind.String()), zap.String("error", errText))
		return
	}
	d.logger.Debug("event handled", zap.String("id", id), zap.String("event", kind.String()), zap.String("outcome", outcome))
}
