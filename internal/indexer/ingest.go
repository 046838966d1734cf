package indexer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pledgecache/internal/metrics"
	"pledgecache/internal/model"
	"pledgecache/internal/queue"
	"pledgecache/internal/storage"
)

// Ingestor stores observed events and removes reorganized ones.
type Ingestor struct {
	store    storage.EventStore
	queue    queue.Queue
	required uint64
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewIngestor(store storage.EventStore, q queue.Queue, requiredConfirmations uint64, logger *zap.Logger, m *metrics.Metrics) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		store:    store,
		queue:    q,
		required: requiredConfirmations,
		logger:   logger.With(zap.String("component", "ingest")),
		metrics:  m,
	}
}

// RequiredConfirmations returns the promotion threshold.
func (i *Ingestor) RequiredConfirmations() uint64 {
	return i.required
}

// Confirmations returns how many blocks have been mined on top of block.
func Confirmations(head, block uint64) uint64 {
	if head <= block {
		return 0
	}
	return head - block
}

// Ingest stores e idempotently. An event that already meets the threshold at
// head is stored as Pending and queued right away; otherwise it waits for the
// confirmation gate. Reports whether e was new.
func (i *Ingestor) Ingest(ctx context.Context, e *model.Event, head uint64) (bool, error) {
	e.Confirmations = Confirmations(head, e.BlockNumber)
	if e.Confirmations >= i.required {
		e.Status = model.EventPending
	} else {
		e.Status = model.EventWaiting
	}

	created, err := i.store.UpsertEvent(ctx, e)
	if err != nil {
		return false, fmt.Errorf("upsert event %s: %w", e.ID, err)
	}
	if !created {
		return false, nil
	}

	i.metrics.RecordIngested(e.Kind.String(), string(e.Status))
	if e.Status == model.EventPending {
		if err := i.queue.Push(ctx, e.ID); err != nil {
			return true, fmt.Errorf("enqueue event %s: %w", e.ID, err)
		}
	}
	i.logger.Debug("event ingested",
		zap.String("id", e.ID),
		zap.String("event", e.Kind.String()),
		zap.String("status", string(e.Status)),
		zap.Uint64("confirmations", e.Confirmations),
	)
	return true, nil
}

// Remove deletes an event whose transaction left the canonical chain.
// Removing an event that already advanced past Waiting means the reorg was
// deeper than the confirmation threshold; it is deleted anyway and logged.
func (i *Ingestor) Remove(ctx context.Context, id string) error {
	existing, err := i.store.GetEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get event %s: %w", id, err)
	}

	if existing.Status != model.EventWaiting {
		i.logger.Error("reorg removed an event past waiting; required confirmations is too low for this reorg depth",
			zap.String("id", id),
			zap.String("event", existing.Kind.String()),
			zap.String("status", string(existing.Status)),
			zap.Uint64("block", existing.BlockNumber),
			zap.Uint64("required_confirmations", i.required),
		)
	} else {
		i.logger.Info("event removed by reorg", zap.String("id", id), zap.Uint64("block", existing.BlockNumber))
	}

	if err := i.store.DeleteEvent(ctx, id); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	i.metrics.RecordRemoved(string(existing.Status))
	return nil
}
