package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"pledgecache/internal/chain"
	"pledgecache/internal/indexer"
	"pledgecache/internal/metrics"
	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

// Source is the part of the chain client the monitor reads.
type Source interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// LogDecoder turns receipt logs back into events.
type LogDecoder interface {
	CanDecode(log types.Log) bool
	Decode(log types.Log) (*model.Event, error)
}

// Reverter undoes cache records whose transaction never landed.
type Reverter interface {
	FailDonation(ctx context.Context, id, reason string) (bool, error)
	FailEntity(ctx context.Context, ref model.EntityRef, reason string) (bool, error)
}

const (
	reasonStale      = "transaction not mined within the staleness window"
	reasonReverted   = "transaction reverted"
	reasonSuperseded = "transaction applied without claiming this record"
)

// Report summarizes one sweep.
type Report struct {
	Checked    int
	Reverted   int
	Reinjected int
}

// Monitor periodically re-examines unmined cache records against their
// transaction receipts.
type Monitor struct {
	chain     Source
	store     storage.Store
	ingestor  *indexer.Ingestor
	decoder   LogDecoder
	reverter  Reverter
	interval  time.Duration
	staleness time.Duration
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

type Option func(*Monitor)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithStalenessWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.staleness = d
		}
	}
}

func New(source Source, store storage.Store, ingestor *indexer.Ingestor, decoder LogDecoder, reverter Reverter, opts ...Option) (*Monitor, error) {
	if source == nil || store == nil || ingestor == nil || decoder == nil || reverter == nil {
		return nil, fmt.Errorf("monitor: missing dependency")
	}
	m := &Monitor{
		chain:     source,
		store:     store,
		ingestor:  ingestor,
		decoder:   decoder,
		reverter:  reverter,
		interval:  time.Minute,
		staleness: 30 * time.Minute,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "monitor"))
	return m, nil
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		report, err := m.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			m.logger.Warn("monitor sweep failed", zap.Error(err))
		case report.Reverted > 0 || report.Reinjected > 0:
			m.logger.Info("monitor sweep repaired records",
				zap.Int("checked", report.Checked),
				zap.Int("reverted", report.Reverted),
				zap.Int("reinjected", report.Reinjected),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// txState is what the chain says about one transaction.
type txState struct {
	receipt *types.Receipt
	// settled is true when every log of a successful transaction is stored
	// and terminal, so nothing left in the queue can claim a record.
	settled bool
}

// Sweep checks every unmined donation and entity draft once.
func (m *Monitor) Sweep(ctx context.Context) (Report, error) {
	var report Report

	head, err := m.chain.LatestBlockNumber(ctx)
	if err != nil {
		return report, fmt.Errorf("get latest block: %w", err)
	}

	donations, err := m.store.FindDonations(ctx, storage.DonationFilter{Mined: storage.Bool(false)})
	if err != nil {
		return report, fmt.Errorf("find unmined donations: %w", err)
	}
	entities, err := m.store.FindEntities(ctx, storage.EntityFilter{Mined: storage.Bool(false)})
	if err != nil {
		return report, fmt.Errorf("find unmined entities: %w", err)
	}

	states := make(map[string]*txState)
	for _, d := range donations {
		if d.TxHash == "" {
			continue
		}
		report.Checked++
		reason, err := m.inspect(ctx, head, states, &report, d.TxHash, d.CreatedAt)
		if err != nil {
			return report, err
		}
		if reason == "" {
			continue
		}
		changed, err := m.reverter.FailDonation(ctx, d.ID, reason)
		if err != nil {
			return report, fmt.Errorf("revert donation %s: %w", d.ID, err)
		}
		if changed {
			report.Reverted++
			m.metrics.RecordRepair("revert_donation")
		}
	}

	for _, entity := range entities {
		base := entity.Base()
		if base.TxHash == "" || base.Status == model.EntityFailed {
			continue
		}
		report.Checked++
		reason, err := m.inspect(ctx, head, states, &report, base.TxHash, base.CreatedAt)
		if err != nil {
			return report, err
		}
		if reason == "" {
			continue
		}
		changed, err := m.reverter.FailEntity(ctx, entity.Ref(), reason)
		if err != nil {
			return report, fmt.Errorf("revert %s: %w", entity.Ref(), err)
		}
		if changed {
			report.Reverted++
			m.metrics.RecordRepair("revert_entity")
		}
	}
	return report, nil
}

// inspect returns a non-empty reason when the record tied to txHash should be
// reverted.
func (m *Monitor) inspect(ctx context.Context, head uint64, states map[string]*txState, report *Report, txHash string, createdAt time.Time) (string, error) {
	key := strings.ToLower(txHash)
	state, ok := states[key]
	if !ok {
		var err error
		state, err = m.load(ctx, head, txHash, report)
		if err != nil {
			m.logger.Warn("receipt check failed; retry next sweep", zap.String("tx_hash", txHash), zap.Error(err))
			state = nil
		}
		states[key] = state
	}

	switch {
	case state == nil:
		return "", nil
	case state.receipt == nil:
		if m.now().Sub(createdAt) < m.staleness {
			return "", nil
		}
		return reasonStale, nil
	case state.receipt.Status != types.ReceiptStatusSuccessful:
		// A shallow failure can still be reorged out and re-mined.
		if !m.deepEnough(head, state.receipt) {
			return "", nil
		}
		return reasonReverted, nil
	case state.settled:
		return reasonSuperseded, nil
	}
	return "", nil
}

func (m *Monitor) load(ctx context.Context, head uint64, txHash string, report *Report) (*txState, error) {
	receipt, err := m.chain.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, chain.ErrNotFound) {
		return &txState{}, nil
	}
	if err != nil {
		return nil, err
	}
	state := &txState{receipt: receipt}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return state, nil
	}

	existing, err := m.store.ListEventsByTx(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("list events of %s: %w", txHash, err)
	}

	// The live feed may have dropped some of these logs; ingesting is
	// idempotent so re-reading logs we already hold is harmless.
	reinjected := 0
	for _, log := range receipt.Logs {
		if log == nil || !m.decoder.CanDecode(*log) {
			continue
		}
		ev, err := m.decoder.Decode(*log)
		if err != nil {
			m.logger.Warn("skipping undecodable receipt log", zap.String("tx_hash", txHash), zap.Uint("log_index", log.Index), zap.Error(err))
			continue
		}
		created, err := m.ingestor.Ingest(ctx, ev, head)
		if err != nil {
			return nil, err
		}
		if created {
			reinjected++
			report.Reinjected++
			m.metrics.RecordRepair("reinject")
			m.logger.Info("missed event reinjected", zap.String("id", ev.ID), zap.String("event", ev.Kind.String()))
		}
	}

	// Settled only when no log of the receipt was missing and every event
	// already held for the transaction is terminal.
	state.settled = reinjected == 0 && len(existing) > 0 && allTerminal(existing)
	return state, nil
}

func (m *Monitor) deepEnough(head uint64, receipt *types.Receipt) bool {
	if receipt.BlockNumber == nil || !receipt.BlockNumber.IsUint64() {
		return false
	}
	return indexer.Confirmations(head, receipt.BlockNumber.Uint64()) >= m.ingestor.RequiredConfirmations()
}

func allTerminal(events []*model.Event) bool {
	for _, ev := range events {
		if !ev.Status.Terminal() {
			return false
		}
	}
	return true
}
