package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"pledgecache/internal/model"
	"pledgecache/internal/retry"
)

// LogSource is the part of the chain client the runner reads from.
type LogSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// LogDecoder turns contract logs into events.
type LogDecoder interface {
	Addresses() []common.Address
	Topics() []common.Hash
	CanDecode(log types.Log) bool
	Decode(log types.Log) (*model.Event, error)
}

// RunConfig holds runtime settings for backfill and polling.
type RunConfig struct {
	FromBlock    uint64
	ToBlock      uint64
	BatchSize    uint64
	PollInterval time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Runner pulls contract logs in block ranges and feeds them to the Ingestor.
type Runner struct {
	cfg        RunConfig
	chain      LogSource
	decoder    LogDecoder
	ingestor   *Ingestor
	checkpoint Checkpointer
	logger     *zap.Logger
}

// NewRunner builds a Runner with its dependencies. checkpoint may be nil.
func NewRunner(cfg RunConfig, chainClient LogSource, decoder LogDecoder, ingestor *Ingestor, checkpoint Checkpointer, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:        cfg,
		chain:      chainClient,
		decoder:    decoder,
		ingestor:   ingestor,
		checkpoint: checkpoint,
		logger:     logger.With(zap.String("component", "runner")),
	}
}

// Backfill ingests the configured range once, resuming from the checkpoint.
func (r *Runner) Backfill(ctx context.Context) error {
	if err := r.validate(); err != nil {
		return err
	}

	head, err := r.latestWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("get latest block: %w", err)
	}
	to := r.cfg.ToBlock
	if to == 0 || to > head {
		to = head
	}
	return r.SyncTo(ctx, to, head)
}

// Poll keeps ingesting new blocks every PollInterval until ctx is done.
func (r *Runner) Poll(ctx context.Context) error {
	if err := r.validate(); err != nil {
		return err
	}
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		head, err := r.latestWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("poll head failed", zap.Error(err))
		} else if err := r.SyncTo(ctx, head, head); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("poll sync failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncTo ingests every block after the checkpoint (or FromBlock) up to to.
// head is used to compute confirmations.
func (r *Runner) SyncTo(ctx context.Context, to, head uint64) error {
	from := r.cfg.FromBlock
	if r.checkpoint != nil {
		last, ok, err := r.checkpoint.Load(ctx)
		if err != nil {
			return err
		}
		if ok && last >= from {
			from = last + 1
			r.logger.Debug("resume from checkpoint", zap.Uint64("last_processed", last), zap.Uint64("from", from))
		}
	}

	if from > to {
		r.logger.Debug("nothing to sync", zap.Uint64("from", from), zap.Uint64("to", to))
		return nil
	}

	ranges, err := Batches(from, to, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.logger.Info("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

		logs, err := r.fetchLogs(ctx, blockRange)
		if err != nil {
			return fmt.Errorf("filter logs: %w", err)
		}

		ingested := 0
		for _, log := range logs {
			created, err := r.ingestLog(ctx, log, head)
			if err != nil {
				return err
			}
			if created {
				ingested++
			}
		}

		if r.checkpoint != nil {
			if err := r.checkpoint.Save(ctx, blockRange.To); err != nil {
				return err
			}
		}

		r.logger.Info("batch complete", zap.Int("logs", len(logs)), zap.Int("new_events", ingested), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	return nil
}

// fetchLogs reads the logs of br, halving the range while the node refuses
// it as too large.
func (r *Runner) fetchLogs(ctx context.Context, br BlockRange) ([]types.Log, error) {
	logs, err := r.filterLogsWithRetry(ctx, br.From, br.To)
	if !tooManyResults(err) {
		return logs, err
	}
	left, right, ok := br.Halve()
	if !ok {
		return nil, err
	}
	r.logger.Debug("log range too large, halving", zap.Uint64("from", br.From), zap.Uint64("to", br.To))
	first, err := r.fetchLogs(ctx, left)
	if err != nil {
		return nil, err
	}
	rest, err := r.fetchLogs(ctx, right)
	if err != nil {
		return nil, err
	}
	return append(first, rest...), nil
}

func (r *Runner) ingestLog(ctx context.Context, log types.Log, head uint64) (bool, error) {
	if log.Removed || !r.decoder.CanDecode(log) {
		return false, nil
	}
	event, err := r.decoder.Decode(log)
	if err != nil {
		r.logger.Warn("skip undecodable log", zap.String("tx_hash", log.TxHash.Hex()), zap.Uint("log_index", log.Index), zap.Error(err))
		return false, nil
	}
	return r.ingestor.Ingest(ctx, event, head)
}

func (r *Runner) validate() error {
	if r.chain == nil {
		return fmt.Errorf("chain client is nil")
	}
	if r.decoder == nil {
		return fmt.Errorf("decoder is nil")
	}
	if r.ingestor == nil {
		return fmt.Errorf("ingestor is nil")
	}
	if r.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	return nil
}

func (r *Runner) latestWithRetry(ctx context.Context) (uint64, error) {
	var head uint64
	err := retry.Backoff(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		head, err = r.chain.LatestBlockNumber(ctx)
		if err != nil {
			r.logger.Warn("latest block fetch failed", zap.Error(err))
		}
		return err
	})
	return head, err
}

func (r *Runner) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	err := retry.Backoff(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = r.chain.FilterLogs(ctx, fromBlock, toBlock, r.decoder.Addresses(), r.decoder.Topics())
		if tooManyResults(err) {
			return retry.Permanent(err)
		}
		if err != nil {
			r.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}
