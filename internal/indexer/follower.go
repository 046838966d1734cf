package indexer

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"pledgecache/internal/retry"
)

// Subscriber is the part of the chain client that streams logs.
type Subscriber interface {
	LogSource
	SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, fromBlock uint64, ch chan<- types.Log) (ethereum.Subscription, error)
	OnReconnect(fn func())
}

// Follower tails the chain through a log subscription. Each (re)subscription
// is followed by a range sync from the checkpoint, so logs missed while the
// connection was down are pulled with eth_getLogs.
type Follower struct {
	chain      Subscriber
	runner     *Runner
	checkpoint Checkpointer
	logger     *zap.Logger
	retryDelay time.Duration

	reconnected chan struct{}
}

func NewFollower(chainClient Subscriber, runner *Runner, checkpoint Checkpointer, retryDelay time.Duration, logger *zap.Logger) *Follower {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	f := &Follower{
		chain:       chainClient,
		runner:      runner,
		checkpoint:  checkpoint,
		logger:      logger.With(zap.String("component", "follower")),
		retryDelay:  retryDelay,
		reconnected: make(chan struct{}, 1),
	}
	chainClient.OnReconnect(func() {
		select {
		case f.reconnected <- struct{}{}:
		default:
		}
	})
	return f
}

// Run follows the chain until ctx is done.
func (f *Follower) Run(ctx context.Context) error {
	for {
		if err := f.followOnce(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("subscription ended", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}

		// Prefer the reconnect notification; fall back to a plain delay in
		// case the error was not a connection loss.
		timer := time.NewTimer(f.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-f.reconnected:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (f *Follower) followOnce(ctx context.Context) error {
	// Subscribe before reading the head: blocks mined during the range sync
	// arrive on the subscription, and any overlap is deduplicated by Ingest.
	logs := make(chan types.Log, 128)
	sub, err := f.chain.SubscribeLogs(ctx, f.runner.decoder.Addresses(), f.runner.decoder.Topics(), 0, logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	head, err := f.chain.LatestBlockNumber(ctx)
	if err != nil {
		return err
	}
	if err := f.runner.SyncTo(ctx, head, head); err != nil {
		return err
	}
	f.logger.Info("subscribed to logs", zap.Uint64("head", head))

	lastBlock := head
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case log := <-logs:
			if err := f.handle(ctx, log); err != nil {
				return err
			}
			// Logs arrive block by block, so every block before this one is complete.
			if !log.Removed && log.BlockNumber > lastBlock+1 && f.checkpoint != nil {
				lastBlock = log.BlockNumber - 1
				if err := f.checkpoint.Save(ctx, lastBlock); err != nil {
					f.logger.Warn("save checkpoint failed", zap.Error(err))
				}
			}
		}
	}
}

func (f *Follower) handle(ctx context.Context, log types.Log) error {
	if !f.runner.decoder.CanDecode(log) {
		return nil
	}
	event, err := f.runner.decoder.Decode(log)
	if err != nil {
		f.logger.Warn("skip undecodable log", zap.String("tx_hash", log.TxHash.Hex()), zap.Error(err))
		return nil
	}
	if log.Removed {
		return f.ingestor().Remove(ctx, event.ID)
	}
	// The event is at the tip; the gate counts its confirmations.
	return retry.Backoff(ctx, f.runner.cfg.MaxRetries, f.runner.cfg.RetryBackoff, func(ctx context.Context) error {
		_, err := f.ingestor().Ingest(ctx, event, log.BlockNumber)
		return err
	})
}

func (f *Follower) ingestor() *Ingestor {
	return f.runner.ingestor
}
