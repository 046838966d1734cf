package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pledgecache/internal/confirm"
	"pledgecache/internal/indexer"
	"pledgecache/internal/monitor"
	"pledgecache/internal/queue"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Follow the chain and keep the cache reconciled",
		RunE:  runService,
	}
	cmd.Flags().Uint64("required-confirmations", 6, "blocks required on top of an event before it is applied")
	cmd.Flags().Uint64("from", 0, "start block when no checkpoint exists")
	cmd.Flags().Uint64("batch-size", 2000, "blocks per eth_getLogs request")
	cmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path (memory store only)")
	cmd.Flags().Duration("poll-interval", 15*time.Second, "poll interval for http endpoints")
	cmd.Flags().Duration("gate-interval", 15*time.Second, "confirmation sweep interval")
	cmd.Flags().Duration("monitor-interval", time.Minute, "failed-transaction sweep interval")
	cmd.Flags().Duration("staleness-window", 30*time.Minute, "age after which an unmined record without a receipt is reverted")
	cmd.Flags().Duration("retry-delay", 5*time.Second, "bounded wait before retrying a lookup miss")
	cmd.Flags().Int("max-retries", 5, "maximum retry attempts for transient errors")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	cmd.Flags().String("metrics-addr", ":9090", "ops listen address (/healthz, /metrics)")
	cmd.Flags().StringSlice("allowed-owners", nil, "owner address allow-list, empty allows all")
	cmd.Flags().String("tokens", "", "token allow-list (addr=SYMBOL:decimals,...)")
	return cmd
}

func runService(cmd *cobra.Command, _ []string) error {
	a, ctx, stop, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.close()

	if err := a.cfg.Validate(); err != nil {
		return err
	}
	if err := a.openChain(ctx); err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if a.pg != nil {
		if err := a.pg.Migrate(ctx); err != nil {
			return err
		}
	}
	if err := a.openQueue(ctx); err != nil {
		return err
	}
	if err := a.openEngine(); err != nil {
		return err
	}

	ing := a.ingestor()
	cp := a.checkpoint()
	runner := indexer.NewRunner(a.runConfig(), a.chain, a.decoder, ing, cp, a.logger)
	gate := confirm.NewGate(a.chain, a.store, a.queue, ing, a.cfg.GateInterval, a.logger, a.metrics)
	dispatcher := queue.NewDispatcher(a.queue, a.store, a.engine, queue.DispatchConfig{
		RetryDelay:   a.cfg.RetryDelay,
		MaxRetries:   a.cfg.MaxRetries,
		RetryBackoff: a.cfg.RetryBackoff,
	}, a.logger, a.metrics)
	mon, err := monitor.New(a.chain, a.store, ing, a.decoder, a.engine,
		monitor.WithLogger(a.logger),
		monitor.WithMetrics(a.metrics),
		monitor.WithInterval(a.cfg.MonitorInterval),
		monitor.WithStalenessWindow(a.cfg.StalenessWindow),
	)
	if err != nil {
		return err
	}

	streaming := isStreamingURL(a.cfg.RPCURL)
	a.logger.Info("pledgecache start",
		zap.String("rpc", a.cfg.RPCURL),
		zap.Bool("streaming", streaming),
		zap.String("store", a.cfg.Store),
		zap.String("queue", a.cfg.Queue),
		zap.Uint64("required_confirmations", a.cfg.RequiredConfirmations),
		zap.Uint64("from", a.cfg.FromBlock),
		zap.String("metrics_addr", a.cfg.MetricsAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(a.chain.Watch(gctx))
	})
	g.Go(func() error {
		if streaming {
			return indexer.NewFollower(a.chain, runner, cp, a.cfg.RetryDelay, a.logger).Run(gctx)
		}
		return runner.Poll(gctx)
	})
	var heads <-chan struct{}
	if streaming {
		heads = headTrigger(gctx, a, a.logger)
	}
	g.Go(func() error {
		return gate.Run(gctx, heads)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return mon.Run(gctx)
	})
	g.Go(func() error {
		return serveOps(gctx, a.cfg.MetricsAddr, a.chain, a.logger)
	})

	err = g.Wait()
	a.logger.Info("pledgecache stopped", zap.Error(err))
	return err
}

func isStreamingURL(url string) bool {
	url = strings.ToLower(url)
	return strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") || strings.HasSuffix(url, ".ipc")
}

// headTrigger nudges the gate on every new head so confirmations are not held
// back by the sweep interval.
func headTrigger(ctx context.Context, a *app, logger *zap.Logger) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			headers := make(chan *types.Header, 16)
			sub, err := a.chain.SubscribeNewHead(ctx, headers)
			if err != nil {
				logger.Debug("new head subscription failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(a.cfg.RetryDelay):
				}
				continue
			}
		loop:
			for {
				select {
				case <-ctx.Done():
					sub.Unsubscribe()
					return
				case err := <-sub.Err():
					logger.Debug("new head subscription ended", zap.Error(err))
					break loop
				case <-headers:
					select {
					case out <- struct{}{}:
					default:
					}
				}
			}
		}
	}()
	return out
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
