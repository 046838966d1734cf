package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pledgecache/internal/chain"
	"pledgecache/internal/config"
	"pledgecache/internal/indexer"
	"pledgecache/internal/ledger"
	"pledgecache/internal/liquidpledging"
	"pledgecache/internal/metrics"
	"pledgecache/internal/queue"
	"pledgecache/internal/storage"
	"pledgecache/internal/storage/memory"
	"pledgecache/internal/storage/postgres"
)

// app holds the components every command shares. Fields are nil until the
// matching open* call.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	chain    *chain.Client
	contract *liquidpledging.Contract
	decoder  *liquidpledging.Decoder
	store    storage.Store
	pg       *postgres.Store
	queue    queue.Queue
	engine   *ledger.Engine

	closers []func()
}

func setup(cmd *cobra.Command) (*app, context.Context, context.CancelFunc, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{cfg: cfg, logger: logger, metrics: metrics.Default()}
	return a, ctx, stop, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func (a *app) openChain(ctx context.Context) error {
	if a.cfg.RPCURL == "" {
		return fmt.Errorf("rpc is required")
	}
	opts := []chain.Option{
		chain.WithLogger(a.logger),
		chain.WithMetrics(a.metrics),
	}
	if a.cfg.RPCRate > 0 {
		opts = append(opts, chain.WithRateLimit(a.cfg.RPCRate, a.cfg.RPCBurst))
	}
	client, err := chain.Dial(ctx, a.cfg.RPCURL, opts...)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	a.chain = client
	a.closers = append(a.closers, client.Close)

	pledging, vault, err := a.cfg.ContractAddresses()
	if err != nil {
		return err
	}
	a.contract, err = liquidpledging.NewContract(client, pledging)
	if err != nil {
		return err
	}
	a.decoder, err = liquidpledging.NewDecoder(pledging, vault)
	return err
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case "memory":
		a.logger.Warn("using in-memory store; the cache is lost on exit")
		a.store = memory.NewStore()
	case "postgres":
		if a.cfg.PGDSN == "" {
			return fmt.Errorf("pg-dsn is required for postgres store")
		}
		pg, err := postgres.NewStore(ctx, a.cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.pg = pg
		a.store = pg
	default:
		return fmt.Errorf("unknown store %q", a.cfg.Store)
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func (a *app) openQueue(ctx context.Context) error {
	switch a.cfg.Queue {
	case "memory":
		a.queue = queue.NewMemory()
	case "redis":
		q, err := queue.NewRedis(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB, a.cfg.RedisKey)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.queue = q
	default:
		return fmt.Errorf("unknown queue %q", a.cfg.Queue)
	}
	q := a.queue
	a.closers = append(a.closers, func() { _ = q.Close() })
	return nil
}

func (a *app) openEngine() error {
	engine, err := ledger.New(a.store, a.contract,
		ledger.WithLogger(a.logger),
		ledger.WithPolicy(a.cfg),
		ledger.WithBlockTimes(a.chain),
		ledger.WithRetryDelay(a.cfg.RetryDelay),
	)
	if err != nil {
		return err
	}
	a.engine = engine
	return nil
}

func (a *app) ingestor() *indexer.Ingestor {
	return indexer.NewIngestor(a.store, a.queue, a.cfg.RequiredConfirmations, a.logger, a.metrics)
}

func (a *app) checkpoint() indexer.Checkpointer {
	if a.pg != nil {
		return indexer.NewStateCheckpoint(a.store, "last_block")
	}
	return indexer.NewFileCheckpoint(a.cfg.Checkpoint, a.cfg.LiquidPledging)
}

func (a *app) runConfig() indexer.RunConfig {
	return indexer.RunConfig{
		FromBlock:    a.cfg.FromBlock,
		ToBlock:      a.cfg.ToBlock,
		BatchSize:    a.cfg.BatchSize,
		PollInterval: a.cfg.PollInterval,
		MaxRetries:   a.cfg.MaxRetries,
		RetryBackoff: a.cfg.RetryBackoff,
	}
}
