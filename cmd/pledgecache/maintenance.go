package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pledgecache/internal/indexer"
	"pledgecache/internal/ledger"
	"pledgecache/internal/model"
)

func newBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Ingest a block range once and exit",
		Long: "Backfill stores every contract event in the range. Confirmed events are left " +
			"Pending and are applied by the next run.",
		RunE: runBackfill,
	}
	cmd.Flags().Uint64("from", 0, "start block (inclusive)")
	cmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	cmd.Flags().Uint64("batch-size", 2000, "blocks per eth_getLogs request")
	cmd.Flags().Uint64("required-confirmations", 6, "blocks required on top of an event before it is applied")
	cmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path (memory store only)")
	cmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	return cmd
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	a, ctx, stop, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.close()

	if err := a.openChain(ctx); err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openQueue(ctx); err != nil {
		return err
	}

	runner := indexer.NewRunner(a.runConfig(), a.chain, a.decoder, a.ingestor(), a.checkpoint(), a.logger)
	a.logger.Info("backfill start",
		zap.Uint64("from", a.cfg.FromBlock),
		zap.Uint64("to", a.cfg.ToBlock),
		zap.Uint64("batch_size", a.cfg.BatchSize),
	)
	return runner.Backfill(ctx)
}

func newRequeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Put events back on the dispatch queue",
		Long: "Requeue moves events in the given statuses back to Pending and enqueues them. " +
			"Use it for events left Processing by a crash or Failed events after a fix.",
		RunE: runRequeue,
	}
	cmd.Flags().StringSlice("status", []string{string(model.EventProcessing)}, "event statuses to requeue")
	return cmd
}

func runRequeue(cmd *cobra.Command, _ []string) error {
	a, ctx, stop, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.close()

	raw, _ := cmd.Flags().GetStringSlice("status")
	statuses := make([]model.EventStatus, 0, len(raw))
	for _, s := range raw {
		switch status := model.EventStatus(s); status {
		case model.EventProcessing, model.EventFailed, model.EventPending:
			statuses = append(statuses, status)
		default:
			return fmt.Errorf("cannot requeue events in status %q", s)
		}
	}

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openQueue(ctx); err != nil {
		return err
	}

	events, err := a.store.ListEventsByStatus(ctx, statuses...)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ok, err := a.store.TransitionEvent(ctx, ev.ID, statuses, model.EventPending, "")
		if err != nil {
			return fmt.Errorf("reset %s: %w", ev.ID, err)
		}
		if ok {
			ids = append(ids, ev.ID)
		}
	}
	if err := a.queue.Push(ctx, ids...); err != nil {
		return err
	}
	a.logger.Info("events requeued", zap.Int("count", len(ids)))
	return nil
}

func newRebuildCountersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-counters",
		Short: "Recompute every entity's donation counters from the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()
			defer a.close()

			if err := a.openChain(ctx); err != nil {
				return err
			}
			if err := a.openStore(ctx); err != nil {
				return err
			}
			if err := a.openEngine(); err != nil {
				return err
			}
			n, err := a.engine.RebuildCounters(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("counters rebuilt", zap.Int("entities", n))
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare cached pledge balances with the chain",
		RunE:  runAudit,
	}
	cmd.Flags().Int("audit-batch", 100, "pledges per batched RPC request")
	return cmd
}

func runAudit(cmd *cobra.Command, _ []string) error {
	a, ctx, stop, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.close()

	if err := a.openChain(ctx); err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}

	batch, _ := cmd.Flags().GetInt("audit-batch")
	mismatches, checked, err := ledger.Audit(ctx, a.store, a.contract, batch)
	if err != nil {
		return err
	}
	for _, m := range mismatches {
		a.logger.Warn("pledge balance mismatch",
			zap.Uint64("pledge", m.PledgeID),
			zap.String("cached", m.Cached.String()),
			zap.String("chain", m.Chain.String()),
		)
	}
	a.logger.Info("audit done", zap.Int("pledges", checked), zap.Int("mismatches", len(mismatches)))
	if len(mismatches) > 0 {
		return fmt.Errorf("%d of %d pledges disagree with the chain", len(mismatches), checked)
	}
	return nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, stop, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()
			defer a.close()

			if a.cfg.Store != "postgres" {
				return fmt.Errorf("migrate needs --store=postgres")
			}
			if err := a.openStore(ctx); err != nil {
				return err
			}
			if err := a.pg.Migrate(ctx); err != nil {
				return err
			}
			a.logger.Info("schema applied")
			return nil
		},
	}
}
