package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	root := &cobra.Command{
		Use:          "pledgecache",
		Short:        "Pledge ledger cache for the LiquidPledging contract",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("rpc", "", "chain RPC URL (ws:// enables subscriptions)")
	root.PersistentFlags().String("liquid-pledging", "", "LiquidPledging contract address")
	root.PersistentFlags().String("vault", "", "vault contract address (optional)")
	root.PersistentFlags().String("store", "memory", "cache store (memory, postgres)")
	root.PersistentFlags().String("pg-dsn", "", "Postgres DSN")
	root.PersistentFlags().String("queue", "memory", "dispatch queue (memory, redis)")
	root.PersistentFlags().String("redis-addr", "127.0.0.1:6379", "Redis address")
	root.PersistentFlags().String("redis-password", "", "Redis password")
	root.PersistentFlags().Int("redis-db", 0, "Redis database")
	root.PersistentFlags().String("redis-key", "pledgecache:dispatch", "Redis list key")
	root.PersistentFlags().Float64("rpc-rate", 0, "RPC requests per second, 0 means unlimited")
	root.PersistentFlags().Int("rpc-burst", 10, "RPC burst size")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-file", "", "also write logs to this file, rotated")

	root.AddCommand(
		newRunCmd(),
		newBackfillCmd(),
		newRequeueCmd(),
		newRebuildCountersCmd(),
		newAuditCmd(),
		newMigrateCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level, file string) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stderr), lvl),
	}
	if file != "" {
		rotating := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotating), lvl))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
