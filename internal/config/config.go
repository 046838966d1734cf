package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Token is an allow-listed token the cache tracks.
type Token struct {
	Address  string
	Symbol   string
	Decimals uint8
}

// Config holds configuration values loaded from flags, env, or config file.
// It is read once at startup and not mutated afterwards.
type Config struct {
	RPCURL                string
	LiquidPledging        string
	Vault                 string
	RequiredConfirmations uint64
	Tokens                map[string]Token
	AllowedOwners         []string

	Store         string
	PGDSN         string
	Queue         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	FromBlock       uint64
	ToBlock         uint64
	BatchSize       uint64
	PollInterval    time.Duration
	GateInterval    time.Duration
	MonitorInterval time.Duration
	StalenessWindow time.Duration
	RetryDelay      time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RPCRate         float64
	RPCBurst        int

	Checkpoint  string
	MetricsAddr string
	LogLevel    string
	LogFile     string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PLEDGECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("required-confirmations", uint64(6))
	v.SetDefault("store", "memory")
	v.SetDefault("queue", "memory")
	v.SetDefault("redis-addr", "127.0.0.1:6379")
	v.SetDefault("redis-key", "pledgecache:dispatch")
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("poll-interval", 15*time.Second)
	v.SetDefault("gate-interval", 15*time.Second)
	v.SetDefault("monitor-interval", time.Minute)
	v.SetDefault("staleness-window", 30*time.Minute)
	v.SetDefault("retry-delay", 5*time.Second)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("rpc-burst", 10)
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("metrics-addr", ":9090")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	tokens, err := getTokens(v, "tokens")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:                v.GetString("rpc"),
		LiquidPledging:        v.GetString("liquid-pledging"),
		Vault:                 v.GetString("vault"),
		RequiredConfirmations: v.GetUint64("required-confirmations"),
		Tokens:                tokens,
		AllowedOwners:         lowerAll(getStringSlice(v, "allowed-owners")),
		Store:                 strings.ToLower(v.GetString("store")),
		PGDSN:                 v.GetString("pg-dsn"),
		Queue:                 strings.ToLower(v.GetString("queue")),
		RedisAddr:             v.GetString("redis-addr"),
		RedisPassword:         v.GetString("redis-password"),
		RedisDB:               v.GetInt("redis-db"),
		RedisKey:              v.GetString("redis-key"),
		FromBlock:             v.GetUint64("from"),
		ToBlock:               v.GetUint64("to"),
		BatchSize:             v.GetUint64("batch-size"),
		PollInterval:          v.GetDuration("poll-interval"),
		GateInterval:          v.GetDuration("gate-interval"),
		MonitorInterval:       v.GetDuration("monitor-interval"),
		StalenessWindow:       v.GetDuration("staleness-window"),
		RetryDelay:            v.GetDuration("retry-delay"),
		MaxRetries:            v.GetInt("max-retries"),
		RetryBackoff:          v.GetDuration("retry-backoff"),
		RPCRate:               v.GetFloat64("rpc-rate"),
		RPCBurst:              v.GetInt("rpc-burst"),
		Checkpoint:            v.GetString("checkpoint"),
		MetricsAddr:           v.GetString("metrics-addr"),
		LogLevel:              v.GetString("log-level"),
		LogFile:               v.GetString("log-file"),
	}

	return cfg, nil
}

// Validate checks the settings every long-running command needs.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc is required")
	}
	if c.LiquidPledging == "" {
		return fmt.Errorf("liquid-pledging address is required")
	}
	switch c.Store {
	case "memory":
	case "postgres":
		if c.PGDSN == "" {
			return fmt.Errorf("pg-dsn is required for postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.Queue {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required for redis queue")
		}
	default:
		return fmt.Errorf("unknown queue %q", c.Queue)
	}
	return nil
}

// ContractAddresses parses the pledge contract address and the optional vault
// address. A missing vault yields the zero address.
func (c Config) ContractAddresses() (pledging, vault common.Address, err error) {
	if !common.IsHexAddress(c.LiquidPledging) {
		return pledging, vault, fmt.Errorf("invalid liquid-pledging address %q", c.LiquidPledging)
	}
	pledging = common.HexToAddress(c.LiquidPledging)
	if c.Vault == "" {
		return pledging, vault, nil
	}
	if !common.IsHexAddress(c.Vault) {
		return pledging, vault, fmt.Errorf("invalid vault address %q", c.Vault)
	}
	return pledging, common.HexToAddress(c.Vault), nil
}

// TokenAllowed reports whether addr is on the token allow-list. An empty
// allow-list accepts every token.
func (c Config) TokenAllowed(addr string) bool {
	if len(c.Tokens) == 0 {
		return true
	}
	_, ok := c.Tokens[strings.ToLower(addr)]
	return ok
}

// OwnerAllowed reports whether addr may own a cached entity. An empty
// allow-list accepts every address.
func (c Config) OwnerAllowed(addr string) bool {
	if len(c.AllowedOwners) == 0 {
		return true
	}
	addr = strings.ToLower(addr)
	for _, allowed := range c.AllowedOwners {
		if allowed == addr {
			return true
		}
	}
	return false
}

// Symbol returns the configured symbol for a token address.
func (c Config) Symbol(addr string) string {
	if tok, ok := c.Tokens[strings.ToLower(addr)]; ok {
		return tok.Symbol
	}
	return ""
}
