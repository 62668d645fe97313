// Package config loads the server configuration from a TOML file, a .env
// file and MARKET_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration.
type Config struct {
	LogLevel string         `toml:"log_level"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Chain    ChainConfig    `toml:"chain"`
	Auth     AuthConfig     `toml:"auth"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	RequestTimeout  Duration `toml:"request_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
	// DevEndpoints exposes mint/approve/balance routes backed by the
	// in-memory registry. Only honoured when no chain is configured.
	DevEndpoints bool `toml:"dev_endpoints"`
}

// PostgresConfig selects the persistent store. An empty URL means the
// in-memory store.
type PostgresConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and the event channel.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL Duration `toml:"cache_ttl"`
	Channel  string   `toml:"channel"`
}

// ChainConfig points the marketplace at an Ethereum node. An empty RPCURL
// means the in-memory registry and wallet.
type ChainConfig struct {
	RPCURL      string   `toml:"rpc_url"`
	ChainID     int64    `toml:"chain_id"`
	OperatorKey string   `toml:"operator_key"`
	ReceiptPoll Duration `toml:"receipt_poll"`
	TxTimeout   Duration `toml:"tx_timeout"`
	DevOperator string   `toml:"dev_operator"`
}

// AuthConfig controls caller authentication.
type AuthConfig struct {
	RequireSignature bool     `toml:"require_signature"`
	MaxSkew          Duration `toml:"max_skew"`
}

// Duration wraps time.Duration so TOML can carry strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultDevOperator is the operator address used by the in-memory registry.
const DefaultDevOperator = "0x000000000000000000000000000000000000dEaD"

// Defaults returns a configuration that runs fully in memory.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			RequestTimeout:  Duration{30 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: Duration{30 * time.Second},
			Channel:  "market:events",
		},
		Chain: ChainConfig{
			ChainID:     1,
			ReceiptPoll: Duration{2 * time.Second},
			TxTimeout:   Duration{2 * time.Minute},
			DevOperator: DefaultDevOperator,
		},
		Auth: AuthConfig{
			MaxSkew: Duration{5 * time.Minute},
		},
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// OnChain reports whether the chain-backed collaborators are configured.
func (c *Config) OnChain() bool {
	return c.Chain.RPCURL != ""
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}

	if c.Postgres.URL != "" && c.Postgres.MaxConns <= 0 {
		errs = append(errs, "postgres: max_conns must be positive")
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}

	if c.OnChain() {
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		if c.Chain.OperatorKey == "" {
			errs = append(errs, "chain: operator_key is required when rpc_url is set")
		}
		if c.Chain.ReceiptPoll.Duration <= 0 {
			errs = append(errs, "chain: receipt_poll must be positive")
		}
		if c.Server.DevEndpoints {
			errs = append(errs, "server: dev_endpoints cannot be used with a chain")
		}
	} else if !common.IsHexAddress(c.Chain.DevOperator) {
		errs = append(errs, fmt.Sprintf("chain: dev_operator %q is not an address", c.Chain.DevOperator))
	}

	if c.Auth.RequireSignature && c.Auth.MaxSkew.Duration <= 0 {
		errs = append(errs, "auth: max_skew must be positive when require_signature is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
