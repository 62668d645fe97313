package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the defaults, then applies .env
// and environment overrides. A missing file is not an error. The result
// is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose MARKET_* variable is set. The
// PORT, DATABASE_URL and REDIS_URL variables are honoured first so that
// platform-provided values work without renaming.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Postgres.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "MARKET_SERVER_PORT")
	setDuration(&cfg.Server.RequestTimeout, "MARKET_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "MARKET_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKET_SERVER_CORS_ORIGINS")
	setBool(&cfg.Server.DevEndpoints, "MARKET_SERVER_DEV_ENDPOINTS")

	// ── Postgres ──
	setStr(&cfg.Postgres.URL, "MARKET_POSTGRES_URL")
	setInt(&cfg.Postgres.MaxConns, "MARKET_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MARKET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "MARKET_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "MARKET_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.Channel, "MARKET_REDIS_CHANNEL")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "MARKET_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "MARKET_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.OperatorKey, "MARKET_CHAIN_OPERATOR_KEY")
	setDuration(&cfg.Chain.ReceiptPoll, "MARKET_CHAIN_RECEIPT_POLL")
	setDuration(&cfg.Chain.TxTimeout, "MARKET_CHAIN_TX_TIMEOUT")
	setStr(&cfg.Chain.DevOperator, "MARKET_CHAIN_DEV_OPERATOR")

	// ── Auth ──
	setBool(&cfg.Auth.RequireSignature, "MARKET_AUTH_REQUIRE_SIGNATURE")
	setDuration(&cfg.Auth.MaxSkew, "MARKET_AUTH_MAX_SKEW")

	setStr(&cfg.LogLevel, "MARKET_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
