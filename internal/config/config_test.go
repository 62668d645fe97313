package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.OnChain() {
		t.Error("defaults must run without a chain")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("MARKET_SERVER_PORT", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.toml")
	body := `
log_level = "debug"

[server]
port = 9090
request_timeout = "10s"

[redis]
url = "redis://localhost:6379/0"
cache_ttl = "1m"

[chain]
rpc_url = "http://localhost:8545"
chain_id = 31337
operator_key = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MARKET_LOG_LEVEL", "")
	t.Setenv("MARKET_SERVER_PORT", "7070")
	t.Setenv("MARKET_AUTH_REQUIRE_SIGNATURE", "true")
	t.Setenv("MARKET_CHAIN_RECEIPT_POLL", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level from file, got %q", cfg.LogLevel)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected env to override port, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout.Duration != 10*time.Second {
		t.Errorf("expected 10s request timeout, got %s", cfg.Server.RequestTimeout)
	}
	if cfg.Redis.CacheTTL.Duration != time.Minute {
		t.Errorf("expected 1m cache ttl, got %s", cfg.Redis.CacheTTL)
	}
	if cfg.Chain.ChainID != 31337 || !cfg.OnChain() {
		t.Errorf("expected chain config from file, got %+v", cfg.Chain)
	}
	if cfg.Chain.ReceiptPoll.Duration != 250*time.Millisecond {
		t.Errorf("expected env receipt poll, got %s", cfg.Chain.ReceiptPoll)
	}
	if !cfg.Auth.RequireSignature {
		t.Error("expected env to enable signature auth")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config: %v", err)
	}
}

func TestLoad_PlatformAliases(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("MARKET_SERVER_PORT", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/market")
	t.Setenv("MARKET_POSTGRES_URL", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("expected PORT alias, got %d", cfg.Server.Port)
	}
	if cfg.Postgres.URL != "postgres://localhost/market" {
		t.Errorf("expected DATABASE_URL alias, got %q", cfg.Postgres.URL)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("log_level = "), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Server.Port = 0
	cfg.Chain.RPCURL = "http://localhost:8545"
	cfg.Chain.OperatorKey = ""
	cfg.Server.DevEndpoints = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "port", "operator_key", "dev_endpoints"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got:\n%s", want, err)
		}
	}
}

func TestValidate_DevOperatorMustBeAddress(t *testing.T) {
	cfg := Defaults()
	cfg.Chain.DevOperator = "operator"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-address dev operator")
	}
}
