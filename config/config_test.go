package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"formicarium/native/printing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written: %v", err)
	}
	if cfg.StorageBackend != "leveldb" || cfg.TokenSymbol != "PRT" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	escrow, err := cfg.Escrow()
	if err != nil || escrow != DefaultEscrowAccount() {
		t.Fatalf("unexpected escrow %s: %v", escrow.Hex(), err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.EscrowAccount != cfg.EscrowAccount {
		t.Fatalf("escrow changed across reload: %s vs %s", reloaded.EscrowAccount, cfg.EscrowAccount)
	}
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `DataDir = "/var/lib/formicarium"
StorageBackend = "BOLT"
EscrowAccount = "0x00000000000000000000000000000000000000e5"
TokenSymbol = "usdc"

[settlement]
Policy = "provider"
ReportingBufferSeconds = 600

[journal]
DSN = "postgres://journal@db/formicarium"

[log]
Level = "debug"
File = "/var/log/formicarium.log"

[telemetry]
Endpoint = "otel:4318"
Traces = true
SampleRatio = 0.25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageBackend != "bolt" || cfg.TokenSymbol != "USDC" {
		t.Fatalf("normalisation failed: %+v", cfg)
	}
	policy, err := cfg.Policy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.Settlement != printing.SettleProviderOnly || policy.ReportingBuffer != 10*time.Minute {
		t.Fatalf("unexpected policy %+v", policy)
	}
	if cfg.StatePath() != filepath.Join("/var/lib/formicarium", "state.db") {
		t.Fatalf("unexpected state path %s", cfg.StatePath())
	}
	if !cfg.Telemetry.Traces || cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("unexpected telemetry %+v", cfg.Telemetry)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"backend":       `StorageBackend = "cassandra"`,
		"escrow":        `EscrowAccount = "not-an-address"`,
		"zero escrow":   `EscrowAccount = "0x0000000000000000000000000000000000000000"`,
		"policy":        "[settlement]\nPolicy = \"mediator\"",
		"buffer":        "[settlement]\nReportingBufferSeconds = 99999999",
		"buffer wraps":  "[settlement]\nReportingBufferSeconds = 18446744074",
		"lock wait":     "LockWaitSeconds = 18446744074",
		"sample ratio":  "[telemetry]\nSampleRatio = 2.0",
		"unknown field": `Bogus = 1`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, contents)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLedgerPathFollowsBackend(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "data"
	if got := cfg.LedgerPath(); got != filepath.Join("data", "ledger") {
		t.Fatalf("unexpected leveldb ledger path %s", got)
	}
	cfg.StorageBackend = "bolt"
	if got := cfg.LedgerPath(); !strings.HasSuffix(got, "ledger.db") {
		t.Fatalf("unexpected bolt ledger path %s", got)
	}
}

func TestReportingBufferAtLimit(t *testing.T) {
	limit := uint64(MaxReportingBuffer / time.Second)
	cfg, err := Load(writeConfig(t, "[settlement]\nReportingBufferSeconds = "+strconv.FormatUint(limit, 10)))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	policy, err := cfg.Policy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.ReportingBuffer != MaxReportingBuffer {
		t.Fatalf("unexpected buffer %s", policy.ReportingBuffer)
	}
	if cfg.LockWait() != 5*time.Second {
		t.Fatalf("unexpected lock wait %s", cfg.LockWait())
	}
	if _, err := Load(writeConfig(t, "[settlement]\nReportingBufferSeconds = "+strconv.FormatUint(limit+1, 10))); err == nil {
		t.Fatalf("expected buffer one second over the limit to fail")
	}
}
