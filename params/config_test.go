package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	def := Default()
	if cfg.Node != def.Node || cfg.Timing != def.Timing {
		t.Errorf("cfg = %+v, want defaults %+v", cfg, def)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9090")
	t.Setenv("CHAIN_MODE", ChainModeLive)
	t.Setenv("ETH_CONFIRMATIONS", "12")
	t.Setenv("HOLD_EXPIRY_S", "60")
	t.Setenv("RECONCILE_INTERVAL_MS", "250")
	t.Setenv("SETTLEMENT_MAX_ATTEMPTS", "3")
	t.Setenv("NETWORK_TIMEOUT_MS", "garbage")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.Node.APIAddr != ":9090" || cfg.Node.ChainMode != ChainModeLive {
		t.Errorf("node = %+v", cfg.Node)
	}
	if cfg.Ethereum.Confirmations != 12 {
		t.Errorf("confirmations = %d, want 12", cfg.Ethereum.Confirmations)
	}
	if cfg.Timing.HoldExpiry != time.Minute {
		t.Errorf("hold expiry = %v, want 1m", cfg.Timing.HoldExpiry)
	}
	if cfg.Timing.ReconcileInterval != 250*time.Millisecond {
		t.Errorf("reconcile interval = %v", cfg.Timing.ReconcileInterval)
	}
	if cfg.SettlementMaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.SettlementMaxAttempts)
	}
	if cfg.Timing.NetworkTimeout != Default().Timing.NetworkTimeout {
		t.Errorf("unparsable timeout should keep default, got %v", cfg.Timing.NetworkTimeout)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("DB_PATH=/tmp/xchange-ledger\nALGOD_TOKEN=secret\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// godotenv never overrides variables that are already set
	t.Setenv("DB_PATH", "")
	os.Unsetenv("DB_PATH")
	os.Unsetenv("ALGOD_TOKEN")
	t.Cleanup(func() {
		os.Unsetenv("DB_PATH")
		os.Unsetenv("ALGOD_TOKEN")
	})

	cfg := LoadFromEnv(path)
	if cfg.Node.DBPath != "/tmp/xchange-ledger" || cfg.Algorand.AlgodToken != "secret" {
		t.Errorf("file values not applied: %+v %+v", cfg.Node, cfg.Algorand)
	}
}
