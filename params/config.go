package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	ChainModeSimnet = "simnet"
	ChainModeLive   = "live"

	// LogConsoleOnly as LOG_FILE disables the log file
	LogConsoleOnly = "-"
)

type Node struct {
	APIAddr  string
	DBPath   string
	LogFile  string
	LogLevel string

	// ChainMode selects in-process simulated networks or live RPC endpoints
	ChainMode string
}

type Ethereum struct {
	RPCURL        string
	PrivateKeyHex string
	Confirmations uint64
}

type Algorand struct {
	AlgodURL     string
	AlgodToken   string
	IndexerURL   string
	IndexerToken string
	Mnemonic     string
	SeedHex      string
}

type Timing struct {
	NetworkTimeout    time.Duration
	ReconcileInterval time.Duration
	HoldRecheck       time.Duration
	HoldExpiry        time.Duration
	SettlementStale   time.Duration
}

type Config struct {
	Node     Node
	Ethereum Ethereum
	Algorand Algorand
	Timing   Timing

	SettlementMaxAttempts int
}

func Default() Config {
	return Config{
		Node: Node{
			APIAddr:   ":8080",
			DBPath:    "data/ledger",
			LogFile:   "data/exchange.log",
			LogLevel:  "info",
			ChainMode: ChainModeSimnet,
		},
		Ethereum: Ethereum{
			RPCURL:        "http://127.0.0.1:8545",
			Confirmations: 1,
		},
		Algorand: Algorand{
			AlgodURL:   "http://127.0.0.1:4001",
			IndexerURL: "http://127.0.0.1:8980",
		},
		Timing: Timing{
			NetworkTimeout:    5 * time.Second,
			ReconcileInterval: 10 * time.Second,
			HoldRecheck:       5 * time.Second,
			HoldExpiry:        30 * time.Minute,
			SettlementStale:   time.Minute,
		},
		SettlementMaxAttempts: 8,
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.ChainMode = getEnv("CHAIN_MODE", cfg.Node.ChainMode)

	cfg.Ethereum.RPCURL = getEnv("ETH_RPC_URL", cfg.Ethereum.RPCURL)
	cfg.Ethereum.PrivateKeyHex = getEnv("ETH_PRIVATE_KEY", "")
	if v := os.Getenv("ETH_CONFIRMATIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Ethereum.Confirmations = n
		}
	}

	cfg.Algorand.AlgodURL = getEnv("ALGOD_URL", cfg.Algorand.AlgodURL)
	cfg.Algorand.AlgodToken = getEnv("ALGOD_TOKEN", "")
	cfg.Algorand.IndexerURL = getEnv("ALGO_INDEXER_URL", cfg.Algorand.IndexerURL)
	cfg.Algorand.IndexerToken = getEnv("ALGO_INDEXER_TOKEN", "")
	cfg.Algorand.Mnemonic = getEnv("ALGO_MNEMONIC", "")
	cfg.Algorand.SeedHex = getEnv("ALGO_SEED_HEX", "")

	cfg.Timing.NetworkTimeout = getDuration("NETWORK_TIMEOUT_MS", time.Millisecond, cfg.Timing.NetworkTimeout)
	cfg.Timing.ReconcileInterval = getDuration("RECONCILE_INTERVAL_MS", time.Millisecond, cfg.Timing.ReconcileInterval)
	cfg.Timing.HoldRecheck = getDuration("HOLD_RECHECK_MS", time.Millisecond, cfg.Timing.HoldRecheck)
	cfg.Timing.HoldExpiry = getDuration("HOLD_EXPIRY_S", time.Second, cfg.Timing.HoldExpiry)
	cfg.Timing.SettlementStale = getDuration("SETTLEMENT_STALE_S", time.Second, cfg.Timing.SettlementStale)

	if v := os.Getenv("SETTLEMENT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SettlementMaxAttempts = n
		}
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration reads an integer count of unit; unparsable values keep the default
func getDuration(key string, unit, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultValue
	}
	return time.Duration(n) * unit
}
