package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/xchange/params"
	"github.com/uhyunpark/xchange/pkg/api"
	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/exchange"
	"github.com/uhyunpark/xchange/pkg/chain"
	"github.com/uhyunpark/xchange/pkg/chain/algorand"
	"github.com/uhyunpark/xchange/pkg/chain/ethereum"
	"github.com/uhyunpark/xchange/pkg/chain/simnet"
	"github.com/uhyunpark/xchange/pkg/crypto"
	"github.com/uhyunpark/xchange/pkg/storage"
	"github.com/uhyunpark/xchange/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	level, err := util.ParseLevel(cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	logger := util.NewLogger(level)
	if cfg.Node.LogFile != params.LogConsoleOnly {
		if logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, level); err != nil {
			log.Fatalf("logger: %v", err)
		}
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := util.RealClock{}

	ledger, err := storage.NewPebbleLedger(cfg.Node.DBPath, clock)
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer ledger.Close()

	keys, err := crypto.LoadKeyring(keyringConfig(cfg))
	if err != nil {
		sugar.Fatalw("keyring_load_failed", "mode", cfg.Node.ChainMode, "err", err)
	}

	chains, err := connectChains(ctx, cfg, keys, sugar)
	if err != nil {
		sugar.Fatalw("chain_connect_failed", "mode", cfg.Node.ChainMode, "err", err)
	}
	for n, c := range chains {
		sugar.Infow("chain_ready", "network", n, "address", c.Address())
	}

	svc := exchange.New(exchangeConfig(cfg), ledger, chains, clock, sugar)
	server := api.NewServer(svc, sugar)

	sugar.Infow("exchange_starting",
		"api_addr", cfg.Node.APIAddr,
		"chain_mode", cfg.Node.ChainMode,
		"db_path", cfg.Node.DBPath)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return server.Start(ctx, cfg.Node.APIAddr) })

	if err := g.Wait(); err != nil {
		sugar.Errorw("exchange_stopped", "err", err)
		return
	}
	sugar.Info("exchange_stopped")
}

func connectChains(ctx context.Context, cfg params.Config, keys *crypto.Keyring, logger *zap.SugaredLogger) (chain.Registry, error) {
	if cfg.Node.ChainMode != params.ChainModeLive {
		// development mode: payments are staged in-process
		return chain.NewRegistry(
			simnet.New(core.Ethereum, keys.Eth.Address().Hex()),
			simnet.New(core.Algorand, keys.Algo.Address()),
		), nil
	}

	eth, err := ethereum.Dial(ctx, cfg.Ethereum.RPCURL, keys.Eth, cfg.Ethereum.Confirmations, logger)
	if err != nil {
		return nil, err
	}
	algo, err := algorand.New(algorand.Config{
		AlgodURL:     cfg.Algorand.AlgodURL,
		AlgodToken:   cfg.Algorand.AlgodToken,
		IndexerURL:   cfg.Algorand.IndexerURL,
		IndexerToken: cfg.Algorand.IndexerToken,
	}, keys.Algo, logger)
	if err != nil {
		return nil, err
	}
	return chain.NewRegistry(eth, algo), nil
}

// keyringConfig only lets simnet run on throwaway keys; live mode must be
// given the funded accounts
func keyringConfig(cfg params.Config) crypto.KeyringConfig {
	return crypto.KeyringConfig{
		EthPrivateKeyHex: cfg.Ethereum.PrivateKeyHex,
		AlgoMnemonic:     cfg.Algorand.Mnemonic,
		AlgoSeedHex:      cfg.Algorand.SeedHex,
		AllowGenerated:   cfg.Node.ChainMode != params.ChainModeLive,
	}
}

func exchangeConfig(cfg params.Config) exchange.Config {
	ec := exchange.DefaultConfig()
	ec.Payment.Timeout = cfg.Timing.NetworkTimeout
	ec.Watcher.Recheck = cfg.Timing.HoldRecheck
	ec.Watcher.Expiry = cfg.Timing.HoldExpiry
	ec.Settlement.MaxAttempts = cfg.SettlementMaxAttempts
	ec.Settlement.StaleAfter = cfg.Timing.SettlementStale
	ec.Settlement.SubmitTimeout = cfg.Timing.NetworkTimeout
	ec.ReconcileInterval = cfg.Timing.ReconcileInterval
	return ec
}
