package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"unitpay/config"
	"unitpay/core/state"
	"unitpay/native/settlement"
	"unitpay/observability/logging"
	"unitpay/rpc"
	"unitpay/storage"
)

const envVar = "UNITPAY_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))
	logger := logging.Setup("unitpayd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager := state.NewManager(db)
	engine := settlement.NewEngine()
	engine.SetState(manager)

	if err := bootstrapConfig(cfg, engine, logger); err != nil {
		logger.Error("Failed to bootstrap settlement config", slog.Any("error", err))
		os.Exit(1)
	}

	server := rpc.NewServer(engine)
	logger.Info("Starting JSON-RPC server",
		slog.String("address", cfg.RPCAddress),
		slog.String("network", cfg.NetworkName),
	)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// bootstrapConfig initializes the configuration singleton on first start when
// the config file names an owner. An already-initialized store wins over the
// file so restarts do not fail.
func bootstrapConfig(cfg *config.Config, engine *settlement.Engine, logger *slog.Logger) error {
	owner, ok, err := cfg.OwnerAddress()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	created, err := engine.Initialize(owner, cfg.SettlementToken)
	if err != nil {
		if errors.Is(err, settlement.ErrAlreadyInitialized) {
			logger.Info("Settlement config already initialized")
			return nil
		}
		return err
	}
	logger.Info("Settlement config initialized",
		slog.String("owner", cfg.Owner),
		slog.String("token", created.AllowedTokens[0]),
	)
	return nil
}
