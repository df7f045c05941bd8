package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"drivepoint/internal/chargepoint"
	"drivepoint/internal/config"
	"drivepoint/internal/localapi"
	"drivepoint/internal/logging"
)

func main() {
	// Optional .env for local runs.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() // best-effort flush

	station, err := chargepoint.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize charge point", zap.Error(err))
	}

	tokens := localapi.NewTokenService(cfg.LocalAPI.JWTSecret, cfg.TokenTTL())
	api := localapi.NewAPI(station, tokens, cfg.LocalAPI.OperatorUser, cfg.LocalAPI.OperatorPasswordHash, logger)
	server := localapi.NewServer(cfg.APIAddress(), api.Routes(), logger)

	runErr := make(chan error, 2)
	go func() { runErr <- station.Run(ctx) }()
	go func() { runErr <- server.Run(ctx) }()

	err = <-runErr
	stop()
	if second := <-runErr; err == nil {
		err = second
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("charge point stopped with error", zap.Error(err))
	}
	logger.Info("charge point exited")
}
