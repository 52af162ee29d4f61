package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sdko-org/scanperf/internal/config"
	"github.com/sdko-org/scanperf/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(logger, cfg).ExecuteContext(ctx); err != nil {
		logger.WithError(err).Error("Command failed")
		cancel()
		os.Exit(1)
	}
}
