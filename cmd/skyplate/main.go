package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"skyplate/internal/cli"
	"skyplate/internal/config"
	"skyplate/internal/logging"
	"skyplate/internal/pipeline"
	"skyplate/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 1
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe, err := pipeline.New(ctx, cfg, logger, store)
	if err != nil {
		logger.Error("failed to start pipeline", "error", err)
		return 1
	}
	defer pipe.Stop()

	return cli.Execute(ctx, cli.NewRootCmd(cfg, logger, store, pipe))
}
