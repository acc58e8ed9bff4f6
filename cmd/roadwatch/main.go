package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"roadwatch/config"
	"roadwatch/core/appbootstrap"
	"roadwatch/core/utils"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (env overrides always apply)")
	flag.Parse()

	logger := utils.NewLogger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	logger.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := appbootstrap.Compose(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("bootstrap: %v", err)
		os.Exit(1)
	}
	if err := rt.StartWorkers(ctx); err != nil {
		logger.Errorf("start workers: %v", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Server.Start() }()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Errorf("http server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
		os.Exit(1)
	}
}
