package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"docflow/bootstrap"
	"docflow/config"
	"docflow/loader/internal"
	"docflow/loader/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("error loading config: ", err)
	}
	logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("error to build runtime", "error", err)
		os.Exit(1)
	}

	w, err := internal.NewWatcher(cfg.Loader, logger)
	if err != nil {
		logger.Error("error to create directories", "error", err)
		rt.Close()
		os.Exit(1)
	}

	service.New(w, rt.Processor, rt.Store, rt, cfg.Processing, logger).Run(ctx, cfg.Server.ShutdownTimeout)

	logger.Info("closing connections")
	if err := rt.Close(); err != nil {
		logger.Error("error closing connections", "error", err)
	}
}
