package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"docflow/app/server"
	"docflow/bootstrap"
	"docflow/config"
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
	defer rt.Close()

	s := server.NewServer(cfg.Server.Addr, server.Deps{
		Processor: rt.Processor,
		Store:     rt.Store,
		Splitter:  rt,
		Registry:  rt.Registry,
		Defaults:  cfg.Processing,
		Probes:    rt.Probes(),
	}, logger)

	go func() {
		if err := s.Run(); err != nil {
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("received shutdown signal, shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
