package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docflow/app/api"
	"docflow/app/middleware"
	"docflow/processor"
	"docflow/store"
	"docflow/types"
)

// Deps are the components the HTTP surface drives.
type Deps struct {
	Processor *processor.Processor
	Store     store.CheckpointStore
	Splitter  api.Splitter
	Registry  *prometheus.Registry
	Defaults  types.ProcessingOptions
	Probes    map[string]func(context.Context) error
}

type Server struct {
	listenAddr string
	logger     *slog.Logger
	processor  *processor.Processor
	app        *fiber.App
	runs       *api.ProcessHandler
	cancel     context.CancelFunc
}

func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	var (
		app = fiber.New(fiber.Config{
			ErrorHandler:          api.NewErrorHandler(logger),
			Immutable:             true,
			DisableStartupMessage: true,
			BodyLimit:             64 << 20,
		})
		checkHandler      = api.NewCheckHandler(deps.Probes)
		processHandler    = api.NewProcessHandler(ctx, deps.Processor, deps.Store, deps.Splitter, deps.Defaults, logger)
		checkpointHandler = api.NewCheckpointHandler(deps.Store)
		check             = app.Group("/check")
		apiv1             = app.Group("/api/v1")
	)

	app.Use(middleware.RequestLogger(logger, "/check", "/metrics"))

	check.Get("/healthy", checkHandler.HandleHealthy)
	check.Get("/ready", checkHandler.HandleReady)

	apiv1.Post("/process", processHandler.HandleProcess)
	apiv1.Post("/process/file", processHandler.ProcessFile)
	apiv1.Post("/pause", processHandler.HandlePause)
	apiv1.Post("/cancel", processHandler.HandleCancel)
	apiv1.Get("/progress", processHandler.HandleProgress)
	apiv1.Get("/checkpoints", checkpointHandler.HandleList)
	apiv1.Get("/checkpoints/:id", checkpointHandler.HandleGet)
	apiv1.Delete("/checkpoints/:id", checkpointHandler.HandleDelete)
	apiv1.Post("/checkpoints/:id/resume", processHandler.HandleResume)

	if deps.Registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	return &Server{
		listenAddr: addr,
		logger:     logger,
		processor:  deps.Processor,
		app:        app,
		runs:       processHandler,
		cancel:     cancel,
	}
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run listens until Stop is called.
func (s *Server) Run() error {
	s.logger.Info("server listening", "addr", s.listenAddr)
	if err := s.app.Listen(s.listenAddr); err != nil {
		s.logger.Error("error to start server", "error", err.Error())
		return err
	}
	return nil
}

// Stop pauses the active run so its checkpoint is saved, stops accepting
// requests and waits for background runs until ctx expires. Runs still going
// after that are interrupted.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.processor.Pause(); err != nil && !errors.Is(err, processor.ErrNotRunning) {
		s.logger.Warn("pause on shutdown failed", "error", err)
	}
	err := s.app.ShutdownWithContext(ctx)

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("background run still active, interrupting")
		s.cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
	s.cancel()
	s.logger.Info("server stopped")
	return err
}
