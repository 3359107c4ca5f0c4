// Package bootstrap assembles the docflow components from a loaded config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"docflow/capacity"
	"docflow/chunker"
	"docflow/config"
	"docflow/model"
	"docflow/processor"
	"docflow/store"
	"docflow/types"
)

// Runtime holds the wired components shared by the HTTP server and the
// loader.
type Runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Client    *model.OllamaClient
	Store     store.CheckpointStore
	Detector  *capacity.Detector
	Chunker   *chunker.Chunker
	Processor *processor.Processor
	Registry  *prometheus.Registry

	redis   *redis.Client
	closers []func() error
}

// Build connects to every configured backend. Callers must Close the
// returned runtime.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...processor.Option) (*Runtime, error) {
	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var clientOpts []model.OllamaOption
	if cfg.Ollama.RateLimit > 0 {
		clientOpts = append(clientOpts, model.WithRateLimit(cfg.Ollama.RateLimit, max(cfg.Ollama.RateBurst, 1)))
	}
	rt.Client = model.NewOllamaClient(cfg.Ollama.URL, logger, clientOpts...)

	var rdb *redis.Client
	if cfg.Store.Backend == config.BackendRedis || cfg.Capacity.Cache == "redis" {
		var err error
		rdb, err = connectRedis(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rdb.Close)
		rt.redis = rdb
	}

	var index store.VectorIndex = store.NewMemoryVectorIndex()
	switch cfg.Store.Backend {
	case config.BackendMemory:
		rt.Store = store.NewMemoryStore()
	case config.BackendFile:
		fs, err := store.NewFileStore(cfg.Store.Dir, cfg.Store.Compress, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Store = fs
	case config.BackendRedis:
		rt.Store = store.NewRedisStore(rdb, logger)
	case config.BackendPostgres:
		pg, err := store.ConnectPostgres(ctx, cfg.Store.PostgresDSN, cfg.Store.ConnectTimeout, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, pg.Close)
		if err := pg.Init(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
		rt.Store = pg
		index = pg
	default:
		rt.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	var cache capacity.Cache
	if rdb != nil && cfg.Capacity.Cache == "redis" {
		cache = capacity.NewRedisCache(rdb, "docflow", logger)
	}
	rt.Detector = capacity.NewDetector(cfg.DetectorConfig(), rt.Client, cache, logger)
	rt.Chunker = chunker.New(chunker.DefaultEstimator(logger), logger)

	redundancy := processor.RedundancyDetector{Logger: logger}
	if cfg.Ollama.EmbedModel != "" {
		redundancy.Embedder = model.NewOllamaEmbedder(cfg.Ollama.URL, cfg.Ollama.EmbedModel)
		redundancy.Index = index
	}
	popts := []processor.Option{
		processor.WithMetrics(processor.NewMetrics(rt.Registry)),
		processor.WithPostProcessors(processor.ReferenceResolver{}, redundancy, processor.CoherenceOptimizer{}),
	}
	rt.Processor = processor.New(rt.Client, rt.Store, logger, append(popts, opts...)...)

	logger.Info("runtime ready",
		"store", cfg.Store.Backend,
		"capacity_strategy", cfg.Capacity.Strategy,
		"model", cfg.Processing.Model,
		"semantic_redundancy", redundancy.Embedder != nil,
	)
	return rt, nil
}

// Split detects the backend capacity and cuts text into chunks sized for it.
func (rt *Runtime) Split(ctx context.Context, documentID, text string) ([]types.Chunk, capacity.Capacity, error) {
	c, err := rt.Detector.Detect(ctx)
	if err != nil {
		return nil, c, fmt.Errorf("detect capacity: %w", err)
	}
	chunks, err := rt.Chunker.Split(text, c.Tokens, rt.Config.ChunkerOptions(documentID))
	if err != nil {
		return nil, c, err
	}
	return chunks, c, nil
}

// Probes returns readiness checks for the backends the runtime talks to.
func (rt *Runtime) Probes() map[string]func(context.Context) error {
	probes := map[string]func(context.Context) error{
		"ollama": func(ctx context.Context) error {
			_, err := rt.Client.ContextWindow(ctx, rt.Config.Processing.Model)
			return err
		},
	}
	if p, ok := rt.Store.(interface{ Ping(context.Context) error }); ok {
		probes["store"] = p.Ping
	}
	if rt.redis != nil {
		probes["redis"] = func(ctx context.Context) error {
			return rt.redis.Ping(ctx).Err()
		}
	}
	return probes
}

func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func connectRedis(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = cfg.ConnectTimeout
	expBackoff.InitialInterval = time.Second

	operation := func() error {
		err := client.Ping(ctx).Err()
		if err != nil {
			logger.Warn("redis not ready", "addr", cfg.RedisAddr, "error", err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis after retries: %w", err)
	}
	return client, nil
}
