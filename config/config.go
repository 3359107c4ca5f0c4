// Package config loads docflow settings from .env files, DOCFLOW_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"docflow/capacity"
	"docflow/chunker"
	"docflow/types"
)

const envPrefix = "DOCFLOW"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Ollama   OllamaConfig   `mapstructure:"ollama"`
	Capacity CapacityConfig `mapstructure:"capacity"`
	Store    StoreConfig    `mapstructure:"store"`
	Chunker  ChunkerConfig  `mapstructure:"chunker"`
	Loader   LoaderConfig   `mapstructure:"loader"`

	Processing types.ProcessingOptions `mapstructure:"processing" validate:"-"`
	// MemoryBudget is a human readable size, like "64MB".
	MemoryBudget string `mapstructure:"memory_budget"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type OllamaConfig struct {
	URL        string  `mapstructure:"url" validate:"required,url"`
	EmbedModel string  `mapstructure:"embed_model"`
	RateLimit  float64 `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst  int     `mapstructure:"rate_burst" validate:"gte=0"`
}

type CapacityConfig struct {
	Strategy       string        `mapstructure:"strategy" validate:"oneof=probe api manual"`
	Cache          string        `mapstructure:"cache" validate:"oneof=memory redis"`
	Manual         int           `mapstructure:"manual" validate:"gte=0"`
	TTL            time.Duration `mapstructure:"ttl"`
	ProbeCeiling   int           `mapstructure:"probe_ceiling" validate:"gte=0"`
	DegradeLatency time.Duration `mapstructure:"degrade_latency"`
}

type StoreConfig struct {
	Backend        string        `mapstructure:"backend" validate:"oneof=memory file redis postgres"`
	Dir            string        `mapstructure:"dir" validate:"required_if=Backend file"`
	Compress       bool          `mapstructure:"compress"`
	PostgresDSN    string        `mapstructure:"postgres_dsn" validate:"required_if=Backend postgres"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type ChunkerConfig struct {
	SafetyMargin float64 `mapstructure:"safety_margin" validate:"gte=0,lt=1"`
	MinSize      int     `mapstructure:"min_size" validate:"gte=1"`
	MaxSize      int     `mapstructure:"max_size" validate:"gtefield=MinSize"`
	Overlap      int     `mapstructure:"overlap" validate:"gte=0"`
}

type LoaderConfig struct {
	SourceDir      string        `mapstructure:"source_dir" validate:"required"`
	OutputDir      string        `mapstructure:"output_dir" validate:"required"`
	ArchiveDir     string        `mapstructure:"archive_dir" validate:"required"`
	BadDir         string        `mapstructure:"bad_dir" validate:"required"`
	MonitoringTime time.Duration `mapstructure:"monitoring_time"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// Load reads the given .env files (".env" when none are named; missing files
// are skipped), then resolves every key from DOCFLOW_* variables or its
// default.
func Load(envFiles ...string) (*Config, error) {
	if err := loadEnv(envFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	applyDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	budget, err := humanize.ParseBytes(cfg.MemoryBudget)
	if err != nil {
		return nil, fmt.Errorf("parse memory budget %q: %w", cfg.MemoryBudget, err)
	}
	cfg.Processing.MemoryBudget = int64(budget)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func loadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("ollama.url", "http://localhost:11434")
	v.SetDefault("ollama.embed_model", "")
	v.SetDefault("ollama.rate_limit", 0)
	v.SetDefault("ollama.rate_burst", 1)

	cc := capacity.DefaultConfig("")
	v.SetDefault("capacity.strategy", string(capacity.StrategyProbe))
	v.SetDefault("capacity.cache", "memory")
	v.SetDefault("capacity.manual", 0)
	v.SetDefault("capacity.ttl", cc.TTL)
	v.SetDefault("capacity.probe_ceiling", cc.ProbeCeiling)
	v.SetDefault("capacity.degrade_latency", cc.DegradeLatency)

	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.dir", "./checkpoints")
	v.SetDefault("store.compress", false)
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.connect_timeout", "30s")

	co := chunker.DefaultOptions("")
	v.SetDefault("chunker.safety_margin", co.SafetyMarginPercent)
	v.SetDefault("chunker.min_size", co.MinChunkSize)
	v.SetDefault("chunker.max_size", co.MaxChunkSize)
	v.SetDefault("chunker.overlap", co.Overlap)

	v.SetDefault("loader.source_dir", "./data/source")
	v.SetDefault("loader.output_dir", "./data/output")
	v.SetDefault("loader.archive_dir", "./data/archive")
	v.SetDefault("loader.bad_dir", "./data/bad")
	v.SetDefault("loader.monitoring_time", "10s")
	v.SetDefault("loader.poll_interval", "1s")

	po := types.DefaultOptions()
	v.SetDefault("processing.prompt", po.Prompt)
	v.SetDefault("processing.model", po.Model)
	v.SetDefault("processing.batch_size", po.BatchSize)
	v.SetDefault("processing.max_retries", po.MaxRetries)
	v.SetDefault("processing.base_timeout", po.BaseTimeout)
	v.SetDefault("processing.max_timeout", po.MaxTimeout)
	v.SetDefault("processing.timeout_scale_factor", po.TimeoutScaleFactor)
	v.SetDefault("processing.adaptive_timeout", po.AdaptiveTimeout)
	v.SetDefault("processing.hardware_profile", po.HardwareProfile)
	v.SetDefault("processing.reference_size", po.ReferenceSize)
	v.SetDefault("processing.accept_partial_results", po.AcceptPartialResults)
	v.SetDefault("processing.min_partial_result_length", po.MinPartialResultLength)
	v.SetDefault("processing.checkpoint_enabled", po.CheckpointEnabled)
	v.SetDefault("processing.checkpoint_interval", po.CheckpointInterval)
	v.SetDefault("processing.backoff_base", po.BackoffBase)
	v.SetDefault("processing.backoff_max", po.BackoffMax)
	v.SetDefault("processing.adaptive_batch", po.AdaptiveBatch)
	v.SetDefault("processing.post_processing.reference_resolution", po.PostProcessing.ReferenceResolution)
	v.SetDefault("processing.post_processing.redundancy_detection", po.PostProcessing.RedundancyDetection)
	v.SetDefault("processing.post_processing.coherence_optimization", po.PostProcessing.CoherenceOptimization)
	v.SetDefault("memory_budget", humanize.IBytes(uint64(po.MemoryBudget)))
}

// Validate checks the loaded settings, including the processing options.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if errs := c.Processing.Validate(); errs != nil {
		return types.NewValidationError(errs)
	}
	return nil
}

// DetectorConfig returns the detector settings for the configured model.
func (c *Config) DetectorConfig() capacity.Config {
	cc := capacity.DefaultConfig(c.Processing.Model)
	cc.Strategy = capacity.Strategy(c.Capacity.Strategy)
	cc.Manual = c.Capacity.Manual
	if c.Capacity.TTL > 0 {
		cc.TTL = c.Capacity.TTL
	}
	if c.Capacity.ProbeCeiling > 0 {
		cc.ProbeCeiling = c.Capacity.ProbeCeiling
	}
	if c.Capacity.DegradeLatency > 0 {
		cc.DegradeLatency = c.Capacity.DegradeLatency
	}
	return cc
}

// ChunkerOptions returns split options for one document.
func (c *Config) ChunkerOptions(documentID string) chunker.Options {
	return chunker.Options{
		DocumentID:          documentID,
		SafetyMarginPercent: c.Chunker.SafetyMargin,
		MinChunkSize:        c.Chunker.MinSize,
		MaxChunkSize:        c.Chunker.MaxSize,
		Overlap:             c.Chunker.Overlap,
	}
}

// NewLogger builds a text or JSON logger writing to stderr at level.
func NewLogger(level, format string) *slog.Logger {
	return newLogger(os.Stderr, level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
