// Package capacity discovers how much text the completion backend accepts in
// one call.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/singleflight"

	"docflow/model"
)

var ErrCapacityUnavailable = errors.New("capacity unavailable")

type Strategy string

const (
	StrategyProbe  Strategy = "probe"
	StrategyAPI    Strategy = "api"
	StrategyManual Strategy = "manual"
)

// Capacity is a detected input limit in tokens.
type Capacity struct {
	Tokens     int       `json:"tokens"`
	Strategy   Strategy  `json:"strategy"`
	Model      string    `json:"model"`
	DetectedAt time.Time `json:"detected_at"`
}

type Config struct {
	Strategy Strategy
	Model    string
	// Manual is the capacity reported by StrategyManual.
	Manual int
	TTL    time.Duration

	ProbeStart     int
	ProbeCeiling   int
	ProbePrecision int
	ProbeBuffer    int
	// DegradeLatency marks a probe as failed when the backend takes longer.
	DegradeLatency time.Duration
	// ProbeRetries bounds how often a probe hit by a transient error (rate
	// limit, dropped connection) is repeated before detection gives up.
	ProbeRetries   int
	ProbeRetryWait time.Duration
}

func DefaultConfig(modelName string) Config {
	return Config{
		Strategy:       StrategyProbe,
		Model:          modelName,
		TTL:            24 * time.Hour,
		ProbeStart:     512,
		ProbeCeiling:   131072,
		ProbePrecision: 256,
		ProbeBuffer:    256,
		DegradeLatency: 60 * time.Second,
		ProbeRetries:   3,
		ProbeRetryWait: 2 * time.Second,
	}
}

type Detector struct {
	cfg    Config
	client model.CompletionClient
	cache  Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewDetector returns a Detector. A nil cache means a private MemoryCache.
func NewDetector(cfg Config, client model.CompletionClient, cache Cache, logger *slog.Logger) *Detector {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Detector{
		cfg:    cfg,
		client: client,
		cache:  cache,
		logger: logger,
	}
}

func (d *Detector) key() string {
	return "capacity:" + string(d.cfg.Strategy) + ":" + d.cfg.Model
}

// Detect returns the cached capacity or detects it with the configured
// strategy. Concurrent callers share a single detection.
func (d *Detector) Detect(ctx context.Context) (Capacity, error) {
	if d.cfg.Strategy == StrategyManual {
		if d.cfg.Manual <= 0 {
			return Capacity{}, fmt.Errorf("%w: manual capacity not set", ErrCapacityUnavailable)
		}
		return Capacity{Tokens: d.cfg.Manual, Strategy: StrategyManual, Model: d.cfg.Model, DetectedAt: time.Now().UTC()}, nil
	}

	key := d.key()
	if c, ok := d.cached(ctx, key); ok {
		return c, nil
	}

	v, err, shared := d.group.Do(key, func() (any, error) {
		if c, ok := d.cached(ctx, key); ok {
			return c, nil
		}
		c, err := d.detect(ctx)
		if err != nil {
			return Capacity{}, err
		}
		if err := d.cache.Set(ctx, key, c, d.cfg.TTL); err != nil {
			d.logger.Warn("capacity cache write failed", "key", key, "error", err)
		}
		return c, nil
	})
	if err != nil {
		return Capacity{}, err
	}
	if shared {
		d.logger.Debug("capacity detection shared", "key", key)
	}
	return v.(Capacity), nil
}

// Invalidate drops the cached capacity so the next Detect runs again.
func (d *Detector) Invalidate(ctx context.Context) error {
	return d.cache.Delete(ctx, d.key())
}

func (d *Detector) cached(ctx context.Context, key string) (Capacity, bool) {
	c, err := d.cache.Get(ctx, key)
	if err == nil {
		return c, true
	}
	if !errors.Is(err, ErrCacheMiss) {
		d.logger.Warn("capacity cache read failed", "key", key, "error", err)
	}
	return Capacity{}, false
}

func (d *Detector) detect(ctx context.Context) (Capacity, error) {
	start := time.Now()
	var (
		tokens int
		err    error
	)
	switch d.cfg.Strategy {
	case StrategyProbe:
		tokens, err = d.probe(ctx)
	case StrategyAPI:
		tokens, err = d.fromAPI(ctx)
	default:
		return Capacity{}, fmt.Errorf("%w: unknown strategy %q", ErrCapacityUnavailable, d.cfg.Strategy)
	}
	if err != nil {
		return Capacity{}, err
	}

	d.logger.Info("capacity detected",
		"strategy", d.cfg.Strategy,
		"model", d.cfg.Model,
		"tokens", tokens,
		"duration", time.Since(start),
	)
	return Capacity{Tokens: tokens, Strategy: d.cfg.Strategy, Model: d.cfg.Model, DetectedAt: time.Now().UTC()}, nil
}

func (d *Detector) fromAPI(ctx context.Context) (int, error) {
	w, ok := d.client.(model.ContextWindower)
	if !ok {
		return 0, fmt.Errorf("%w: backend does not report its context window", ErrCapacityUnavailable)
	}
	n, err := w.ContextWindow(ctx, d.cfg.Model)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCapacityUnavailable, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: backend reported %d tokens", ErrCapacityUnavailable, n)
	}
	return n, nil
}

// probe doubles the payload until the backend rejects or degrades, then
// binary-searches the gap.
func (d *Detector) probe(ctx context.Context) (int, error) {
	accepted, rejected := 0, 0
	for size := max(d.cfg.ProbeStart, 1); size <= d.cfg.ProbeCeiling; size *= 2 {
		ok, err := d.try(ctx, size)
		if err != nil {
			return 0, err
		}
		if !ok {
			rejected = size
			break
		}
		accepted = size
	}
	if accepted == 0 {
		return 0, fmt.Errorf("%w: backend rejected the smallest probe (%d tokens)", ErrCapacityUnavailable, d.cfg.ProbeStart)
	}

	for rejected > 0 && rejected-accepted > max(d.cfg.ProbePrecision, 1) {
		mid := accepted + (rejected-accepted)/2
		ok, err := d.try(ctx, mid)
		if err != nil {
			return 0, err
		}
		if ok {
			accepted = mid
		} else {
			rejected = mid
		}
	}

	return max(accepted-d.cfg.ProbeBuffer, 1), nil
}

// try reports whether the backend handles a payload of size tokens. Transient
// failures are retried with backoff; when they persist, or the parent context
// ends, detection fails instead of recording a rejection.
func (d *Detector) try(ctx context.Context, size int) (bool, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = max(d.cfg.ProbeRetryWait, time.Millisecond)
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(max(d.cfg.ProbeRetries, 0))), ctx)

	var accepted bool
	operation := func() error {
		ok, err := d.attempt(ctx, size)
		if err != nil {
			d.logger.Warn("capacity probe interrupted", "tokens", size, "error", err)
			return err
		}
		accepted = ok
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: probe at %d tokens: %v", ErrCapacityUnavailable, size, err)
	}
	return accepted, nil
}

// attempt sends one probe. A rejection is an invalid request, an empty reply
// or a reply slower than DegradeLatency. Retryable errors come back as
// errors; other failures are permanent.
func (d *Detector) attempt(ctx context.Context, size int) (bool, error) {
	callCtx := ctx
	if d.cfg.DegradeLatency > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.DegradeLatency)
		defer cancel()
	}

	start := time.Now()
	reply, err := d.client.GenerateCompletion(callCtx, probePrompt(size), model.CompletionOptions{Model: d.cfg.Model})
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		return false, backoff.Permanent(ctx.Err())
	}

	ok := err == nil && strings.TrimSpace(reply) != ""
	if d.cfg.DegradeLatency > 0 && elapsed > d.cfg.DegradeLatency {
		ok = false
	}
	if err != nil {
		ce := model.Classify(err)
		switch {
		case ce.Kind == model.KindInvalidRequest:
			// rejected
		case ce.Kind == model.KindTimeout && errors.Is(callCtx.Err(), context.DeadlineExceeded):
			// degraded
		case ce.Retryable:
			return false, err
		default:
			return false, backoff.Permanent(err)
		}
	}
	d.logger.Debug("capacity probe", "tokens", size, "accepted", ok, "elapsed", elapsed, "error", err)
	return ok, nil
}

// probePrompt builds an instruction followed by roughly size tokens of filler.
func probePrompt(size int) string {
	var b strings.Builder
	b.Grow(len(probeInstruction) + size*5)
	b.WriteString(probeInstruction)
	for range size {
		b.WriteString(" data")
	}
	return b.String()
}

const probeInstruction = "Reply with OK."
