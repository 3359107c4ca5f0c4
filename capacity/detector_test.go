package capacity

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/model/modeltest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func probeConfig() Config {
	cfg := DefaultConfig("llama3.1")
	cfg.DegradeLatency = 0
	return cfg
}

func TestDetect_ProbeFindsLimit(t *testing.T) {
	t.Parallel()

	client := &modeltest.WindowClient{Limit: 3000}
	d := NewDetector(probeConfig(), client, nil, discardLogger())

	c, err := d.Detect(context.Background())
	require.NoError(t, err)

	// 512, 1024, 2048 accepted, 4096 rejected, then 3072 ✗, 2560 ✓, 2816 ✓.
	assert.Equal(t, 2816-256, c.Tokens)
	assert.Equal(t, StrategyProbe, c.Strategy)
	assert.Equal(t, "llama3.1", c.Model)
	assert.Equal(t, 7, client.CallCount())
}

func TestDetect_ProbeStopsAtCeiling(t *testing.T) {
	t.Parallel()

	cfg := probeConfig()
	cfg.ProbeCeiling = 2048
	client := &modeltest.WindowClient{Limit: 1 << 20}

	c, err := NewDetector(cfg, client, nil, discardLogger()).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2048-256, c.Tokens)
	assert.Equal(t, 3, client.CallCount())
}

func TestDetect_BufferIsSubtractedInFull(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		buffer, want int
	}{
		{buffer: 1536, want: 512},
		{buffer: 4096, want: 1},
	} {
		cfg := probeConfig()
		cfg.ProbeCeiling = 2048
		cfg.ProbeBuffer = tc.buffer
		client := &modeltest.WindowClient{Limit: 1 << 20}

		c, err := NewDetector(cfg, client, nil, discardLogger()).Detect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tc.want, c.Tokens, "buffer %d", tc.buffer)
	}
}

func TestDetect_ProbeTreatsSlowReplyAsRejection(t *testing.T) {
	t.Parallel()

	cfg := probeConfig()
	cfg.DegradeLatency = 50 * time.Millisecond
	client := &modeltest.WindowClient{Limit: 1 << 20, SlowAbove: 1000, SlowLatency: time.Second}

	c, err := NewDetector(cfg, client, nil, discardLogger()).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 768-256, c.Tokens)
}

func TestDetect_ProbeRejectedOutright(t *testing.T) {
	t.Parallel()

	client := &modeltest.WindowClient{Limit: 10}
	_, err := NewDetector(probeConfig(), client, nil, discardLogger()).Detect(context.Background())
	require.ErrorIs(t, err, ErrCapacityUnavailable)
}

func TestDetect_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	cfg := probeConfig()
	cfg.ProbeCeiling = 16384
	cfg.ProbeRetryWait = time.Millisecond
	client := modeltest.NewScriptedClient().On(probeInstruction,
		modeltest.Step{Reply: "OK"},
		modeltest.Step{Reply: "OK"},
		modeltest.Step{Err: modeltest.RateLimited()},
		modeltest.Step{Reply: "OK"},
	)

	c, err := NewDetector(cfg, client, nil, discardLogger()).Detect(context.Background())
	require.NoError(t, err)

	// 512, 1024, 2048 (rate limited, then accepted), 4096, 8192, 16384.
	assert.Equal(t, 16384-256, c.Tokens)
	assert.Equal(t, 7, client.CallCount())
}

func TestDetect_TransientFailureIsNotCached(t *testing.T) {
	t.Parallel()

	cfg := probeConfig()
	cfg.ProbeRetries = 2
	cfg.ProbeRetryWait = time.Millisecond
	client := modeltest.NewScriptedClient().On(probeInstruction,
		modeltest.Step{Reply: "OK"},
		modeltest.Step{Err: modeltest.RateLimited()},
	)
	d := NewDetector(cfg, client, nil, discardLogger())

	_, err := d.Detect(context.Background())
	require.ErrorIs(t, err, ErrCapacityUnavailable)
	assert.Equal(t, 4, client.CallCount(), "one accepted size, then the first try and two retries")

	client.On(probeInstruction, modeltest.Step{Reply: "OK"})
	cfg.ProbeCeiling = 1024
	c, err := NewDetector(cfg, client, d.cache, discardLogger()).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1024-256, c.Tokens, "a failed detection leaves nothing in the cache")
}

func TestDetect_CachedAndSingleFlight(t *testing.T) {
	t.Parallel()

	client := &modeltest.WindowClient{Limit: 3000}
	d := NewDetector(probeConfig(), client, nil, discardLogger())

	var wg sync.WaitGroup
	results := make([]Capacity, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := d.Detect(context.Background())
			assert.NoError(t, err)
			results[i] = c
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, client.CallCount(), "probing must run once")
	for _, c := range results {
		assert.Equal(t, results[0].Tokens, c.Tokens)
	}

	_, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, client.CallCount())

	require.NoError(t, d.Invalidate(context.Background()))
	_, err = d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 14, client.CallCount())
}

func TestDetect_API(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("llama3.1")
	cfg.Strategy = StrategyAPI

	c, err := NewDetector(cfg, &modeltest.WindowClient{Reported: 8192}, nil, discardLogger()).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8192, c.Tokens)
	assert.Equal(t, StrategyAPI, c.Strategy)

	_, err = NewDetector(cfg, modeltest.NewScriptedClient(), nil, discardLogger()).Detect(context.Background())
	require.ErrorIs(t, err, ErrCapacityUnavailable)

	_, err = NewDetector(cfg, &modeltest.WindowClient{}, nil, discardLogger()).Detect(context.Background())
	require.ErrorIs(t, err, ErrCapacityUnavailable)
}

func TestDetect_Manual(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("llama3.1")
	cfg.Strategy = StrategyManual
	cfg.Manual = 4096
	client := modeltest.NewScriptedClient()

	c, err := NewDetector(cfg, client, nil, discardLogger()).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4096, c.Tokens)
	assert.Zero(t, client.CallCount())

	cfg.Manual = 0
	_, err = NewDetector(cfg, client, nil, discardLogger()).Detect(context.Background())
	require.ErrorIs(t, err, ErrCapacityUnavailable)
}

func TestMemoryCache_TTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewMemoryCache()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", Capacity{Tokens: 100}, time.Hour))
	c, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 100, c.Tokens)

	now = now.Add(time.Hour)
	_, err = cache.Get(ctx, "k")
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	cache := NewRedisCache(client, "docflow-test", discardLogger())
	ctx := context.Background()

	_, err := cache.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, "k", Capacity{Tokens: 2048, Strategy: StrategyProbe}, time.Minute))
	c, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2048, c.Tokens)

	require.NoError(t, cache.Delete(ctx, "k"))
	_, err = cache.Get(ctx, "k")
	require.ErrorIs(t, err, ErrCacheMiss)
}
