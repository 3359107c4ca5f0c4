package processor

import (
	"math"
	"time"

	"github.com/cenkalti/backoff"

	"docflow/model"
	"docflow/types"
)

// callTimeout returns the deadline for the next attempt of t.
//
//	adaptive: min(MaxTimeout, BaseTimeout × size/ReferenceSize × hardware × scale^retries)
//	fixed:    BaseTimeout
func callTimeout(opts types.ProcessingOptions, t *task) time.Duration {
	if !opts.AdaptiveTimeout {
		return opts.BaseTimeout
	}
	ref := float64(max(opts.ReferenceSize, 1))
	size := float64(t.chunk.EstimatedSize)
	if size <= 0 {
		size = ref
	}
	scale := math.Max(opts.TimeoutScaleFactor, 1)

	d := float64(opts.BaseTimeout) *
		(size / ref) *
		types.HardwareFactor(opts.HardwareProfile) *
		math.Pow(scale, float64(t.retries))

	if opts.MaxTimeout > 0 && d > float64(opts.MaxTimeout) {
		return opts.MaxTimeout
	}
	return max(time.Duration(math.Round(d)), time.Millisecond)
}

// retryDelay is BackoffBase × 2^retry capped at BackoffMax, without jitter.
// Rate-limited calls wait twice as long.
func retryDelay(opts types.ProcessingOptions, retry int, kind model.ErrorKind) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BackoffBase
	b.MaxInterval = opts.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for range retry + 1 {
		d = b.NextBackOff()
	}
	if kind == model.KindRateLimit {
		d *= 2
	}
	return d
}
