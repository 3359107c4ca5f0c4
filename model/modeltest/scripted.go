// Package modeltest provides a scripted CompletionClient for tests.
package modeltest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"docflow/model"
)

// Step is one scripted answer.
type Step struct {
	Latency time.Duration
	Reply   string
	Err     error
	// Stream is emitted through OnDelta, evenly spread over Latency, before
	// Reply or Err is returned.
	Stream []string
}

// Call records one GenerateCompletion invocation.
type Call struct {
	Prompt string
	Model  string
	At     time.Time
}

// ScriptedClient answers prompts from per-marker scripts. A prompt matches the
// first registered marker it contains; successive calls consume the marker's
// steps and the last step repeats. Unmatched prompts are echoed back.
type ScriptedClient struct {
	mu       sync.Mutex
	markers  []string
	scripts  map[string][]Step
	served   map[string]int
	calls    []Call
	inFlight map[string]int
	active   int
	peak     int
	overlaps int

	// Hook runs at the start of every call with its 1-based sequence number.
	Hook func(n int, prompt string)
}

func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{
		scripts:  make(map[string][]Step),
		served:   make(map[string]int),
		inFlight: make(map[string]int),
	}
}

// On registers the steps for prompts containing marker.
func (c *ScriptedClient) On(marker string, steps ...Step) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.scripts[marker]; !ok {
		c.markers = append(c.markers, marker)
	}
	c.scripts[marker] = steps
	return c
}

func (c *ScriptedClient) GenerateCompletion(ctx context.Context, prompt string, opts model.CompletionOptions) (string, error) {
	step, marker, n := c.begin(prompt, opts.Model)
	defer c.end(marker)

	if c.Hook != nil {
		c.Hook(n, prompt)
	}

	var streamed strings.Builder
	pause := step.Latency
	if len(step.Stream) > 0 {
		pause = step.Latency / time.Duration(len(step.Stream)+1)
	}
	for _, delta := range step.Stream {
		if err := sleep(ctx, pause); err != nil {
			return "", timeoutOrCancel(ctx, streamed.String())
		}
		streamed.WriteString(delta)
		if opts.OnDelta != nil {
			opts.OnDelta(delta)
		}
	}
	if err := sleep(ctx, pause); err != nil {
		return "", timeoutOrCancel(ctx, streamed.String())
	}

	if step.Err != nil {
		return "", step.Err
	}
	if step.Reply == "" && marker == "" {
		return prompt, nil
	}
	return step.Reply, nil
}

// Calls returns a copy of every recorded call.
func (c *ScriptedClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallCount returns the number of calls made so far.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// CallsFor returns how many calls matched marker.
func (c *ScriptedClient) CallsFor(marker string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.served[marker]
}

// PeakConcurrency is the highest number of simultaneous calls observed.
func (c *ScriptedClient) PeakConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

// Overlaps counts calls that started while another call with the same
// marker was still running.
func (c *ScriptedClient) Overlaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlaps
}

func (c *ScriptedClient) begin(prompt, modelName string) (Step, string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, Call{Prompt: prompt, Model: modelName, At: time.Now()})
	c.active++
	c.peak = max(c.peak, c.active)

	marker := c.match(prompt)
	if marker == "" {
		return Step{}, "", len(c.calls)
	}
	if c.inFlight[marker] > 0 {
		c.overlaps++
	}
	c.inFlight[marker]++

	steps := c.scripts[marker]
	i := min(c.served[marker], len(steps)-1)
	c.served[marker]++
	if i < 0 {
		return Step{}, marker, len(c.calls)
	}
	return steps[i], marker, len(c.calls)
}

func (c *ScriptedClient) end(marker string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	if marker != "" {
		c.inFlight[marker]--
	}
}

func (c *ScriptedClient) match(prompt string) string {
	for _, m := range c.markers {
		if strings.Contains(prompt, m) {
			return m
		}
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func timeoutOrCancel(ctx context.Context, partial string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.NewCompletionError(model.KindTimeout, ctx.Err(), partial)
	}
	ce := model.NewCompletionError(model.KindUnknown, ctx.Err(), partial)
	ce.Retryable = false
	return ce
}

// Timeout returns a retryable timeout error carrying partial text.
func Timeout(partial string) error {
	return model.NewCompletionError(model.KindTimeout, errors.New("scripted timeout"), partial)
}

// RateLimited returns a retryable rate-limit error.
func RateLimited() error {
	return model.NewCompletionError(model.KindRateLimit, errors.New("scripted rate limit"), "")
}

// Invalid returns a non-retryable invalid-request error.
func Invalid(partial string) error {
	return model.NewCompletionError(model.KindInvalidRequest, errors.New("scripted invalid request"), partial)
}
