package modeltest

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"docflow/model"
)

// WindowClient simulates a backend with a fixed context window measured in
// words. Prompts above Limit are rejected as invalid requests; prompts above
// SlowAbove (when set) take SlowLatency to answer.
type WindowClient struct {
	Limit       int
	SlowAbove   int
	SlowLatency time.Duration
	// Reported is returned by ContextWindow; zero means unsupported.
	Reported int

	calls atomic.Int64
}

func (w *WindowClient) GenerateCompletion(ctx context.Context, prompt string, _ model.CompletionOptions) (string, error) {
	w.calls.Add(1)
	words := len(strings.Fields(prompt))
	if words > w.Limit {
		return "", model.NewCompletionError(model.KindInvalidRequest, errors.New("input exceeds context window"), "")
	}
	if w.SlowAbove > 0 && words > w.SlowAbove {
		if err := sleep(ctx, w.SlowLatency); err != nil {
			return "", timeoutOrCancel(ctx, "")
		}
	}
	return "OK", nil
}

func (w *WindowClient) ContextWindow(context.Context, string) (int, error) {
	if w.Reported == 0 {
		return 0, errors.New("context window not reported")
	}
	return w.Reported, nil
}

// CallCount returns the number of completion calls made.
func (w *WindowClient) CallCount() int {
	return int(w.calls.Load())
}
