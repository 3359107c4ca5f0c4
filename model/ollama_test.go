package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOllamaClient_GenerateCompletion_Stream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.True(t, req.Stream)

		enc := json.NewEncoder(w)
		_ = enc.Encode(GenerateResponse{Response: "Hello"})
		_ = enc.Encode(GenerateResponse{Response: ", world"})
		_ = enc.Encode(GenerateResponse{Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, discardLogger())

	var deltas []string
	out, err := c.GenerateCompletion(context.Background(), "hi", CompletionOptions{
		Model:   "llama3",
		OnDelta: func(d string) { deltas = append(deltas, d) },
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", out)
	assert.Equal(t, []string{"Hello", ", world"}, deltas)
}

func TestOllamaClient_GenerateCompletion_StatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{http.StatusTooManyRequests, KindRateLimit, true},
		{http.StatusServiceUnavailable, KindRateLimit, true},
		{http.StatusBadRequest, KindInvalidRequest, false},
		{http.StatusGatewayTimeout, KindTimeout, true},
		{http.StatusInternalServerError, KindUnknown, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			_, err := NewOllamaClient(srv.URL, discardLogger()).
				GenerateCompletion(context.Background(), "hi", CompletionOptions{Model: "m"})
			require.Error(t, err)

			var ce *CompletionError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.kind, ce.Kind)
			assert.Equal(t, tc.retryable, ce.Retryable)
			assert.Contains(t, ce.Error(), "nope")
		})
	}
}

func TestOllamaClient_GenerateCompletion_DeadlineKeepsPartial(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(GenerateResponse{Response: "first part"})
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewOllamaClient(srv.URL, discardLogger()).GenerateCompletion(ctx, "hi", CompletionOptions{Model: "m"})
	require.Error(t, err)

	ce := Classify(err)
	assert.Equal(t, KindTimeout, ce.Kind)
	assert.True(t, ce.Retryable)
	assert.Equal(t, "first part", ce.Partial)
}

func TestOllamaClient_ContextWindow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/show", r.URL.Path)
		_, _ = w.Write([]byte(`{"parameters":"stop \"<|eot|>\"\nnum_ctx 8192","model_info":{"llama.context_length":131072}}`))
	}))
	defer srv.Close()

	n, err := NewOllamaClient(srv.URL, discardLogger()).ContextWindow(context.Background(), "llama3")
	require.NoError(t, err)
	assert.Equal(t, 8192, n)
}

func TestParseContextWindow_ModelInfo(t *testing.T) {
	t.Parallel()

	n, err := parseContextWindow(showResponse{ModelInfo: map[string]any{"qwen2.context_length": float64(32768)}})
	require.NoError(t, err)
	assert.Equal(t, 32768, n)

	_, err = parseContextWindow(showResponse{})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Classify(nil))
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, KindUnknown, Classify(errors.New("boom")).Kind)
	assert.False(t, Classify(errors.New("boom")).Retryable)

	wrapped := fmt.Errorf("call: %w", NewCompletionError(KindRateLimit, errors.New("slow down"), ""))
	assert.Equal(t, KindRateLimit, Classify(wrapped).Kind)
}

func TestCosine(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
}
