package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// OllamaClient talks to an Ollama server through /api/generate and /api/show.
type OllamaClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

type GenerateRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type GenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type showRequest struct {
	Model string `json:"model"`
}

type showResponse struct {
	Parameters string         `json:"parameters"`
	ModelInfo  map[string]any `json:"model_info"`
}

type OllamaOption func(*OllamaClient)

// WithRateLimit bounds the request rate sent to the server.
func WithRateLimit(rps float64, burst int) OllamaOption {
	return func(c *OllamaClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

func WithHTTPClient(hc *http.Client) OllamaOption {
	return func(c *OllamaClient) {
		c.http = hc
	}
}

func NewOllamaClient(baseURL string, logger *slog.Logger, opts ...OllamaOption) *OllamaClient {
	c := &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateCompletion streams a completion and returns the full text. On
// failure mid-stream the text received so far travels in the error's Partial.
func (c *OllamaClient) GenerateCompletion(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", c.contextError(ctx, err, "")
		}
	}

	reqBody, err := json.Marshal(GenerateRequest{
		Model:  opts.Model,
		System: opts.System,
		Prompt: prompt,
		Stream: true,
	})
	if err != nil {
		return "", NewCompletionError(KindInvalidRequest, fmt.Errorf("marshal request: %w", err), "")
	}

	start := time.Now()
	defer func() {
		c.logger.Debug("ollama generate finished", "model", opts.Model, "took", time.Since(start))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", NewCompletionError(KindInvalidRequest, fmt.Errorf("create request: %w", err), "")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", c.contextError(ctx, err, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", statusError(resp.StatusCode, body)
	}

	decoder := json.NewDecoder(resp.Body)
	var b strings.Builder
	for {
		var chunk GenerateResponse
		if err := decoder.Decode(&chunk); err == io.EOF {
			break
		} else if err != nil {
			return "", c.contextError(ctx, fmt.Errorf("decode response: %w", err), b.String())
		}
		if chunk.Error != "" {
			return "", NewCompletionError(KindUnknown, errors.New(chunk.Error), b.String())
		}
		if chunk.Response != "" {
			b.WriteString(chunk.Response)
			if opts.OnDelta != nil {
				opts.OnDelta(chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}
	return b.String(), nil
}

// ContextWindow reads the context size of a model from /api/show. An explicit
// num_ctx parameter wins over the architecture's trained context length.
func (c *OllamaClient) ContextWindow(ctx context.Context, model string) (int, error) {
	reqBody, err := json.Marshal(showRequest{Model: model})
	if err != nil {
		return 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/show", bytes.NewReader(reqBody))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("ollama API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var show showResponse
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return 0, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return parseContextWindow(show)
}

func parseContextWindow(show showResponse) (int, error) {
	for _, line := range strings.Split(show.Parameters, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "num_ctx" {
			if n, err := strconv.Atoi(fields[1]); err == nil && n > 0 {
				return n, nil
			}
		}
	}
	for key, v := range show.ModelInfo {
		if !strings.HasSuffix(key, ".context_length") {
			continue
		}
		if n, ok := v.(float64); ok && n > 0 {
			return int(n), nil
		}
	}
	return 0, errors.New("model does not report a context length")
}

func (c *OllamaClient) contextError(ctx context.Context, err error, partial string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewCompletionError(KindTimeout, err, partial)
	}
	if ctx.Err() != nil {
		ce := NewCompletionError(KindUnknown, ctx.Err(), partial)
		ce.Retryable = false
		return ce
	}
	// Connection resets and truncated streams are worth another attempt.
	ce := NewCompletionError(KindUnknown, err, partial)
	ce.Retryable = true
	return ce
}

func statusError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	err := fmt.Errorf("ollama API error: status %d: %s", status, msg)

	switch {
	case status == http.StatusTooManyRequests:
		return NewCompletionError(KindRateLimit, err, "")
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return NewCompletionError(KindTimeout, err, "")
	case status == http.StatusServiceUnavailable:
		// Ollama answers 503 when its request queue is full.
		return NewCompletionError(KindRateLimit, err, "")
	case status >= 400 && status < 500:
		return NewCompletionError(KindInvalidRequest, err, "")
	default:
		return NewCompletionError(KindUnknown, err, "")
	}
}
