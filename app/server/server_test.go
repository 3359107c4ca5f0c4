package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/capacity"
	"docflow/model/modeltest"
	"docflow/processor"
	"docflow/store"
	"docflow/types"
)

// paragraphSplitter makes one chunk per paragraph.
type paragraphSplitter struct{}

func (paragraphSplitter) Split(_ context.Context, documentID, text string) ([]types.Chunk, capacity.Capacity, error) {
	paras := strings.Split(strings.TrimSpace(text), "\n\n")
	chunks := make([]types.Chunk, len(paras))
	for i, p := range paras {
		chunks[i] = types.Chunk{
			ID:               uuid.New(),
			Content:          p,
			Index:            i,
			TotalChunks:      len(paras),
			SourceDocumentID: documentID,
			EstimatedSize:    len(p),
		}
	}
	return chunks, capacity.Capacity{Tokens: 4096, Strategy: capacity.StrategyManual}, nil
}

type fixture struct {
	server *Server
	client *modeltest.ScriptedClient
	store  *store.MemoryStore
}

func newFixture(t *testing.T, probes map[string]func(context.Context) error) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := modeltest.NewScriptedClient()
	st := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	p := processor.New(client, st, logger, processor.WithMetrics(processor.NewMetrics(reg)))

	defaults := types.DefaultOptions()
	defaults.Prompt = ""
	defaults.BatchSize = 1
	defaults.AdaptiveTimeout = false
	defaults.BaseTimeout = 5 * time.Second
	defaults.MaxTimeout = 5 * time.Second

	s := NewServer(":0", Deps{
		Processor: p,
		Store:     st,
		Splitter:  paragraphSplitter{},
		Registry:  reg,
		Defaults:  defaults,
		Probes:    probes,
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return &fixture{server: s, client: client, store: st}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// waitIdle polls the progress endpoint until no run is active and returns
// the last result.
func (f *fixture) waitIdle(t *testing.T) *types.ProcessingResult {
	t.Helper()
	var pr types.ProgressResponse
	require.Eventually(t, func() bool {
		_, data := f.do(t, http.MethodGet, "/api/v1/progress", nil)
		pr = types.ProgressResponse{}
		require.NoError(t, json.Unmarshal(data, &pr))
		return !pr.Active && pr.LastResult != nil
	}, 5*time.Second, 10*time.Millisecond)
	return pr.LastResult
}

func TestServer_Healthy(t *testing.T) {
	f := newFixture(t, nil)

	resp, data := f.do(t, http.MethodGet, "/check/healthy", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"result":"ok"}`, string(data))
}

func TestServer_Ready(t *testing.T) {
	f := newFixture(t, map[string]func(context.Context) error{
		"store":  func(context.Context) error { return nil },
		"ollama": func(context.Context) error { return errors.New("connection refused") },
	})

	resp, data := f.do(t, http.MethodGet, "/check/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"result":"degraded","checks":{"store":"ok","ollama":"connection refused"}}`, string(data))
}

func TestServer_ProcessRunsInBackground(t *testing.T) {
	f := newFixture(t, nil)

	resp, data := f.do(t, http.MethodPost, "/api/v1/process", map[string]any{
		"documentId":   "doc-1",
		"documentName": "report",
		"text":         "alpha\n\nbeta\n\ngamma",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	var accepted types.AcceptedResponse
	require.NoError(t, json.Unmarshal(data, &accepted))
	assert.Equal(t, "doc-1", accepted.DocumentID)
	assert.Equal(t, 3, accepted.TotalChunks)
	assert.Equal(t, 4096, accepted.Capacity)

	res := f.waitIdle(t)
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.True(t, res.Succeeded)
	assert.Equal(t, "alpha\n\nbeta\n\ngamma", res.AssembledContent)
	assert.Equal(t, 3, f.client.CallCount())
}

func TestServer_ProcessValidation(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/process", map[string]any{"documentName": "empty"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/process", map[string]any{
		"documentName": "bad options",
		"text":         "alpha",
		"options":      map[string]any{"batch_size": 0},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/process", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	raw, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestServer_PauseListResumeDelete(t *testing.T) {
	f := newFixture(t, nil)
	f.client.On("slow", modeltest.Step{Latency: 300 * time.Millisecond, Reply: "slow done"})

	resp, _ := f.do(t, http.MethodPost, "/api/v1/process", map[string]any{
		"documentName": "long",
		"text":         "slow one\n\ntwo\n\nthree",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/process", map[string]any{
		"documentName": "second",
		"text":         "other",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.Eventually(t, func() bool { return f.client.CallCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/pause", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	paused := f.waitIdle(t)
	require.Equal(t, types.StatusPaused, paused.Status)
	require.NotNil(t, paused.CheckpointID)
	id := paused.CheckpointID.String()

	resp, data := f.do(t, http.MethodGet, "/api/v1/checkpoints?status=PAUSED", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summaries []store.Summary
	require.NoError(t, json.Unmarshal(data, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, id, summaries[0].ID.String())
	assert.Equal(t, 1, summaries[0].Completed)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/checkpoints/"+id+"/resume", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	done := f.waitIdle(t)
	assert.Equal(t, types.StatusCompleted, done.Status)
	assert.Equal(t, "slow done\n\ntwo\n\nthree", done.AssembledContent)

	resp, data = f.do(t, http.MethodGet, "/api/v1/checkpoints/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cp types.ProcessingCheckpoint
	require.NoError(t, json.Unmarshal(data, &cp))
	assert.Equal(t, types.StatusCompleted, cp.Status)
	assert.Empty(t, cp.ChunkPayloads)

	// A completed checkpoint answers synchronously.
	resp, data = f.do(t, http.MethodPost, "/api/v1/checkpoints/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again types.ProcessingResult
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, done.AssembledContent, again.AssembledContent)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/checkpoints/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/checkpoints/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ControlErrors(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/checkpoints/not-a-uuid/resume", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/checkpoints/"+uuid.NewString()+"/resume", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/checkpoints/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CancelStopsRun(t *testing.T) {
	f := newFixture(t, nil)
	f.client.On("slow", modeltest.Step{Latency: 2 * time.Second, Reply: "never"})

	resp, _ := f.do(t, http.MethodPost, "/api/v1/process", map[string]any{
		"documentName": "cancelled",
		"text":         "slow one\n\nslow two",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return f.client.CallCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	res := f.waitIdle(t)
	assert.Equal(t, types.StatusCancelled, res.Status)
	assert.False(t, res.Succeeded)
}

func TestServer_ProcessFile(t *testing.T) {
	f := newFixture(t, nil)

	upload := func(name string, content []byte) *http.Response {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		part, err := w.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
		require.NoError(t, w.WriteField("options", `{"max_retries": 1}`))
		require.NoError(t, w.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/process/file", &body)
		req.Header.Set("Content-Type", w.FormDataContentType())
		resp, err := f.server.App().Test(req, -1)
		require.NoError(t, err)
		return resp
	}

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	assert.Equal(t, http.StatusUnsupportedMediaType, upload("image.png", png).StatusCode)

	resp := upload("notes.md", []byte("# Notes\n\nfirst point\n\nsecond point"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	res := f.waitIdle(t)
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.Equal(t, "notes", res.DocumentName)
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, nil)

	resp, data := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "docflow_batch_size")
}
