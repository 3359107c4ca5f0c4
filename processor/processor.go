// Package processor drives chunks through the completion backend: bounded
// concurrency, per-call deadlines, retries, partial results, checkpoints and
// ordered assembly.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"docflow/model"
	"docflow/store"
	"docflow/types"
)

var (
	ErrBusy       = errors.New("processor: a run is already active")
	ErrNotRunning = errors.New("processor: no active run")
	// ErrPaused and ErrCancelled are control signals returned together with
	// a result; they are not failures.
	ErrPaused    = errors.New("processing paused")
	ErrCancelled = errors.New("processing cancelled")
)

type ProgressFunc func(types.Progress)

type Option func(*Processor)

// WithProgress sets a callback invoked after each chunk settles. The run
// waits at most the progress timeout for it.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Processor) { p.progress = fn }
}

func WithProgressTimeout(d time.Duration) Option {
	return func(p *Processor) { p.progressTimeout = d }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithPostProcessors replaces the default assembly passes.
func WithPostProcessors(passes ...PostProcessor) Option {
	return func(p *Processor) { p.passes = passes }
}

// WithSaveTimeout bounds checkpoint writes made after the caller's context
// is gone.
func WithSaveTimeout(d time.Duration) Option {
	return func(p *Processor) { p.saveTimeout = d }
}

// Processor runs one document at a time.
type Processor struct {
	client          model.CompletionClient
	store           store.CheckpointStore
	logger          *slog.Logger
	metrics         *Metrics
	passes          []PostProcessor
	progress        ProgressFunc
	progressTimeout time.Duration
	saveTimeout     time.Duration

	mu       sync.Mutex
	active   *run
	snapshot types.Progress
	last     *types.ProcessingResult
}

func New(client model.CompletionClient, st store.CheckpointStore, logger *slog.Logger, opts ...Option) *Processor {
	p := &Processor{
		client:          client,
		store:           st,
		logger:          logger,
		progressTimeout: 100 * time.Millisecond,
		saveTimeout:     10 * time.Second,
		passes: []PostProcessor{
			ReferenceResolver{},
			RedundancyDetector{Logger: logger},
			CoherenceOptimizer{},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	return p
}

// Process runs chunks from a fresh checkpoint. On pause or cancel the result
// comes back with ErrPaused or ErrCancelled.
func (p *Processor) Process(ctx context.Context, documentID, documentName string, chunks []types.Chunk, opts types.ProcessingOptions) (*types.ProcessingResult, error) {
	if errs := opts.Validate(); errs != nil {
		return nil, types.NewValidationError(errs)
	}
	cp := types.NewCheckpoint(documentID, documentName, chunks, opts)

	tasks := make([]*task, 0, len(chunks))
	for _, c := range chunks {
		tasks = append(tasks, newTask(c))
	}
	return p.execute(ctx, cp, tasks)
}

// Resume continues the run stored under id. Only pending and failed chunks
// are dispatched. A nil opts reuses the checkpoint's options. Resuming a
// FAILED or CANCELLED run forks a new checkpoint and leaves the old one as is.
func (p *Processor) Resume(ctx context.Context, id uuid.UUID, opts *types.ProcessingOptions) (*types.ProcessingResult, error) {
	cp, err := p.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if cp.Status == types.StatusCompleted {
		p.logger.Info("checkpoint already completed", "checkpoint_id", cp.ID, "document_id", cp.DocumentID)
		return completedResult(cp), nil
	}

	if opts != nil {
		if errs := opts.Validate(); errs != nil {
			return nil, types.NewValidationError(errs)
		}
		cp.OptionsSnapshot = *opts
	}

	if cp.Status.Terminal() {
		from := cp.ID
		cp.ID = uuid.New()
		cp.ResumedFrom = &from
		cp.CreatedAt = time.Now().UTC()
		p.logger.Info("forking terminal checkpoint", "from", from, "checkpoint_id", cp.ID, "status", cp.Status)
	}
	cp.Status = types.StatusActive
	cp.Error = ""

	payloads := make(map[uuid.UUID]types.Chunk, len(cp.ChunkPayloads))
	for _, c := range cp.ChunkPayloads {
		payloads[c.ID] = c
	}
	unfinished := cp.Unfinished()
	tasks := make([]*task, 0, len(unfinished))
	for _, cid := range unfinished {
		c, ok := payloads[cid]
		if !ok {
			return nil, fmt.Errorf("checkpoint %s has no payload for chunk %s", id, cid)
		}
		tasks = append(tasks, newTask(c))
	}
	slices.SortFunc(tasks, func(a, b *task) int { return a.chunk.Index - b.chunk.Index })

	cp.PendingChunkIDs = make([]uuid.UUID, 0, len(tasks))
	for _, t := range tasks {
		cp.PendingChunkIDs = append(cp.PendingChunkIDs, t.chunk.ID)
	}
	cp.FailedChunkIDs = make(map[uuid.UUID]string)

	p.logger.Info("resuming checkpoint",
		"checkpoint_id", cp.ID,
		"document_id", cp.DocumentID,
		"completed", len(cp.CompletedChunkIDs),
		"remaining", len(tasks),
	)
	return p.execute(ctx, cp, tasks)
}

// Pause asks the active run to stop after its in-flight calls settle.
func (p *Processor) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return ErrNotRunning
	}
	p.active.pauseReq.Store(true)
	p.active.signal()
	return nil
}

// Cancel stops the active run and aborts its in-flight calls.
func (p *Processor) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return ErrNotRunning
	}
	p.active.cancelReq.Store(true)
	p.active.cancelCalls()
	p.active.signal()
	return nil
}

// Progress returns the latest progress and whether a run is active.
func (p *Processor) Progress() (types.Progress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot, p.active != nil
}

// LastResult returns the result of the most recent finished call, if any.
func (p *Processor) LastResult() *types.ProcessingResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Processor) execute(ctx context.Context, cp *types.ProcessingCheckpoint, tasks []*task) (*types.ProcessingResult, error) {
	r := newRun(p, ctx, cp, tasks)

	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		r.cancelCalls()
		return nil, ErrBusy
	}
	p.active = r
	p.snapshot = r.progressSnapshot()
	p.mu.Unlock()

	res, err := r.execute()

	p.mu.Lock()
	p.active = nil
	p.last = res
	p.mu.Unlock()
	return res, err
}

func (p *Processor) setProgress(pr types.Progress) {
	p.mu.Lock()
	p.snapshot = pr
	p.mu.Unlock()
}

func completedResult(cp *types.ProcessingCheckpoint) *types.ProcessingResult {
	id := cp.ID
	return &types.ProcessingResult{
		DocumentID:       cp.DocumentID,
		DocumentName:     cp.DocumentName,
		Succeeded:        true,
		Status:           types.StatusCompleted,
		AssembledContent: cp.AssembledContent,
		CheckpointID:     &id,
	}
}
