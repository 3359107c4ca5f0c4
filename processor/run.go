package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docflow/model"
	"docflow/types"
)

type chunkState int

const (
	statePending chunkState = iota
	stateCompleted
	stateFailed
)

type exit int

const (
	exitDone exit = iota
	exitPaused
	exitCancelled
	exitInterrupted
)

// run is the state of one Process or Resume call. Everything except the
// request flags is owned by the goroutine running execute.
type run struct {
	p      *Processor
	logger *slog.Logger
	opts   types.ProcessingOptions
	cp     *types.ProcessingCheckpoint

	parent      context.Context
	ctx         context.Context
	cancelCalls context.CancelFunc
	pauseReq    atomic.Bool
	cancelReq   atomic.Bool
	wake        chan struct{}

	feed    *progressFeed
	queue   *queue
	asm     *assembler
	state   map[uuid.UUID]chunkState
	reasons map[uuid.UUID]string
	results map[uuid.UUID]*types.ChunkResult
	settled int

	batchSize int
	sinceSave int
	saved     bool

	started  time.Time
	waited   time.Duration
	callTime time.Duration
	calls    int
	tokens   int
	buffered int
	stats    types.ProcessingStats
	perf     types.PerformanceMetrics
}

type outcome struct {
	task        *task
	text        string
	err         *model.CompletionError
	elapsed     time.Duration
	timeout     time.Duration
	timedOut    bool
	interrupted bool
}

func newRun(p *Processor, parent context.Context, cp *types.ProcessingCheckpoint, tasks []*task) *run {
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		p:           p,
		logger:      p.logger.With("checkpoint_id", cp.ID, "document_id", cp.DocumentID),
		opts:        cp.OptionsSnapshot,
		cp:          cp,
		parent:      parent,
		ctx:         ctx,
		cancelCalls: cancel,
		wake:        make(chan struct{}, 1),
		queue:       newQueue(tasks),
		asm:         newAssembler(cp.Assembly),
		state:       make(map[uuid.UUID]chunkState, len(cp.ChunkIndexes)),
		reasons:     make(map[uuid.UUID]string),
		results:     make(map[uuid.UUID]*types.ChunkResult),
		batchSize:   max(cp.OptionsSnapshot.BatchSize, 1),
	}
	for _, id := range cp.PendingChunkIDs {
		r.state[id] = statePending
	}
	for id, reason := range cp.FailedChunkIDs {
		r.state[id] = stateFailed
		r.reasons[id] = reason
		r.settled++
	}
	for _, id := range cp.CompletedChunkIDs {
		r.state[id] = stateCompleted
		r.settled++
	}
	return r
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) execute() (*types.ProcessingResult, error) {
	defer r.cancelCalls()
	if r.p.progress != nil {
		r.feed = newProgressFeed(r.p.progress, r.logger)
		defer r.feed.close()
	}
	r.started = time.Now()
	r.p.metrics.BatchSize.Set(float64(r.batchSize))

	r.logger.Info("processing started",
		"document_name", r.cp.DocumentName,
		"chunks", r.cp.Stats.TotalChunks,
		"pending", r.queue.ready.Len(),
		"batch_size", r.batchSize,
	)

	if r.opts.CheckpointEnabled {
		_ = r.save()
	}

	return r.finish(r.loop())
}

func (r *run) loop() exit {
	for {
		switch {
		case r.cancelReq.Load():
			return exitCancelled
		case r.pauseReq.Load():
			return exitPaused
		case r.parent.Err() != nil:
			return exitInterrupted
		}

		r.queue.promote(time.Now())
		if r.queue.ready.Len() == 0 {
			at, ok := r.queue.next()
			if !ok {
				return exitDone
			}
			r.waitUntil(at)
			continue
		}
		r.runBatch(r.queue.take(r.batchSize))
	}
}

// waitUntil sleeps through a backoff. The time is excluded from the
// performance basis.
func (r *run) waitUntil(at time.Time) {
	start := time.Now()
	timer := time.NewTimer(time.Until(at))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.wake:
	case <-r.ctx.Done():
	}
	r.waited += time.Since(start)
}

func (r *run) runBatch(batch []*task) {
	outcomes := make(chan outcome, len(batch))
	var g errgroup.Group
	for _, t := range batch {
		if r.cancelReq.Load() {
			outcomes <- outcome{task: t, interrupted: true}
			continue
		}
		g.Go(func() error {
			outcomes <- r.attempt(t)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(outcomes)
	}()

	timedOut, fast := false, true
	for o := range outcomes {
		if o.timedOut {
			timedOut = true
		}
		if o.err != nil || o.interrupted || o.elapsed*2 >= o.timeout {
			fast = false
		}
		r.settle(o)
	}
	r.afterBatch(timedOut, fast)
}

// attempt races one completion call against its deadline. The call keeps
// streaming into a private buffer, so a deadline win still has the partial
// text. A late reply lands in the buffered channel and is dropped.
func (r *run) attempt(t *task) outcome {
	o := outcome{task: t, timeout: callTimeout(r.opts, t)}
	if r.ctx.Err() != nil {
		o.interrupted = true
		return o
	}

	callCtx, cancel := context.WithTimeout(r.ctx, o.timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		streamed strings.Builder
	)
	onDelta := func(delta string) {
		mu.Lock()
		streamed.WriteString(delta)
		mu.Unlock()
	}
	partial := func() string {
		mu.Lock()
		defer mu.Unlock()
		return streamed.String()
	}

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	start := time.Now()
	go func() {
		text, err := r.p.client.GenerateCompletion(callCtx, r.prompt(t.chunk), model.CompletionOptions{
			Model:   r.opts.Model,
			OnDelta: onDelta,
		})
		done <- reply{text, err}
	}()

	select {
	case res := <-done:
		o.elapsed = time.Since(start)
		if res.err == nil {
			o.text = res.text
			r.p.metrics.observeCall("success", o.elapsed)
			return o
		}
		if r.ctx.Err() != nil {
			o.interrupted = true
			return o
		}
		o.err = model.Classify(res.err)
		if o.err.Kind != model.KindTimeout && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			o.err = model.NewCompletionError(model.KindTimeout, res.err, o.err.Partial)
		}
	case <-callCtx.Done():
		o.elapsed = time.Since(start)
		if r.ctx.Err() != nil {
			o.interrupted = true
			return o
		}
		o.err = model.NewCompletionError(model.KindTimeout, fmt.Errorf("no reply within %s", o.timeout), "")
	}

	if p := partial(); len(p) > len(o.err.Partial) {
		ce := *o.err
		ce.Partial = p
		o.err = &ce
	}
	o.timedOut = o.err.Kind == model.KindTimeout
	if o.timedOut {
		r.p.metrics.observeCall("timeout", o.elapsed)
	} else {
		r.p.metrics.observeCall("error", o.elapsed)
	}
	return o
}

func (r *run) prompt(c types.Chunk) string {
	if r.opts.Prompt == "" {
		return c.Content
	}
	return r.opts.Prompt + "\n\n" + c.Content
}

func (r *run) settle(o outcome) {
	t := o.task
	t.elapsed += o.elapsed
	r.callTime += o.elapsed
	if o.elapsed > 0 {
		r.calls++
	}

	if o.interrupted {
		r.queue.push(t)
		return
	}
	if o.err == nil {
		r.accept(t, o.text, false)
		return
	}

	ce := o.err
	if len(ce.Partial) > len(t.partial) {
		t.partial = ce.Partial
	}
	if o.timedOut {
		r.perf.Timeouts++
		r.p.metrics.Timeouts.Inc()
	}
	r.record(t, "", ce)

	if ce.Retryable && t.retries < r.opts.MaxRetries {
		delay := retryDelay(r.opts, t.retries, ce.Kind)
		t.retries++
		r.stats.Retries++
		r.p.metrics.Retries.Inc()
		r.queue.delay(t, time.Now().Add(delay))
		r.logger.Debug("chunk retry scheduled",
			"chunk", t.chunk.Index,
			"kind", ce.Kind,
			"retry", t.retries,
			"delay", delay,
		)
		return
	}

	if r.partialAcceptable(t.partial) {
		r.accept(t, t.partial, true)
		return
	}
	r.fail(t, ce)
}

func (r *run) partialAcceptable(partial string) bool {
	return r.opts.AcceptPartialResults &&
		strings.TrimSpace(partial) != "" &&
		utf8.RuneCountInString(partial) >= r.opts.MinPartialResultLength
}

func (r *run) accept(t *task, content string, partial bool) {
	res := r.record(t, content, nil)
	res.IsPartial = partial

	id := t.chunk.ID
	r.state[id] = stateCompleted
	if partial {
		r.cp.PartialResultsByChunkID[id] = content
		r.p.metrics.PartialAccepted.Inc()
		r.logger.Info("partial result accepted", "chunk", t.chunk.Index, "runes", utf8.RuneCountInString(content))
	}
	r.asm.add(t.chunk.Index, content)
	r.tokens += t.chunk.EstimatedSize
	r.markSettled()
}

func (r *run) fail(t *task, ce *model.CompletionError) {
	id := t.chunk.ID
	r.state[id] = stateFailed
	r.reasons[id] = ce.Error()
	r.stats.Errors++
	r.p.metrics.ChunkFailures.Inc()
	r.logger.Warn("chunk failed",
		"chunk", t.chunk.Index,
		"kind", ce.Kind,
		"retries", t.retries,
		"error", ce.Err,
	)
	r.markSettled()
}

func (r *run) markSettled() {
	r.settled++
	r.stats.ChunksProcessed++
	r.sinceSave++
	r.notify()
}

// record replaces the latest result of t's chunk.
func (r *run) record(t *task, content string, ce *model.CompletionError) *types.ChunkResult {
	res := &types.ChunkResult{
		ChunkID:     t.chunk.ID,
		Content:     content,
		Succeeded:   ce == nil,
		RetryCount:  t.retries,
		ElapsedTime: t.elapsed,
		Index:       t.chunk.Index,
	}
	if ce != nil {
		msg := ce.Error()
		if ce.Err != nil {
			msg = ce.Err.Error()
		}
		res.Error = &types.ChunkError{Kind: string(ce.Kind), Message: msg, Retryable: ce.Retryable}
	}
	if old, ok := r.results[t.chunk.ID]; ok {
		r.buffered -= len(old.Content)
	}
	r.results[t.chunk.ID] = res
	r.buffered += len(content)
	r.perf.PeakBufferedBytes = max(r.perf.PeakBufferedBytes, r.buffered)
	return res
}

func (r *run) afterBatch(timedOut, fast bool) {
	if r.opts.AdaptiveBatch {
		switch {
		case timedOut && r.batchSize > 1:
			r.batchSize--
			r.logger.Debug("batch size reduced", "batch_size", r.batchSize)
		case !timedOut && fast && r.batchSize < r.opts.BatchSize:
			r.batchSize++
			r.logger.Debug("batch size increased", "batch_size", r.batchSize)
		}
		r.p.metrics.BatchSize.Set(float64(r.batchSize))
	}

	r.enforceBudget()

	if r.opts.CheckpointEnabled && r.sinceSave >= r.opts.CheckpointInterval {
		_ = r.save()
	}
}

// enforceBudget drops the raw result buffers of chunks already folded into
// the assembly once the memory budget is exceeded.
func (r *run) enforceBudget() {
	defer r.p.metrics.BufferedBytes.Set(float64(r.buffered))
	if r.opts.MemoryBudget <= 0 || int64(r.buffered) <= r.opts.MemoryBudget {
		return
	}
	before := r.buffered
	for _, res := range r.results {
		if res.Content == "" || !r.asm.isFolded(res.Index) {
			continue
		}
		r.buffered -= len(res.Content)
		res.Content = ""
		r.perf.Evictions++
	}
	r.logger.Debug("result buffers evicted",
		"before", humanize.Bytes(uint64(before)),
		"after", humanize.Bytes(uint64(r.buffered)),
		"budget", humanize.Bytes(uint64(r.opts.MemoryBudget)),
	)
}

// syncCheckpoint writes the in-memory chunk states into the checkpoint.
func (r *run) syncCheckpoint() {
	cp := r.cp
	ids := make([]uuid.UUID, 0, len(r.state))
	for id := range r.state {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return cp.ChunkIndexes[a] - cp.ChunkIndexes[b] })

	cp.CompletedChunkIDs = make([]uuid.UUID, 0, len(ids))
	cp.PendingChunkIDs = make([]uuid.UUID, 0)
	cp.FailedChunkIDs = make(map[uuid.UUID]string)
	for _, id := range ids {
		switch r.state[id] {
		case stateCompleted:
			cp.CompletedChunkIDs = append(cp.CompletedChunkIDs, id)
		case stateFailed:
			cp.FailedChunkIDs[id] = r.reasons[id]
		default:
			cp.PendingChunkIDs = append(cp.PendingChunkIDs, id)
		}
	}

	avg := r.averageCallTime()
	cp.Stats = types.CheckpointStats{
		TotalChunks:        len(ids),
		Completed:          len(cp.CompletedChunkIDs),
		AverageChunkTime:   avg,
		EstimatedRemaining: avg * time.Duration(len(cp.PendingChunkIDs)) / time.Duration(max(r.batchSize, 1)),
	}
	cp.Assembly = r.asm.state()
	cp.UpdatedAt = time.Now().UTC()
}

// save persists the checkpoint. Failures are logged; the run goes on.
func (r *run) save() error {
	r.syncCheckpoint()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.parent), r.p.saveTimeout)
	defer cancel()

	err := r.p.store.Save(ctx, r.cp)
	r.p.metrics.observeSave(r.cp.Status, err)
	if err != nil {
		r.logger.Error("checkpoint save failed", "status", r.cp.Status, "error", err)
		return err
	}
	r.saved = true
	r.sinceSave = 0
	r.logger.Debug("checkpoint saved",
		"status", r.cp.Status,
		"completed", len(r.cp.CompletedChunkIDs),
		"pending", len(r.cp.PendingChunkIDs),
		"failed", len(r.cp.FailedChunkIDs),
	)
	return nil
}

func (r *run) finish(ex exit) (*types.ProcessingResult, error) {
	var signal error
	persist := r.opts.CheckpointEnabled

	switch ex {
	case exitDone:
		if r.asm.count() == 0 {
			r.cp.Status = types.StatusFailed
			r.cp.Error = "no chunk produced an accepted result"
		} else {
			parts := runPostProcessors(r.parent, r.p.passes, r.opts.PostProcessing, r.asm.parts(), r.logger)
			r.cp.AssembledContent = join(parts)
			r.cp.Status = types.StatusCompleted
		}
	case exitPaused:
		r.cp.Status = types.StatusPaused
		signal = ErrPaused
		persist = true
	case exitCancelled:
		r.cp.Status = types.StatusCancelled
		signal = ErrCancelled
	case exitInterrupted:
		r.cp.Status = types.StatusPaused
		signal = r.parent.Err()
	}

	var saveErr error
	if persist {
		saveErr = r.save()
	} else {
		r.syncCheckpoint()
	}
	r.notify()
	r.p.metrics.Runs.WithLabelValues(string(r.cp.Status)).Inc()

	res := r.result()
	if saveErr != nil {
		res.Error = strings.TrimPrefix(res.Error+"; checkpoint not saved: "+saveErr.Error(), "; ")
	}

	r.logger.Info("processing finished",
		"status", r.cp.Status,
		"processed", r.stats.ChunksProcessed,
		"retries", r.stats.Retries,
		"errors", r.stats.Errors,
		"elapsed", r.stats.ElapsedTime,
	)
	return res, signal
}

func (r *run) result() *types.ProcessingResult {
	r.stats.ElapsedTime = time.Since(r.started)

	active := r.stats.ElapsedTime - r.waited
	r.perf.AverageChunkTime = r.averageCallTime()
	r.perf.FinalBatchSize = r.batchSize
	if active > 0 {
		r.perf.TokensPerSecond = float64(r.tokens) / active.Seconds()
	}

	res := &types.ProcessingResult{
		DocumentID:         r.cp.DocumentID,
		DocumentName:       r.cp.DocumentName,
		Succeeded:          r.cp.Status == types.StatusCompleted,
		Status:             r.cp.Status,
		AssembledContent:   r.cp.AssembledContent,
		Error:              r.cp.Error,
		Stats:              r.stats,
		PerformanceMetrics: &r.perf,
	}
	if r.saved {
		id := r.cp.ID
		res.CheckpointID = &id
	}
	for _, cr := range r.results {
		res.ChunkResults = append(res.ChunkResults, *cr)
	}
	slices.SortFunc(res.ChunkResults, func(a, b types.ChunkResult) int { return a.Index - b.Index })
	return res
}

func (r *run) averageCallTime() time.Duration {
	if r.calls == 0 {
		return 0
	}
	return r.callTime / time.Duration(r.calls)
}

func (r *run) progressSnapshot() types.Progress {
	return types.Progress{
		DocumentID:      r.cp.DocumentID,
		ChunksProcessed: r.settled,
		TotalChunks:     r.cp.Stats.TotalChunks,
		CurrentStatus:   r.cp.Status,
	}
}

// notify publishes progress and hands it to the callback, waiting for the
// delivery no longer than the progress timeout.
func (r *run) notify() {
	pr := r.progressSnapshot()
	r.p.setProgress(pr)
	if r.feed == nil {
		return
	}

	done := r.feed.send(pr)
	timer := time.NewTimer(r.p.progressTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		r.logger.Debug("progress callback still running", "processed", pr.ChunksProcessed)
	}
}

type progressItem struct {
	pr   types.Progress
	done chan struct{}
}

// progressFeed calls the progress callback from a single goroutine, so calls
// never overlap and arrive in order. A snapshot still waiting when a newer one
// arrives is dropped.
type progressFeed struct {
	fn     ProgressFunc
	logger *slog.Logger

	mu      sync.Mutex
	pending *progressItem
	wake    chan struct{}
	stop    chan struct{}
}

func newProgressFeed(fn ProgressFunc, logger *slog.Logger) *progressFeed {
	f := &progressFeed{
		fn:     fn,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go f.loop()
	return f
}

// send queues pr in place of any undelivered snapshot. The returned channel
// closes once pr is delivered or dropped.
func (f *progressFeed) send(pr types.Progress) <-chan struct{} {
	it := &progressItem{pr: pr, done: make(chan struct{})}
	f.mu.Lock()
	if f.pending != nil {
		close(f.pending.done)
	}
	f.pending = it
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return it.done
}

// close stops the feed after the last queued snapshot is delivered.
func (f *progressFeed) close() {
	close(f.stop)
}

func (f *progressFeed) loop() {
	for {
		stopping := false
		select {
		case <-f.wake:
		case <-f.stop:
			stopping = true
		}

		f.mu.Lock()
		it := f.pending
		f.pending = nil
		f.mu.Unlock()
		if it != nil {
			f.deliver(it.pr)
			close(it.done)
		}
		if stopping {
			return
		}
	}
}

func (f *progressFeed) deliver(pr types.Progress) {
	defer func() {
		if v := recover(); v != nil {
			f.logger.Error("progress callback panicked", "panic", v)
		}
	}()
	f.fn(pr)
}
