package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"docflow/capacity"
	"docflow/loader/internal"
	"docflow/processor"
	"docflow/store"
	"docflow/types"
)

// Splitter turns a document into chunks sized for the backend.
type Splitter interface {
	Split(ctx context.Context, documentID, text string) ([]types.Chunk, capacity.Capacity, error)
}

// Service feeds files from the watched folder through the processor, one at
// a time, and resumes files whose run was interrupted earlier.
type Service struct {
	logger    *slog.Logger
	watcher   *internal.Watcher
	processor *processor.Processor
	store     store.CheckpointStore
	splitter  Splitter
	opts      types.ProcessingOptions
}

func New(w *internal.Watcher, p *processor.Processor, st store.CheckpointStore, sp Splitter, opts types.ProcessingOptions, logger *slog.Logger) *Service {
	return &Service{
		logger:    logger,
		watcher:   w,
		processor: p,
		store:     st,
		splitter:  sp,
		opts:      opts,
	}
}

// Run watches and processes until ctx is done, then waits up to
// drainTimeout for the file in progress to be checkpointed.
func (s *Service) Run(ctx context.Context, drainTimeout time.Duration) {
	fileChan := make(chan string, 10)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(fileChan)
		s.watcher.Watch(ctx, fileChan)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for path := range fileChan {
			if ctx.Err() != nil {
				return
			}
			s.ProcessFile(ctx, path)
		}
	}()

	<-ctx.Done()
	s.logger.Info("received shutdown signal, shutting down gracefully")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all goroutines stopped successfully")
	case <-time.After(drainTimeout):
		s.logger.Warn("timeout waiting for goroutines to stop, forcing shutdown")
	}
}

// ProcessFile runs one source file to a terminal state. Files interrupted by
// ctx stay in the source folder; their checkpoint is picked up next time.
func (s *Service) ProcessFile(ctx context.Context, path string) {
	logger := s.logger.With("path", path)
	res, err := s.process(ctx, path)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, processor.ErrPaused), errors.Is(err, processor.ErrCancelled):
		if res != nil && res.CheckpointID != nil {
			logger = logger.With("checkpoint_id", res.CheckpointID.String())
		}
		logger.Info("file processing interrupted, left in source", "reason", err)
		if !errors.Is(err, processor.ErrCancelled) {
			return
		}
		s.finish(logger, path, false)
	case err != nil:
		logger.Error("error processing file", "error", err)
		s.finish(logger, path, false)
	case res.Status != types.StatusCompleted:
		logger.Warn("file processing failed", "status", res.Status, "error", res.Error)
		s.finish(logger, path, false)
	default:
		out, err := s.watcher.WriteOutput(path, res.AssembledContent)
		if err != nil {
			logger.Error("error writing output", "error", err)
			s.finish(logger, path, false)
			return
		}
		logger.Info("file processed",
			"output", out,
			"chunks", res.Stats.ChunksProcessed,
			"errors", res.Stats.Errors,
			"elapsed", res.Stats.ElapsedTime,
		)
		s.finish(logger, path, true)
	}
}

func (s *Service) finish(logger *slog.Logger, path string, ok bool) {
	dest, err := s.watcher.Move(path, ok)
	if err != nil {
		logger.Error("error moving file", "error", err)
	} else {
		logger.Info("file moved", "dest", dest)
	}
	s.watcher.Done(path)
}

func (s *Service) process(ctx context.Context, path string) (*types.ProcessingResult, error) {
	documentID := internal.DocumentID(path)

	if id, ok := s.unfinished(ctx, documentID); ok {
		s.logger.Info("resuming checkpoint", "path", path, "checkpoint_id", id.String())
		res, err := s.processor.Resume(ctx, id, &s.opts)
		if !errors.Is(err, store.ErrNotFound) {
			return res, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "text/") {
		return nil, fmt.Errorf("unsupported content type %s", mtype.String())
	}

	chunks, detected, err := s.splitter.Split(ctx, documentID, string(data))
	if err != nil {
		return nil, err
	}
	s.logger.Info("document split", "path", path, "chunks", len(chunks), "capacity", detected.Tokens)
	return s.processor.Process(ctx, documentID, internal.Title(path), chunks, s.opts)
}

// unfinished finds the newest resumable checkpoint of documentID.
func (s *Service) unfinished(ctx context.Context, documentID string) (uuid.UUID, bool) {
	summaries, err := s.store.List(ctx)
	if err != nil {
		s.logger.Warn("error listing checkpoints", "error", err)
		return uuid.Nil, false
	}
	for _, sum := range summaries {
		if sum.DocumentID == documentID && (sum.Status == types.StatusPaused || sum.Status == types.StatusActive) {
			return sum.ID, true
		}
	}
	return uuid.Nil, false
}
