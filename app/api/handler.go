package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docflow/capacity"
	"docflow/processor"
	"docflow/store"
	"docflow/types"
)

// Splitter turns a document into chunks sized for the backend.
type Splitter interface {
	Split(ctx context.Context, documentID, text string) ([]types.Chunk, capacity.Capacity, error)
}

// ProcessHandler starts, steers and reports document runs. Runs execute in
// the background under the server's context, one at a time.
type ProcessHandler struct {
	ctx       context.Context
	processor *processor.Processor
	store     store.CheckpointStore
	splitter  Splitter
	defaults  types.ProcessingOptions
	logger    *slog.Logger

	mu   sync.Mutex
	busy bool
	wg   sync.WaitGroup
}

func NewProcessHandler(ctx context.Context, p *processor.Processor, st store.CheckpointStore, sp Splitter, defaults types.ProcessingOptions, logger *slog.Logger) *ProcessHandler {
	return &ProcessHandler{
		ctx:       ctx,
		processor: p,
		store:     st,
		splitter:  sp,
		defaults:  defaults,
		logger:    logger,
	}
}

func (h *ProcessHandler) HandleProcess(c *fiber.Ctx) error {
	req := types.ProcessRequest{Options: h.defaults}
	if c.BodyParser(&req) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&req); len(errors) > 0 {
		return types.NewValidationError(errors)
	}
	return h.launch(c, req)
}

// launch splits the document and hands it to a background run.
func (h *ProcessHandler) launch(c *fiber.Ctx, req types.ProcessRequest) error {
	if req.DocumentID == "" {
		req.DocumentID = uuid.NewString()
	}
	if err := h.reserve(); err != nil {
		return err
	}

	chunks, detected, err := h.splitter.Split(c.UserContext(), req.DocumentID, req.Text)
	if err != nil {
		h.release()
		return err
	}

	h.logger.Info("document accepted",
		"document_id", req.DocumentID,
		"document_name", req.DocumentName,
		"chunks", len(chunks),
		"capacity", detected.Tokens,
	)
	h.run("process", req.DocumentID, func(ctx context.Context) (*types.ProcessingResult, error) {
		return h.processor.Process(ctx, req.DocumentID, req.DocumentName, chunks, req.Options)
	})

	return c.Status(fiber.StatusAccepted).JSON(types.AcceptedResponse{
		DocumentID:  req.DocumentID,
		TotalChunks: len(chunks),
		Capacity:    detected.Tokens,
	})
}

// HandleResume continues a stored run. A body, when present, overrides the
// checkpoint's options field by field.
func (h *ProcessHandler) HandleResume(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}
	cp, err := h.store.Load(c.UserContext(), id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound(id, "checkpoint")
	}
	if err != nil {
		return err
	}

	var opts *types.ProcessingOptions
	if len(c.Body()) > 0 {
		o := cp.OptionsSnapshot
		if c.BodyParser(&o) != nil {
			return ErrBadRequest()
		}
		if errors := o.Validate(); len(errors) > 0 {
			return types.NewValidationError(errors)
		}
		opts = &o
	}

	if cp.Status == types.StatusCompleted {
		res, err := h.processor.Resume(c.UserContext(), id, opts)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}

	if err := h.reserve(); err != nil {
		return err
	}
	h.run("resume", cp.DocumentID, func(ctx context.Context) (*types.ProcessingResult, error) {
		return h.processor.Resume(ctx, id, opts)
	})
	return c.Status(fiber.StatusAccepted).JSON(types.AcceptedResponse{
		DocumentID:   cp.DocumentID,
		TotalChunks:  cp.Stats.TotalChunks,
		CheckpointID: id.String(),
	})
}

func (h *ProcessHandler) HandlePause(c *fiber.Ctx) error {
	if err := h.processor.Pause(); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"result": "pausing"})
}

func (h *ProcessHandler) HandleCancel(c *fiber.Ctx) error {
	if err := h.processor.Cancel(); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"result": "cancelling"})
}

func (h *ProcessHandler) HandleProgress(c *fiber.Ctx) error {
	pr, active := h.processor.Progress()
	h.mu.Lock()
	active = active || h.busy
	h.mu.Unlock()
	return c.JSON(types.ProgressResponse{
		Active:     active,
		Progress:   pr,
		LastResult: h.processor.LastResult(),
	})
}

// Wait blocks until background runs return.
func (h *ProcessHandler) Wait() {
	h.wg.Wait()
}

// reserve claims the single run slot until the background run returns.
func (h *ProcessHandler) reserve() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, active := h.processor.Progress(); active || h.busy {
		return processor.ErrBusy
	}
	h.busy = true
	return nil
}

func (h *ProcessHandler) release() {
	h.mu.Lock()
	h.busy = false
	h.mu.Unlock()
}

func (h *ProcessHandler) run(op, documentID string, fn func(context.Context) (*types.ProcessingResult, error)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.release()
		res, err := fn(h.ctx)

		logger := h.logger.With("op", op, "document_id", documentID)
		if res != nil {
			logger = logger.With("status", res.Status, "chunks_processed", res.Stats.ChunksProcessed)
			if res.CheckpointID != nil {
				logger = logger.With("checkpoint_id", res.CheckpointID.String())
			}
		}
		switch {
		case errors.Is(err, processor.ErrPaused), errors.Is(err, processor.ErrCancelled):
			logger.Info("run stopped", "reason", err)
		case err != nil:
			logger.Error("run failed", "error", err)
		default:
			logger.Info("run finished")
		}
	}()
}
