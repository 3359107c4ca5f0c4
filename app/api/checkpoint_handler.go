package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docflow/store"
)

type CheckpointHandler struct {
	store store.CheckpointStore
}

func NewCheckpointHandler(st store.CheckpointStore) *CheckpointHandler {
	return &CheckpointHandler{
		store: st,
	}
}

func (h *CheckpointHandler) HandleList(c *fiber.Ctx) error {
	summaries, err := h.store.List(c.UserContext())
	if err != nil {
		return err
	}
	if status := c.Query("status"); status != "" {
		filtered := summaries[:0]
		for _, s := range summaries {
			if string(s.Status) == status {
				filtered = append(filtered, s)
			}
		}
		summaries = filtered
	}
	return c.JSON(summaries)
}

func (h *CheckpointHandler) HandleGet(c *fiber.Ctx) error {
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
	// Payloads repeat the source text; they are only needed to resume.
	cp.ChunkPayloads = nil
	return c.JSON(cp)
}

func (h *CheckpointHandler) HandleDelete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}
	err = h.store.Delete(c.UserContext(), id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound(id, "checkpoint")
	}
	if err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
