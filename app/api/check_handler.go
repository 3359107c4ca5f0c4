package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

type CheckHandler struct {
	probes map[string]func(context.Context) error
}

func NewCheckHandler(probes map[string]func(context.Context) error) *CheckHandler {
	return &CheckHandler{probes: probes}
}

func (h CheckHandler) HandleHealthy(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"result": "ok"})
}

// HandleReady runs every probe with a short deadline and answers 503 when
// one of them fails.
func (h CheckHandler) HandleReady(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.probes))
	status := fiber.StatusOK
	for name, probe := range h.probes {
		if err := probe(ctx); err != nil {
			checks[name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	result := "ok"
	if status != fiber.StatusOK {
		result = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{"result": result, "checks": checks})
}
