package api

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"docflow/capacity"
	"docflow/chunker"
	"docflow/processor"
	"docflow/store"
	"docflow/types"
)

// NewErrorHandler maps handler errors to JSON responses.
func NewErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var apiErr Error
		if errors.As(err, &apiErr) {
			return c.Status(apiErr.Code).JSON(apiErr)
		}
		var valErr types.ValidationError
		if errors.As(err, &valErr) {
			return c.Status(valErr.Status).JSON(valErr)
		}

		apiErr = fromDomain(err)
		if apiErr.Code >= fiber.StatusInternalServerError {
			logger.Error("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"code", apiErr.Code,
				"error", err,
			)
		}
		return c.Status(apiErr.Code).JSON(apiErr)
	}
}

func fromDomain(err error) Error {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return NewError(fe.Code, fe.Message)
	case errors.Is(err, store.ErrNotFound):
		return NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, processor.ErrBusy), errors.Is(err, processor.ErrNotRunning):
		return NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, chunker.ErrEmptyText), errors.Is(err, chunker.ErrInvalidCapacity):
		return NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, capacity.ErrCapacityUnavailable):
		return NewError(fiber.StatusBadGateway, err.Error())
	default:
		return NewError(fiber.StatusInternalServerError, "internal server error")
	}
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

// Error implements the Error interface
func (e Error) Error() string {
	return e.Message
}

func NewError(code int, err string) Error {
	return Error{
		Code:    code,
		Message: err,
	}
}

func ErrBadRequest() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid JSON request",
	}
}

func ErrInvalidID() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid id given",
	}
}

func ErrNotFound[T any](arg T, resource string) Error {
	return Error{
		Code:    fiber.StatusNotFound,
		Message: fmt.Sprintf("%s with %v not found", resource, arg),
	}
}

func ErrUnsupportedType(mime string) Error {
	return Error{
		Code:    fiber.StatusUnsupportedMediaType,
		Message: fmt.Sprintf("unsupported content type %s", mime),
	}
}
