package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ProcessRequest is the body of POST /api/v1/process. Options start from the
// server defaults; fields present in the body replace them.
type ProcessRequest struct {
	DocumentID   string            `json:"documentId"`
	DocumentName string            `json:"documentName" validate:"required,max=512"`
	Text         string            `json:"text" validate:"required"`
	Options      ProcessingOptions `json:"options"`
}

func (r *ProcessRequest) Validate() map[string]string {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		errs := err.(validator.ValidationErrors)
		errors := make(map[string]string)
		for _, e := range errs {
			errors[e.Namespace()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
		}
		return errors
	}
	return nil
}

// ProgressResponse is returned by GET /api/v1/progress.
type ProgressResponse struct {
	Active     bool              `json:"active"`
	Progress   Progress          `json:"progress"`
	LastResult *ProcessingResult `json:"last_result,omitempty"`
}

// AcceptedResponse acknowledges a run started in the background.
type AcceptedResponse struct {
	DocumentID   string `json:"document_id"`
	TotalChunks  int    `json:"total_chunks,omitempty"`
	Capacity     int    `json:"capacity,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}
