package api

import (
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"

	"docflow/types"
)

// ProcessFile accepts a multipart "file" upload of plain text or markdown
// and processes it like HandleProcess. An optional "options" form field
// holds processing options as JSON.
func (h *ProcessHandler) ProcessFile(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return ErrBadRequest()
	}

	file, err := fileHeader.Open()
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "text/") {
		return ErrUnsupportedType(mtype.String())
	}

	name := fileHeader.Filename
	req := types.ProcessRequest{
		DocumentID:   strings.Clone(c.FormValue("documentId")),
		DocumentName: strings.TrimSuffix(name, filepath.Ext(name)),
		Text:         string(data),
		Options:      h.defaults,
	}
	if raw := c.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Options); err != nil {
			return ErrBadRequest()
		}
	}
	if errors := types.Validate(&req); len(errors) > 0 {
		return types.NewValidationError(errors)
	}
	return h.launch(c, req)
}
