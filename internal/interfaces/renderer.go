package interfaces

import (
	"context"

	"github.com/ternarybob/moyuren/internal/models"
)

// RenderOptions controls the output image
type RenderOptions struct {
	Width             int
	Height            int
	DeviceScaleFactor float64
	Quality           int
}

// Renderer turns a content bundle and a template name into image bytes.
// Failures are returned as *models.RenderError.
type Renderer interface {
	Render(ctx context.Context, template string, bundle *models.ContentBundle, opts RenderOptions) ([]byte, error)
}
