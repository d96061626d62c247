package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/moyuren/internal/models"
)

// ArtifactStore persists artifacts, their image files and the latest pointer per template.
//
// Precondition: SaveImage and Put for a template are only called while the
// caller holds that template's GenerationLock lease. The store does not check.
type ArtifactStore interface {
	// SaveImage writes image bytes for a template and returns the path
	// relative to the static directory
	SaveImage(ctx context.Context, template string, generatedAt time.Time, data []byte) (string, error)

	// Put records the artifact for its (template, date) and moves the latest pointer to it
	Put(ctx context.Context, artifact *models.Artifact) error

	// Latest returns the artifact the template's latest pointer references, or models.ErrNotFound
	Latest(ctx context.Context, template string) (*models.Artifact, error)

	// Get returns the artifact for (template, date), or models.ErrNotFound
	Get(ctx context.Context, template string, date string) (*models.Artifact, error)

	// ListOlderThan returns every artifact whose date is before cutoff
	ListOlderThan(ctx context.Context, cutoff string) ([]*models.Artifact, error)

	// ListDays returns every day with a data file, oldest first
	ListDays(ctx context.Context) ([]string, error)

	// Delete removes the (template, date) record and its image files, returning bytes freed
	Delete(ctx context.Context, template string, date string) (int64, error)

	// Templates returns the names of templates with a latest pointer
	Templates(ctx context.Context) ([]string, error)

	// ImagePath resolves an artifact's file path on disk
	ImagePath(artifact *models.Artifact) string
}
