package interfaces

import (
	"context"

	"github.com/ternarybob/moyuren/internal/models"
)

// RunStorage keeps the history of generation attempts
type RunStorage interface {
	// SaveRun inserts or updates a run by ID
	SaveRun(ctx context.Context, run *models.GenerationRun) error

	// GetRun returns a run by ID, or models.ErrNotFound
	GetRun(ctx context.Context, id string) (*models.GenerationRun, error)

	// ListRuns returns the newest runs first, optionally filtered by template
	ListRuns(ctx context.Context, template string, limit int) ([]*models.GenerationRun, error)

	// DeleteRunsBefore removes runs whose date is before cutoff and returns the count
	DeleteRunsBefore(ctx context.Context, cutoff string) (int, error)
}
