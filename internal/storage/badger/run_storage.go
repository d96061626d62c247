package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
)

// DefaultRunLimit caps ListRuns when no limit is given
const DefaultRunLimit = 50

// RunStorage implements interfaces.RunStorage for Badger
type RunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRunStorage creates a new RunStorage instance
func NewRunStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RunStorage {
	return &RunStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RunStorage) SaveRun(ctx context.Context, run *models.GenerationRun) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if err := s.db.Store().Upsert(run.ID, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *RunStorage) GetRun(ctx context.Context, id string) (*models.GenerationRun, error) {
	var run models.GenerationRun
	if err := s.db.Store().Get(id, &run); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

func (s *RunStorage) ListRuns(ctx context.Context, template string, limit int) ([]*models.GenerationRun, error) {
	if limit <= 0 {
		limit = DefaultRunLimit
	}

	query := badgerhold.Where("ID").Ne("")
	if template != "" {
		query = badgerhold.Where("Template").Eq(template)
	}

	var runs []models.GenerationRun
	if err := s.db.Store().Find(&runs, query.SortBy("StartedAt").Reverse().Limit(limit)); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	result := make([]*models.GenerationRun, len(runs))
	for i := range runs {
		result[i] = &runs[i]
	}
	return result, nil
}

func (s *RunStorage) DeleteRunsBefore(ctx context.Context, cutoff string) (int, error) {
	var runs []models.GenerationRun
	if err := s.db.Store().Find(&runs, badgerhold.Where("Date").Lt(cutoff)); err != nil {
		return 0, fmt.Errorf("failed to find expired runs: %w", err)
	}

	deleted := 0
	for _, run := range runs {
		if err := s.db.Store().Delete(run.ID, &models.GenerationRun{}); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			s.logger.Warn().Str("id", run.ID).Err(err).Msg("Failed to delete expired run")
			continue
		}
		deleted++
	}
	return deleted, nil
}
