package janitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
)

// Service deletes artifacts, daily cache entries and run history older than
// the retention window. Artifacts referenced by a latest pointer always survive.
type Service struct {
	store    interfaces.ArtifactStore
	sources  []interfaces.ContentSource
	runs     interfaces.RunStorage
	calendar *common.Calendar
	logger   arbor.ILogger
}

// NewService creates a janitor. runs may be nil.
func NewService(store interfaces.ArtifactStore, sources []interfaces.ContentSource, runs interfaces.RunStorage, calendar *common.Calendar, logger arbor.ILogger) *Service {
	return &Service{
		store:    store,
		sources:  sources,
		runs:     runs,
		calendar: calendar,
		logger:   logger,
	}
}

// Sweep removes everything dated before today minus retainDays.
// Individual failures do not stop the sweep; they are joined into a
// *models.SweepError returned alongside the partial result.
func (s *Service) Sweep(ctx context.Context, retainDays int) (*models.SweepResult, error) {
	if retainDays < 1 {
		return nil, fmt.Errorf("%w: retain days must be at least 1, got %d", models.ErrInvalidParameter, retainDays)
	}

	cutoff, err := s.calendar.AddDays(s.calendar.Today(), -retainDays)
	if err != nil {
		return nil, err
	}

	result := &models.SweepResult{Cutoff: cutoff}
	var errs []error

	protected, err := s.protected(ctx)
	if err != nil {
		// Without the pointers nothing can be deleted safely
		return nil, &models.SweepError{Err: err}
	}

	old, err := s.store.ListOlderThan(ctx, cutoff)
	if err != nil {
		return nil, &models.SweepError{Err: err}
	}

	for _, artifact := range old {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if protected[key(artifact.Template, artifact.Date)] {
			result.ProtectedCount++
			continue
		}
		freed, err := s.store.Delete(ctx, artifact.Template, artifact.Date)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result.Removed++
		result.FreedBytes += freed
	}

	for _, source := range s.sources {
		stats, err := source.Purge(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", source.Name(), err))
			continue
		}
		result.CacheRemoved += stats.Removed
		result.FreedBytes += stats.FreedBytes
	}

	if s.runs != nil {
		removed, err := s.runs.DeleteRunsBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete runs: %w", err))
		}
		result.RunsRemoved = removed
	}

	days, err := s.store.ListDays(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if len(days) > 0 {
		result.OldestKept = days[0]
	}

	s.logger.Info().
		Str("cutoff", cutoff).
		Int("removed", result.Removed).
		Int("cache_removed", result.CacheRemoved).
		Int("runs_removed", result.RunsRemoved).
		Int("protected", result.ProtectedCount).
		Str("freed", humanize.Bytes(uint64(result.FreedBytes))).
		Str("oldest_kept", result.OldestKept).
		Msg("Cache sweep completed")

	if len(errs) > 0 {
		err := &models.SweepError{Err: errors.Join(errs...)}
		s.logger.Warn().Err(err).Int("failures", len(errs)).Msg("Cache sweep had failures")
		return result, err
	}
	return result, nil
}

// protected returns the (template, date) pairs referenced by latest pointers
func (s *Service) protected(ctx context.Context) (map[string]bool, error) {
	templates, err := s.store.Templates(ctx)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(templates))
	for _, template := range templates {
		latest, err := s.store.Latest(ctx, template)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keep[key(latest.Template, latest.Date)] = true
	}
	return keep, nil
}

func key(template, date string) string {
	return template + "/" + date
}
