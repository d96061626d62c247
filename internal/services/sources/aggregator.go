package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
)

// DefaultMaxParallel bounds concurrent source fetches within one pass
const DefaultMaxParallel = 4

// Member is a content source plus whether generation depends on it
type Member struct {
	Source   interfaces.ContentSource
	Required bool
}

// Aggregator collects every configured source into one content bundle
type Aggregator struct {
	members     []Member
	maxParallel int
	logger      arbor.ILogger
}

// NewAggregator creates an aggregator. maxParallel <= 0 uses DefaultMaxParallel.
func NewAggregator(logger arbor.ILogger, maxParallel int, members ...Member) *Aggregator {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Aggregator{
		members:     members,
		maxParallel: maxParallel,
		logger:      logger,
	}
}

// Sources returns the member sources
func (a *Aggregator) Sources() []interfaces.ContentSource {
	out := make([]interfaces.ContentSource, 0, len(a.members))
	for _, m := range a.members {
		out = append(out, m.Source)
	}
	return out
}

// Collect resolves every source for date in parallel. One source failing never
// cancels the others; it is recorded as unavailable. The bundle is always
// returned; a *models.RequiredSourceError accompanies it when a required source
// has no data at all.
func (a *Aggregator) Collect(ctx context.Context, date string) (*models.ContentBundle, error) {
	start := time.Now()
	results := make([]models.SourceResult, len(a.members))

	// Plain group, not WithContext: a failed source must not cancel its siblings
	var g errgroup.Group
	g.SetLimit(a.maxParallel)
	for i, m := range a.members {
		i, m := i, m
		g.Go(func() error {
			results[i] = a.collectOne(ctx, m, date)
			return nil
		})
	}
	_ = g.Wait()

	bundle := models.NewContentBundle(date)
	bundle.CollectedAt = time.Now()

	var fresh, stale, unavailable int
	for _, r := range results {
		bundle.Sources[r.Name] = r
		switch r.Status {
		case models.SourceFresh:
			fresh++
		case models.SourceStale:
			stale++
		default:
			unavailable++
		}
	}

	a.logger.Info().
		Str("date", date).
		Int("fresh", fresh).
		Int("stale", stale).
		Int("unavailable", unavailable).
		Dur("duration", time.Since(start)).
		Msg("Sources collected")

	if missing := bundle.MissingRequired(); len(missing) > 0 {
		return bundle, &models.RequiredSourceError{Sources: missing}
	}
	return bundle, nil
}

func (a *Aggregator) collectOne(ctx context.Context, m Member, date string) (result models.SourceResult) {
	name := m.Source.Name()
	result = models.SourceResult{Name: name, Required: m.Required, Status: models.SourceUnavailable}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Str("source", name).Str("panic", fmt.Sprintf("%v", r)).Msg("Source panicked")
			result = models.SourceResult{
				Name:     name,
				Required: m.Required,
				Status:   models.SourceUnavailable,
				Error:    fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	payload, isStale, err := m.Source.Resolve(ctx, date)
	if err != nil {
		a.logger.Warn().Err(err).Str("source", name).Bool("required", m.Required).Msg("Source unavailable")
		result.Error = err.Error()
		return result
	}

	result.Payload = payload
	result.Status = models.SourceFresh
	if isStale {
		result.Status = models.SourceStale
	}
	return result
}
