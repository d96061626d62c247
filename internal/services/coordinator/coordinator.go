package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
)

// Modes for on-demand generation when another holder owns the lock
const (
	// ModeWait polls for the other holder's artifact until the max wait expires
	ModeWait = "wait"
	// ModeBusy returns Pending as soon as the lock is reported busy
	ModeBusy = "busy"
)

const pollInterval = 250 * time.Millisecond

// Generator is the subset of the generator the coordinator drives
type Generator interface {
	Generate(ctx context.Context, template string, date string, trigger models.Trigger) (*models.Artifact, error)
}

// Resolution is the outcome of Resolve. Exactly one of Artifact or Pending is set.
type Resolution struct {
	Artifact   *models.Artifact
	Degraded   bool          // Artifact is older than requested
	Pending    bool          // Try again after RetryAfter
	RetryAfter time.Duration // Only set when Pending
}

// Options configures the coordinator
type Options struct {
	Mode                   string
	MaxWait                time.Duration
	RetryAfter             time.Duration
	ServeStaleWhileRefresh bool
	RetainDays             int // Older dates resolve to NotFound; 0 disables the check
}

// OptionsFromConfig reads coordinator settings
func OptionsFromConfig(config *common.Config) Options {
	return Options{
		Mode:                   config.Coordinator.Mode,
		MaxWait:                common.ParseDurationOr(config.Coordinator.MaxWait, 20*time.Second),
		RetryAfter:             common.ParseDurationOr(config.Coordinator.RetryAfter, 10*time.Second),
		ServeStaleWhileRefresh: config.Coordinator.ServeStaleWhileRefresh,
		RetainDays:             config.Cache.RetainDays,
	}
}

// Service decides, per request, between serving an existing artifact,
// generating one, waiting for someone else's generation, or asking the
// client to come back later.
type Service struct {
	store     interfaces.ArtifactStore
	generator Generator
	calendar  *common.Calendar
	templates map[string]bool
	opts      Options
	logger    arbor.ILogger

	mu         sync.Mutex
	refreshing map[string]bool
}

// NewService creates a request coordinator for the given template names
func NewService(store interfaces.ArtifactStore, generator Generator, calendar *common.Calendar, templates []string, opts Options, logger arbor.ILogger) *Service {
	known := make(map[string]bool, len(templates))
	for _, t := range templates {
		known[t] = true
	}
	if opts.Mode == "" {
		opts.Mode = ModeWait
	}
	return &Service{
		store:      store,
		generator:  generator,
		calendar:   calendar,
		templates:  known,
		opts:       opts,
		logger:     logger,
		refreshing: make(map[string]bool),
	}
}

// Resolve returns the artifact for (template, date). An empty date means today.
//
// Past days are read-only: they resolve from the store or return
// models.ErrNotFound. Today either resolves from the store, falls back to the
// latest artifact while a background refresh runs, or generates on demand.
func (s *Service) Resolve(ctx context.Context, template string, date string) (*Resolution, error) {
	if !s.templates[template] {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTemplate, template)
	}

	today := s.calendar.Today()
	if date == "" {
		date = today
	}
	if _, err := s.calendar.ParseDay(date); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidParameter, err)
	}
	if date > today {
		return nil, models.ErrNotFound
	}
	if s.opts.RetainDays > 0 {
		if cutoff, err := s.calendar.AddDays(today, -s.opts.RetainDays); err == nil && date < cutoff {
			return nil, models.ErrNotFound
		}
	}

	artifact, err := s.store.Get(ctx, template, date)
	if err == nil {
		return &Resolution{Artifact: artifact}, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if date < today {
		return nil, models.ErrNotFound
	}

	latest, err := s.store.Latest(ctx, template)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Warn().Err(err).Str("template", template).Msg("Failed to read latest pointer")
	}

	// The pointer can be current while the day record is missing
	if latest != nil && latest.Date >= date {
		return &Resolution{Artifact: latest}, nil
	}
	if latest != nil && s.opts.ServeStaleWhileRefresh {
		s.refreshAsync(template, date)
		return &Resolution{Artifact: latest, Degraded: true}, nil
	}

	return s.generate(ctx, template, date, latest)
}

// generate runs a generation detached from the request and waits up to MaxWait
func (s *Service) generate(ctx context.Context, template, date string, fallback *models.Artifact) (*Resolution, error) {
	type outcome struct {
		artifact *models.Artifact
		err      error
	}
	done := make(chan outcome, 1)

	// The generation keeps running if the request gives up
	genCtx := context.WithoutCancel(ctx)
	common.SafeGo(s.logger, "generate:"+template, func() {
		artifact, err := s.generator.Generate(genCtx, template, date, models.TriggerRequest)
		done <- outcome{artifact: artifact, err: err}
	})

	timer := time.NewTimer(s.opts.MaxWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		s.logger.Info().Str("template", template).Dur("max_wait", s.opts.MaxWait).Msg("Generation still running, returning pending")
		return s.pending(), nil
	case res := <-done:
		switch {
		case res.err == nil:
			return &Resolution{Artifact: res.artifact}, nil
		case errors.Is(res.err, models.ErrBusy):
			if s.opts.Mode == ModeBusy {
				return s.pending(), nil
			}
			return s.waitForOther(ctx, template, date, timer.C)
		}

		if _, failed := models.IsGenerationFailed(res.err); failed && fallback != nil {
			s.logger.Warn().
				Err(res.err).
				Str("template", template).
				Str("fallback_date", fallback.Date).
				Msg("Generation failed, serving stale artifact")
			return &Resolution{Artifact: fallback, Degraded: fallback.Date < date}, nil
		}
		return nil, res.err
	}
}

// waitForOther polls the store while another holder generates
func (s *Service) waitForOther(ctx context.Context, template, date string, deadline <-chan time.Time) (*Resolution, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return s.pending(), nil
		case <-ticker.C:
			artifact, err := s.store.Get(ctx, template, date)
			if err == nil {
				return &Resolution{Artifact: artifact}, nil
			}
			if !errors.Is(err, models.ErrNotFound) {
				return nil, err
			}
		}
	}
}

// refreshAsync starts at most one background generation per template.
// The generation still goes through the lock, so it cannot race the scheduler.
func (s *Service) refreshAsync(template, date string) {
	s.mu.Lock()
	if s.refreshing[template] {
		s.mu.Unlock()
		return
	}
	s.refreshing[template] = true
	s.mu.Unlock()

	common.SafeGo(s.logger, "refresh:"+template, func() {
		defer func() {
			s.mu.Lock()
			delete(s.refreshing, template)
			s.mu.Unlock()
		}()

		_, err := s.generator.Generate(context.Background(), template, date, models.TriggerRefresh)
		if err != nil && !errors.Is(err, models.ErrBusy) {
			s.logger.Warn().Err(err).Str("template", template).Msg("Background refresh failed")
		}
	})
}

func (s *Service) pending() *Resolution {
	return &Resolution{Pending: true, RetryAfter: s.opts.RetryAfter}
}
