package generator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
	"github.com/ternarybob/moyuren/internal/services/compute"
)

// Collector builds the content bundle for a day
type Collector interface {
	Collect(ctx context.Context, date string) (*models.ContentBundle, error)
}

// Service runs one generation attempt per call: lock, collect, render, persist.
// It never retries; the scheduler tries again on its next trigger and
// on-demand callers decide for themselves.
type Service struct {
	config    *common.Config
	collector Collector
	renderer  interfaces.Renderer
	store     interfaces.ArtifactStore
	lock      interfaces.GenerationLock
	runs      interfaces.RunStorage
	detail    *compute.Computer
	calendar  *common.Calendar
	logger    arbor.ILogger
}

// NewService creates a generator. runs may be nil to skip run history.
func NewService(
	config *common.Config,
	collector Collector,
	renderer interfaces.Renderer,
	store interfaces.ArtifactStore,
	lock interfaces.GenerationLock,
	runs interfaces.RunStorage,
	calendar *common.Calendar,
	logger arbor.ILogger,
) *Service {
	return &Service{
		config:    config,
		collector: collector,
		renderer:  renderer,
		store:     store,
		lock:      lock,
		runs:      runs,
		detail:    compute.NewComputer(config, calendar, logger),
		calendar:  calendar,
		logger:    logger,
	}
}

// Generate produces the artifact for (template, date).
// Returns models.ErrBusy untouched when another holder is generating the
// template, and *models.GenerationFailedError for every other failure.
func (s *Service) Generate(ctx context.Context, template string, date string, trigger models.Trigger) (*models.Artifact, error) {
	tmpl, ok := s.config.Template(template)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTemplate, template)
	}

	lease, err := s.lock.TryAcquire(template)
	if err != nil {
		if errors.Is(err, models.ErrBusy) {
			s.logger.Debug().Str("template", template).Str("trigger", string(trigger)).Msg("Generation skipped, lock held")
			return nil, models.ErrBusy
		}
		s.logger.Error().Err(err).Str("template", template).Msg("Failed to acquire generation lock")
		return nil, &models.GenerationFailedError{Template: template, Date: date, Reason: models.ReasonLock, Err: err}
	}
	defer func() {
		if err := lease.Release(); err != nil {
			s.logger.Error().Err(err).Str("template", template).Msg("Failed to release generation lock")
		}
	}()

	run := &models.GenerationRun{
		ID:        uuid.New().String(),
		Template:  template,
		Date:      date,
		Trigger:   trigger,
		StartedAt: time.Now(),
	}

	s.logger.Info().
		Str("template", template).
		Str("date", date).
		Str("trigger", string(trigger)).
		Str("run_id", run.ID).
		Msg("Generation started")

	artifact, err := s.generateLocked(ctx, tmpl, date, run)
	s.recordRun(run, artifact, err)
	return artifact, err
}

func (s *Service) generateLocked(ctx context.Context, tmpl common.TemplateConfig, date string, run *models.GenerationRun) (*models.Artifact, error) {
	fail := func(reason models.FailureReason, err error) (*models.Artifact, error) {
		return nil, &models.GenerationFailedError{Template: tmpl.Name, Date: date, Reason: reason, Err: err}
	}

	bundle, err := s.collector.Collect(ctx, date)
	if bundle != nil {
		run.Sources = bundle.Statuses()
	}
	if err != nil {
		return fail(models.ReasonSources, err)
	}

	// The image still renders without detail
	if detail, err := s.detail.Detail(bundle); err != nil {
		s.logger.Warn().Err(err).Str("template", tmpl.Name).Str("date", date).Msg("Failed to compute day detail")
	} else {
		bundle.Detail = detail
	}

	image, err := s.renderer.Render(ctx, tmpl.Name, bundle, s.renderOptions(tmpl))
	if err != nil {
		return fail(models.ReasonRender, err)
	}
	if len(image) == 0 {
		return fail(models.ReasonRender, &models.RenderError{Template: tmpl.Name, Kind: models.RenderScreenshot, Err: errors.New("empty image")})
	}

	generatedAt := s.calendar.Now()
	filePath, err := s.store.SaveImage(ctx, tmpl.Name, generatedAt, image)
	if err != nil {
		return fail(models.ReasonStorage, err)
	}

	sum := sha256.Sum256(image)
	artifact := &models.Artifact{
		Template:    tmpl.Name,
		Date:        date,
		FilePath:    filePath,
		GeneratedAt: generatedAt,
		Digest:      hex.EncodeToString(sum[:]),
		Detail:      bundle.Detail,
	}
	if err := s.store.Put(ctx, artifact); err != nil {
		return fail(models.ReasonStorage, err)
	}

	return artifact, nil
}

func (s *Service) renderOptions(tmpl common.TemplateConfig) interfaces.RenderOptions {
	render := s.config.Render
	opts := interfaces.RenderOptions{
		Width:             render.Viewport.Width,
		Height:            render.Viewport.Height,
		DeviceScaleFactor: render.DeviceScaleFactor,
		Quality:           render.JPEGQuality,
	}
	if tmpl.Viewport.Width > 0 {
		opts.Width = tmpl.Viewport.Width
	}
	if tmpl.Viewport.Height > 0 {
		opts.Height = tmpl.Viewport.Height
	}
	if tmpl.Quality > 0 {
		opts.Quality = tmpl.Quality
	}
	return opts
}

func (s *Service) recordRun(run *models.GenerationRun, artifact *models.Artifact, err error) {
	run.FinishedAt = time.Now()

	if err != nil {
		run.Outcome = models.RunFailed
		run.Error = err.Error()
		if gf, ok := models.IsGenerationFailed(err); ok {
			run.Reason = gf.Reason
		}
		s.logger.Error().
			Err(err).
			Str("template", run.Template).
			Str("date", run.Date).
			Str("reason", string(run.Reason)).
			Str("code", string(models.CodeOf(errors.Unwrap(err)))).
			Dur("duration", run.Duration()).
			Msg("Generation failed")
	} else {
		run.Outcome = models.RunSucceeded
		run.Digest = artifact.Digest
		s.logger.Info().
			Str("template", run.Template).
			Str("date", run.Date).
			Str("file", artifact.FilePath).
			Dur("duration", run.Duration()).
			Msg("Generation completed")
	}

	if s.runs == nil {
		return
	}
	// History must not fail the generation itself
	if err := s.runs.SaveRun(context.Background(), run); err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record generation run")
	}
}
