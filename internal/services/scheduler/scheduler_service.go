package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/models"
)

// Trigger states
const (
	StateIdle   = "idle"
	StateFiring = "firing"
)

// Generator produces an artifact for one template and day
type Generator interface {
	Generate(ctx context.Context, template string, date string, trigger models.Trigger) (*models.Artifact, error)
}

// Sweeper cleans expired state after a pass
type Sweeper interface {
	Sweep(ctx context.Context, retainDays int) (*models.SweepResult, error)
}

// TriggerStatus is the externally visible state of one trigger
type TriggerStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	State     string     `json:"state"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// triggerEntry represents a registered wall-clock trigger
type triggerEntry struct {
	name      string
	schedule  string
	cronID    cron.EntryID
	state     string
	lastRun   *time.Time
	lastError string
}

// Service fires a generation pass for every template at configured times
type Service struct {
	config    *common.Config
	generator Generator
	janitor   Sweeper
	calendar  *common.Calendar
	cron      *cron.Cron
	logger    arbor.ILogger

	mu       sync.Mutex // Protects triggers and running
	triggers map[string]*triggerEntry
	running  bool
	passes   sync.WaitGroup
}

// NewService creates a scheduler. janitor may be nil.
func NewService(config *common.Config, generator Generator, janitor Sweeper, calendar *common.Calendar, logger arbor.ILogger) *Service {
	return &Service{
		config:    config,
		generator: generator,
		janitor:   janitor,
		calendar:  calendar,
		cron:      cron.New(cron.WithLocation(calendar.Location())),
		logger:    logger,
		triggers:  make(map[string]*triggerEntry),
	}
}

// Schedules converts the scheduler config into named cron expressions,
// evaluated in the business timezone
func Schedules(config common.SchedulerConfig) (map[string]string, error) {
	schedules := make(map[string]string)

	switch config.Mode {
	case "hourly":
		if config.MinuteOfHour < 0 || config.MinuteOfHour > 59 {
			return nil, fmt.Errorf("invalid minute_of_hour %d", config.MinuteOfHour)
		}
		schedules[fmt.Sprintf("hourly:%02d", config.MinuteOfHour)] = fmt.Sprintf("%d * * * *", config.MinuteOfHour)
	case "daily", "":
		if len(config.DailyTimes) == 0 {
			return nil, errors.New("daily mode requires at least one entry in daily_times")
		}
		for _, clock := range config.DailyTimes {
			hour, minute, err := common.ParseClock(clock)
			if err != nil {
				return nil, err
			}
			schedules[fmt.Sprintf("%02d:%02d", hour, minute)] = fmt.Sprintf("%d %d * * *", minute, hour)
		}
	default:
		return nil, fmt.Errorf("unknown scheduler mode %q", config.Mode)
	}

	return schedules, nil
}

// Start registers the configured triggers and starts the cron loop.
// Missed triggers are not replayed.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	schedules, err := Schedules(s.config.Scheduler)
	if err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}

	for name, schedule := range schedules {
		name := name
		id, err := s.cron.AddFunc(schedule, func() {
			s.fire(name)
		})
		if err != nil {
			return fmt.Errorf("failed to add trigger %s: %w", name, err)
		}
		s.triggers[name] = &triggerEntry{
			name:     name,
			schedule: schedule,
			cronID:   id,
			state:    StateIdle,
		}
		s.logger.Info().
			Str("trigger", name).
			Str("schedule", schedule).
			Str("timezone", s.calendar.Location().String()).
			Msg("Trigger registered")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Int("triggers", len(schedules)).Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for in-flight passes, up to ctx
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.passes.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("Scheduler stopped with generation passes still running")
		return ctx.Err()
	}
}

// IsRunning reports whether the cron loop is active
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// fire is the cron callback for a trigger
func (s *Service) fire(name string) {
	s.mu.Lock()
	entry, exists := s.triggers[name]
	if !exists {
		s.mu.Unlock()
		return
	}
	entry.state = StateFiring
	s.mu.Unlock()

	err := s.RunPass(context.Background(), models.TriggerSchedule)

	now := s.calendar.Now()
	s.mu.Lock()
	entry.state = StateIdle
	entry.lastRun = &now
	entry.lastError = ""
	if err != nil {
		entry.lastError = err.Error()
	}
	s.mu.Unlock()
}

// RunPass generates today's artifact for every template, each in its own
// goroutine, then runs the janitor when clean_after_generate is set.
// Busy templates are skipped; the returned error joins the real failures.
func (s *Service) RunPass(ctx context.Context, trigger models.Trigger) error {
	s.passes.Add(1)
	defer s.passes.Done()

	today := s.calendar.Today()
	names := s.config.TemplateNames()
	start := time.Now()

	s.logger.Info().
		Str("date", today).
		Str("trigger", string(trigger)).
		Int("templates", len(names)).
		Msg("Generation pass started")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		name := name
		wg.Add(1)
		common.SafeGo(s.logger, "scheduler:"+name, func() {
			defer wg.Done()
			_, err := s.generator.Generate(ctx, name, today, trigger)
			if err == nil || errors.Is(err, models.ErrBusy) {
				return
			}
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			mu.Unlock()
		})
	}
	wg.Wait()

	if s.janitor != nil && s.config.Cache.CleanAfterGenerate {
		if _, err := s.janitor.Sweep(ctx, s.config.Cache.RetainDays); err != nil {
			errs = append(errs, fmt.Errorf("sweep: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Generation pass finished with failures")
	} else {
		s.logger.Info().Dur("duration", time.Since(start)).Msg("Generation pass completed")
	}
	return err
}

// Status returns every trigger's state, ordered by name
func (s *Service) Status() []TriggerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[cron.EntryID]time.Time)
	for _, e := range s.cron.Entries() {
		next[e.ID] = e.Next
	}

	statuses := make([]TriggerStatus, 0, len(s.triggers))
	for _, entry := range s.triggers {
		status := TriggerStatus{
			Name:      entry.name,
			Schedule:  entry.schedule,
			State:     entry.state,
			LastRun:   entry.lastRun,
			LastError: entry.lastError,
		}
		if t, ok := next[entry.cronID]; ok && !t.IsZero() {
			status.NextRun = &t
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
