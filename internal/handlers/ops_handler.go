package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
	"github.com/ternarybob/moyuren/internal/services/scheduler"
)

// Ops generation outcomes reported per template
const (
	OutcomeStarted   = "started"
	OutcomeBusy      = "busy"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// A busy lock is reported on the first step of a generation, well inside this window
const defaultGenerateGrace = 250 * time.Millisecond

// Generator runs one generation
type Generator interface {
	Generate(ctx context.Context, template string, date string, trigger models.Trigger) (*models.Artifact, error)
}

// Sweeper runs the cache janitor
type Sweeper interface {
	Sweep(ctx context.Context, retainDays int) (*models.SweepResult, error)
}

// SchedulerStatus exposes trigger state
type SchedulerStatus interface {
	IsRunning() bool
	Status() []scheduler.TriggerStatus
}

// OpsHandler serves the authenticated operations endpoints
type OpsHandler struct {
	config    *common.Config
	generator Generator
	janitor   Sweeper
	runs      interfaces.RunStorage
	scheduler SchedulerStatus
	calendar  *common.Calendar
	logger    arbor.ILogger
	grace     time.Duration
}

// NewOpsHandler creates the ops handler. runs and scheduler may be nil.
func NewOpsHandler(config *common.Config, generator Generator, janitor Sweeper, runs interfaces.RunStorage, sched SchedulerStatus, calendar *common.Calendar, logger arbor.ILogger) *OpsHandler {
	return &OpsHandler{
		config:    config,
		generator: generator,
		janitor:   janitor,
		runs:      runs,
		scheduler: sched,
		calendar:  calendar,
		logger:    logger,
		grace:     defaultGenerateGrace,
	}
}

// RequireKey wraps an ops endpoint with Bearer key authentication.
// Without a configured key the endpoint does not exist.
func (h *OpsHandler) RequireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", CacheNoStore)

		key := h.config.Ops.APIKey
		if key == "" {
			WriteError(w, http.StatusNotFound, models.CodeStorageNotFound, "Not found")
			return
		}

		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(key)) != 1 {
			h.logger.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("Rejected ops request")
			w.Header().Set("WWW-Authenticate", `Bearer realm="moyuren-ops"`)
			WriteError(w, http.StatusUnauthorized, models.CodeUnauthorized, "Invalid or missing API key")
			return
		}

		next(w, r)
	}
}

// GenerateHandler starts generation for one template, or all when none is given.
// POST /api/v1/ops/generate?template=
func (h *OpsHandler) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	names := h.config.TemplateNames()
	if template := r.URL.Query().Get("template"); template != "" {
		if _, ok := h.config.Template(template); !ok {
			WriteAppError(w, models.ErrUnknownTemplate)
			return
		}
		names = []string{template}
	}

	today := h.calendar.Today()
	outcomes := make(map[string]string, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range names {
		name := name
		wg.Add(1)
		done := make(chan error, 1)

		// Generation outlives the request
		common.SafeGo(h.logger, "ops:"+name, func() {
			_, err := h.generator.Generate(context.WithoutCancel(r.Context()), name, today, models.TriggerOps)
			done <- err
		})

		common.SafeGo(h.logger, "ops-wait:"+name, func() {
			defer wg.Done()
			outcome := OutcomeStarted
			select {
			case err := <-done:
				switch {
				case err == nil:
					outcome = OutcomeCompleted
				case errors.Is(err, models.ErrBusy):
					outcome = OutcomeBusy
				default:
					outcome = OutcomeFailed
				}
			case <-time.After(h.grace):
			}
			mu.Lock()
			outcomes[name] = outcome
			mu.Unlock()
		})
	}
	wg.Wait()

	allBusy := true
	for _, outcome := range outcomes {
		if outcome != OutcomeBusy {
			allBusy = false
		}
	}

	h.logger.Info().Str("date", today).Int("templates", len(names)).Msg("Ops generation requested")

	body := map[string]interface{}{
		"date":      today,
		"templates": outcomes,
	}
	if allBusy {
		w.Header().Set("Retry-After", RetryAfterSeconds(common.ParseDurationOr(h.config.Coordinator.RetryAfter, 10*time.Second)))
		body["status"] = "busy"
		WriteJSON(w, http.StatusConflict, body)
		return
	}
	body["status"] = OutcomeStarted
	WriteJSON(w, http.StatusAccepted, body)
}

// CacheCleanHandler runs the janitor
// POST /api/v1/ops/cache/clean?keep_days=
func (h *OpsHandler) CacheCleanHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	keepDays, err := QueryInt(r, "keep_days", h.config.Cache.RetainDays)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	result, err := h.janitor.Sweep(r.Context(), keepDays)
	if err != nil && result == nil {
		WriteAppError(w, err)
		return
	}

	body := map[string]interface{}{
		"status": "success",
		"result": result,
		"freed":  humanize.Bytes(uint64(result.FreedBytes)),
	}
	if err != nil {
		body["status"] = "error"
		body["code"] = models.CodeOf(err)
		body["error"] = err.Error()
		WriteJSON(w, http.StatusInternalServerError, body)
		return
	}
	WriteJSON(w, http.StatusOK, body)
}

// RunsHandler lists recent generation runs
// GET /api/v1/ops/runs?template=&limit=
func (h *OpsHandler) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if h.runs == nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": []*models.GenerationRun{}})
		return
	}

	limit, err := QueryInt(r, "limit", 20)
	if err != nil || limit < 1 || limit > 500 {
		WriteError(w, http.StatusBadRequest, models.CodeInvalidParameter, "limit must be between 1 and 500")
		return
	}

	runs, err := h.runs.ListRuns(r.Context(), r.URL.Query().Get("template"), limit)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.GenerationRun{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// SchedulerHandler reports trigger state
// GET /api/v1/ops/scheduler
func (h *OpsHandler) SchedulerHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	body := map[string]interface{}{
		"enabled":  h.config.Scheduler.Enabled,
		"running":  false,
		"triggers": []scheduler.TriggerStatus{},
	}
	if h.scheduler != nil {
		body["running"] = h.scheduler.IsRunning()
		body["triggers"] = h.scheduler.Status()
	}
	WriteJSON(w, http.StatusOK, body)
}
