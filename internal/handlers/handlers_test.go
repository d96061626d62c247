package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/models"
	"github.com/ternarybob/moyuren/internal/services/coordinator"
	"github.com/ternarybob/moyuren/internal/services/scheduler"
	"github.com/ternarybob/moyuren/internal/storage/artifacts"
)

const today = "2026-10-15"

type stubResolver struct {
	res  *coordinator.Resolution
	err  error
	args []string
}

func (s *stubResolver) Resolve(ctx context.Context, template string, date string) (*coordinator.Resolution, error) {
	s.args = []string{template, date}
	return s.res, s.err
}

type env struct {
	config   *common.Config
	store    *artifacts.Store
	calendar *common.Calendar
	logger   arbor.ILogger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Server.BaseDomain = "https://moyuren.example.com/"
	cfg.Templates = []common.TemplateConfig{
		{Name: "moyuren", File: "moyuren.html"},
		{Name: "compact", File: "compact.html", Viewport: common.ViewportConfig{Width: 400}},
	}

	dir := t.TempDir()
	store, err := artifacts.NewStore(filepath.Join(dir, "state"), filepath.Join(dir, "static"), arbor.NewLogger())
	require.NoError(t, err)

	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	return &env{
		config:   cfg,
		store:    store,
		calendar: common.NewCalendar(time.UTC, func() time.Time { return now }),
		logger:   arbor.NewLogger(),
	}
}

func (e *env) put(t *testing.T, template, date string) *models.Artifact {
	t.Helper()
	ctx := context.Background()
	day, err := time.Parse(common.DateLayout, date)
	require.NoError(t, err)
	path, err := e.store.SaveImage(ctx, template, day.Add(6*time.Hour), []byte("\xff\xd8jpeg-bytes"))
	require.NoError(t, err)
	artifact := &models.Artifact{Template: template, Date: date, FilePath: path, GeneratedAt: day.Add(6 * time.Hour), Digest: "abc123"}
	require.NoError(t, e.store.Put(ctx, artifact))
	return artifact
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestMetadataHandler(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name        string
		res         *coordinator.Resolution
		err         error
		wantStatus  int
		wantCache   string
		wantCode    string
		wantDegrade bool
	}{
		{
			name:       "today",
			res:        &coordinator.Resolution{Artifact: &models.Artifact{Template: "moyuren", Date: today, FilePath: "moyuren_20261015_060000.jpg", Digest: "d1"}},
			wantStatus: http.StatusOK,
			wantCache:  CacheToday,
		},
		{
			name:       "past day is immutable",
			res:        &coordinator.Resolution{Artifact: &models.Artifact{Template: "moyuren", Date: "2026-10-10", FilePath: "moyuren_20261010_060000.jpg"}},
			wantStatus: http.StatusOK,
			wantCache:  CacheImmutable,
		},
		{
			name:        "degraded is not cached",
			res:         &coordinator.Resolution{Artifact: &models.Artifact{Template: "moyuren", Date: "2026-10-14", FilePath: "moyuren_20261014_060000.jpg"}, Degraded: true},
			wantStatus:  http.StatusOK,
			wantCache:   CacheNoStore,
			wantDegrade: true,
		},
		{
			name:       "pending",
			res:        &coordinator.Resolution{Pending: true, RetryAfter: 10 * time.Second},
			wantStatus: http.StatusServiceUnavailable,
			wantCache:  CacheNoStore,
			wantCode:   string(models.CodeGenerationBusy),
		},
		{
			name:       "not found",
			err:        models.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantCache:  CacheNoStore,
			wantCode:   string(models.CodeStorageNotFound),
		},
		{
			name:       "invalid date",
			err:        models.ErrInvalidParameter,
			wantStatus: http.StatusBadRequest,
			wantCache:  CacheNoStore,
			wantCode:   string(models.CodeInvalidParameter),
		},
		{
			name:       "generation failed",
			err:        &models.GenerationFailedError{Template: "moyuren", Date: today, Reason: models.ReasonRender, Err: errors.New("boom")},
			wantStatus: http.StatusInternalServerError,
			wantCache:  CacheNoStore,
			wantCode:   string(models.CodeGenerationFailed),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &stubResolver{res: tt.res, err: tt.err}
			h := NewMoyurenHandler(e.config, resolver, e.store, e.calendar, e.logger)

			rec := httptest.NewRecorder()
			h.MetadataHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/moyuren", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCache, rec.Header().Get("Cache-Control"))
			assert.Equal(t, []string{"moyuren", ""}, resolver.args, "defaults to the first template")

			body := decode(t, rec)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, body["code"])
				return
			}
			assert.Equal(t, tt.wantDegrade, body["degraded"])
			assert.Contains(t, body["image"], "https://moyuren.example.com/static/moyuren_")
		})
	}
}

func TestMetadataHandler_PendingRetryAfter(t *testing.T) {
	e := newEnv(t)
	resolver := &stubResolver{res: &coordinator.Resolution{Pending: true, RetryAfter: 1500 * time.Millisecond}}
	h := NewMoyurenHandler(e.config, resolver, e.store, e.calendar, e.logger)

	rec := httptest.NewRecorder()
	h.MetadataHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/moyuren?template=compact&date=2026-10-15", nil))

	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"compact", today}, resolver.args)
}

func TestDetailHandler(t *testing.T) {
	e := newEnv(t)
	detail := &models.DayDetail{
		Weekday:         "Thursday",
		WeekdayCN:       "星期四",
		WeekendDaysLeft: 2,
		IsCrazyThursday: true,
		Countdowns:      []models.Countdown{{Name: "元旦", Date: "2027-01-01", DaysLeft: 78}},
		Sources:         map[string]models.SourceStatus{"holidays": models.SourceFresh},
	}

	t.Run("with detail", func(t *testing.T) {
		artifact := &models.Artifact{Template: "moyuren", Date: today, FilePath: "moyuren_20261015_060000.jpg", Digest: "d1", Detail: detail}
		resolver := &stubResolver{res: &coordinator.Resolution{Artifact: artifact}}
		h := NewMoyurenHandler(e.config, resolver, e.store, e.calendar, e.logger)

		rec := httptest.NewRecorder()
		h.DetailHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/moyuren/detail?date=2026-10-15", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, CacheToday, rec.Header().Get("Cache-Control"))
		assert.Equal(t, []string{"moyuren", today}, resolver.args)

		var body DetailResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "d1", body.Digest)
		assert.False(t, body.Degraded)
		assert.Equal(t, "https://moyuren.example.com/static/moyuren_20261015_060000.jpg", body.Image)
		require.NotNil(t, body.Detail)
		assert.True(t, body.Detail.IsCrazyThursday)
		assert.Equal(t, detail.Countdowns, body.Detail.Countdowns)
	})

	t.Run("degraded artifact without detail", func(t *testing.T) {
		artifact := &models.Artifact{Template: "moyuren", Date: "2026-10-14", FilePath: "moyuren_20261014_060000.jpg"}
		h := NewMoyurenHandler(e.config, &stubResolver{res: &coordinator.Resolution{Artifact: artifact, Degraded: true}}, e.store, e.calendar, e.logger)

		rec := httptest.NewRecorder()
		h.DetailHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/moyuren/detail", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, CacheNoStore, rec.Header().Get("Cache-Control"))
		body := decode(t, rec)
		assert.Equal(t, true, body["degraded"])
		assert.Nil(t, body["detail"])
	})

	t.Run("coordinator errors map like metadata", func(t *testing.T) {
		h := NewMoyurenHandler(e.config, &stubResolver{err: models.ErrNotFound}, e.store, e.calendar, e.logger)
		rec := httptest.NewRecorder()
		h.DetailHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/moyuren/detail?date=2026-01-01", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, string(models.CodeStorageNotFound), decode(t, rec)["code"])

		h = NewMoyurenHandler(e.config, &stubResolver{res: &coordinator.Resolution{Pending: true, RetryAfter: 10 * time.Second}}, e.store, e.calendar, e.logger)
		rec = httptest.NewRecorder()
		h.DetailHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/moyuren/detail", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "10", rec.Header().Get("Retry-After"))
	})
}

func TestImageHandler(t *testing.T) {
	e := newEnv(t)
	artifact := e.put(t, "moyuren", today)
	h := NewMoyurenHandler(e.config, &stubResolver{res: &coordinator.Resolution{Artifact: artifact}}, e.store, e.calendar, e.logger)

	rec := httptest.NewRecorder()
	h.ImageHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/moyuren/image", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, `"abc123"`, rec.Header().Get("ETag"))
	assert.Equal(t, "\xff\xd8jpeg-bytes", rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/moyuren/image", nil)
	req.Header.Set("If-None-Match", `"abc123"`)
	rec = httptest.NewRecorder()
	h.ImageHandler(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestImageHandler_RejectsPost(t *testing.T) {
	e := newEnv(t)
	h := NewMoyurenHandler(e.config, &stubResolver{}, e.store, e.calendar, e.logger)

	rec := httptest.NewRecorder()
	h.ImageHandler(rec, httptest.NewRequest(http.MethodPost, "/api/v1/moyuren/image", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTemplatesHandler(t *testing.T) {
	e := newEnv(t)
	e.put(t, "moyuren", today)
	h := NewTemplatesHandler(e.config, e.store, e.calendar, e.logger)

	rec := httptest.NewRecorder()
	h.ListHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/templates", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CacheTemplates, rec.Header().Get("Cache-Control"))

	var body struct {
		Date      string         `json:"date"`
		Templates []TemplateInfo `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Templates, 2)
	assert.Equal(t, "https://moyuren.example.com/static/moyuren_20261015_060000.jpg", body.Templates[0].Image)
	assert.Equal(t, 400, body.Templates[1].Width)
	assert.Equal(t, 1123, body.Templates[1].Height)
	assert.Empty(t, body.Templates[1].Image)
}

func TestAPIHandler(t *testing.T) {
	h := NewAPIHandler(arbor.NewLogger())

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = httptest.NewRecorder()
	h.VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/version", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "version")
}

// ---- ops ----

type stubGenerator struct {
	errs   map[string]error
	block  chan struct{}
	panics bool
}

func (g *stubGenerator) Generate(ctx context.Context, template string, date string, trigger models.Trigger) (*models.Artifact, error) {
	if g.block != nil {
		<-g.block
	}
	if g.panics {
		panic("generator exploded")
	}
	if err := g.errs[template]; err != nil {
		return nil, err
	}
	return &models.Artifact{Template: template, Date: date}, nil
}

type stubSweeper struct {
	retain int
	result *models.SweepResult
	err    error
}

func (s *stubSweeper) Sweep(ctx context.Context, retainDays int) (*models.SweepResult, error) {
	s.retain = retainDays
	return s.result, s.err
}

type stubScheduler struct{}

func (stubScheduler) IsRunning() bool { return true }
func (stubScheduler) Status() []scheduler.TriggerStatus {
	return []scheduler.TriggerStatus{{Name: "06:00", Schedule: "0 6 * * *", State: scheduler.StateIdle}}
}

func newOps(t *testing.T, key string, gen Generator, sweeper Sweeper) *OpsHandler {
	e := newEnv(t)
	e.config.Ops.APIKey = key
	return NewOpsHandler(e.config, gen, sweeper, nil, stubScheduler{}, e.calendar, e.logger)
}

func opsRequest(method, target, key string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req
}

func TestOpsHandler_Auth(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }

	disabled := newOps(t, "", &stubGenerator{}, &stubSweeper{})
	rec := httptest.NewRecorder()
	disabled.RequireKey(ok)(rec, opsRequest(http.MethodGet, "/api/v1/ops/runs", "anything"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h := newOps(t, "s3cret", &stubGenerator{}, &stubSweeper{})
	for _, key := range []string{"", "wrong"} {
		rec = httptest.NewRecorder()
		h.RequireKey(ok)(rec, opsRequest(http.MethodGet, "/api/v1/ops/runs", key))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
		assert.Equal(t, CacheNoStore, rec.Header().Get("Cache-Control"))
	}

	rec = httptest.NewRecorder()
	h.RequireKey(ok)(rec, opsRequest(http.MethodGet, "/api/v1/ops/runs", "s3cret"))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestOpsHandler_Generate(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		h := newOps(t, "k", &stubGenerator{}, &stubSweeper{})
		rec := httptest.NewRecorder()
		h.GenerateHandler(rec, opsRequest(http.MethodPost, "/api/v1/ops/generate?template=moyuren", "k"))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, map[string]interface{}{"moyuren": OutcomeCompleted}, decode(t, rec)["templates"])
	})

	t.Run("all busy", func(t *testing.T) {
		gen := &stubGenerator{errs: map[string]error{"moyuren": models.ErrBusy, "compact": models.ErrBusy}}
		h := newOps(t, "k", gen, &stubSweeper{})
		rec := httptest.NewRecorder()
		h.GenerateHandler(rec, opsRequest(http.MethodPost, "/api/v1/ops/generate", "k"))
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "10", rec.Header().Get("Retry-After"))
	})

	t.Run("slow generation is started", func(t *testing.T) {
		gen := &stubGenerator{block: make(chan struct{})}
		defer close(gen.block)
		h := newOps(t, "k", gen, &stubSweeper{})
		h.grace = 20 * time.Millisecond
		rec := httptest.NewRecorder()
		h.GenerateHandler(rec, opsRequest(http.MethodPost, "/api/v1/ops/generate?template=compact", "k"))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, map[string]interface{}{"compact": OutcomeStarted}, decode(t, rec)["templates"])
	})

	t.Run("panicking generation is contained", func(t *testing.T) {
		h := newOps(t, "k", &stubGenerator{panics: true}, &stubSweeper{})
		h.grace = 20 * time.Millisecond
		rec := httptest.NewRecorder()
		h.GenerateHandler(rec, opsRequest(http.MethodPost, "/api/v1/ops/generate?template=moyuren", "k"))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, map[string]interface{}{"moyuren": OutcomeStarted}, decode(t, rec)["templates"])
	})

	t.Run("unknown template", func(t *testing.T) {
		h := newOps(t, "k", &stubGenerator{}, &stubSweeper{})
		rec := httptest.NewRecorder()
		h.GenerateHandler(rec, opsRequest(http.MethodPost, "/api/v1/ops/generate?template=nope", "k"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestOpsHandler_CacheClean(t *testing.T) {
	sweeper := &stubSweeper{result: &models.SweepResult{Removed: 3, FreedBytes: 2048}}
	h := newOps(t, "k", &stubGenerator{}, sweeper)

	rec := httptest.NewRecorder()
	h.CacheCleanHandler(rec, opsRequest(http.MethodPost, "/api/v1/ops/cache/clean?keep_days=7", "k"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, sweeper.retain)
	assert.Equal(t, "2.0 kB", decode(t, rec)["freed"])

	rec = httptest.NewRecorder()
	h.CacheCleanHandler(rec, opsRequest(http.MethodPost, "/api/v1/ops/cache/clean", "k"))
	assert.Equal(t, 30, sweeper.retain)

	rec = httptest.NewRecorder()
	h.CacheCleanHandler(rec, opsRequest(http.MethodPost, "/api/v1/ops/cache/clean?keep_days=abc", "k"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sweeper.err = &models.SweepError{Err: errors.New("disk full")}
	rec = httptest.NewRecorder()
	h.CacheCleanHandler(rec, opsRequest(http.MethodPost, "/api/v1/ops/cache/clean", "k"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(models.CodeCacheCleanFailed), decode(t, rec)["code"])
}

func TestOpsHandler_SchedulerAndRuns(t *testing.T) {
	h := newOps(t, "k", &stubGenerator{}, &stubSweeper{})

	rec := httptest.NewRecorder()
	h.SchedulerHandler(rec, opsRequest(http.MethodGet, "/api/v1/ops/scheduler", "k"))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["running"])
	assert.Len(t, body["triggers"], 1)

	rec = httptest.NewRecorder()
	h.RunsHandler(rec, opsRequest(http.MethodGet, "/api/v1/ops/runs", "k"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["runs"])
}
