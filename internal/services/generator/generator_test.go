package generator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
	"github.com/ternarybob/moyuren/internal/services/lock"
	"github.com/ternarybob/moyuren/internal/storage/artifacts"
)

type fakeCollector struct {
	err   error
	calls int32
}

func (c *fakeCollector) Collect(ctx context.Context, date string) (*models.ContentBundle, error) {
	atomic.AddInt32(&c.calls, 1)
	b := models.NewContentBundle(date)
	b.Sources["news"] = models.SourceResult{Name: "news", Status: models.SourceFresh, Payload: "headline"}
	return b, c.err
}

type fakeRenderer struct {
	err     error
	block   chan struct{}
	panics  bool
	calls   int32
	active  int32
	overlap int32
	lastOpt interfaces.RenderOptions
	detail  *models.DayDetail
}

func (r *fakeRenderer) Render(ctx context.Context, template string, bundle *models.ContentBundle, opts interfaces.RenderOptions) ([]byte, error) {
	atomic.AddInt32(&r.calls, 1)
	if atomic.AddInt32(&r.active, 1) > 1 {
		atomic.AddInt32(&r.overlap, 1)
	}
	defer atomic.AddInt32(&r.active, -1)

	r.lastOpt = opts
	r.detail = bundle.Detail
	if r.block != nil {
		<-r.block
	}
	if r.panics {
		panic("renderer exploded")
	}
	if r.err != nil {
		return nil, r.err
	}
	return []byte("jpeg:" + template + ":" + bundle.Date), nil
}

type mockRunStorage struct {
	mock.Mock
}

func (m *mockRunStorage) SaveRun(ctx context.Context, run *models.GenerationRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *mockRunStorage) GetRun(ctx context.Context, id string) (*models.GenerationRun, error) {
	args := m.Called(ctx, id)
	return nil, args.Error(1)
}

func (m *mockRunStorage) ListRuns(ctx context.Context, template string, limit int) ([]*models.GenerationRun, error) {
	args := m.Called(ctx, template, limit)
	return nil, args.Error(1)
}

func (m *mockRunStorage) DeleteRunsBefore(ctx context.Context, cutoff string) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

type harness struct {
	svc       *Service
	store     *artifacts.Store
	lock      *lock.MemoryLock
	collector *fakeCollector
	renderer  *fakeRenderer
}

func newHarness(t *testing.T, runs interfaces.RunStorage) *harness {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Templates = []common.TemplateConfig{
		{Name: "moyuren", File: "moyuren.html"},
		{Name: "compact", File: "compact.html", Viewport: common.ViewportConfig{Width: 400}, Quality: 70},
	}

	dir := t.TempDir()
	store, err := artifacts.NewStore(filepath.Join(dir, "state"), filepath.Join(dir, "static"), arbor.NewLogger())
	require.NoError(t, err)

	now := time.Date(2026, 10, 15, 6, 0, 0, 0, time.UTC)
	h := &harness{
		store:     store,
		lock:      lock.NewMemoryLock(),
		collector: &fakeCollector{},
		renderer:  &fakeRenderer{},
	}
	h.svc = NewService(cfg, h.collector, h.renderer, store, h.lock, runs,
		common.NewCalendar(time.UTC, func() time.Time { return now }), arbor.NewLogger())
	return h
}

func TestGenerate_Success(t *testing.T) {
	runs := &mockRunStorage{}
	runs.On("SaveRun", mock.Anything, mock.MatchedBy(func(r *models.GenerationRun) bool {
		return r.Outcome == models.RunSucceeded && r.Template == "moyuren" && r.Trigger == models.TriggerSchedule &&
			r.Sources["news"] == models.SourceFresh && r.Digest != ""
	})).Return(nil).Once()

	h := newHarness(t, runs)
	ctx := context.Background()

	artifact, err := h.svc.Generate(ctx, "moyuren", "2026-10-15", models.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-15", artifact.Date)
	assert.Equal(t, "moyuren_20261015_060000.jpg", artifact.FilePath)
	assert.Len(t, artifact.Digest, 64)
	assert.FileExists(t, h.store.ImagePath(artifact))

	latest, err := h.store.Latest(ctx, "moyuren")
	require.NoError(t, err)
	assert.Equal(t, artifact.Digest, latest.Digest)

	assert.Equal(t, 794, h.renderer.lastOpt.Width)
	assert.Equal(t, 90, h.renderer.lastOpt.Quality)

	_, held := h.lock.Holder("moyuren")
	assert.False(t, held)
	runs.AssertExpectations(t)
}

func TestGenerate_PersistsDayDetail(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	artifact, err := h.svc.Generate(ctx, "moyuren", "2026-10-15", models.TriggerCLI)
	require.NoError(t, err)
	require.NotNil(t, artifact.Detail)
	assert.Same(t, artifact.Detail, h.renderer.detail, "rendered from the same detail")
	assert.Equal(t, "Thursday", artifact.Detail.Weekday)
	assert.True(t, artifact.Detail.IsCrazyThursday)
	assert.Equal(t, 2, artifact.Detail.WeekendDaysLeft)
	assert.JSONEq(t, `"headline"`, string(artifact.Detail.Content["news"]))

	stored, err := h.store.Get(ctx, "moyuren", "2026-10-15")
	require.NoError(t, err)
	require.NotNil(t, stored.Detail)
	assert.Equal(t, models.SourceFresh, stored.Detail.Sources["news"])
	assert.True(t, stored.Detail.IsCrazyThursday)

	latest, err := h.store.Latest(ctx, "moyuren")
	require.NoError(t, err)
	require.NotNil(t, latest.Detail)
	assert.Equal(t, "星期四", latest.Detail.WeekdayCN)
}

func TestGenerate_TemplateOverrides(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Generate(context.Background(), "compact", "2026-10-15", models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 400, h.renderer.lastOpt.Width)
	assert.Equal(t, 1123, h.renderer.lastOpt.Height)
	assert.Equal(t, 70, h.renderer.lastOpt.Quality)
}

func TestGenerate_BusyWhenLockHeld(t *testing.T) {
	runs := &mockRunStorage{}
	h := newHarness(t, runs)

	lease, err := h.lock.TryAcquire("moyuren")
	require.NoError(t, err)
	defer lease.Release()

	_, err = h.svc.Generate(context.Background(), "moyuren", "2026-10-15", models.TriggerRequest)
	assert.True(t, errors.Is(err, models.ErrBusy))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.collector.calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.renderer.calls))
	runs.AssertNotCalled(t, "SaveRun", mock.Anything, mock.Anything)
}

func TestGenerate_Failures(t *testing.T) {
	tests := []struct {
		name         string
		collectErr   error
		renderErr    error
		wantReason   models.FailureReason
		wantRenderer int32
	}{
		{
			name:         "required source missing",
			collectErr:   &models.RequiredSourceError{Sources: []string{"holidays"}},
			wantReason:   models.ReasonSources,
			wantRenderer: 0,
		},
		{
			name:         "renderer error",
			renderErr:    &models.RenderError{Template: "moyuren", Kind: models.RenderBrowser, Err: errors.New("chrome gone")},
			wantReason:   models.ReasonRender,
			wantRenderer: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := &mockRunStorage{}
			runs.On("SaveRun", mock.Anything, mock.MatchedBy(func(r *models.GenerationRun) bool {
				return r.Outcome == models.RunFailed && r.Reason == tt.wantReason
			})).Return(nil).Once()

			h := newHarness(t, runs)
			h.collector.err = tt.collectErr
			h.renderer.err = tt.renderErr

			_, err := h.svc.Generate(context.Background(), "moyuren", "2026-10-15", models.TriggerSchedule)
			require.Error(t, err)

			gf, ok := models.IsGenerationFailed(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantReason, gf.Reason)
			assert.Equal(t, tt.wantRenderer, atomic.LoadInt32(&h.renderer.calls))

			_, err = h.store.Latest(context.Background(), "moyuren")
			assert.True(t, errors.Is(err, models.ErrNotFound))

			_, held := h.lock.Holder("moyuren")
			assert.False(t, held, "lease must be released after failure")
			runs.AssertExpectations(t)
		})
	}
}

func TestGenerate_ReleasesLockOnPanic(t *testing.T) {
	h := newHarness(t, nil)
	h.renderer.panics = true

	assert.Panics(t, func() {
		_, _ = h.svc.Generate(context.Background(), "moyuren", "2026-10-15", models.TriggerSchedule)
	})

	_, held := h.lock.Holder("moyuren")
	assert.False(t, held)
}

func TestGenerate_UnknownTemplate(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Generate(context.Background(), "nope", "2026-10-15", models.TriggerOps)
	assert.True(t, errors.Is(err, models.ErrUnknownTemplate))
}

func TestGenerate_ConcurrentCallsRenderOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.renderer.block = make(chan struct{})

	var wg sync.WaitGroup
	var busy, ok int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Generate(context.Background(), "moyuren", "2026-10-15", models.TriggerRequest)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, models.ErrBusy):
				atomic.AddInt32(&busy, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	// Let every goroutine reach the lock before the renderer finishes
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.renderer.calls) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(h.renderer.block)
	wg.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&h.renderer.overlap))
	assert.Equal(t, int32(10), ok+busy)
	assert.GreaterOrEqual(t, ok, int32(1))
	assert.Equal(t, ok, atomic.LoadInt32(&h.renderer.calls))
}
