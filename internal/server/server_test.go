package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/app"
	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/handlers"
	"github.com/ternarybob/moyuren/internal/storage/artifacts"
)

func newTestServer(t *testing.T, opsKey string) (*Server, string) {
	t.Helper()

	dir := t.TempDir()
	cfg := common.NewDefaultConfig()
	cfg.Paths.StaticDir = filepath.Join(dir, "static")
	cfg.Paths.StateDir = filepath.Join(dir, "state")
	cfg.Ops.APIKey = opsKey

	logger := arbor.NewLogger()
	store, err := artifacts.NewStore(cfg.Paths.StateDir, cfg.Paths.StaticDir, logger)
	require.NoError(t, err)

	calendar := common.NewCalendar(time.UTC, nil)
	application := &app.App{
		Config:           cfg,
		Logger:           logger,
		Calendar:         calendar,
		Store:            store,
		APIHandler:       handlers.NewAPIHandler(logger),
		MoyurenHandler:   handlers.NewMoyurenHandler(cfg, nil, store, calendar, logger),
		TemplatesHandler: handlers.NewTemplatesHandler(cfg, store, calendar, logger),
		OpsHandler:       handlers.NewOpsHandler(cfg, nil, nil, nil, nil, calendar, logger),
	}
	return New(application), cfg.Paths.StaticDir
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRoutes_System(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"STORAGE_4003"`)

	rec = serve(s, httptest.NewRequest(http.MethodOptions, "/api/v1/moyuren", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Registered, so the method check answers instead of the API 404
	rec = serve(s, httptest.NewRequest(http.MethodPost, "/api/v1/moyuren/detail", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRoutes_OpsDisabledWithoutKey(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := serve(s, httptest.NewRequest(http.MethodPost, "/api/v1/ops/generate", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, handlers.CacheNoStore, rec.Header().Get("Cache-Control"))
}

func TestRoutes_OpsRequiresKey(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/ops/scheduler", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ops/scheduler", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = serve(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running":false`)
}

func TestRoutes_StaticImages(t *testing.T) {
	s, staticDir := newTestServer(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "moyuren_20261015_060000.jpg"), []byte("jpeg"), 0644))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/static/moyuren_20261015_060000.jpg", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, handlers.CacheImmutable, rec.Header().Get("Cache-Control"))
	assert.Equal(t, "jpeg", rec.Body.String())

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/static/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodHead, "/static/moyuren_20261015_060000.jpg", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())

	rec = serve(s, httptest.NewRequest(http.MethodDelete, "/static/moyuren_20261015_060000.jpg", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}
