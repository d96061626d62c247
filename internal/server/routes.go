// -----------------------------------------------------------------------
// Last Modified: Wednesday, 14th October 2026 3:52:07 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/moyuren/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Generated images. File names embed the generation time, so they never change.
	mux.Handle("/static/", s.staticHandler())

	// API routes - Calendar image
	mux.HandleFunc("/api/v1/moyuren", s.app.MoyurenHandler.MetadataHandler)      // GET ?template=&date=
	mux.HandleFunc("/api/v1/moyuren/image", s.app.MoyurenHandler.ImageHandler)   // GET ?template=&date=
	mux.HandleFunc("/api/v1/moyuren/detail", s.app.MoyurenHandler.DetailHandler) // GET ?template=&date=
	mux.HandleFunc("/api/v1/templates", s.app.TemplatesHandler.ListHandler)      // GET

	// API routes - Operations (Bearer key)
	ops := s.app.OpsHandler
	mux.HandleFunc("/api/v1/ops/generate", ops.RequireKey(ops.GenerateHandler))      // POST ?template=
	mux.HandleFunc("/api/v1/ops/cache/clean", ops.RequireKey(ops.CacheCleanHandler)) // POST ?keep_days=
	mux.HandleFunc("/api/v1/ops/runs", ops.RequireKey(ops.RunsHandler))              // GET ?template=&limit=
	mux.HandleFunc("/api/v1/ops/scheduler", ops.RequireKey(ops.SchedulerHandler))    // GET

	// API routes - System
	mux.HandleFunc("/api/v1/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/v1/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

func (s *Server) staticHandler() http.Handler {
	files := http.StripPrefix("/static/", http.FileServer(http.Dir(s.app.Config.Paths.StaticDir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !handlers.RequireMethod(w, r, http.MethodGet, http.MethodHead) {
			return
		}
		// No directory listings
		if strings.HasSuffix(r.URL.Path, "/") {
			s.app.APIHandler.NotFoundHandler(w, r)
			return
		}
		w.Header().Set("Cache-Control", handlers.CacheImmutable)
		files.ServeHTTP(w, r)
	})
}
