package handlers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
	"github.com/ternarybob/moyuren/internal/services/coordinator"
)

// Resolver finds or produces the artifact for a request
type Resolver interface {
	Resolve(ctx context.Context, template string, date string) (*coordinator.Resolution, error)
}

// ImageResponse is the metadata body for a resolved artifact
type ImageResponse struct {
	Template    string    `json:"template"`
	Date        string    `json:"date"`
	Image       string    `json:"image"`
	GeneratedAt time.Time `json:"generated_at"`
	Digest      string    `json:"digest"`
	Degraded    bool      `json:"degraded"`
}

// DetailResponse is the detail body: the artifact metadata plus the day detail
// it was rendered from. Detail is null for artifacts stored without one.
type DetailResponse struct {
	ImageResponse
	Detail *models.DayDetail `json:"detail"`
}

// MoyurenHandler serves the calendar image and its metadata
type MoyurenHandler struct {
	resolver        Resolver
	store           interfaces.ArtifactStore
	calendar        *common.Calendar
	defaultTemplate string
	baseURL         string
	logger          arbor.ILogger
}

func NewMoyurenHandler(config *common.Config, resolver Resolver, store interfaces.ArtifactStore, calendar *common.Calendar, logger arbor.ILogger) *MoyurenHandler {
	var defaultTemplate string
	if names := config.TemplateNames(); len(names) > 0 {
		defaultTemplate = names[0]
	}
	return &MoyurenHandler{
		resolver:        resolver,
		store:           store,
		calendar:        calendar,
		defaultTemplate: defaultTemplate,
		baseURL:         strings.TrimSuffix(config.Server.BaseDomain, "/"),
		logger:          logger,
	}
}

// MetadataHandler returns the resolved artifact as JSON
// GET /api/v1/moyuren?template=&date=
func (h *MoyurenHandler) MetadataHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	res, ok := h.resolve(w, r)
	if !ok {
		return
	}

	h.setCacheHeaders(w, res)
	WriteJSON(w, http.StatusOK, h.imageResponse(res))
}

// DetailHandler returns the resolved artifact with its day detail
// GET /api/v1/moyuren/detail?template=&date=
func (h *MoyurenHandler) DetailHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	res, ok := h.resolve(w, r)
	if !ok {
		return
	}

	h.setCacheHeaders(w, res)
	WriteJSON(w, http.StatusOK, DetailResponse{
		ImageResponse: h.imageResponse(res),
		Detail:        res.Artifact.Detail,
	})
}

func (h *MoyurenHandler) imageResponse(res *coordinator.Resolution) ImageResponse {
	return ImageResponse{
		Template:    res.Artifact.Template,
		Date:        res.Artifact.Date,
		Image:       ImageURL(h.baseURL, res.Artifact),
		GeneratedAt: res.Artifact.GeneratedAt,
		Digest:      res.Artifact.Digest,
		Degraded:    res.Degraded,
	}
}

// ImageHandler streams the resolved JPEG
// GET /api/v1/moyuren/image?template=&date=
func (h *MoyurenHandler) ImageHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	res, ok := h.resolve(w, r)
	if !ok {
		return
	}

	filePath := h.store.ImagePath(res.Artifact)
	file, err := os.Open(filePath)
	if err != nil {
		h.logger.Error().Err(err).Str("path", filePath).Msg("Artifact image missing on disk")
		WriteAppError(w, &models.StorageError{Op: "read", Path: filePath, Err: err})
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		WriteAppError(w, &models.StorageError{Op: "read", Path: filePath, Err: err})
		return
	}

	h.setCacheHeaders(w, res)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("ETag", `"`+res.Artifact.Digest+`"`)
	if res.Degraded {
		w.Header().Set("X-Moyuren-Degraded", "true")
	}
	// ServeContent answers If-None-Match from the ETag
	http.ServeContent(w, r, path.Base(res.Artifact.FilePath), info.ModTime(), file)
}

// resolve writes the response for every outcome except a usable artifact
func (h *MoyurenHandler) resolve(w http.ResponseWriter, r *http.Request) (*coordinator.Resolution, bool) {
	template := r.URL.Query().Get("template")
	if template == "" {
		template = h.defaultTemplate
	}
	date := r.URL.Query().Get("date")

	res, err := h.resolver.Resolve(r.Context(), template, date)
	if err != nil {
		if StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("template", template).Str("date", date).Msg("Failed to resolve image")
		}
		w.Header().Set("Cache-Control", CacheNoStore)
		WriteAppError(w, err)
		return nil, false
	}
	if res.Pending {
		WritePending(w, res.RetryAfter)
		return nil, false
	}
	return res, true
}

func (h *MoyurenHandler) setCacheHeaders(w http.ResponseWriter, res *coordinator.Resolution) {
	switch {
	case res.Degraded:
		w.Header().Set("Cache-Control", CacheNoStore)
	case res.Artifact.Date < h.calendar.Today():
		w.Header().Set("Cache-Control", CacheImmutable)
	default:
		w.Header().Set("Cache-Control", CacheToday)
	}
}

// ImageURL returns the public URL of an artifact's image
func ImageURL(baseURL string, artifact *models.Artifact) string {
	return fmt.Sprintf("%s/static/%s", baseURL, path.Base(artifact.FilePath))
}
