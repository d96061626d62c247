package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
)

// TemplateInfo describes one configured template
type TemplateInfo struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Image  string `json:"image,omitempty"` // Today's image, when generated
}

type TemplatesHandler struct {
	config   *common.Config
	store    interfaces.ArtifactStore
	calendar *common.Calendar
	logger   arbor.ILogger
}

func NewTemplatesHandler(config *common.Config, store interfaces.ArtifactStore, calendar *common.Calendar, logger arbor.ILogger) *TemplatesHandler {
	return &TemplatesHandler{
		config:   config,
		store:    store,
		calendar: calendar,
		logger:   logger,
	}
}

// ListHandler lists configured templates
// GET /api/v1/templates
func (h *TemplatesHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	today := h.calendar.Today()
	baseURL := strings.TrimSuffix(h.config.Server.BaseDomain, "/")

	templates := make([]TemplateInfo, 0, len(h.config.Templates))
	for _, t := range h.config.Templates {
		info := TemplateInfo{
			Name:   t.Name,
			Width:  h.config.Render.Viewport.Width,
			Height: h.config.Render.Viewport.Height,
		}
		if t.Viewport.Width > 0 {
			info.Width = t.Viewport.Width
		}
		if t.Viewport.Height > 0 {
			info.Height = t.Viewport.Height
		}

		artifact, err := h.store.Get(r.Context(), t.Name, today)
		switch {
		case err == nil:
			info.Image = ImageURL(baseURL, artifact)
		case !errors.Is(err, models.ErrNotFound):
			h.logger.Warn().Err(err).Str("template", t.Name).Msg("Failed to read today's artifact")
		}
		templates = append(templates, info)
	}

	w.Header().Set("Cache-Control", CacheTemplates)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"date":      today,
		"templates": templates,
	})
}
