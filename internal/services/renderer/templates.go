package renderer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"path/filepath"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/models"
)

// PageData is the context every template is executed with
type PageData struct {
	Template    string
	Date        string
	Weekday     string
	GeneratedAt string // Display timezone, "2006-01-02 15:04"
	Sources     map[string]interface{}
	Status      map[string]models.SourceStatus
	Detail      *models.DayDetail // Nil when it could not be computed
}

// TemplateSet parses configured templates from disk once and executes them
type TemplateSet struct {
	dir     string
	files   map[string]string
	display *time.Location
	md      goldmark.Markdown

	mu     sync.Mutex
	parsed map[string]*template.Template
}

// NewTemplateSet creates a template set for the configured templates
func NewTemplateSet(config *common.Config) (*TemplateSet, error) {
	display := time.UTC
	if name := config.Timezone.Display; name != "" {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load display timezone %q: %w", name, err)
		}
		display = loc
	} else if loc, err := time.LoadLocation(config.Timezone.Business); err == nil {
		display = loc
	}

	files := make(map[string]string, len(config.Templates))
	for _, t := range config.Templates {
		files[t.Name] = t.File
	}

	return &TemplateSet{
		dir:     config.Render.TemplatesDir,
		files:   files,
		display: display,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		parsed: make(map[string]*template.Template),
	}, nil
}

// Execute renders the named template for a content bundle
func (s *TemplateSet) Execute(name string, bundle *models.ContentBundle, generatedAt time.Time) (string, error) {
	tmpl, err := s.lookup(name)
	if err != nil {
		return "", err
	}

	data := PageData{
		Template:    name,
		Date:        bundle.Date,
		GeneratedAt: generatedAt.In(s.display).Format("2006-01-02 15:04"),
		Sources:     make(map[string]interface{}, len(bundle.Sources)),
		Status:      bundle.Statuses(),
		Detail:      bundle.Detail,
	}
	for source, payload := range bundle.Payloads() {
		data.Sources[source] = decodePayload(payload)
	}
	if day, err := time.Parse(common.DateLayout, bundle.Date); err == nil {
		data.Weekday = day.Weekday().String()
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}
	return buf.String(), nil
}

// decodePayload turns raw JSON into maps and slices templates can index
func decodePayload(payload interface{}) interface{} {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		return payload
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func (s *TemplateSet) lookup(name string) (*template.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tmpl, ok := s.parsed[name]; ok {
		return tmpl, nil
	}

	file, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTemplate, name)
	}

	path := filepath.Join(s.dir, file)
	tmpl, err := template.New(filepath.Base(path)).Funcs(s.funcs()).ParseFiles(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s.parsed[name] = tmpl
	return tmpl, nil
}

func (s *TemplateSet) funcs() template.FuncMap {
	return template.FuncMap{
		// markdown renders trusted source text, e.g. a daily note
		"markdown": func(value interface{}) (template.HTML, error) {
			var buf bytes.Buffer
			if err := s.md.Convert([]byte(fmt.Sprint(value)), &buf); err != nil {
				return "", err
			}
			return template.HTML(buf.String()), nil
		},
		"json": func(value interface{}) (template.JS, error) {
			b, err := json.Marshal(value)
			if err != nil {
				return "", err
			}
			return template.JS(b), nil
		},
	}
}
