package renderer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
)

const pageTemplate = `<html><body>
<h1>{{.Date}} {{.Weekday}}</h1>
<p class="at">{{.GeneratedAt}}</p>
{{with .Sources.holidays}}<ul>{{range .}}<li>{{.name}}</li>{{end}}</ul>{{end}}
{{with .Sources.note}}<div class="note">{{markdown .}}</div>{{end}}
<script>var status = {{json .Status}};</script>
</body></html>`

func writeTemplates(t *testing.T, files map[string]string) *common.Config {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}

	cfg := common.NewDefaultConfig()
	cfg.Render.TemplatesDir = dir
	cfg.Timezone.Display = "Asia/Shanghai"
	cfg.Templates = []common.TemplateConfig{
		{Name: "moyuren", File: "moyuren.html"},
		{Name: "broken", File: "broken.html"},
		{Name: "missing", File: "missing.html"},
	}
	return cfg
}

func testBundle() *models.ContentBundle {
	bundle := models.NewContentBundle("2026-10-15")
	bundle.Sources["holidays"] = models.SourceResult{
		Name:    "holidays",
		Status:  models.SourceFresh,
		Payload: json.RawMessage(`[{"name":"National Day"},{"name":"Mid-Autumn"}]`),
	}
	bundle.Sources["note"] = models.SourceResult{
		Name:    "note",
		Status:  models.SourceStale,
		Payload: "**slack** off",
	}
	bundle.Sources["news"] = models.SourceResult{Name: "news", Status: models.SourceUnavailable}
	return bundle
}

func TestTemplateSet_Execute(t *testing.T) {
	cfg := writeTemplates(t, map[string]string{"moyuren.html": pageTemplate})
	set, err := NewTemplateSet(cfg)
	require.NoError(t, err)

	generatedAt := time.Date(2026, 10, 14, 22, 5, 0, 0, time.UTC)
	out, err := set.Execute("moyuren", testBundle(), generatedAt)
	require.NoError(t, err)

	assert.Contains(t, out, "<h1>2026-10-15 Thursday</h1>")
	assert.Contains(t, out, "2026-10-15 06:05") // Display timezone
	assert.Contains(t, out, "<li>National Day</li>")
	assert.Contains(t, out, "<li>Mid-Autumn</li>")
	assert.Contains(t, out, "<strong>slack</strong>")
	assert.Contains(t, out, `"news":"unavailable"`)
}

func TestTemplateSet_ExecuteWithDetail(t *testing.T) {
	const detailTemplate = `{{with .Detail}}<p>{{.WeekdayCN}} {{.WeekendDaysLeft}}</p>` +
		`{{if .IsCrazyThursday}}<b>crazy</b>{{end}}` +
		`{{range .Countdowns}}<li>{{.Name}} {{.DaysLeft}}</li>{{end}}{{else}}<p>no detail</p>{{end}}`
	cfg := writeTemplates(t, map[string]string{"moyuren.html": detailTemplate})
	set, err := NewTemplateSet(cfg)
	require.NoError(t, err)

	bundle := testBundle()
	out, err := set.Execute("moyuren", bundle, time.Now())
	require.NoError(t, err)
	assert.Contains(t, out, "<p>no detail</p>")

	bundle.Detail = &models.DayDetail{
		WeekdayCN:       "星期四",
		WeekendDaysLeft: 2,
		IsCrazyThursday: true,
		Countdowns:      []models.Countdown{{Name: "元旦", Date: "2027-01-01", DaysLeft: 78}},
	}
	out, err = set.Execute("moyuren", bundle, time.Now())
	require.NoError(t, err)
	assert.Contains(t, out, "<p>星期四 2</p>")
	assert.Contains(t, out, "<b>crazy</b>")
	assert.Contains(t, out, "<li>元旦 78</li>")
}

func TestTemplateSet_Errors(t *testing.T) {
	cfg := writeTemplates(t, map[string]string{
		"moyuren.html": pageTemplate,
		"broken.html":  `{{.Nope.Field}`,
	})
	set, err := NewTemplateSet(cfg)
	require.NoError(t, err)

	_, err = set.Execute("unknown", testBundle(), time.Now())
	assert.True(t, errors.Is(err, models.ErrUnknownTemplate))

	_, err = set.Execute("broken", testBundle(), time.Now())
	assert.Error(t, err)

	_, err = set.Execute("missing", testBundle(), time.Now())
	assert.Error(t, err)
}

func TestChromeRenderer_TemplateFailureSkipsBrowser(t *testing.T) {
	cfg := writeTemplates(t, map[string]string{"moyuren.html": pageTemplate})
	r, err := NewChromeRenderer(cfg, arbor.NewLogger())
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Render(context.Background(), "missing", testBundle(), interfaces.RenderOptions{Width: 100, Height: 100, Quality: 80})

	var renderErr *models.RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.Equal(t, models.RenderTemplate, renderErr.Kind)
	assert.Equal(t, models.CodeRenderTemplate, models.CodeOf(err))
	assert.Nil(t, r.browserCtx, "browser must not start for a template failure")
}

func TestDecodePayload(t *testing.T) {
	assert.Equal(t, map[string]interface{}{"a": 1.0}, decodePayload(json.RawMessage(`{"a":1}`)))
	assert.Nil(t, decodePayload(json.RawMessage(`null`)))
	assert.Equal(t, "not json", decodePayload([]byte("not json")))
	assert.Equal(t, 42, decodePayload(42))
}
