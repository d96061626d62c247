package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/models"
)

const (
	// DefaultTimeout is the per-request HTTP timeout
	DefaultTimeout = 10 * time.Second

	// maxBodySize caps upstream responses
	maxBodySize = 5 << 20

	userAgent = "Moyuren/1.0"
)

// Extraction modes
const (
	ModeJSON = "json"
	ModeHTML = "html"
)

// HTTPFetcher fetches one configured source over HTTP. URLs are tried in order
// until one succeeds; with rotation the starting URL depends on the business day.
type HTTPFetcher struct {
	name       string
	urls       []string
	mode       string
	path       string
	selector   string
	rotate     bool
	weekdays   map[time.Weekday]bool
	headers    map[string]string
	httpClient *http.Client
	limiter    *rate.Limiter
	calendar   *common.Calendar
	logger     arbor.ILogger
}

// FetcherOption configures the HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		f.httpClient = httpClient
	}
}

// WithRatePerMinute limits requests to this source. Zero disables limiting.
func WithRatePerMinute(n int) FetcherOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
		}
	}
}

// WithCalendar sets the calendar used for weekday gating and rotation.
func WithCalendar(calendar *common.Calendar) FetcherOption {
	return func(f *HTTPFetcher) {
		f.calendar = calendar
	}
}

// NewHTTPFetcher creates a fetcher from source configuration
func NewHTTPFetcher(cfg common.SourceConfig, logger arbor.ILogger, opts ...FetcherOption) *HTTPFetcher {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeJSON
	}

	weekdays := make(map[time.Weekday]bool)
	for _, name := range cfg.Weekdays {
		if d, ok := common.ParseWeekday(name); ok {
			weekdays[d] = true
		}
	}

	f := &HTTPFetcher{
		name:     cfg.Name,
		urls:     append([]string(nil), cfg.URLs...),
		mode:     mode,
		path:     cfg.Path,
		selector: cfg.Selector,
		rotate:   cfg.RotateByDate,
		weekdays: weekdays,
		headers:  cfg.Headers,
		httpClient: &http.Client{
			Timeout: common.ParseDurationOr(cfg.Timeout, DefaultTimeout),
		},
		calendar: common.NewCalendar(time.UTC, nil),
		logger:   logger,
	}

	WithRatePerMinute(cfg.RatePerMinute)(f)

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fetch implements interfaces.Fetcher. On a day outside the configured
// weekdays it returns JSON null without touching the network.
func (f *HTTPFetcher) Fetch(ctx context.Context) (json.RawMessage, error) {
	today := f.calendar.Today()

	if len(f.weekdays) > 0 {
		weekday, err := f.calendar.Weekday(today)
		if err == nil && !f.weekdays[weekday] {
			f.logger.Debug().Str("source", f.name).Str("weekday", weekday.String()).Msg("Source inactive today")
			return json.RawMessage("null"), nil
		}
	}

	var lastErr error
	for _, u := range f.order(today) {
		payload, err := f.fetchURL(ctx, u)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		f.logger.Debug().Err(err).Str("source", f.name).Str("url", u).Msg("Source URL failed, trying next")

		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = &models.FetchError{Source: f.name, Kind: models.FetchConnection, Err: errors.New("no urls configured")}
	}
	return nil, lastErr
}

// order returns the URLs to try, rotated by day when configured
func (f *HTTPFetcher) order(day string) []string {
	if !f.rotate || len(f.urls) < 2 {
		return f.urls
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(f.name + ":" + day))
	start := int(h.Sum32() % uint32(len(f.urls)))

	out := make([]string, 0, len(f.urls))
	out = append(out, f.urls[start:]...)
	out = append(out, f.urls[:start]...)
	return out
}

func (f *HTTPFetcher) fetchURL(ctx context.Context, u string) (json.RawMessage, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, f.classify(u, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &models.FetchError{Source: f.name, Kind: models.FetchConnection, URL: u, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, f.classify(u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &models.FetchError{
			Source:     f.name,
			Kind:       models.FetchResponse,
			URL:        u,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, f.classify(u, err)
	}

	switch f.mode {
	case ModeHTML:
		return f.extractHTML(u, body)
	default:
		return f.extractJSON(u, body)
	}
}

func (f *HTTPFetcher) extractJSON(u string, body []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, &models.FetchError{Source: f.name, Kind: models.FetchParse, URL: u, Err: errors.New("response is not valid JSON")}
	}
	if f.path == "" {
		return json.RawMessage(body), nil
	}
	value := gjson.GetBytes(body, f.path)
	if !value.Exists() {
		return nil, &models.FetchError{Source: f.name, Kind: models.FetchParse, URL: u, Err: fmt.Errorf("path %q not found", f.path)}
	}
	return json.RawMessage(value.Raw), nil
}

func (f *HTTPFetcher) extractHTML(u string, body []byte) (json.RawMessage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &models.FetchError{Source: f.name, Kind: models.FetchParse, URL: u, Err: err}
	}

	var texts []string
	doc.Find(f.selector).Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			texts = append(texts, text)
		}
	})
	if len(texts) == 0 {
		return nil, &models.FetchError{Source: f.name, Kind: models.FetchParse, URL: u, Err: fmt.Errorf("selector %q matched nothing", f.selector)}
	}

	data, err := json.Marshal(texts)
	if err != nil {
		return nil, &models.FetchError{Source: f.name, Kind: models.FetchParse, URL: u, Err: err}
	}
	return data, nil
}

func (f *HTTPFetcher) classify(u string, err error) *models.FetchError {
	kind := models.FetchConnection
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = models.FetchTimeout
	}
	return &models.FetchError{Source: f.name, Kind: kind, URL: u, Err: err}
}
