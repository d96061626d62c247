// -----------------------------------------------------------------------
// Last Modified: Tuesday, 13th October 2026 9:12:40 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
)

// ChromeConfig holds browser settings for the renderer
type ChromeConfig struct {
	Headless  bool
	NoSandbox bool
	Timeout   time.Duration // Per render, including browser startup
}

// ChromeRenderer executes an HTML template and screenshots it in headless Chrome.
// One browser is started lazily and shared; every render gets its own tab.
type ChromeRenderer struct {
	templates *TemplateSet
	config    ChromeConfig
	now       func() time.Time
	logger    arbor.ILogger

	mu              sync.Mutex
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

var _ interfaces.Renderer = (*ChromeRenderer)(nil)

// NewChromeRenderer creates a renderer from config. The browser starts on first use.
func NewChromeRenderer(config *common.Config, logger arbor.ILogger) (*ChromeRenderer, error) {
	templates, err := NewTemplateSet(config)
	if err != nil {
		return nil, err
	}
	return &ChromeRenderer{
		templates: templates,
		config: ChromeConfig{
			Headless:  config.Render.Headless,
			NoSandbox: config.Render.NoSandbox,
			Timeout:   common.ParseDurationOr(config.Render.Timeout, 30*time.Second),
		},
		now:    time.Now,
		logger: logger,
	}, nil
}

// Render executes the template and returns JPEG bytes of the full page
func (r *ChromeRenderer) Render(ctx context.Context, template string, bundle *models.ContentBundle, opts interfaces.RenderOptions) ([]byte, error) {
	html, err := r.templates.Execute(template, bundle, r.now())
	if err != nil {
		return nil, &models.RenderError{Template: template, Kind: models.RenderTemplate, Err: err}
	}

	browserCtx, err := r.browser()
	if err != nil {
		return nil, &models.RenderError{Template: template, Kind: models.RenderBrowser, Err: err}
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()

	renderCtx, cancel := context.WithTimeout(tabCtx, r.config.Timeout)
	defer cancel()
	// Stop the tab when the caller gives up
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	startTime := time.Now()

	scale := opts.DeviceScaleFactor
	if scale <= 0 {
		scale = 1
	}
	err = chromedp.Run(renderCtx,
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height), chromedp.EmulateScale(scale)),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		r.checkBrowser()
		return nil, &models.RenderError{Template: template, Kind: models.RenderBrowser, Err: err}
	}

	var image []byte
	if err := chromedp.Run(renderCtx, chromedp.FullScreenshot(&image, opts.Quality)); err != nil {
		r.checkBrowser()
		return nil, &models.RenderError{Template: template, Kind: models.RenderScreenshot, Err: err}
	}
	if len(image) == 0 {
		return nil, &models.RenderError{Template: template, Kind: models.RenderScreenshot, Err: errors.New("empty screenshot")}
	}

	r.logger.Debug().
		Str("template", template).
		Int("width", opts.Width).
		Int("height", opts.Height).
		Int("bytes", len(image)).
		Dur("duration", time.Since(startTime)).
		Msg("Template rendered")

	return image, nil
}

// browser returns the shared browser context, starting Chrome if needed
func (r *ChromeRenderer) browser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browserCtx != nil && r.browserCtx.Err() == nil {
		return r.browserCtx, nil
	}
	r.shutdownLocked()

	startTime := time.Now()

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", r.config.Headless),
		chromedp.Flag("no-sandbox", r.config.NoSandbox),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.UserAgent("Moyuren-Renderer/1.0"),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// The first Run launches the browser and binds it to the context it gets,
	// so the startup timeout cancels browserCtx instead of wrapping it
	timer := time.AfterFunc(r.config.Timeout, browserCancel)
	err := chromedp.Run(browserCtx, chromedp.Navigate("about:blank"))
	timer.Stop()
	if err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	r.browserCtx = browserCtx
	r.browserCancel = browserCancel
	r.allocatorCancel = allocatorCancel

	r.logger.Info().
		Bool("headless", r.config.Headless).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser started")

	return browserCtx, nil
}

// checkBrowser drops the shared browser if it died, so the next render restarts it
func (r *ChromeRenderer) checkBrowser() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browserCtx != nil && r.browserCtx.Err() != nil {
		r.logger.Warn().Msg("Browser exited, will restart on next render")
		r.shutdownLocked()
	}
}

// Close shuts the browser down
func (r *ChromeRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browserCtx != nil {
		r.logger.Info().Msg("Shutting down browser")
	}
	r.shutdownLocked()
	return nil
}

func (r *ChromeRenderer) shutdownLocked() {
	if r.browserCancel != nil {
		r.browserCancel()
	}
	if r.allocatorCancel != nil {
		r.allocatorCancel()
	}
	r.browserCtx = nil
	r.browserCancel = nil
	r.allocatorCancel = nil
}
