// Package headless renders pages in headless Chrome via chromedp. Every call
// launches its own browser so no cookies, cache or storage survive between
// requests.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/proxy"
)

const (
	defaultLaunchTimeout     = 20 * time.Second
	defaultNavigationTimeout = 30 * time.Second
	defaultSettleDelay       = 2 * time.Second
	defaultViewportWidth     = 1920
	defaultViewportHeight    = 1080
	defaultMaxBodyBytes      = 10 << 20
)

// LaunchFlags are passed to every browser process. They keep Chrome usable in
// containers without a sandbox, shared memory or a GPU.
var LaunchFlags = []string{
	"no-sandbox",
	"disable-setuid-sandbox",
	"disable-dev-shm-usage",
	"disable-accelerated-2d-canvas",
	"no-first-run",
	"no-zygote",
	"disable-gpu",
}

var errLaunchTimeout = errors.New("browser did not start in time")

// Config controls the behavior of the headless fetcher.
type Config struct {
	UserAgent         string
	BrowserPath       string
	LaunchTimeout     time.Duration
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	ViewportWidth     int
	ViewportHeight    int
	MaxBodyBytes      int
}

// Fetcher implements proxy.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.ViewportWidth < 0 || cfg.ViewportHeight < 0 {
		return nil, fmt.Errorf("viewport must be >= 0, got %dx%d", cfg.ViewportWidth, cfg.ViewportHeight)
	}
	if cfg.SettleDelay < 0 {
		return nil, fmt.Errorf("settle delay must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: withDefaults(cfg), logger: logger}, nil
}

// Config returns the effective configuration after defaults were applied.
func (f *Fetcher) Config() Config {
	return f.cfg
}

func withDefaults(cfg Config) Config {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = defaultLaunchTimeout
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ViewportWidth == 0 {
		cfg.ViewportWidth = defaultViewportWidth
	}
	if cfg.ViewportHeight == 0 {
		cfg.ViewportHeight = defaultViewportHeight
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return cfg
}

// Fetch launches a browser, waits for the network to go idle plus the settle
// delay, and returns the serialized DOM. The browser is torn down on every
// path out of this method.
func (f *Fetcher) Fetch(ctx context.Context, request proxy.FetchRequest) (proxy.FetchResult, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, f.allocatorOptions()...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	start := time.Now()
	if err := f.launch(browserCtx); err != nil {
		return proxy.FetchResult{}, proxy.NewRenderError("launch browser", err)
	}

	if err := f.navigate(browserCtx, request.URL); err != nil {
		return proxy.FetchResult{}, err
	}

	if err := sleepContext(browserCtx, f.cfg.SettleDelay); err != nil {
		return proxy.FetchResult{}, proxy.NewRenderError("settle", err)
	}

	var (
		html     string
		finalURL string
	)
	if err := chromedp.Run(browserCtx,
		chromedp.Location(&finalURL),
		extractHTML(&html),
	); err != nil {
		return proxy.FetchResult{}, proxy.NewRenderError("capture document", err)
	}
	if len(html) > f.cfg.MaxBodyBytes {
		return proxy.FetchResult{}, proxy.NewRenderError(
			fmt.Sprintf("rendered document exceeds %d bytes", f.cfg.MaxBodyBytes), nil)
	}
	if finalURL == "" {
		finalURL = request.URL
	}

	f.logger.Debug("render finished",
		zap.String("url", request.URL),
		zap.String("final_url", finalURL),
		zap.Int("bytes", len(html)),
		zap.Duration("duration", time.Since(start)),
	)
	return proxy.Rendered(html, finalURL), nil
}

func (f *Fetcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, flag := range LaunchFlags {
		opts = append(opts, chromedp.Flag(flag, true))
	}
	opts = append(opts,
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(f.cfg.ViewportWidth, f.cfg.ViewportHeight),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.BrowserPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.BrowserPath))
	}
	return opts
}

// launch starts the browser. The first Run on a chromedp context owns the
// browser lifetime, so the timeout is enforced outside of it.
func (f *Fetcher) launch(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(ctx)
	}()

	timer := time.NewTimer(f.cfg.LaunchTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errLaunchTimeout
	}
}

func (f *Fetcher) navigate(browserCtx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(browserCtx, f.cfg.NavigationTimeout)
	defer cancel()

	watcher := newLifecycleWatcher()
	chromedp.ListenTarget(navCtx, watcher.handle)

	err := chromedp.Run(navCtx,
		enableLifecycle(),
		emulation.SetDeviceMetricsOverride(int64(f.cfg.ViewportWidth), int64(f.cfg.ViewportHeight), 1, false),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if f.cfg.UserAgent == "" {
				return nil
			}
			return emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameID, loaderID, errorText, _, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errorText != "" {
				return errors.New(errorText)
			}
			return watcher.wait(ctx, string(frameID), string(loaderID))
		}),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return proxy.NewNavigationError(
				fmt.Sprintf("timeout of %s exceeded waiting for network idle", f.cfg.NavigationTimeout), err)
		}
		return proxy.NewNavigationError("navigate", err)
	}
	return nil
}

func enableLifecycle() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if err := page.Enable().Do(ctx); err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}

func extractHTML(out *string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		root, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return fmt.Errorf("get document: %w", err)
		}
		html, err := dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
		if err != nil {
			return fmt.Errorf("get outer html: %w", err)
		}
		*out = html
		return nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
