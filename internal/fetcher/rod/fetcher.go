// Package rodfetcher renders pages with go-rod. Like the chromedp engine it
// launches a dedicated browser per request.
package rodfetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/fetcher/headless"
	"github.com/JakeFAU/render-proxy/internal/proxy"
)

var errLaunchTimeout = errors.New("browser did not start in time")

// Config mirrors headless.Config plus the stealth toggle.
type Config struct {
	headless.Config
	Stealth bool
}

// Fetcher implements proxy.Fetcher with go-rod.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns a Fetcher.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	// Reuse the chromedp engine's validation and defaults.
	base, err := headless.NewChromedp(cfg.Config, logger)
	if err != nil {
		return nil, err
	}
	cfg.Config = base.Config()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, logger: logger}, nil
}

// Fetch launches a browser, navigates, waits for network idle and the settle
// delay, then returns the serialized DOM.
func (f *Fetcher) Fetch(ctx context.Context, request proxy.FetchRequest) (proxy.FetchResult, error) {
	start := time.Now()
	l := f.launcher()
	defer l.Cleanup()
	defer l.Kill()

	controlURL, err := f.launch(l)
	if err != nil {
		return proxy.FetchResult{}, proxy.NewRenderError("launch browser", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return proxy.FetchResult{}, proxy.NewRenderError("connect to browser", err)
	}
	defer func() {
		if closeErr := browser.Close(); closeErr != nil {
			f.logger.Debug("browser close failed", zap.Error(closeErr))
		}
	}()

	page, err := f.newPage(browser)
	if err != nil {
		return proxy.FetchResult{}, proxy.NewRenderError("open page", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             f.cfg.ViewportWidth,
		Height:            f.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		return proxy.FetchResult{}, proxy.NewRenderError("set viewport", err)
	}
	if f.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: f.cfg.UserAgent}); err != nil {
			return proxy.FetchResult{}, proxy.NewRenderError("set user agent", err)
		}
	}

	if err := f.navigate(page, request.URL); err != nil {
		return proxy.FetchResult{}, err
	}

	if f.cfg.SettleDelay > 0 {
		timer := time.NewTimer(f.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return proxy.FetchResult{}, proxy.NewRenderError("settle", ctx.Err())
		case <-timer.C:
		}
	}

	html, err := page.HTML()
	if err != nil {
		return proxy.FetchResult{}, proxy.NewRenderError("capture document", err)
	}
	if len(html) > f.cfg.MaxBodyBytes {
		return proxy.FetchResult{}, proxy.NewRenderError(
			fmt.Sprintf("rendered document exceeds %d bytes", f.cfg.MaxBodyBytes), nil)
	}
	finalURL := request.URL
	if info, infoErr := page.Info(); infoErr == nil && info.URL != "" {
		finalURL = info.URL
	}

	f.logger.Debug("render finished",
		zap.String("url", request.URL),
		zap.String("final_url", finalURL),
		zap.Bool("stealth", f.cfg.Stealth),
		zap.Int("bytes", len(html)),
		zap.Duration("duration", time.Since(start)),
	)
	return proxy.Rendered(html, finalURL), nil
}

func (f *Fetcher) launcher() *launcher.Launcher {
	l := launcher.New().
		Headless(true).
		NoSandbox(true)
	if f.cfg.BrowserPath != "" {
		l = l.Bin(f.cfg.BrowserPath)
	}
	for _, name := range headless.LaunchFlags {
		l.Set(flags.Flag(name))
	}
	if f.cfg.Stealth {
		l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
		l.Delete(flags.Flag("enable-automation"))
	}
	return l
}

func (f *Fetcher) launch(l *launcher.Launcher) (string, error) {
	type launched struct {
		url string
		err error
	}
	done := make(chan launched, 1)
	go func() {
		u, err := l.Launch()
		done <- launched{url: u, err: err}
	}()

	timer := time.NewTimer(f.cfg.LaunchTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.url, res.err
	case <-timer.C:
		return "", errLaunchTimeout
	}
}

func (f *Fetcher) newPage(browser *rod.Browser) (*rod.Page, error) {
	if f.cfg.Stealth {
		return stealth.Page(browser)
	}
	return browser.Page(proto.TargetCreateTarget{})
}

func (f *Fetcher) navigate(page *rod.Page, url string) error {
	timed := page.Timeout(f.cfg.NavigationTimeout)
	defer timed.CancelTimeout()

	wait := timed.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	if err := timed.Navigate(url); err != nil {
		return classifyNavigation(err, f.cfg.NavigationTimeout)
	}
	wait()
	if err := timed.GetContext().Err(); err != nil {
		return classifyNavigation(err, f.cfg.NavigationTimeout)
	}
	return nil
}

func classifyNavigation(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return proxy.NewNavigationError(
			fmt.Sprintf("timeout of %s exceeded waiting for network idle", timeout), err)
	}
	return proxy.NewNavigationError("navigate", err)
}
