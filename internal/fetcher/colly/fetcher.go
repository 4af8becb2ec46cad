// Package collyfetcher implements the raw-retrieval fetch worker using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/proxy"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 10 << 20
	defaultMaxRedirects = 10
)

// DefaultHeaders are sent with every request alongside the user agent so the
// request looks like a desktop browser navigation.
var DefaultHeaders = http.Header{
	"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"},
	"Accept-Language":           {"en-US,en;q=0.5"},
	"Dnt":                       {"1"},
	"Upgrade-Insecure-Requests": {"1"},
}

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	MaxRedirects int
	Headers      http.Header
}

// Fetcher implements proxy.Fetcher with a single GET per call. Bodies are
// relayed verbatim; nothing is parsed.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Transport, timeout and redirect policy live on the
// base collector's shared client and are set once here.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.Headers == nil {
		cfg.Headers = DefaultHeaders
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	// Read one byte past the bound so oversized bodies are detected instead of
	// silently truncated.
	c.MaxBodySize = cfg.MaxBodyBytes + 1
	// Every status reaches OnResponse; 2xx classification happens there.
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	maxRedirects := cfg.MaxRedirects
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	})

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request proxy.FetchRequest) (proxy.FetchResult, error) {
	var (
		result   proxy.FetchResult
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return proxy.FetchResult{}, err
	}
	f.logger.Debug("raw fetch finished",
		zap.String("url", request.URL),
		zap.String("final_url", result.FinalURL),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (f *Fetcher) buildCollector(
	request proxy.FetchRequest,
	result *proxy.FetchResult,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, request, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request proxy.FetchRequest,
	result *proxy.FetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		finalURL := request.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		switch {
		case r.StatusCode < 200 || r.StatusCode > 299:
			*fetchErr = proxy.NewNavigationError(
				fmt.Sprintf("%d %s for url: %s", r.StatusCode, http.StatusText(r.StatusCode), finalURL),
				nil,
			)
		case len(r.Body) > f.cfg.MaxBodyBytes:
			*fetchErr = proxy.NewNavigationError(
				fmt.Sprintf("response body exceeds %d bytes", f.cfg.MaxBodyBytes),
				nil,
			)
		default:
			*result = proxy.Fetched(string(r.Body), finalURL)
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return proxy.NewNavigationError("fetch canceled", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			if proxy.KindOf(*fetchErr) == proxy.KindNavigation {
				return *fetchErr
			}
			return proxy.NewNavigationError("fetch failed", *fetchErr)
		}
		if err != nil {
			return proxy.NewNavigationError("fetch failed", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	if r.Headers == nil {
		return
	}
	for key, values := range f.cfg.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
