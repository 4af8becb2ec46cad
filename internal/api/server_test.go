package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/config"
	"github.com/JakeFAU/render-proxy/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/render-proxy/internal/fetcher/colly"
	"github.com/JakeFAU/render-proxy/internal/proxy"
	"github.com/JakeFAU/render-proxy/internal/worker"
)

func TestServer_Index(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeDispatcher{}, proxy.ModeRender)
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, indexHTML, rec.Body.Bytes())
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 500_000_000)}
	server := NewServer(&fakeDispatcher{}, &fakeIDGen{}, clock, testConfig(proxy.ModeRaw), zap.NewNop())

	var first, second healthResponse
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Equal(t, "healthy", first.Status)
	require.InDelta(t, 1700000000.5, first.Timestamp, 1e-3)

	clock.advance(time.Second)
	rec = serve(server, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.GreaterOrEqual(t, second.Timestamp, first.Timestamp)
}

func TestServer_FetchMissingURL(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"empty object": `{}`,
		"blank url":    `{"url":"   "}`,
		"no body":      ``,
		"invalid json": `{invalid`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			d := &fakeDispatcher{}
			server := newTestServer(d, proxy.ModeRender)
			rec := serve(server, httptest.NewRequest(http.MethodPost, "/fetch", bytes.NewBufferString(body)))

			require.Equal(t, http.StatusOK, rec.Code)
			res := decodeResult(t, rec)
			require.False(t, res.Success)
			require.Equal(t, proxy.StatusError, res.Status)
			require.Equal(t, "URL is required", res.Error)
			require.Zero(t, d.callCount(), "no fetch should be attempted")
		})
	}
}

func TestServer_FetchNormalizesScheme(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{result: proxy.Rendered("<html></html>", "https://example.com/")}
	server := newTestServer(d, proxy.ModeRender)
	rec := serve(server, httptest.NewRequest(http.MethodPost, "/fetch", bytes.NewBufferString(`{"url":"  example.com "}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	res := decodeResult(t, rec)
	require.True(t, res.Success)
	require.Equal(t, proxy.StatusRendered, res.Status)
	require.Equal(t, "<html></html>", res.HTML)
	require.Equal(t, "https://example.com/", res.FinalURL)

	got := d.lastRequest()
	require.Equal(t, "https://example.com", got.URL)
	require.NotEmpty(t, got.RequestID)
	require.Equal(t, rec.Header().Get("X-Request-ID"), got.RequestID)
}

func TestServer_FetchFailureIsReportedInBody(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{result: proxy.Failed("net::ERR_NAME_NOT_RESOLVED")}
	server := newTestServer(d, proxy.ModeRender)
	rec := serve(server, httptest.NewRequest(http.MethodPost, "/fetch", bytes.NewBufferString(`{"url":"https://nope.invalid"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeResult(t, rec)
	require.False(t, res.Success)
	require.Equal(t, "net::ERR_NAME_NOT_RESOLVED", res.Error)
	require.Empty(t, res.HTML)
	require.Empty(t, res.FinalURL)
}

func TestServer_FetchDispatchError(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{err: proxy.NewUnexpectedError("worker pool saturated", nil)}
	server := newTestServer(d, proxy.ModeRender)
	rec := serve(server, httptest.NewRequest(http.MethodPost, "/fetch", bytes.NewBufferString(`{"url":"https://example.com"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeResult(t, rec)
	require.False(t, res.Success)
	require.Equal(t, proxy.StatusError, res.Status)
	require.Equal(t, "Failed to fetch URL: worker pool saturated", res.Error)
}

func TestServer_ProxyMissingURL(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	server := newTestServer(d, proxy.ModeRender)
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/proxy", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "URL parameter is required", rec.Body.String())
	require.Zero(t, d.callCount())
}

func TestServer_ProxySuccess(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{result: proxy.Rendered("<html><body>hi</body></html>", "https://example.com/")}
	server := newTestServer(d, proxy.ModeRender)
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/proxy?url=example.com", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "<html><body>hi</body></html>", rec.Body.String())
	require.Equal(t, "https://example.com", d.lastRequest().URL)
}

func TestServer_ProxyFetchFailure(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{result: proxy.Failed("timeout of 30s exceeded waiting for network idle")}
	server := newTestServer(d, proxy.ModeRender)
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/proxy?url=https://slow.example", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	require.Equal(t, "Error fetching URL: timeout of 30s exceeded waiting for network idle", rec.Body.String())
}

func TestServer_ProxyDispatchError(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{err: errors.New("worker pool stopped")}
	server := newTestServer(d, proxy.ModeRender)
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/proxy?url=https://example.com", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Server error: worker pool stopped", rec.Body.String())
}

func TestServer_ProxyNotRoutedInRawMode(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeDispatcher{}, proxy.ModeRaw)
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/proxy?url=https://example.com", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PanicRecovered(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeDispatcher{panicWith: "boom"}, proxy.ModeRender)
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/proxy?url=https://example.com", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal server error", rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeDispatcher{}, proxy.ModeRender)
	serve(server, httptest.NewRequest(http.MethodGet, "/health", nil))
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")

	cfg := testConfig(proxy.ModeRender)
	cfg.Metrics.Enabled = false
	disabled := NewServer(&fakeDispatcher{}, &fakeIDGen{}, &fakeClock{}, cfg, zap.NewNop())
	rec = serve(disabled, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CORS(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeDispatcher{}, proxy.ModeRender)
	req := httptest.NewRequest(http.MethodOptions, "/fetch", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := serve(server, req)

	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeDispatcher{}, &fakeIDGen{ids: []string{"req-1"}}, &fakeClock{}, testConfig(proxy.ModeRaw), zap.NewNop())
	rec := serve(server, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	// An exhausted generator falls back to a random UUID.
	rec = serve(server, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestServer_RawModeEndToEnd(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><div id="app"></div><script src="app.js" defer></script></body></html>`))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second}, zap.NewNop())
	w := worker.New(nil, fetcher, &fakeClock{}, worker.Config{Mode: proxy.ModeRaw}, zap.NewNop())
	server := NewServer(dispatcher.NewInline(w), &fakeIDGen{}, &fakeClock{}, testConfig(proxy.ModeRaw), zap.NewNop())

	body := `{"url":"` + upstream.URL + `/old"}`
	rec := serve(server, httptest.NewRequest(http.MethodPost, "/fetch", bytes.NewBufferString(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeResult(t, rec)
	require.True(t, res.Success)
	require.Equal(t, proxy.StatusFetched, res.Status)
	require.Equal(t, upstream.URL+"/new", res.FinalURL)
	require.Contains(t, res.HTML, `<div id="app"></div>`)
}

func TestServer_RawModeEmptyBody(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second}, zap.NewNop())
	w := worker.New(nil, fetcher, &fakeClock{}, worker.Config{Mode: proxy.ModeRaw}, zap.NewNop())
	server := NewServer(dispatcher.NewInline(w), &fakeIDGen{}, &fakeClock{}, testConfig(proxy.ModeRaw), zap.NewNop())

	body := `{"url":"` + upstream.URL + `/"}`
	rec := serve(server, httptest.NewRequest(http.MethodPost, "/fetch", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Equal(t, true, raw["success"])
	require.Contains(t, raw, "html")
	require.Equal(t, "", raw["html"])
	require.Equal(t, upstream.URL+"/", raw["final_url"])
	require.NotContains(t, raw, "error")
}

func serve(server *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) proxy.FetchResult {
	t.Helper()
	var res proxy.FetchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Valid(), "result violates payload invariant: %+v", res)
	return res
}

func testConfig(mode proxy.Mode) config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Host:        "127.0.0.1",
			Port:        5000,
			CORSOrigins: []string{"*"},
		},
		Fetch:   config.FetchConfig{Mode: string(mode)},
		Metrics: config.MetricsConfig{Enabled: true},
	}
}

func newTestServer(d proxy.Dispatcher, mode proxy.Mode) *Server {
	return NewServer(d, &fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)}, testConfig(mode), zap.NewNop())
}

type fakeDispatcher struct {
	mu        sync.Mutex
	result    proxy.FetchResult
	err       error
	panicWith any
	requests  []proxy.FetchRequest
}

func (d *fakeDispatcher) Submit(_ context.Context, req proxy.FetchRequest) (proxy.FetchResult, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	if d.panicWith != nil {
		panic(d.panicWith)
	}
	return d.result, d.err
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *fakeDispatcher) lastRequest() proxy.FetchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return proxy.FetchRequest{}
	}
	return d.requests[len(d.requests)-1]
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
