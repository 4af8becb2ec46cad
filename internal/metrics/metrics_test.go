package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if fetchesTotal == nil || fetchBytesTotal == nil || fetchDurationSeconds == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil ||
		poolInFlight == nil || poolQueueWaitSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetch(t *testing.T) {
	ObserveFetch("raw", "fetched", "https://metrics-test.example/a", 128, 250*time.Millisecond)
	ObserveFetch("raw", "error", "https://metrics-test.example/b", 0, time.Second)

	if val := testutil.ToFloat64(fetchesTotal.WithLabelValues("raw", "fetched")); val != 1 {
		t.Errorf("expected 1 fetched, got %f", val)
	}
	if val := testutil.ToFloat64(fetchesTotal.WithLabelValues("raw", "error")); val != 1 {
		t.Errorf("expected 1 error, got %f", val)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("metrics-test.example")); val != 128 {
		t.Errorf("expected 128 bytes, got %f", val)
	}
}

func TestInFlightGauge(t *testing.T) {
	IncInFlight()
	IncInFlight()
	DecInFlight()
	if val := testutil.ToFloat64(poolInFlight); val != 1 {
		t.Errorf("expected in-flight gauge 1, got %f", val)
	}
	DecInFlight()

	ObserveQueueWait(10 * time.Millisecond)
	if val := testutil.CollectAndCount(poolQueueWaitSeconds); val != 1 {
		t.Errorf("expected queue wait histogram to be collected, got %d", val)
	}
}

func TestDisabledSkipsObservation(t *testing.T) {
	Init()
	before := testutil.ToFloat64(fetchesTotal.WithLabelValues("raw", "skipped"))

	SetEnabled(false)
	defer SetEnabled(true)

	ObserveFetch("raw", "skipped", "https://metrics-test.example/c", 64, time.Second)
	IncInFlight()

	if val := testutil.ToFloat64(fetchesTotal.WithLabelValues("raw", "skipped")); val != before {
		t.Errorf("expected disabled fetch counter to stay at %f, got %f", before, val)
	}
	if val := testutil.ToFloat64(poolInFlight); val != 0 {
		t.Errorf("expected disabled in-flight gauge 0, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
