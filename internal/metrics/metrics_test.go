package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
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

func TestClassifyStatus(t *testing.T) {
	testCases := map[int]string{
		0:   "error",
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		503: "5xx",
		700: "other",
	}
	for code, want := range testCases {
		if got := ClassifyStatus(code); got != want {
			t.Errorf("ClassifyStatus(%d) = %q; want %q", code, got, want)
		}
	}
}

func TestObserveFetchCountsBySiteAndClass(t *testing.T) {
	Init()
	Init()

	counter := fetchesTotal.WithLabelValues("metrics-test.example", "4xx")
	before := testutil.ToFloat64(counter)

	ObserveFetch("https://metrics-test.example/missing", 404, 10*time.Millisecond)
	ObserveFetch("https://METRICS-TEST.example/also-missing", 410, 5*time.Millisecond)

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("expected 2 new 4xx fetches, got %f", got)
	}
}

func TestInFlightGaugeBalances(t *testing.T) {
	before := testutil.ToFloat64(inFlightGauge())
	IncInFlight()
	IncInFlight()
	DecInFlight()
	if got := testutil.ToFloat64(inFlightGauge()) - before; got != 1 {
		t.Errorf("expected gauge delta 1, got %f", got)
	}
	DecInFlight()
}

func TestPendingGaugeBalances(t *testing.T) {
	Init()
	before := testutil.ToFloat64(pendingHandles)
	IncPending()
	IncPending()
	DecPending()
	if got := testutil.ToFloat64(pendingHandles) - before; got != 1 {
		t.Errorf("expected pending delta 1, got %f", got)
	}
	DecPending()
}

func TestObserveSitemapAndLocations(t *testing.T) {
	Init()
	ok := sitemapsTotal.WithLabelValues("succeeded")
	beforeOK := testutil.ToFloat64(ok)
	beforeLocs := testutil.ToFloat64(sitemapLocationsTotal)

	ObserveSitemap("succeeded")
	ObserveLocation()
	ObserveLocation()
	ObserveSlotWait(time.Millisecond)

	if got := testutil.ToFloat64(ok) - beforeOK; got != 1 {
		t.Errorf("expected 1 succeeded sitemap, got %f", got)
	}
	if got := testutil.ToFloat64(sitemapLocationsTotal) - beforeLocs; got != 2 {
		t.Errorf("expected 2 locations, got %f", got)
	}
}

func inFlightGauge() prometheus.Gauge {
	Init()
	return inFlightFetches
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
