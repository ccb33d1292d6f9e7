package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusProviderRegistersAndExposes(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})

	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "smartnews", Subsystem: "bus", Name: "published_total", Help: "h", Labels: []string{"queue"}}})
	c.Inc(3, "articles")

	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "smartnews", Name: "health_status", Help: "h"}})
	g.Set(1)

	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "smartnews", Subsystem: "predictor", Name: "latency_seconds", Help: "h", Labels: []string{"prediction_type", "predictor_version"}}})
	h.Observe(0.25, "sentiment_analysis", "1")

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "smartnews_bus_published_total")
	assert.Contains(t, body, "smartnews_health_status")
	assert.Contains(t, body, "smartnews_predictor_latency_seconds")

	require.NoError(t, p.Health(context.Background()))
}

func TestPrometheusProviderReusesRegisteredCollectors(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	opts := CounterOpts{CommonOpts: CommonOpts{Namespace: "smartnews", Name: "dup_total", Help: "h"}}

	p.NewCounter(opts).Inc(1)
	p.NewCounter(opts).Inc(1)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, p.Health(context.Background()))
	assert.True(t, strings.Contains(rec.Body.String(), "smartnews_dup_total 2"))
}

func TestPrometheusProviderRecordsInvalidNames(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "bad name!"}})
	c.Inc(1) // noop, must not panic
	assert.Error(t, p.Health(context.Background()))
}

func TestNoopProviderIsInert(t *testing.T) {
	p := NewNoopProvider()
	p.NewCounter(CounterOpts{}).Inc(1)
	p.NewGauge(GaugeOpts{}).Set(1)
	p.NewHistogram(HistogramOpts{}).Observe(1)
	assert.NoError(t, p.Health(context.Background()))
}

func TestOTelProviderInstruments(t *testing.T) {
	p := NewOTelProvider(OTelProviderOptions{ServiceName: "smartnews-test"})
	p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "smartnews", Name: "events_total", Labels: []string{"queue"}}}).Inc(1, "articles")
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "smartnews", Name: "gauge"}})
	g.Set(5)
	g.Set(2)
	p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "smartnews", Name: "hist"}}).Observe(0.1)
	assert.NoError(t, p.Health(context.Background()))
}
