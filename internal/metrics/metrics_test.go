package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"trading-simv1/internal/model"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestNew_IndependentRegistries(t *testing.T) {
	// Each instance owns its registry, so building two must not panic.
	a, b := New(), New()
	a.TicksTotal.Inc()
	if !strings.Contains(scrape(t, b), "chartd_ticks_total 0") {
		t.Error("registries leaked")
	}
}

func TestObserveStreamState(t *testing.T) {
	m := New()
	m.ObserveStreamState("BTCUSDT", model.StreamReconnecting)
	m.ObserveStreamState("BTCUSDT", model.StreamOpen)
	m.ObserveStreamState("BTCUSDT", model.StreamReconnecting)

	out := scrape(t, m)
	if !strings.Contains(out, `chartd_stream_reconnects_total{symbol="BTCUSDT"} 2`) {
		t.Error("expected 2 reconnects")
	}
	if !strings.Contains(out, `chartd_stream_state{symbol="BTCUSDT"} 3`) {
		t.Error("expected state gauge at reconnecting")
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New()
	m.CacheHits.Inc()
	if !strings.Contains(scrape(t, m), "chartd_candle_cache_hits_total 1") {
		t.Errorf("cache hit counter missing from output")
	}
}

func TestHealthStatus_Readiness(t *testing.T) {
	h := NewHealthStatus(true)

	rec := httptest.NewRecorder()
	h.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before checks, got %d", rec.Code)
	}

	h.SetSQLiteOK(true)
	if h.Ready() {
		t.Error("redis is required and not connected")
	}
	h.SetRedisConnected(true)

	rec = httptest.NewRecorder()
	h.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when ready, got %d", rec.Code)
	}
}

func TestHealthStatus_LivenessAlways200(t *testing.T) {
	h := NewHealthStatus(false)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "degraded" {
		t.Errorf("sqlite not checked yet: expected degraded, got %v", body["status"])
	}
}
