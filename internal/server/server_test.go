package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStatus struct{}

func (stubStatus) StatusData() map[string]interface{} {
	return map[string]interface{}{"uptime_seconds": int64(42), "database_ok": true}
}

type stubRegime struct {
	data map[string]interface{}
	err  error
}

func (s *stubRegime) RegimeData() (map[string]interface{}, error) { return s.data, s.err }

type stubAlerts struct {
	symbol string
	hours  int
	limit  int
}

func (s *stubAlerts) RecentAlerts(symbol string, hours, limit int) (interface{}, error) {
	s.symbol, s.hours, s.limit = symbol, hours, limit
	return []string{"a1", "a2"}, nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	cfg.Log = zerolog.Nop()
	return New(cfg)
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Config{})

	rec, body := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, Config{Status: stubStatus{}})

	rec, body := get(t, s, "/api/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(42), body["uptime_seconds"])
	assert.Equal(t, true, body["database_ok"])
}

func TestRegimeEndpoint(t *testing.T) {
	src := &stubRegime{data: map[string]interface{}{"regime": "bullish", "score": 0.8}}
	s := newTestServer(t, Config{Regime: src})

	rec, body := get(t, s, "/api/regime")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bullish", body["regime"])
}

func TestRegimeEndpoint_NoSnapshot(t *testing.T) {
	s := newTestServer(t, Config{Regime: &stubRegime{}})

	rec, body := get(t, s, "/api/regime")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "no regime snapshot")
}

func TestRegimeEndpoint_SourceError(t *testing.T) {
	s := newTestServer(t, Config{Regime: &stubRegime{err: errors.New("db locked")}})

	rec, body := get(t, s, "/api/regime")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "db locked")
}

func TestRecentAlertsEndpoint(t *testing.T) {
	src := &stubAlerts{}
	s := newTestServer(t, Config{Alerts: src})

	rec, body := get(t, s, "/api/alerts/recent?symbol=NVDA&hours=12&limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["alerts"], 2)
	assert.Equal(t, "NVDA", src.symbol)
	assert.Equal(t, 12, src.hours)
	assert.Equal(t, 5, src.limit)
}

func TestUnwiredSourcesReturn503(t *testing.T) {
	s := newTestServer(t, Config{})

	for _, path := range []string{"/api/status", "/api/regime", "/api/alerts/recent"} {
		rec, _ := get(t, s, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestSystemEndpoint(t *testing.T) {
	s := newTestServer(t, Config{})

	rec, body := get(t, s, "/api/system")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, body["goroutines"], float64(0))
	assert.NotEmpty(t, body["timestamp"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vigil_test_total", Help: "test counter",
	})
	reg.MustRegister(counter)
	counter.Inc()

	s := newTestServer(t, Config{Registry: reg})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vigil_test_total 1")
}

func TestMetricsAbsentWithoutRegistry(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
