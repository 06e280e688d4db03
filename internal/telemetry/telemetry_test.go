package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findFamily(t *testing.T, fams []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, f := range fams {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func TestMetrics_Gather(t *testing.T) {
	m := NewMetrics()
	m.CyclesTotal.Inc()
	m.CyclesTotal.Inc()
	m.GuardTrips.WithLabelValues("trailing_stop").Inc()
	m.RegimeState.Set(1)
	m.PositionScale.Set(0.7)

	fams, err := m.Registry().Gather()
	require.NoError(t, err)

	cycles := findFamily(t, fams, "rotarun_cycles_total")
	assert.Equal(t, 2.0, cycles.Metric[0].Counter.GetValue())

	trips := findFamily(t, fams, "rotarun_guard_trips_total")
	require.Len(t, trips.Metric, 1)
	assert.Equal(t, "trailing_stop", trips.Metric[0].Label[0].GetValue())

	scale := findFamily(t, fams, "rotarun_position_scale")
	assert.Equal(t, 0.7, scale.Metric[0].Gauge.GetValue())
}

func TestServer_Routes(t *testing.T) {
	m := NewMetrics()
	m.CyclesTotal.Inc()
	srv := NewServer(":0", m, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rotarun_cycles_total 1")
}
