// Package telemetry exposes engine health over Prometheus metrics and a
// small ops HTTP surface.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine updates. All collectors are
// registered on a private registry so tests never fight over the global
// default.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal    prometheus.Counter
	GuardTrips     *prometheus.CounterVec
	RiskHalts      prometheus.Counter
	RegimeState    prometheus.Gauge
	StressRatio    prometheus.Gauge
	PositionScale  prometheus.Gauge
	PortfolioValue prometheus.Gauge
	RankedCount    prometheus.Gauge
	OrdersTotal    *prometheus.CounterVec
}

// NewMetrics builds and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rotarun", Name: "cycles_total",
		Help: "Decision cycles completed.",
	})
	m.GuardTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rotarun", Name: "guard_trips_total",
		Help: "Position guard liquidations by reason.",
	}, []string{"reason"})
	m.RiskHalts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rotarun", Name: "risk_halts_total",
		Help: "Daily-loss circuit breaker trips.",
	})
	m.RegimeState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotarun", Name: "regime_state",
		Help: "Current market regime (0=SAFE 1=CAUTION 2=DANGER).",
	})
	m.StressRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotarun", Name: "stress_ratio",
		Help: "Smoothed fraction of the universe in crash z-territory.",
	})
	m.PositionScale = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotarun", Name: "position_scale",
		Help: "Final position scale applied to target weights.",
	})
	m.PortfolioValue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotarun", Name: "portfolio_value",
		Help: "Total portfolio valuation across tranches.",
	})
	m.RankedCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotarun", Name: "ranked_candidates",
		Help: "Candidates surviving scoring in the last cycle.",
	})
	m.OrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rotarun", Name: "orders_total",
		Help: "Orders emitted by side.",
	}, []string{"side"})

	m.registry.MustRegister(
		m.CyclesTotal, m.GuardTrips, m.RiskHalts,
		m.RegimeState, m.StressRatio, m.PositionScale, m.PortfolioValue,
		m.RankedCount, m.OrdersTotal,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler and for
// test gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
