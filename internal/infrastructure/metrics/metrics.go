package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. One instance per
// process, registered on its own registry so tests can build throwaways.
type Metrics struct {
	registry *prometheus.Registry

	AdmissionsTotal   *prometheus.CounterVec
	ConflictSkips     prometheus.Counter
	FillsTotal        *prometheus.CounterVec
	SlippageBreaches  prometheus.Counter
	KillSwitchEngaged prometheus.Gauge
	OpenPositions     prometheus.Gauge
	RealizedPnL       prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		AdmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_admissions_total",
			Help: "Signal admission outcomes by result (admitted or the rejecting limit).",
		}, []string{"result"}),
		ConflictSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_conflict_skips_total",
			Help: "Signals skipped because a higher-priority strategy claimed the symbol.",
		}),
		FillsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_fills_total",
			Help: "Confirmed fills by kind (entry or exit).",
		}, []string{"kind"}),
		SlippageBreaches: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_slippage_breaches_total",
			Help: "Fills whose realized slippage exceeded the actual cap.",
		}),
		KillSwitchEngaged: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_kill_switch_engaged",
			Help: "1 while the kill-switch blocks new entries.",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Symbols with a non-flat position.",
		}),
		RealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_daily_realized_pnl",
			Help: "Realized PnL of the current daily session.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
