package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus instruments the coordinator updates.
type Metrics struct {
	DecisionsTotal  *prometheus.CounterVec
	ActionFailures  prometheus.Counter
	SOCPercent      prometheus.Gauge
	PricePLNKWh     prometheus.Gauge
	EfficiencyScore prometheus.Gauge
}

// NewMetrics creates and registers the instruments. A nil registerer skips
// registration, which tests use to avoid duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "energomat_decisions_total",
			Help: "Decisions taken, by kind.",
		}, []string{"kind"}),
		ActionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "energomat_action_failures_total",
			Help: "Inverter commands that failed after retries.",
		}),
		SOCPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "energomat_battery_soc_percent",
			Help: "Battery state of charge.",
		}),
		PricePLNKWh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "energomat_effective_price_pln_kwh",
			Help: "Effective energy price for the current slot.",
		}),
		EfficiencyScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "energomat_efficiency_score",
			Help: "Daily decision efficiency score in [0,1].",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.DecisionsTotal, m.ActionFailures, m.SOCPercent, m.PricePLNKWh, m.EfficiencyScore)
	}
	return m
}
