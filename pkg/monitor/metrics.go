package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's instrumentation.
type Metrics struct {
	reg prometheus.Registerer

	scansTotal       *prometheus.CounterVec
	tamperEvents     *prometheus.CounterVec
	protectedRegions prometheus.Gauge
	degradedRegions  prometheus.Gauge
	baselineRebases  prometheus.Counter
}

// NewMetrics creates the engine metric set. If reg is non-nil, the
// metrics are registered on it.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var m Metrics
	m.reg = reg

	m.scansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Subsystem: "monitor",
		Name:      "scans_total",
		Help:      "Total number of region scans by outcome.",
	}, []string{"outcome"})
	m.tamperEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Subsystem: "monitor",
		Name:      "tamper_events_total",
		Help:      "Total number of tamper notifications sent per region.",
	}, []string{"region"})
	m.protectedRegions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bulwark",
		Subsystem: "monitor",
		Name:      "protected_regions",
		Help:      "Number of currently protected regions.",
	})
	m.degradedRegions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bulwark",
		Subsystem: "monitor",
		Name:      "degraded_regions",
		Help:      "Number of protected regions running on a degraded fallback store.",
	})
	m.baselineRebases = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bulwark",
		Subsystem: "monitor",
		Name:      "baseline_rebases_total",
		Help:      "Total number of baseline updates accepted for dynamic regions.",
	})

	if reg != nil {
		reg.MustRegister(
			m.scansTotal,
			m.tamperEvents,
			m.protectedRegions,
			m.degradedRegions,
			m.baselineRebases,
		)
	}

	return &m
}
