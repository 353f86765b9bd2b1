package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the remittance pipeline.
// All methods are safe on a nil receiver so services can run without metrics.
type Metrics struct {
	Transitions     *prometheus.CounterVec
	Conflicts       *prometheus.CounterVec
	Findings        *prometheus.CounterVec
	Validations     prometheus.Counter
	GatewayOutcomes *prometheus.CounterVec
	GatewayDuration prometheus.Histogram
	BulkItems       *prometheus.CounterVec
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers metrics with reg. Tests pass a fresh registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscalbridge_remittance_transitions_total",
			Help: "Remittance state transitions by source and target status",
		}, []string{"from", "to"}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscalbridge_remittance_conflicts_total",
			Help: "Operations that lost a per-remittance race",
		}, []string{"operation"}),
		Findings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscalbridge_validation_findings_total",
			Help: "Validation findings produced by level",
		}, []string{"level"}),
		Validations: f.NewCounter(prometheus.CounterOpts{
			Name: "fiscalbridge_validations_total",
			Help: "Raw record validation runs",
		}),
		GatewayOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscalbridge_gateway_transmissions_total",
			Help: "Gateway transmissions by outcome",
		}, []string{"outcome"}),
		GatewayDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fiscalbridge_gateway_transmission_duration_seconds",
			Help:    "Gateway transmission latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		BulkItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscalbridge_bulk_items_total",
			Help: "Bulk operation items by operation and outcome",
		}, []string{"operation", "outcome"}),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncConflict(operation string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(operation).Inc()
}

// ObserveValidation records one validation run and its findings per level.
func (m *Metrics) ObserveValidation(blocking, warnings int) {
	if m == nil {
		return
	}
	m.Validations.Inc()
	m.Findings.WithLabelValues("IMPEDITIVA").Add(float64(blocking))
	m.Findings.WithLabelValues("ALERTA").Add(float64(warnings))
}

func (m *Metrics) ObserveTransmission(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayOutcomes.WithLabelValues(outcome).Inc()
	m.GatewayDuration.Observe(d.Seconds())
}

func (m *Metrics) IncBulkItem(operation string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.BulkItems.WithLabelValues(operation, outcome).Inc()
}
