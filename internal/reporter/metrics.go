package reporter

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts reported activity in Prometheus.
type Metrics struct {
	reports *prometheus.CounterVec

	// Dropped counts events a Dispatcher discarded because its queue was full.
	Dropped prometheus.Counter
	// Failed counts events a sink rejected.
	Failed prometheus.Counter
}

// NewMetrics registers the reporter metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "abkit_reports_total",
			Help: "Experiment activity reported, by kind, experiment and variant.",
		}, []string{"kind", "experiment", "variant"}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "abkit_reports_dropped_total",
			Help: "Reports dropped because the dispatch queue was full.",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "abkit_reports_failed_total",
			Help: "Reports a collector failed to accept.",
		}),
	}
}

func (m *Metrics) Report(_ context.Context, ev Event) error {
	m.reports.WithLabelValues(string(ev.Kind), ev.ExperimentID, ev.VariantID).Inc()
	return nil
}
