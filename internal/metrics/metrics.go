// Package metrics holds the counters of one analyzer run. They are written to a Prometheus
// textfile at the end of the run, suitable for the node exporter's textfile collector.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is registered on its own registry so that tests and repeated runs in one process do
// not collide on the default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	// Flows counts simulated flows by decision. A block decided by a precheck adds the number
	// of flows it stands for.
	Flows *prometheus.CounterVec
	// Tasks counts evaluated tasks by how they were decided: "evaluated" or a precheck status.
	Tasks           *prometheus.CounterVec
	EvalErrors      prometheus.Counter
	Explanations    prometheus.Counter
	CanonicalGroups prometheus.Gauge
	CanonicalAcls   prometheus.Gauge
	AclLines        *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Flows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "acl_analyzer_flows_total",
			Help: "Total number of simulated flows, by decision.",
		}, []string{"decision"}),
		Tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "acl_analyzer_tasks_total",
			Help: "Total number of simulation tasks, by how they were decided.",
		}, []string{"method"}),
		EvalErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "acl_analyzer_eval_errors_total",
			Help: "Total number of flows whose evaluation failed.",
		}),
		Explanations: factory.NewCounter(prometheus.CounterOpts{
			Name: "acl_analyzer_explanations_total",
			Help: "Total number of conjunctions emitted by explain.",
		}),
		CanonicalGroups: factory.NewGauge(prometheus.GaugeOpts{
			Name: "acl_analyzer_canonical_groups",
			Help: "Number of distinct ACL contents found by the last canonicalization.",
		}),
		CanonicalAcls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "acl_analyzer_canonical_acls",
			Help: "Number of (device, ACL) pairs read by the last canonicalization.",
		}),
		AclLines: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "acl_analyzer_acl_lines",
			Help: "Number of lines of each analyzed ACL.",
		}, []string{"acl"}),
	}
}

// ObserveResult records one result standing for count flows.
func (m *Metrics) ObserveResult(decision, method string, count uint64) {
	m.Flows.WithLabelValues(decision).Add(float64(count))
	m.Tasks.WithLabelValues(method).Inc()
}

// WriteToTextfile writes all metrics to path. An empty path is a no-op.
func (m *Metrics) WriteToTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
