// Package metrics exposes the group manager's Prometheus collectors.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/limiquantix/groupmanager/internal/domain"
)

const namespace = "groupmanager"

// Label values.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultRejected  = "rejected"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	monitoringReports prometheus.Counter
	anomaliesDetected *prometheus.CounterVec
	resolutions       *prometheus.CounterVec
	plans             *prometheus.CounterVec
	migrations        *prometheus.CounterVec
	migrationDuration prometheus.Histogram
	nodes             *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with registry.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		monitoringReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitoring_reports_total",
			Help:      "Total number of monitoring reports received from nodes",
		}),
		anomaliesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Total number of node anomalies detected",
		}, []string{"state"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_resolutions_total",
			Help:      "Total number of anomaly resolution attempts",
		}, []string{"state", "result"}),
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_plans_total",
			Help:      "Total number of migration plans by outcome",
		}, []string{"result"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Total number of VM migrations by outcome",
		}, []string{"result"}),
		migrationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_duration_seconds",
			Help:      "Duration of VM migrations",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Number of nodes by status and state",
		}, []string{"status", "state"}),
	}

	collectors := map[string]prometheus.Collector{
		"monitoring_reports_total":   m.monitoringReports,
		"anomalies_detected_total":   m.anomaliesDetected,
		"anomaly_resolutions_total":  m.resolutions,
		"migration_plans_total":      m.plans,
		"migrations_total":           m.migrations,
		"migration_duration_seconds": m.migrationDuration,
		"nodes":                      m.nodes,
	}
	for name, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}

	return m, nil
}

// MonitoringReportReceived counts an ingested report.
func (m *Metrics) MonitoringReportReceived() {
	if m == nil {
		return
	}
	m.monitoringReports.Inc()
}

// AnomalyDetected counts a non-stable classification.
func (m *Metrics) AnomalyDetected(state domain.NodeState) {
	if m == nil {
		return
	}
	m.anomaliesDetected.WithLabelValues(string(state)).Inc()
}

// ResolutionAttempted counts a resolution outcome for state.
func (m *Metrics) ResolutionAttempted(state domain.NodeState, err error) {
	if m == nil {
		return
	}
	result := ResultSucceeded
	if err != nil {
		result = ResultFailed
	}
	m.resolutions.WithLabelValues(string(state), result).Inc()
}

// PlanEnforced counts a plan accepted by the enforcer.
func (m *Metrics) PlanEnforced() {
	if m == nil {
		return
	}
	m.plans.WithLabelValues(ResultSucceeded).Inc()
}

// PlanRejected counts a plan rejected before dispatch.
func (m *Metrics) PlanRejected() {
	if m == nil {
		return
	}
	m.plans.WithLabelValues(ResultRejected).Inc()
}

// MigrationFinished records the outcome and duration of one migration.
func (m *Metrics) MigrationFinished(succeeded bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := ResultSucceeded
	if !succeeded {
		result = ResultFailed
	}
	m.migrations.WithLabelValues(result).Inc()
	m.migrationDuration.Observe(duration.Seconds())
}

// SetNodeCounts replaces the node gauge with the given nodes.
func (m *Metrics) SetNodeCounts(nodes []*domain.Node) {
	if m == nil {
		return
	}
	m.nodes.Reset()
	for _, n := range nodes {
		m.nodes.WithLabelValues(string(n.Status), string(n.State)).Inc()
	}
}
