package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/limiquantix/groupmanager/internal/domain"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m
}

func TestMetrics_Counters(t *testing.T) {
	m := newTestMetrics(t)

	m.MonitoringReportReceived()
	m.MonitoringReportReceived()
	m.AnomalyDetected(domain.NodeStateOverloaded)
	m.ResolutionAttempted(domain.NodeStateOverloaded, nil)
	m.ResolutionAttempted(domain.NodeStateOverloaded, errors.New("boom"))
	m.PlanEnforced()
	m.PlanRejected()
	m.MigrationFinished(true, time.Second)
	m.MigrationFinished(false, 2*time.Second)
	m.MigrationFinished(false, time.Second)

	if got := testutil.ToFloat64(m.monitoringReports); got != 2 {
		t.Errorf("monitoring reports = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.anomaliesDetected.WithLabelValues("OVERLOADED")); got != 1 {
		t.Errorf("anomalies = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.resolutions.WithLabelValues("OVERLOADED", ResultFailed)); got != 1 {
		t.Errorf("failed resolutions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.plans.WithLabelValues(ResultRejected)); got != 1 {
		t.Errorf("rejected plans = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.migrations.WithLabelValues(ResultFailed)); got != 2 {
		t.Errorf("failed migrations = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.migrationDuration); got != 1 {
		t.Errorf("duration histogram series = %d, want 1", got)
	}
}

func TestMetrics_SetNodeCounts(t *testing.T) {
	m := newTestMetrics(t)

	m.SetNodeCounts([]*domain.Node{
		{ID: "a", Status: domain.NodeStatusActive, State: domain.NodeStateStable},
		{ID: "b", Status: domain.NodeStatusActive, State: domain.NodeStateStable},
		{ID: "c", Status: domain.NodeStatusPassive, State: domain.NodeStateStable},
	})
	if got := testutil.ToFloat64(m.nodes.WithLabelValues("ACTIVE", "STABLE")); got != 2 {
		t.Errorf("active stable nodes = %v, want 2", got)
	}

	m.SetNodeCounts(nil)
	if got := testutil.CollectAndCount(m.nodes); got != 0 {
		t.Errorf("nodes series after reset = %d, want 0", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.MonitoringReportReceived()
	m.AnomalyDetected(domain.NodeStateOverheated)
	m.ResolutionAttempted(domain.NodeStateOverheated, nil)
	m.PlanEnforced()
	m.PlanRejected()
	m.MigrationFinished(true, time.Second)
	m.SetNodeCounts(nil)
}

func TestNewMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Error("expected an error registering the collectors twice")
	}
}
