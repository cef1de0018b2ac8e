package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
)

func TestIsForeignKeyViolation(t *testing.T) {
	fk := &pgconn.PgError{Code: "23503"}
	if !isForeignKeyViolation(fmt.Errorf("exec: %w", fk)) {
		t.Error("wrapped 23503 should be a foreign key violation")
	}
	if isForeignKeyViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("23505 is a unique violation")
	}
	if isForeignKeyViolation(errors.New("boom")) {
		t.Error("plain errors are not foreign key violations")
	}
}

func TestUnmarshalJSON(t *testing.T) {
	var v domain.ResourceVector
	if err := unmarshalJSON(nil, &v); err != nil || !v.IsZero() {
		t.Errorf("empty column: v = %v, err = %v", v, err)
	}
	if err := unmarshalJSON([]byte(`{"cpu":2,"memory":4}`), &v); err != nil {
		t.Fatalf("unmarshalJSON() error = %v", err)
	}
	if v.CPU != 2 || v.Memory != 4 {
		t.Errorf("v = %v", v)
	}
	if err := unmarshalJSON([]byte(`{`), &v); err == nil {
		t.Error("unmarshalJSON() should fail on truncated JSON")
	}
}

// MockHistoryStore is a mock implementation of HistoryStore.
type MockHistoryStore struct {
	deleted   []string
	deleteErr map[string]error
}

func (m *MockHistoryStore) AppendVMSamples(ctx context.Context, vmID string, samples []domain.MonitoringSample) error {
	return nil
}

func (m *MockHistoryStore) AppendMetricSamples(ctx context.Context, nodeID, metric string, samples []domain.MetricSample) error {
	return nil
}

func (m *MockHistoryStore) VMHistory(ctx context.Context, vmID string, depth int) ([]domain.MonitoringSample, error) {
	return nil, nil
}

func (m *MockHistoryStore) NodeMetrics(ctx context.Context, nodeID string, depth int) (map[string]*domain.MetricSeries, error) {
	return nil, nil
}

func (m *MockHistoryStore) DeleteVMHistory(ctx context.Context, vmID string) error {
	m.deleted = append(m.deleted, vmID)
	return m.deleteErr[vmID]
}

func TestDropHistory(t *testing.T) {
	history := &MockHistoryStore{deleteErr: map[string]error{"vm-a": errors.New("redis down")}}
	repo := NewNodeRepository(nil, history, zap.NewNop())

	repo.dropHistory(context.Background(), []string{"vm-a", "vm-b"})
	if len(history.deleted) != 2 || history.deleted[0] != "vm-a" || history.deleted[1] != "vm-b" {
		t.Errorf("deleted = %v, want every pruned VM despite a failure", history.deleted)
	}

	NewNodeRepository(nil, nil, zap.NewNop()).dropHistory(context.Background(), []string{"vm-a"})
}

func TestRegisterVMsBatch(t *testing.T) {
	report := &domain.MonitoringReport{
		NodeID: "n1",
		VMs: map[string][]domain.MonitoringSample{
			"vm-c": nil,
			"vm-a": nil,
			"vm-b": nil,
		},
	}

	ids := reportedVMIDs(report)
	if len(ids) != 3 || ids[0] != "vm-a" || ids[1] != "vm-b" || ids[2] != "vm-c" {
		t.Fatalf("reportedVMIDs() = %v, want sorted", ids)
	}

	batch := registerVMsBatch(report.NodeID, ids)
	if batch.Len() != 3 {
		t.Fatalf("batch.Len() = %d, want one insert per VM", batch.Len())
	}
	for i, q := range batch.QueuedQueries {
		if len(q.Arguments) != 2 || q.Arguments[0] != ids[i] || q.Arguments[1] != "n1" {
			t.Errorf("query %d arguments = %v", i, q.Arguments)
		}
	}
}
