package relocation

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/estimator"
)

func newVM(id, nodeID string, cpu float64) *domain.VirtualMachine {
	return &domain.VirtualMachine{
		ID:        id,
		Location:  domain.VMLocation{VMID: id, NodeID: nodeID},
		Requested: domain.ResourceVector{CPU: cpu},
	}
}

func newNode(id string, status domain.NodeStatus, cpu float64, vms ...*domain.VirtualMachine) *domain.Node {
	n := &domain.Node{
		ID:            id,
		Status:        status,
		State:         domain.NodeStateStable,
		TotalCapacity: domain.ResourceVector{CPU: cpu},
		VMs:           make(map[string]*domain.VirtualMachine),
	}
	for _, vm := range vms {
		vm.Location.NodeID = id
		n.VMs[vm.ID] = vm
	}
	return n
}

func withTemperature(n *domain.Node, temp float64) *domain.Node {
	s := domain.NewMetricSeries(5)
	s.Add(domain.MetricSample{Value: temp})
	n.Metrics = map[string]*domain.MetricSeries{domain.MetricCPUTemperature: s}
	return n
}

func mustPolicy(t *testing.T, kind Kind) Policy {
	t.Helper()
	p, err := New(kind, estimator.New(5), zap.NewNop())
	if err != nil {
		t.Fatalf("New(%s) error = %v", kind, err)
	}
	return p
}

func assignments(plan *domain.ReconfigurationPlan) map[string]string {
	out := make(map[string]string)
	if plan == nil {
		return out
	}
	for _, m := range plan.Migrations {
		out[m.VM.ID] = m.Destination.ID
	}
	return out
}

// =============================================================================
// Planner
// =============================================================================

func TestPlanner_Deterministic(t *testing.T) {
	planner := NewPlanner(estimator.New(5))
	vms := []*domain.VirtualMachine{
		newVM("vm1", "src", 4), newVM("vm2", "src", 3), newVM("vm3", "src", 2), newVM("vm4", "src", 1),
	}
	dests := []*domain.Node{
		newNode("d1", domain.NodeStatusActive, 5),
		newNode("d2", domain.NodeStatusActive, 4),
	}

	first := planner.ComputePlan(vms, dests, domain.NodeStateUnderloaded)
	second := planner.ComputePlan(vms, dests, domain.NodeStateUnderloaded)

	if len(first.Migrations) == 0 || len(first.Migrations) != len(second.Migrations) {
		t.Fatalf("plans differ in size: %d vs %d", len(first.Migrations), len(second.Migrations))
	}
	for i := range first.Migrations {
		a, b := first.Migrations[i], second.Migrations[i]
		if a.VM.ID != b.VM.ID || a.Destination.ID != b.Destination.ID {
			t.Errorf("migration %d differs: %s->%s vs %s->%s", i, a.VM.ID, a.Destination.ID, b.VM.ID, b.Destination.ID)
		}
	}
}

func TestPlanner_NeverExceedsCapacity(t *testing.T) {
	est := estimator.New(5)
	planner := NewPlanner(est)

	var vms []*domain.VirtualMachine
	for i := 0; i < 12; i++ {
		vms = append(vms, newVM(fmt.Sprintf("vm%d", i), "src", float64(i%5+1)))
	}
	dests := []*domain.Node{
		newNode("d1", domain.NodeStatusActive, 7, newVM("r1", "", 2)),
		newNode("d2", domain.NodeStatusActive, 9),
		newNode("d3", domain.NodeStatusPassive, 3),
	}

	plan := planner.ComputePlan(vms, dests, domain.NodeStateUnderloaded)

	assigned := make(map[string]float64)
	for _, m := range plan.Migrations {
		assigned[m.Destination.ID] += est.EstimateDemand(m.VM).CPU
	}
	for _, d := range dests {
		total := assigned[d.ID] + est.EstimateNodeUtilization(d).CPU
		if total > d.TotalCapacity.CPU {
			t.Errorf("destination %s holds %v, capacity %v", d.ID, total, d.TotalCapacity.CPU)
		}
	}
}

func TestPlanner_SkipsCurrentNode(t *testing.T) {
	planner := NewPlanner(estimator.New(5))
	src := newNode("src", domain.NodeStatusActive, 100, newVM("vm1", "", 1))
	other := newNode("other", domain.NodeStatusActive, 10)

	plan := planner.ComputePlan(src.VMList(), []*domain.Node{src, other}, domain.NodeStateUnderloaded)
	if got := assignments(plan)["vm1"]; got != "other" {
		t.Errorf("vm1 assigned to %q, want other", got)
	}
}

func TestPlanner_EmptyPlan(t *testing.T) {
	planner := NewPlanner(estimator.New(5))
	plan := planner.ComputePlan([]*domain.VirtualMachine{newVM("vm1", "src", 50)},
		[]*domain.Node{newNode("d1", domain.NodeStatusActive, 10)}, domain.NodeStateUnderloaded)

	if plan == nil || !plan.IsEmpty() {
		t.Fatalf("expected an empty plan, got %+v", plan)
	}
	if plan.ReleasedNodes() != 0 {
		t.Errorf("ReleasedNodes() = %d, want 0", plan.ReleasedNodes())
	}
}

// =============================================================================
// Sorting
// =============================================================================

func TestSortNodesColdestFirst(t *testing.T) {
	nodes := []*domain.Node{
		newNode("p1", domain.NodeStatusPassive, 1),
		withTemperature(newNode("hot", domain.NodeStatusActive, 1), 70),
		newNode("p2", domain.NodeStatusPassive, 1),
		withTemperature(newNode("cold", domain.NodeStatusActive, 1), 30),
		newNode("unknown", domain.NodeStatusActive, 1),
	}

	sorted := SortNodesColdestFirst(nodes)

	want := []string{"unknown", "cold", "hot", "p1", "p2"}
	for i, id := range want {
		if sorted[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, sorted[i].ID, id)
		}
	}
	if nodes[0].ID != "p1" {
		t.Error("SortNodesColdestFirst must not reorder its input")
	}
}

func TestSortVMsByDemandDescending(t *testing.T) {
	vms := []*domain.VirtualMachine{newVM("small", "n", 1), newVM("big", "n", 9), newVM("mid", "n", 5)}
	sorted := SortVMsByDemandDescending(vms, estimator.New(5))

	if sorted[0].ID != "big" || sorted[1].ID != "mid" || sorted[2].ID != "small" {
		t.Errorf("unexpected order: %s %s %s", sorted[0].ID, sorted[1].ID, sorted[2].ID)
	}
}

// =============================================================================
// Policies
// =============================================================================

func TestOverloadRelocation_LargestFirstFit(t *testing.T) {
	src := newNode("src", domain.NodeStatusActive, 30,
		newVM("vm1", "", 10), newVM("vm2", "", 10), newVM("vm3", "", 10))
	large := newNode("large", domain.NodeStatusActive, 25)
	small := withTemperature(newNode("small", domain.NodeStatusActive, 5), 10)
	large = withTemperature(large, 20)

	plan, err := mustPolicy(t, KindOverload).Relocate(src, []*domain.Node{large, small})
	if err != nil {
		t.Fatalf("Relocate() error = %v", err)
	}

	got := assignments(plan)
	if len(got) != 2 {
		t.Fatalf("expected 2 migrations, got %v", got)
	}
	for vm, dest := range got {
		if dest != "large" {
			t.Errorf("%s assigned to %s, the 5-capacity destination cannot hold it", vm, dest)
		}
	}
	if plan.TargetState != domain.NodeStateUnderloaded {
		t.Errorf("TargetState = %s, want UNDERLOADED", plan.TargetState)
	}
	if plan.ReleasedNodes() != 0 {
		t.Errorf("ReleasedNodes() = %d, want 0 with a VM left on the source", plan.ReleasedNodes())
	}
}

func TestOverloadRelocation_PrefersActive(t *testing.T) {
	src := newNode("src", domain.NodeStatusActive, 10, newVM("vm1", "", 4))
	passive := newNode("passive", domain.NodeStatusPassive, 10)
	active := withTemperature(newNode("active", domain.NodeStatusActive, 10), 60)

	plan, err := mustPolicy(t, KindOverload).Relocate(src, []*domain.Node{passive, active})
	if err != nil {
		t.Fatalf("Relocate() error = %v", err)
	}
	if got := assignments(plan)["vm1"]; got != "active" {
		t.Errorf("vm1 assigned to %q, want active", got)
	}
	if plan.ReleasedNodes() != 1 {
		t.Errorf("ReleasedNodes() = %d, want 1", plan.ReleasedNodes())
	}
}

func TestOverheatRelocation_SourceIsColdest(t *testing.T) {
	src := withTemperature(newNode("src", domain.NodeStatusActive, 10, newVM("vm1", "", 1)), 20)
	other := withTemperature(newNode("other", domain.NodeStatusActive, 10), 50)

	plan, err := mustPolicy(t, KindOverheat).Relocate(src, []*domain.Node{other, src})
	if err != nil {
		t.Fatalf("Relocate() error = %v", err)
	}
	if plan != nil {
		t.Errorf("expected no-op, got %v", assignments(plan))
	}
}

func TestOverheatRelocation_MovesLargestOnly(t *testing.T) {
	src := withTemperature(newNode("src", domain.NodeStatusActive, 20,
		newVM("small", "", 1), newVM("big", "", 6)), 90)
	cold := withTemperature(newNode("cold", domain.NodeStatusActive, 20), 30)

	plan, err := mustPolicy(t, KindOverheat).Relocate(src, []*domain.Node{src, cold})
	if err != nil {
		t.Fatalf("Relocate() error = %v", err)
	}
	got := assignments(plan)
	if len(got) != 1 || got["big"] != "cold" {
		t.Errorf("assignments = %v, want only big -> cold", got)
	}
	if plan.ReleasedNodes() != 1 {
		t.Errorf("ReleasedNodes() = %d, want 1", plan.ReleasedNodes())
	}
}

func TestSimpleOverheatRelocation_AllVMs(t *testing.T) {
	src := newNode("src", domain.NodeStatusActive, 20, newVM("vm1", "", 1), newVM("vm2", "", 2))
	dest := newNode("dest", domain.NodeStatusActive, 20)

	plan, err := mustPolicy(t, KindOverheatSimple).Relocate(src, []*domain.Node{dest})
	if err != nil {
		t.Fatalf("Relocate() error = %v", err)
	}
	if plan.NumberOfMigrations() != 2 {
		t.Errorf("NumberOfMigrations() = %d, want 2", plan.NumberOfMigrations())
	}
	if plan.TargetState != domain.NodeStateOverheated {
		t.Errorf("TargetState = %s, want OVERHEATED", plan.TargetState)
	}
}

func TestUnderloadRelocation_NoVMs(t *testing.T) {
	src := newNode("src", domain.NodeStatusActive, 10)
	plan, err := mustPolicy(t, KindUnderload).Relocate(src, []*domain.Node{newNode("d", domain.NodeStatusActive, 10)})
	if err != nil || plan != nil {
		t.Errorf("Relocate() = %v, %v; want nil, nil", plan, err)
	}
}

func TestUnderloadRelocation_OverheatedDestinationAborts(t *testing.T) {
	src := newNode("src", domain.NodeStatusActive, 10, newVM("vm1", "", 1))
	ok := newNode("ok", domain.NodeStatusActive, 10)
	hot := newNode("hot", domain.NodeStatusActive, 10)
	hot.State = domain.NodeStateOverheated

	plan, err := mustPolicy(t, KindUnderload).Relocate(src, []*domain.Node{ok, hot})
	if !errors.Is(err, ErrOverheatPending) {
		t.Errorf("Relocate() error = %v, want ErrOverheatPending", err)
	}
	if plan != nil {
		t.Errorf("expected no plan, got %v", assignments(plan))
	}
}

func TestUnderloadRelocation_FiltersOverloadedKeepsIdle(t *testing.T) {
	src := newNode("src", domain.NodeStatusActive, 10, newVM("vm1", "", 2), newVM("vm2", "", 3))
	busy := newNode("busy", domain.NodeStatusActive, 100)
	busy.State = domain.NodeStateOverloaded
	idle := newNode("idle", domain.NodeStatusActive, 10)

	plan, err := mustPolicy(t, KindUnderload).Relocate(src, []*domain.Node{src, busy, idle})
	if err != nil {
		t.Fatalf("Relocate() error = %v", err)
	}
	got := assignments(plan)
	if got["vm1"] != "idle" || got["vm2"] != "idle" {
		t.Errorf("assignments = %v, want both on idle", got)
	}
	if plan.ReleasedNodes() != 1 {
		t.Errorf("ReleasedNodes() = %d, want 1", plan.ReleasedNodes())
	}
}

func TestUnderloadRelocation_NoCandidates(t *testing.T) {
	src := newNode("src", domain.NodeStatusActive, 10, newVM("vm1", "", 1))
	busy := newNode("busy", domain.NodeStatusActive, 10)
	busy.State = domain.NodeStateOverloaded

	plan, err := mustPolicy(t, KindUnderload).Relocate(src, []*domain.Node{src, busy})
	if err != nil || plan != nil {
		t.Errorf("Relocate() = %v, %v; want nil, nil", plan, err)
	}
}

func TestTestUnstableRelocation_ExcludesSource(t *testing.T) {
	src := newNode("src", domain.NodeStatusActive, 10, newVM("vm1", "", 1))
	dest := newNode("dest", domain.NodeStatusActive, 10)

	plan, err := mustPolicy(t, KindTestUnstable).Relocate(src, []*domain.Node{src, dest})
	if err != nil {
		t.Fatalf("Relocate() error = %v", err)
	}
	if got := assignments(plan)["vm1"]; got != "dest" {
		t.Errorf("vm1 assigned to %q, want dest", got)
	}
}

func TestNew_UnknownKind(t *testing.T) {
	if _, err := New("bogus", estimator.New(1), zap.NewNop()); !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("New() error = %v, want ErrUnknownPolicy", err)
	}
}
