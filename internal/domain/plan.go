package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// Migration maps a virtual machine to its destination node.
type Migration struct {
	VM          *VirtualMachine
	Destination *Node
}

// ReconfigurationPlan is an ordered set of VM relocations. Each VM appears at most once.
type ReconfigurationPlan struct {
	ID          string
	Migrations  []Migration
	TargetState NodeState

	offered  map[string]int
	placed   map[string]int
	assigned map[string]struct{}
}

// NewReconfigurationPlan creates an empty plan. targetState is the state
// destinations are marked as once the plan is enforced.
func NewReconfigurationPlan(targetState NodeState) *ReconfigurationPlan {
	return &ReconfigurationPlan{
		ID:          uuid.New().String(),
		TargetState: targetState,
		offered:     make(map[string]int),
		placed:      make(map[string]int),
		assigned:    make(map[string]struct{}),
	}
}

// Offer records that vm was a candidate for relocation, whether or not it
// ends up placed.
func (p *ReconfigurationPlan) Offer(vm *VirtualMachine) {
	p.offered[vm.Location.NodeID]++
}

// Add appends a migration of vm onto destination.
func (p *ReconfigurationPlan) Add(vm *VirtualMachine, destination *Node) error {
	if vm == nil || destination == nil {
		return fmt.Errorf("%w: vm and destination are required", ErrInvalidArgument)
	}
	if _, ok := p.assigned[vm.ID]; ok {
		return fmt.Errorf("%w: vm %s already assigned", ErrConflict, vm.ID)
	}
	p.assigned[vm.ID] = struct{}{}
	p.placed[vm.Location.NodeID]++
	p.Migrations = append(p.Migrations, Migration{VM: vm, Destination: destination})
	return nil
}

// NumberOfMigrations returns the number of VM relocations in the plan.
func (p *ReconfigurationPlan) NumberOfMigrations() int {
	if p == nil {
		return 0
	}
	return len(p.Migrations)
}

// IsEmpty returns true if the plan relocates nothing.
func (p *ReconfigurationPlan) IsEmpty() bool {
	return p.NumberOfMigrations() == 0
}

// UsedNodes returns the number of distinct destination nodes.
func (p *ReconfigurationPlan) UsedNodes() int {
	return len(p.Destinations())
}

// ReleasedNodes returns the number of source nodes all of whose offered VMs
// were placed.
func (p *ReconfigurationPlan) ReleasedNodes() int {
	if p == nil {
		return 0
	}
	released := 0
	for nodeID, placed := range p.placed {
		if placed > 0 && placed == p.offered[nodeID] {
			released++
		}
	}
	return released
}

// Destinations returns the distinct destination nodes in first-use order.
func (p *ReconfigurationPlan) Destinations() []*Node {
	if p == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var nodes []*Node
	for _, m := range p.Migrations {
		if _, ok := seen[m.Destination.ID]; ok {
			continue
		}
		seen[m.Destination.ID] = struct{}{}
		nodes = append(nodes, m.Destination)
	}
	return nodes
}

// PassiveDestinations returns the distinct PASSIVE destination nodes.
func (p *ReconfigurationPlan) PassiveDestinations() []*Node {
	var nodes []*Node
	for _, n := range p.Destinations() {
		if n.IsPassive() {
			nodes = append(nodes, n)
		}
	}
	return nodes
}
