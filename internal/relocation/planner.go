// Package relocation computes reconfiguration plans that move virtual
// machines off an anomalous node.
package relocation

import (
	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/estimator"
)

// Planner assigns VMs to destinations by greedy first fit.
type Planner struct {
	estimator *estimator.Estimator
}

// NewPlanner creates a planner using est for every demand estimate.
func NewPlanner(est *estimator.Estimator) *Planner {
	return &Planner{estimator: est}
}

// ComputePlan walks vms in order and assigns each to the first destination,
// in order, whose residual capacity covers the VM's estimated demand. A VM's
// current node is never a destination for it. VMs that fit nowhere are left
// out. Neither input is re-sorted, so the result is deterministic.
func (p *Planner) ComputePlan(vms []*domain.VirtualMachine, destinations []*domain.Node, markDestinationsAs domain.NodeState) *domain.ReconfigurationPlan {
	plan := domain.NewReconfigurationPlan(markDestinationsAs)

	residual := make(map[string]domain.ResourceVector, len(destinations))
	for _, dest := range destinations {
		if _, ok := residual[dest.ID]; ok {
			continue
		}
		residual[dest.ID] = dest.TotalCapacity.Sub(p.estimator.EstimateNodeUtilization(dest))
	}

	for _, vm := range vms {
		plan.Offer(vm)
		demand := p.estimator.EstimateDemand(vm)

		for _, dest := range destinations {
			if dest.ID == vm.Location.NodeID {
				continue
			}
			free := residual[dest.ID]
			if !free.Covers(demand) {
				continue
			}
			if err := plan.Add(vm, dest); err != nil {
				break
			}
			residual[dest.ID] = free.Sub(demand)
			break
		}
	}

	return plan
}
