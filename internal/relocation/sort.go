package relocation

import (
	"sort"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/estimator"
)

// SortVMsByDemandDescending returns a copy of vms ordered largest estimated demand first.
func SortVMsByDemandDescending(vms []*domain.VirtualMachine, est *estimator.Estimator) []*domain.VirtualMachine {
	sorted := append([]*domain.VirtualMachine(nil), vms...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return est.EstimateDemand(sorted[i]).Magnitude() > est.EstimateDemand(sorted[j]).Magnitude()
	})
	return sorted
}

// SortNodesColdestFirst returns a copy of nodes with ACTIVE nodes first,
// ordered by their last temperature sample (missing counts as 0), followed
// by PASSIVE nodes in their original order.
func SortNodesColdestFirst(nodes []*domain.Node) []*domain.Node {
	sorted := append([]*domain.Node(nil), nodes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		switch {
		case a.IsActive() && b.IsActive():
			return a.Temperature() < b.Temperature()
		case a.IsActive():
			return true
		default:
			return false
		}
	})
	return sorted
}

func withoutNode(nodes []*domain.Node, id string) []*domain.Node {
	filtered := make([]*domain.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != id {
			filtered = append(filtered, n)
		}
	}
	return filtered
}
