package relocation

import (
	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/estimator"
)

// OverloadRelocation moves the largest VMs of an overloaded node onto the coldest destinations.
type OverloadRelocation struct {
	estimator *estimator.Estimator
	planner   *Planner
	logger    *zap.Logger
}

// Relocate implements Policy.
func (r *OverloadRelocation) Relocate(source *domain.Node, destinations []*domain.Node) (*domain.ReconfigurationPlan, error) {
	r.logger.Debug("Computing overload relocation",
		zap.String("node_id", source.ID),
		zap.Int("vms", source.VMCount()),
		zap.Int("destinations", len(destinations)),
	)

	vms := SortVMsByDemandDescending(source.VMList(), r.estimator)
	return r.planner.ComputePlan(vms, SortNodesColdestFirst(destinations), domain.NodeStateUnderloaded), nil
}
