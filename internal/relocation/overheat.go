package relocation

import (
	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/estimator"
)

// OverheatRelocation moves only the single largest VM of an overheated node.
type OverheatRelocation struct {
	estimator *estimator.Estimator
	planner   *Planner
	logger    *zap.Logger
}

// Relocate implements Policy. It is a no-op when the source is already the
// coldest destination.
func (r *OverheatRelocation) Relocate(source *domain.Node, destinations []*domain.Node) (*domain.ReconfigurationPlan, error) {
	vms := SortVMsByDemandDescending(source.VMList(), r.estimator)
	if len(vms) == 0 {
		return nil, nil
	}

	sorted := SortNodesColdestFirst(destinations)
	if len(sorted) == 0 || sorted[0].ID == source.ID {
		r.logger.Debug("Source is the coldest node, nothing to do", zap.String("node_id", source.ID))
		return nil, nil
	}

	r.logger.Debug("Computing overheat relocation",
		zap.String("node_id", source.ID),
		zap.String("vm_id", vms[0].ID),
		zap.String("coldest", sorted[0].ID),
	)
	return r.planner.ComputePlan(vms[:1], sorted, domain.NodeStateUnderloaded), nil
}

// SimpleOverheatRelocation offers every resident VM in no particular order
// to the destinations as given.
type SimpleOverheatRelocation struct {
	planner *Planner
	logger  *zap.Logger
}

// Relocate implements Policy.
func (r *SimpleOverheatRelocation) Relocate(source *domain.Node, destinations []*domain.Node) (*domain.ReconfigurationPlan, error) {
	r.logger.Debug("Computing simple overheat relocation", zap.String("node_id", source.ID))
	return r.planner.ComputePlan(source.VMList(), destinations, domain.NodeStateOverheated), nil
}
