package relocation

import (
	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/estimator"
)

// UnderloadRelocation tries to empty an underloaded node so it can be suspended.
type UnderloadRelocation struct {
	estimator *estimator.Estimator
	planner   *Planner
	logger    *zap.Logger
}

// Relocate implements Policy. Any overheated destination defers consolidation
// with ErrOverheatPending. Overloaded destinations are skipped; idle ones are kept.
func (r *UnderloadRelocation) Relocate(source *domain.Node, destinations []*domain.Node) (*domain.ReconfigurationPlan, error) {
	if source.VMCount() == 0 {
		r.logger.Debug("No VMs on node, nothing to do", zap.String("node_id", source.ID))
		return nil, nil
	}

	candidates := make([]*domain.Node, 0, len(destinations))
	for _, dest := range withoutNode(destinations, source.ID) {
		switch dest.State {
		case domain.NodeStateOverheated:
			r.logger.Debug("Destination is overheated, deferring consolidation",
				zap.String("node_id", source.ID),
				zap.String("overheated", dest.ID),
			)
			return nil, ErrOverheatPending
		case domain.NodeStateOverloaded:
			continue
		}
		candidates = append(candidates, dest)
	}

	if len(candidates) == 0 {
		r.logger.Debug("No consolidation candidates", zap.String("node_id", source.ID))
		return nil, nil
	}

	vms := SortVMsByDemandDescending(source.VMList(), r.estimator)
	return r.planner.ComputePlan(vms, SortNodesColdestFirst(candidates), domain.NodeStateUnderloaded), nil
}
