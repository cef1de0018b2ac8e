package relocation

import (
	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
)

// TestUnstableRelocation offers every resident VM in order to every other
// destination. It exists to exercise the enforcement path.
type TestUnstableRelocation struct {
	planner *Planner
	logger  *zap.Logger
}

// Relocate implements Policy.
func (r *TestUnstableRelocation) Relocate(source *domain.Node, destinations []*domain.Node) (*domain.ReconfigurationPlan, error) {
	r.logger.Debug("Computing test relocation", zap.String("node_id", source.ID))
	return r.planner.ComputePlan(source.VMList(), withoutNode(destinations, source.ID), domain.NodeStateStable), nil
}
