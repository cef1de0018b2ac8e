package relocation

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/estimator"
)

var (
	// ErrUnknownPolicy is returned by New for an unrecognized kind.
	ErrUnknownPolicy = errors.New("unknown relocation policy")

	// ErrOverheatPending is returned with a nil plan when consolidation is
	// deferred because some destination is overheated.
	ErrOverheatPending = errors.New("overheat anomaly pending elsewhere")
)

// Kind names a relocation policy in configuration.
type Kind string

const (
	KindOverload       Kind = "overload"
	KindUnderload      Kind = "underload"
	KindOverheat       Kind = "overheat"
	KindOverheatSimple Kind = "overheat-simple"
	KindTestUnstable   Kind = "test-unstable"
)

// Policy computes a plan relocating VMs away from source.
// A nil plan with a nil error means there is nothing to do.
type Policy interface {
	Relocate(source *domain.Node, destinations []*domain.Node) (*domain.ReconfigurationPlan, error)
}

// New returns the policy registered under kind.
func New(kind Kind, est *estimator.Estimator, logger *zap.Logger) (Policy, error) {
	planner := NewPlanner(est)
	logger = logger.With(zap.String("component", "relocation"), zap.String("policy", string(kind)))

	switch kind {
	case KindOverload:
		return &OverloadRelocation{estimator: est, planner: planner, logger: logger}, nil
	case KindUnderload:
		return &UnderloadRelocation{estimator: est, planner: planner, logger: logger}, nil
	case KindOverheat:
		return &OverheatRelocation{estimator: est, planner: planner, logger: logger}, nil
	case KindOverheatSimple:
		return &SimpleOverheatRelocation{planner: planner, logger: logger}, nil
	case KindTestUnstable:
		return &TestUnstableRelocation{planner: planner, logger: logger}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, kind)
	}
}
