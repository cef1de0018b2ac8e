// Package anomaly turns a node anomaly into an enforced migration plan.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/estimator"
	"github.com/limiquantix/groupmanager/internal/metrics"
	"github.com/limiquantix/groupmanager/internal/migration"
	"github.com/limiquantix/groupmanager/internal/relocation"
)

var (
	ErrNodeUnavailable         = errors.New("anomalous node description unavailable")
	ErrDestinationsUnavailable = errors.New("destination nodes unavailable")
	ErrNoPolicy                = errors.New("no relocation policy for state")
	ErrPolicyFailed            = errors.New("relocation policy failed")
	ErrNoPlan                  = errors.New("no migration plan")
	ErrWakeUpFailed            = errors.New("failed to wake up passive destinations")
	ErrResolutionInProgress    = errors.New("anomaly resolution already in progress")
)

// Repository provides node descriptions.
type Repository interface {
	GetNodeDescription(ctx context.Context, id string, depth int) (*domain.Node, error)
	ListNodeDescriptions(ctx context.Context, depth int, excludePassive bool) ([]*domain.Node, error)
}

// StateMachine is the cluster state owner driven by the resolver.
type StateMachine interface {
	WakeUp(ctx context.Context, nodes []*domain.Node) error
	OnAnomalyResolved(ctx context.Context, node *domain.Node, summary migration.Summary)
}

// Enforcer executes migration plans.
type Enforcer interface {
	Enforce(ctx context.Context, plan *domain.ReconfigurationPlan, listener migration.PlanListener) error
}

// Config selects the relocation policy applied to each anomaly.
type Config struct {
	OverloadPolicy  relocation.Kind `mapstructure:"overload_policy"`
	UnderloadPolicy relocation.Kind `mapstructure:"underload_policy"`
	OverheatPolicy  relocation.Kind `mapstructure:"overheat_policy"`
}

// DefaultConfig returns the default policy selection.
func DefaultConfig() Config {
	return Config{
		OverloadPolicy:  relocation.KindOverload,
		UnderloadPolicy: relocation.KindUnderload,
		OverheatPolicy:  relocation.KindOverheat,
	}
}

// BuildPolicies instantiates the configured policy for every anomaly state.
// An empty kind leaves that state without a policy.
func BuildPolicies(cfg Config, est *estimator.Estimator, logger *zap.Logger) (map[domain.NodeState]relocation.Policy, error) {
	kinds := map[domain.NodeState]relocation.Kind{
		domain.NodeStateOverloaded:  cfg.OverloadPolicy,
		domain.NodeStateUnderloaded: cfg.UnderloadPolicy,
		domain.NodeStateOverheated:  cfg.OverheatPolicy,
	}

	policies := make(map[domain.NodeState]relocation.Policy, len(kinds))
	for state, kind := range kinds {
		if kind == "" {
			continue
		}
		p, err := relocation.New(kind, est, logger)
		if err != nil {
			return nil, fmt.Errorf("policy for %s: %w", state, err)
		}
		policies[state] = p
	}
	return policies, nil
}

// Resolver resolves one anomaly at a time.
type Resolver struct {
	repo         Repository
	policies     map[domain.NodeState]relocation.Policy
	estimator    *estimator.Estimator
	enforcer     Enforcer
	stateMachine StateMachine
	metrics      *metrics.Metrics
	logger       *zap.Logger

	mu      sync.Mutex
	pending *domain.Node
}

// NewResolver creates an anomaly resolver.
func NewResolver(
	repo Repository,
	policies map[domain.NodeState]relocation.Policy,
	est *estimator.Estimator,
	enforcer Enforcer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Resolver {
	return &Resolver{
		repo:      repo,
		policies:  policies,
		estimator: est,
		enforcer:  enforcer,
		metrics:   m,
		logger:    logger.With(zap.String("component", "anomaly-resolver")),
	}
}

// SetStateMachine sets the state machine notified of wake-ups and resolutions.
func (r *Resolver) SetStateMachine(sm StateMachine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateMachine = sm
}

// InProgress returns true while a plan is being enforced.
func (r *Resolver) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

// ResolveAnomaly computes a plan for the node and hands it to the enforcer.
// It returns once enforcement has started; completion is reported to the
// state machine.
func (r *Resolver) ResolveAnomaly(ctx context.Context, nodeID string, state domain.NodeState) (err error) {
	logger := r.logger.With(zap.String("node_id", nodeID), zap.String("state", string(state)))
	defer func() {
		r.metrics.ResolutionAttempted(state, err)
	}()

	plan, node, err := r.prepare(ctx, nodeID, state)
	if err != nil {
		logger.Warn("Anomaly resolution aborted", zap.Error(err))
		return err
	}

	logger.Info("Starting migration plan",
		zap.String("plan_id", plan.ID),
		zap.Int("migrations", plan.NumberOfMigrations()),
	)

	if err := r.enforcer.Enforce(ctx, plan, r); err != nil {
		r.clearPending(node)
		logger.Error("Migration plan rejected", zap.Error(err))
		return err
	}
	return nil
}

// prepare runs every step up to enforcement and records the pending node.
func (r *Resolver) prepare(ctx context.Context, nodeID string, state domain.NodeState) (*domain.ReconfigurationPlan, *domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil {
		return nil, nil, fmt.Errorf("%w: node %s", ErrResolutionInProgress, r.pending.ID)
	}

	depth := r.estimator.HistoryDepth()
	node, err := r.repo.GetNodeDescription(ctx, nodeID, depth)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrNodeUnavailable, nodeID, err)
	}

	excludePassive := state == domain.NodeStateUnderloaded
	destinations, err := r.repo.ListNodeDescriptions(ctx, depth, excludePassive)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDestinationsUnavailable, err)
	}

	policy, ok := r.policies[state]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoPolicy, state)
	}

	plan, err := policy.Relocate(node, destinations)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrPolicyFailed, err)
	}
	if plan == nil {
		return nil, nil, ErrNoPlan
	}
	// A plan must release its source before any node is woken for it.
	if plan.IsEmpty() || plan.ReleasedNodes() == 0 {
		return nil, nil, fmt.Errorf("%w: %d of %d VMs placed, no node released",
			ErrNoPlan, plan.NumberOfMigrations(), node.VMCount())
	}

	if passive := plan.PassiveDestinations(); len(passive) > 0 {
		if r.stateMachine == nil {
			return nil, nil, fmt.Errorf("%w: no state machine", ErrWakeUpFailed)
		}
		if err := r.stateMachine.WakeUp(ctx, passive); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrWakeUpFailed, err)
		}
	}

	node.State = state
	r.pending = node
	return plan, node, nil
}

func (r *Resolver) clearPending(node *domain.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == node {
		r.pending = nil
	}
}

// OnMigrationPlanEnforced implements migration.PlanListener. The pending
// slot is held until the state machine has processed the outcome.
func (r *Resolver) OnMigrationPlanEnforced(ctx context.Context, summary migration.Summary) {
	r.mu.Lock()
	node := r.pending
	sm := r.stateMachine
	r.mu.Unlock()

	if node == nil {
		r.logger.Warn("Plan enforced without a pending node", zap.String("plan_id", summary.PlanID))
		return
	}
	defer r.clearPending(node)

	r.logger.Info("Anomaly resolved",
		zap.String("node_id", node.ID),
		zap.String("state", string(node.State)),
		zap.Int("relocated", summary.Relocated),
		zap.Int("failed", summary.Failed),
	)

	if sm != nil {
		sm.OnAnomalyResolved(ctx, node, summary)
	}
}
