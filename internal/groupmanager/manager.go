// Package groupmanager owns the cluster state of a group of worker nodes. It
// classifies nodes from their monitoring history, drives anomaly resolution
// and moves nodes between the ACTIVE and PASSIVE power states.
package groupmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/config"
	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/metrics"
	"github.com/limiquantix/groupmanager/internal/migration"
)

// Event types published on state changes.
const (
	EventNodeJoined    = "node.joined"
	EventNodeState     = "node.state"
	EventNodeWoken     = "node.woken"
	EventNodeSuspended = "node.suspended"
	EventNodeResolved  = "node.resolved"
)

// Repository defines the node storage used by the manager.
type Repository interface {
	GetNodeDescription(ctx context.Context, id string, depth int) (*domain.Node, error)
	ListNodeDescriptions(ctx context.Context, depth int, excludePassive bool) ([]*domain.Node, error)
	SaveNode(ctx context.Context, node *domain.Node) error
	UpdateNodeStatus(ctx context.Context, id string, status domain.NodeStatus) error
	UpdateNodeState(ctx context.Context, id string, state domain.NodeState) error
	AppendMonitoringReport(ctx context.Context, report *domain.MonitoringReport) error
}

// Classifier labels a node from its stored history.
type Classifier interface {
	Classify(node *domain.Node) domain.NodeState
}

// Resolver resolves one anomaly at a time.
type Resolver interface {
	ResolveAnomaly(ctx context.Context, nodeID string, state domain.NodeState) error
	InProgress() bool
}

// PowerController changes the power state of a node.
type PowerController interface {
	Suspend(ctx context.Context, node *domain.Node) error
	WakeUp(ctx context.Context, node *domain.Node) error
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// EventPublisher publishes node events to subscribers.
type EventPublisher interface {
	PublishNodeEvent(ctx context.Context, eventType, nodeID string, data interface{}) error
}

// statePriority orders anomalies when several are detected in one cycle.
var statePriority = map[domain.NodeState]int{
	domain.NodeStateOverheated:  3,
	domain.NodeStateOverloaded:  2,
	domain.NodeStateUnderloaded: 1,
}

// Manager is the cluster state machine of a group manager.
type Manager struct {
	config     config.GroupManagerConfig
	repo       Repository
	classifier Classifier
	resolver   Resolver
	power      PowerController
	leader     LeaderChecker
	publisher  EventPublisher
	metrics    *metrics.Metrics
	depth      int
	logger     *zap.Logger

	mu        sync.RWMutex
	isRunning bool
	lastCycle time.Time
}

// NewManager creates a new group manager. leader may be nil, in which case
// the instance always acts as leader.
func NewManager(
	cfg config.GroupManagerConfig,
	repo Repository,
	classifier Classifier,
	resolver Resolver,
	power PowerController,
	leader LeaderChecker,
	historyDepth int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		config:     cfg,
		repo:       repo,
		classifier: classifier,
		resolver:   resolver,
		power:      power,
		leader:     leader,
		metrics:    m,
		depth:      historyDepth,
		logger:     logger.With(zap.String("component", "groupmanager")),
	}
}

// SetPublisher sets the event publisher.
func (m *Manager) SetPublisher(p EventPublisher) {
	m.publisher = p
}

// Start runs the detection loop until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("Group manager disabled")
		return
	}

	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.logger.Info("Starting group manager", zap.Duration("interval", m.config.Interval))

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Group manager stopped")
			m.mu.Lock()
			m.isRunning = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.checkNodes(ctx)
		}
	}
}

// IsRunning returns true if the detection loop is running.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// LastCycle returns the time of the last completed detection cycle.
func (m *Manager) LastCycle() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCycle
}

func (m *Manager) isLeader() bool {
	return m.leader == nil || m.leader.IsLeader()
}

// checkNodes classifies every ACTIVE node, records state changes and starts
// the resolution of the most urgent anomaly.
func (m *Manager) checkNodes(ctx context.Context) {
	if !m.isLeader() {
		return
	}

	nodes, err := m.repo.ListNodeDescriptions(ctx, m.depth, false)
	if err != nil {
		m.logger.Error("Failed to list nodes", zap.Error(err))
		return
	}

	var anomalous *domain.Node
	var anomalousState domain.NodeState
	active := 0
	for _, node := range nodes {
		if !node.IsActive() {
			continue
		}
		active++

		state := m.classifier.Classify(node)
		if state != node.State {
			m.recordState(ctx, node, state)
		}
		if state.IsAnomaly() && statePriority[state] > statePriority[anomalousState] {
			anomalous, anomalousState = node, state
		}
	}

	m.metrics.SetNodeCounts(nodes)
	m.mu.Lock()
	m.lastCycle = time.Now()
	m.mu.Unlock()

	if anomalous == nil {
		return
	}
	if m.resolver.InProgress() {
		m.logger.Debug("Resolution in progress, deferring anomaly",
			zap.String("node_id", anomalous.ID),
			zap.String("state", string(anomalousState)),
		)
		return
	}

	if anomalousState == domain.NodeStateUnderloaded && anomalous.VMCount() == 0 {
		if active > 1 {
			m.suspend(ctx, anomalous)
		}
		return
	}

	if err := m.resolver.ResolveAnomaly(ctx, anomalous.ID, anomalousState); err != nil {
		m.logger.Warn("Anomaly not resolved",
			zap.String("node_id", anomalous.ID),
			zap.String("state", string(anomalousState)),
			zap.Error(err),
		)
	}
}

func (m *Manager) recordState(ctx context.Context, node *domain.Node, state domain.NodeState) {
	if err := m.repo.UpdateNodeState(ctx, node.ID, state); err != nil {
		m.logger.Error("Failed to update node state", zap.String("node_id", node.ID), zap.Error(err))
		return
	}

	m.logger.Info("Node state changed",
		zap.String("node_id", node.ID),
		zap.String("from", string(node.State)),
		zap.String("to", string(state)),
	)
	if state.IsAnomaly() {
		m.metrics.AnomalyDetected(state)
	}
	node.State = state
	m.publish(ctx, EventNodeState, node.ID, state)
}

// Resolve starts the resolution of an anomaly on demand.
func (m *Manager) Resolve(ctx context.Context, nodeID string, state domain.NodeState) error {
	if !state.IsAnomaly() {
		return fmt.Errorf("%w: %q is not an anomaly state", domain.ErrInvalidArgument, state)
	}

	node, err := m.repo.GetNodeDescription(ctx, nodeID, 1)
	if err != nil {
		return err
	}
	if !node.IsActive() {
		return fmt.Errorf("%w: node %s is %s", domain.ErrInvalidArgument, nodeID, node.Status)
	}
	return m.resolver.ResolveAnomaly(ctx, nodeID, state)
}

// Nodes returns every node description with its most recent sample.
func (m *Manager) Nodes(ctx context.Context) ([]*domain.Node, error) {
	return m.repo.ListNodeDescriptions(ctx, 1, false)
}

// Join registers a node announced by its daemon. A known node keeps its
// hosted VMs.
func (m *Manager) Join(ctx context.Context, node *domain.Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("%w: node id is required", domain.ErrInvalidArgument)
	}
	if node.ControlAddress.IsZero() {
		return fmt.Errorf("%w: node %s has no control address", domain.ErrInvalidArgument, node.ID)
	}
	if node.TotalCapacity.CPU <= 0 || node.TotalCapacity.Memory <= 0 {
		return fmt.Errorf("%w: node %s reports no cpu or memory capacity %s",
			domain.ErrInvalidArgument, node.ID, node.TotalCapacity)
	}

	joined := node.Clone(0)
	existing, err := m.repo.GetNodeDescription(ctx, node.ID, 0)
	switch {
	case err == nil:
		if len(joined.VMs) == 0 {
			joined.VMs = existing.VMs
		}
		joined.Metrics = existing.Metrics
	case errors.Is(err, domain.ErrNotFound):
	default:
		return err
	}
	joined.Status = domain.NodeStatusActive
	joined.State = domain.NodeStateStable

	if err := m.repo.SaveNode(ctx, joined); err != nil {
		return err
	}

	m.logger.Info("Node joined",
		zap.String("node_id", node.ID),
		zap.String("address", node.ControlAddress.String()),
		zap.Int("vms", joined.VMCount()),
	)
	m.publish(ctx, EventNodeJoined, node.ID, node.ControlAddress.String())
	return nil
}

// OnMonitoringReport stores a monitoring report sent by a node.
func (m *Manager) OnMonitoringReport(ctx context.Context, report *domain.MonitoringReport) error {
	if report == nil || report.NodeID == "" {
		return fmt.Errorf("%w: report has no node id", domain.ErrInvalidArgument)
	}
	m.metrics.MonitoringReportReceived()

	if err := m.repo.AppendMonitoringReport(ctx, report); err != nil {
		return fmt.Errorf("monitoring report from %s: %w", report.NodeID, err)
	}
	return nil
}

// WakeUp powers on passive nodes and marks them ACTIVE. It stops at the
// first node that cannot be woken.
func (m *Manager) WakeUp(ctx context.Context, nodes []*domain.Node) error {
	for _, node := range nodes {
		if err := m.power.WakeUp(ctx, node); err != nil {
			return fmt.Errorf("wake up %s: %w", node.ID, err)
		}
		if err := m.repo.UpdateNodeStatus(ctx, node.ID, domain.NodeStatusActive); err != nil {
			return fmt.Errorf("activate %s: %w", node.ID, err)
		}
		m.logger.Info("Node woken up", zap.String("node_id", node.ID))
		m.publish(ctx, EventNodeWoken, node.ID, nil)
	}
	return nil
}

// OnAnomalyResolved marks the node STABLE. An underloaded node that no longer
// hosts any VM is suspended.
func (m *Manager) OnAnomalyResolved(ctx context.Context, node *domain.Node, summary migration.Summary) {
	logger := m.logger.With(zap.String("node_id", node.ID), zap.String("plan_id", summary.PlanID))

	if err := m.repo.UpdateNodeState(ctx, node.ID, domain.NodeStateStable); err != nil {
		logger.Error("Failed to mark node stable", zap.Error(err))
		return
	}
	m.publish(ctx, EventNodeResolved, node.ID, summary)

	if node.State != domain.NodeStateUnderloaded {
		return
	}

	current, err := m.repo.GetNodeDescription(ctx, node.ID, 1)
	if err != nil {
		logger.Error("Failed to reload consolidated node", zap.Error(err))
		return
	}
	if current.VMCount() > 0 {
		logger.Info("Node still hosts VMs, keeping it active", zap.Int("vms", current.VMCount()))
		return
	}
	m.suspend(ctx, current)
}

func (m *Manager) suspend(ctx context.Context, node *domain.Node) {
	if err := m.power.Suspend(ctx, node); err != nil {
		m.logger.Error("Failed to suspend node", zap.String("node_id", node.ID), zap.Error(err))
		return
	}
	if err := m.repo.UpdateNodeStatus(ctx, node.ID, domain.NodeStatusPassive); err != nil {
		m.logger.Error("Failed to mark node passive", zap.String("node_id", node.ID), zap.Error(err))
		return
	}
	if err := m.repo.UpdateNodeState(ctx, node.ID, domain.NodeStateStable); err != nil {
		m.logger.Warn("Failed to reset suspended node state", zap.String("node_id", node.ID), zap.Error(err))
	}
	m.logger.Info("Node suspended", zap.String("node_id", node.ID))
	m.publish(ctx, EventNodeSuspended, node.ID, nil)
}

func (m *Manager) publish(ctx context.Context, eventType, nodeID string, data interface{}) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishNodeEvent(ctx, eventType, nodeID, data); err != nil {
		m.logger.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
