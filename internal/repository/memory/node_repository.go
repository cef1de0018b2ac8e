// Package memory provides in-memory repository implementations for development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/limiquantix/groupmanager/internal/domain"
)

// DefaultHistoryCapacity is the number of samples kept per VM and metric.
const DefaultHistoryCapacity = 30

// NodeRepository is an in-memory store of node descriptions, their VMs and
// bounded monitoring history.
type NodeRepository struct {
	mu              sync.RWMutex
	data            map[string]*domain.Node
	vmIndex         map[string]string // vm id -> node id
	historyCapacity int
}

// NewNodeRepository creates a new in-memory Node repository.
func NewNodeRepository(historyCapacity int) *NodeRepository {
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistoryCapacity
	}
	return &NodeRepository{
		data:            make(map[string]*domain.Node),
		vmIndex:         make(map[string]string),
		historyCapacity: historyCapacity,
	}
}

// SaveNode creates or replaces a node description. VMs listed on the node
// are moved to it.
func (r *NodeRepository) SaveNode(ctx context.Context, n *domain.Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("%w: node id is required", domain.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	stored := n.Clone(r.historyCapacity)
	if existing, ok := r.data[n.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		for id := range existing.VMs {
			if _, kept := stored.VMs[id]; !kept {
				delete(r.vmIndex, id)
			}
		}
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	if stored.Status == "" {
		stored.Status = domain.NodeStatusActive
	}
	if stored.State == "" {
		stored.State = domain.NodeStateStable
	}
	if stored.VMs == nil {
		stored.VMs = make(map[string]*domain.VirtualMachine)
	}
	if stored.Metrics == nil {
		stored.Metrics = make(map[string]*domain.MetricSeries)
	}

	for id, vm := range stored.VMs {
		if owner, ok := r.vmIndex[id]; ok && owner != stored.ID {
			if other, ok := r.data[owner]; ok {
				delete(other.VMs, id)
			}
		}
		vm.Location = domain.VMLocation{VMID: id, NodeID: stored.ID, ControlAddress: stored.ControlAddress}
		r.vmIndex[id] = stored.ID
	}

	r.data[stored.ID] = stored
	return nil
}

// GetNodeDescription returns a copy of the node with histories truncated to depth.
func (r *NodeRepository) GetNodeDescription(ctx context.Context, id string, depth int) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return n.Clone(depth), nil
}

// ListNodeDescriptions returns copies of every node ordered by ID.
func (r *NodeRepository) ListNodeDescriptions(ctx context.Context, depth int, excludePassive bool) ([]*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Node, 0, len(r.data))
	for _, n := range r.data {
		if excludePassive && n.IsPassive() {
			continue
		}
		result = append(result, n.Clone(depth))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// UpdateNodeStatus updates the power status of a node.
func (r *NodeRepository) UpdateNodeStatus(ctx context.Context, id string, status domain.NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.Status = status
	n.UpdatedAt = time.Now()
	return nil
}

// UpdateNodeState updates the load classification of a node.
func (r *NodeRepository) UpdateNodeState(ctx context.Context, id string, state domain.NodeState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.State = state
	n.UpdatedAt = time.Now()
	return nil
}

// UpdateVMLocation moves a VM from oldLocation to newLocation. It fails
// with domain.ErrConflict if the VM is no longer hosted at oldLocation.
func (r *NodeRepository) UpdateVMLocation(ctx context.Context, oldLocation, newLocation domain.VMLocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.vmIndex[oldLocation.VMID]
	if !ok {
		return fmt.Errorf("vm %s: %w", oldLocation.VMID, domain.ErrNotFound)
	}
	if owner != oldLocation.NodeID {
		return fmt.Errorf("vm %s is on %s, not %s: %w", oldLocation.VMID, owner, oldLocation.NodeID, domain.ErrConflict)
	}

	source, ok := r.data[owner]
	if !ok {
		return fmt.Errorf("node %s: %w", owner, domain.ErrNotFound)
	}
	dest, ok := r.data[newLocation.NodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", newLocation.NodeID, domain.ErrNotFound)
	}

	vm := source.VMs[oldLocation.VMID]
	delete(source.VMs, oldLocation.VMID)

	vm.Location = domain.VMLocation{
		VMID:           oldLocation.VMID,
		NodeID:         dest.ID,
		ControlAddress: newLocation.ControlAddress,
	}
	if dest.VMs == nil {
		dest.VMs = make(map[string]*domain.VirtualMachine)
	}
	dest.VMs[vm.ID] = vm
	r.vmIndex[vm.ID] = dest.ID

	now := time.Now()
	source.UpdatedAt = now
	dest.UpdatedAt = now
	return nil
}

// GetVMMetaData returns a copy of the VM hosted at location.
func (r *NodeRepository) GetVMMetaData(ctx context.Context, location domain.VMLocation, depth int) (*domain.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.data[location.NodeID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	vm, ok := n.VMs[location.VMID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return vm.Clone(depth), nil
}

// AppendMonitoringReport adds the report's samples to the node's bounded
// history. VMs first seen in a report are registered on the node; samples for
// VMs owned by another node are dropped.
func (r *NodeRepository) AppendMonitoringReport(ctx context.Context, report *domain.MonitoringReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.data[report.NodeID]
	if !ok {
		return domain.ErrNotFound
	}

	for vmID, samples := range report.VMs {
		vm, ok := n.VMs[vmID]
		if !ok {
			if owner, known := r.vmIndex[vmID]; known && owner != n.ID {
				// Stale report from a node the VM was migrated away from.
				continue
			}
			vm = &domain.VirtualMachine{
				ID:       vmID,
				Location: domain.VMLocation{VMID: vmID, NodeID: n.ID, ControlAddress: n.ControlAddress},
			}
			n.VMs[vmID] = vm
			r.vmIndex[vmID] = n.ID
		}
		vm.History = append(vm.History, samples...)
		if over := len(vm.History) - r.historyCapacity; over > 0 {
			vm.History = append([]domain.MonitoringSample(nil), vm.History[over:]...)
		}
	}

	for name, samples := range report.Metrics {
		series, ok := n.Metrics[name]
		if !ok {
			series = domain.NewMetricSeries(r.historyCapacity)
			n.Metrics[name] = series
		}
		for _, s := range samples {
			series.Add(s)
		}
	}

	ts := report.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	n.LastHeartbeat = &ts
	return nil
}
