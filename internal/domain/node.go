package domain

import (
	"fmt"
	"time"
)

// NodeStatus represents the power status of a node.
type NodeStatus string

const (
	NodeStatusActive NodeStatus = "ACTIVE"
	// NodeStatusPassive nodes are powered down or suspended and must be
	// woken up before they can receive virtual machines.
	NodeStatusPassive NodeStatus = "PASSIVE"
)

// NodeState represents the load classification of a node.
type NodeState string

const (
	NodeStateStable      NodeState = "STABLE"
	NodeStateOverloaded  NodeState = "OVERLOADED"
	NodeStateUnderloaded NodeState = "UNDERLOADED"
	NodeStateOverheated  NodeState = "OVERHEATED"
)

// IsAnomaly returns true for every state other than STABLE.
func (s NodeState) IsAnomaly() bool {
	return s == NodeStateOverloaded || s == NodeStateUnderloaded || s == NodeStateOverheated
}

// NetworkAddress is the control channel address of a node daemon.
type NetworkAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// IsZero returns true if the address is unset.
func (a NetworkAddress) IsZero() bool {
	return a.Host == "" || a.Port == 0
}

// String returns the address in host:port form.
func (a NetworkAddress) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// HypervisorSettings describe how a destination hypervisor is reached during live migration.
type HypervisorSettings struct {
	Driver             string        `json:"driver"`    // qemu, xen
	Transport          string        `json:"transport"` // tcp, ssh, tls
	Port               int           `json:"port"`
	MigrationMethod    string        `json:"migration_method"` // live, precopy, postcopy
	ConvergenceTimeout time.Duration `json:"convergence_timeout"`
}

// PowerSettings describe how a passive node is woken up.
type PowerSettings struct {
	MACAddress       string `json:"mac_address,omitempty"`
	BroadcastAddress string `json:"broadcast_address,omitempty"`
}

// Node represents a worker hypervisor host (local controller).
type Node struct {
	ID             string         `json:"id"`
	Hostname       string         `json:"hostname"`
	ControlAddress NetworkAddress `json:"control_address"`

	Status        NodeStatus     `json:"status"`
	State         NodeState      `json:"state"`
	TotalCapacity ResourceVector `json:"total_capacity"`

	Metrics map[string]*MetricSeries   `json:"metrics,omitempty"`
	VMs     map[string]*VirtualMachine `json:"vms,omitempty"`

	Hypervisor HypervisorSettings `json:"hypervisor"`
	Power      PowerSettings      `json:"power"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// IsActive returns true if the node is powered on.
func (n *Node) IsActive() bool {
	return n.Status == NodeStatusActive
}

// IsPassive returns true if the node is powered down and must be woken up.
func (n *Node) IsPassive() bool {
	return n.Status == NodeStatusPassive
}

// VMCount returns the number of VMs hosted on this node.
func (n *Node) VMCount() int {
	return len(n.VMs)
}

// VMList returns the node's virtual machines ordered by identifier.
func (n *Node) VMList() []*VirtualMachine {
	vms := make([]*VirtualMachine, 0, len(n.VMs))
	for _, vm := range n.VMs {
		vms = append(vms, vm)
	}
	sortVMsByID(vms)
	return vms
}

// Temperature returns the most recent cputemperature sample, or 0 if none was reported.
func (n *Node) Temperature() float64 {
	t, _ := n.Metrics[MetricCPUTemperature].Last()
	return t
}

// Clone creates a deep copy of the node, truncating every monitoring
// history to its depth most recent entries. A depth <= 0 keeps everything.
func (n *Node) Clone(depth int) *Node {
	if n == nil {
		return nil
	}

	clone := *n

	if n.Metrics != nil {
		clone.Metrics = make(map[string]*MetricSeries, len(n.Metrics))
		for name, series := range n.Metrics {
			clone.Metrics[name] = series.Tail(depth)
		}
	}

	if n.VMs != nil {
		clone.VMs = make(map[string]*VirtualMachine, len(n.VMs))
		for id, vm := range n.VMs {
			clone.VMs[id] = vm.Clone(depth)
		}
	}

	if n.LastHeartbeat != nil {
		t := *n.LastHeartbeat
		clone.LastHeartbeat = &t
	}

	return &clone
}
