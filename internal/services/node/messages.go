package node

import "github.com/limiquantix/groupmanager/internal/domain"

// ServiceName is the gRPC service exposed by every node daemon.
const ServiceName = "groupmanager.node.v1.NodeDaemonService"

// Node daemon methods.
const (
	MethodHealthCheck                   = "HealthCheck"
	MethodMigrateVirtualMachine         = "MigrateVirtualMachine"
	MethodStartVirtualMachineMonitoring = "StartVirtualMachineMonitoring"
	MethodSuspend                       = "Suspend"
)

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
}

// MigrateRequest asks the source node to live-migrate a VM.
type MigrateRequest struct {
	TaskID      string                    `json:"task_id"`
	Source      domain.VMLocation         `json:"source"`
	Destination domain.VMLocation         `json:"destination"`
	Hypervisor  domain.HypervisorSettings `json:"hypervisor"`
}

type MigrateResponse struct {
	Migrated bool   `json:"migrated"`
	Message  string `json:"message,omitempty"`
}

// StartMonitoringRequest asks a node to start monitoring a VM it now hosts.
type StartMonitoringRequest struct {
	VM *domain.VirtualMachine `json:"vm"`
}

type StartMonitoringResponse struct {
	Started bool `json:"started"`
}

type SuspendRequest struct {
	NodeID string `json:"node_id"`
}

type SuspendResponse struct {
	Suspended bool `json:"suspended"`
}
