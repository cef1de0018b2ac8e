package node

import (
	"context"

	"github.com/limiquantix/groupmanager/internal/domain"
)

// Daemon routes migration and monitoring requests to the right node through the pool.
type Daemon struct {
	pool *DaemonPool
}

// NewDaemon creates a Daemon backed by pool.
func NewDaemon(pool *DaemonPool) *Daemon {
	return &Daemon{pool: pool}
}

// MigrateVirtualMachine sends the migration request to the task's source node.
func (d *Daemon) MigrateVirtualMachine(ctx context.Context, task domain.MigrationTask) error {
	client, err := d.pool.Connect(task.Source.NodeID, task.Source.ControlAddress.String())
	if err != nil {
		return err
	}
	return client.MigrateVirtualMachine(ctx, &MigrateRequest{
		TaskID:      task.ID,
		Source:      task.Source,
		Destination: task.Destination,
		Hypervisor:  task.Hypervisor,
	})
}

// StartVirtualMachineMonitoring asks the node at address to monitor vm.
func (d *Daemon) StartVirtualMachineMonitoring(ctx context.Context, address domain.NetworkAddress, vm *domain.VirtualMachine) error {
	client, err := d.pool.Connect(vm.Location.NodeID, address.String())
	if err != nil {
		return err
	}
	return client.StartVirtualMachineMonitoring(ctx, vm)
}
