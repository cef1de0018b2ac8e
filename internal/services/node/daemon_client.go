// Package node provides clients for the node daemons running on every worker.
// This file contains the Node Daemon gRPC client.
package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/rpc"
)

// ErrRejected is returned when a node daemon answers but refuses the request.
var ErrRejected = errors.New("request rejected by node daemon")

// Client is the node daemon API.
type Client interface {
	HealthCheck(ctx context.Context) (*HealthCheckResponse, error)
	MigrateVirtualMachine(ctx context.Context, req *MigrateRequest) error
	StartVirtualMachineMonitoring(ctx context.Context, vm *domain.VirtualMachine) error
	Suspend(ctx context.Context, nodeID string) error
	Addr() string
	Close() error
}

// DaemonClient provides methods to communicate with a Node Daemon.
type DaemonClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *zap.Logger
}

// NewDaemonClient creates a new gRPC client for the Node Daemon. The
// connection is established lazily on the first call.
//
// Example:
//
//	client, err := node.NewDaemonClient("192.168.1.10:9090", logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.HealthCheck(ctx)
func NewDaemonClient(addr string, logger *zap.Logger) (*DaemonClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(rpc.CallOption()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for node daemon at %s: %w", addr, err)
	}

	logger.Debug("Created node daemon client", zap.String("addr", addr))

	return &DaemonClient{
		conn:   conn,
		addr:   addr,
		logger: logger,
	}, nil
}

// Addr returns the daemon address.
func (c *DaemonClient) Addr() string {
	return c.addr
}

// Close closes the gRPC connection.
func (c *DaemonClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *DaemonClient) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, rpc.MethodName(ServiceName, method), req, resp)
}

// HealthCheck performs a health check on the node daemon.
func (c *DaemonClient) HealthCheck(ctx context.Context) (*HealthCheckResponse, error) {
	resp := &HealthCheckResponse{}
	if err := c.invoke(ctx, MethodHealthCheck, &HealthCheckRequest{}, resp); err != nil {
		c.logger.Error("Health check failed", zap.String("addr", c.addr), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

// MigrateVirtualMachine asks the source node daemon to live-migrate a VM
// and blocks until the migration finished.
func (c *DaemonClient) MigrateVirtualMachine(ctx context.Context, req *MigrateRequest) error {
	c.logger.Info("Migrating VM",
		zap.String("addr", c.addr),
		zap.String("vm_id", req.Source.VMID),
		zap.String("destination", req.Destination.ControlAddress.String()),
	)

	resp := &MigrateResponse{}
	if err := c.invoke(ctx, MethodMigrateVirtualMachine, req, resp); err != nil {
		c.logger.Error("Migrate VM failed",
			zap.String("addr", c.addr),
			zap.String("vm_id", req.Source.VMID),
			zap.Error(err),
		)
		return err
	}
	if !resp.Migrated {
		return fmt.Errorf("%w: migrate %s: %s", ErrRejected, req.Source.VMID, resp.Message)
	}
	return nil
}

// StartVirtualMachineMonitoring asks the node daemon to monitor a VM.
func (c *DaemonClient) StartVirtualMachineMonitoring(ctx context.Context, vm *domain.VirtualMachine) error {
	resp := &StartMonitoringResponse{}
	if err := c.invoke(ctx, MethodStartVirtualMachineMonitoring, &StartMonitoringRequest{VM: vm}, resp); err != nil {
		return err
	}
	if !resp.Started {
		return fmt.Errorf("%w: monitoring %s", ErrRejected, vm.ID)
	}
	return nil
}

// Suspend asks the node daemon to suspend its host.
func (c *DaemonClient) Suspend(ctx context.Context, nodeID string) error {
	c.logger.Info("Suspending node", zap.String("addr", c.addr), zap.String("node_id", nodeID))

	resp := &SuspendResponse{}
	if err := c.invoke(ctx, MethodSuspend, &SuspendRequest{NodeID: nodeID}, resp); err != nil {
		return err
	}
	if !resp.Suspended {
		return fmt.Errorf("%w: suspend %s", ErrRejected, nodeID)
	}
	return nil
}
