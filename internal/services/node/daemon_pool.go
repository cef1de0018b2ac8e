// Package node provides clients for the node daemons running on every worker.
// This file contains the Node Daemon connection pool.
package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DialFunc creates a client for the daemon at addr.
type DialFunc func(addr string, logger *zap.Logger) (Client, error)

func defaultDial(addr string, logger *zap.Logger) (Client, error) {
	return NewDaemonClient(addr, logger)
}

// DaemonPool manages connections to multiple node daemons.
// It provides thread-safe access to node daemon clients.
type DaemonPool struct {
	clients map[string]Client
	mu      sync.RWMutex
	dial    DialFunc
	logger  *zap.Logger
}

// NewDaemonPool creates a new daemon pool.
func NewDaemonPool(logger *zap.Logger) *DaemonPool {
	return &DaemonPool{
		clients: make(map[string]Client),
		dial:    defaultDial,
		logger:  logger.With(zap.String("component", "daemon-pool")),
	}
}

// SetDialer replaces the function used to create clients.
func (p *DaemonPool) SetDialer(dial DialFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dial = dial
}

// Connect returns the client for a node, creating it if needed. A cached
// client whose address changed is replaced.
func (p *DaemonPool) Connect(nodeID, addr string) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[nodeID]; ok {
		if client.Addr() == addr {
			return client, nil
		}
		p.logger.Info("Node daemon address changed, reconnecting",
			zap.String("node_id", nodeID),
			zap.String("old_addr", client.Addr()),
			zap.String("addr", addr),
		)
		client.Close()
		delete(p.clients, nodeID)
	}

	client, err := p.dial(addr, p.logger)
	if err != nil {
		return nil, err
	}

	p.clients[nodeID] = client
	return client, nil
}

// Get retrieves a client for a specific node.
// Returns nil if no connection exists.
func (p *DaemonPool) Get(nodeID string) Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[nodeID]
}

// Disconnect closes the connection to a node daemon.
func (p *DaemonPool) Disconnect(nodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, ok := p.clients[nodeID]
	if !ok {
		return nil
	}

	err := client.Close()
	delete(p.clients, nodeID)

	p.logger.Info("Disconnected from node daemon",
		zap.String("node_id", nodeID),
	)

	return err
}

// Close closes all connections in the pool.
func (p *DaemonPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for nodeID, client := range p.clients {
		if err := client.Close(); err != nil {
			p.logger.Error("Error closing connection",
				zap.String("node_id", nodeID),
				zap.Error(err),
			)
			lastErr = err
		}
	}

	p.clients = make(map[string]Client)
	return lastErr
}

// ConnectedNodes returns the IDs of nodes with a cached client, sorted.
func (p *DaemonPool) ConnectedNodes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	nodes := make([]string, 0, len(p.clients))
	for nodeID := range p.clients {
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)
	return nodes
}

// HealthCheckAll performs a health check on all connected nodes.
// Returns a map of node ID to health status.
func (p *DaemonPool) HealthCheckAll(ctx context.Context) map[string]bool {
	p.mu.RLock()
	nodes := make(map[string]Client, len(p.clients))
	for k, v := range p.clients {
		nodes[k] = v
	}
	p.mu.RUnlock()

	results := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for nodeID, client := range nodes {
		wg.Add(1)
		go func(nodeID string, client Client) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			resp, err := client.HealthCheck(checkCtx)
			healthy := err == nil && resp != nil && resp.Healthy

			mu.Lock()
			results[nodeID] = healthy
			mu.Unlock()
		}(nodeID, client)
	}

	wg.Wait()
	return results
}
