// Package node provides clients for the node daemons running on every worker.
// This file contains the Watcher which drops unhealthy daemon connections.
package node

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Watcher periodically health checks pooled daemon connections.
type Watcher struct {
	pool     *DaemonPool
	interval time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a new Node Watcher.
func NewWatcher(pool *DaemonPool, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		pool:     pool,
		interval: interval,
		logger:   logger.Named("node-watcher"),
	}
}

// Run checks every connection on each tick until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Starting node watcher", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Node watcher stopped")
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check health checks every pooled connection once and disconnects the
// unhealthy ones. It returns the disconnected node IDs.
func (w *Watcher) Check(ctx context.Context) []string {
	var dropped []string
	for nodeID, healthy := range w.pool.HealthCheckAll(ctx) {
		if healthy {
			continue
		}
		w.logger.Warn("Node daemon unhealthy, dropping connection", zap.String("node_id", nodeID))
		if err := w.pool.Disconnect(nodeID); err != nil {
			w.logger.Warn("Failed to disconnect from daemon pool", zap.Error(err))
		}
		dropped = append(dropped, nodeID)
	}
	return dropped
}
