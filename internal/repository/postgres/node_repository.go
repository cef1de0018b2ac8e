package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
)

// HistoryStore holds bounded monitoring history outside the relational store.
type HistoryStore interface {
	AppendVMSamples(ctx context.Context, vmID string, samples []domain.MonitoringSample) error
	AppendMetricSamples(ctx context.Context, nodeID, metric string, samples []domain.MetricSample) error
	VMHistory(ctx context.Context, vmID string, depth int) ([]domain.MonitoringSample, error)
	NodeMetrics(ctx context.Context, nodeID string, depth int) (map[string]*domain.MetricSeries, error)
	DeleteVMHistory(ctx context.Context, vmID string) error
}

// NodeRepository stores node and VM descriptions in PostgreSQL and their
// monitoring history in a HistoryStore.
type NodeRepository struct {
	db      *DB
	history HistoryStore
	logger  *zap.Logger
}

// NewNodeRepository creates a new PostgreSQL Node repository. history may be
// nil, in which case descriptions carry no monitoring history.
func NewNodeRepository(db *DB, history HistoryStore, logger *zap.Logger) *NodeRepository {
	return &NodeRepository{
		db:      db,
		history: history,
		logger:  logger.With(zap.String("repository", "node")),
	}
}

const nodeColumns = `
	id, hostname, control_host, control_port, status, state,
	total_capacity, hypervisor, power, created_at, updated_at, last_heartbeat`

// SaveNode creates or replaces a node description and the VMs it hosts.
// Monitoring history carried by the node is not stored; it only enters
// through AppendMonitoringReport.
func (r *NodeRepository) SaveNode(ctx context.Context, n *domain.Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("%w: node id is required", domain.ErrInvalidArgument)
	}

	capacityJSON, err := json.Marshal(n.TotalCapacity)
	if err != nil {
		return fmt.Errorf("failed to marshal capacity: %w", err)
	}
	hypervisorJSON, err := json.Marshal(n.Hypervisor)
	if err != nil {
		return fmt.Errorf("failed to marshal hypervisor: %w", err)
	}
	powerJSON, err := json.Marshal(n.Power)
	if err != nil {
		return fmt.Errorf("failed to marshal power: %w", err)
	}

	status := n.Status
	if status == "" {
		status = domain.NodeStatusActive
	}
	state := n.State
	if state == "" {
		state = domain.NodeStateStable
	}

	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO nodes (id, hostname, control_host, control_port, status, state, total_capacity, hypervisor, power)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			control_host = EXCLUDED.control_host,
			control_port = EXCLUDED.control_port,
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			total_capacity = EXCLUDED.total_capacity,
			hypervisor = EXCLUDED.hypervisor,
			power = EXCLUDED.power,
			updated_at = NOW()
	`,
		n.ID,
		n.Hostname,
		n.ControlAddress.Host,
		n.ControlAddress.Port,
		string(status),
		string(state),
		capacityJSON,
		hypervisorJSON,
		powerJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}

	vmIDs := make([]string, 0, len(n.VMs))
	batch := &pgx.Batch{}
	for _, vm := range n.VMList() {
		requestedJSON, err := json.Marshal(vm.Requested)
		if err != nil {
			return fmt.Errorf("failed to marshal requested: %w", err)
		}
		batch.Queue(`
			INSERT INTO virtual_machines (id, node_id, ip_address, requested)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				node_id = EXCLUDED.node_id,
				ip_address = EXCLUDED.ip_address,
				requested = EXCLUDED.requested,
				updated_at = NOW()
		`, vm.ID, n.ID, vm.IPAddress, requestedJSON)
		vmIDs = append(vmIDs, vm.ID)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert vms: %w", err)
		}
	}

	rows, err := tx.Query(ctx,
		`DELETE FROM virtual_machines WHERE node_id = $1 AND NOT (id = ANY($2)) RETURNING id`,
		n.ID, vmIDs,
	)
	if err != nil {
		return fmt.Errorf("failed to prune vms: %w", err)
	}
	pruned, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to prune vms: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit node: %w", err)
	}

	r.dropHistory(ctx, pruned)

	r.logger.Debug("Saved node",
		zap.String("node_id", n.ID),
		zap.Int("vms", len(vmIDs)),
		zap.Int("pruned", len(pruned)),
	)
	return nil
}

// dropHistory deletes the monitoring history of VMs no longer stored. A
// failure leaves orphaned samples behind and is only logged.
func (r *NodeRepository) dropHistory(ctx context.Context, vmIDs []string) {
	if r.history == nil {
		return
	}
	for _, id := range vmIDs {
		if err := r.history.DeleteVMHistory(ctx, id); err != nil {
			r.logger.Warn("Failed to delete VM history", zap.String("vm_id", id), zap.Error(err))
		}
	}
}

// GetNodeDescription returns the node with its VMs and histories truncated to depth.
func (r *NodeRepository) GetNodeDescription(ctx context.Context, id string, depth int) (*domain.Node, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	if err := r.loadVMs(ctx, n, depth); err != nil {
		return nil, err
	}
	if err := r.loadMetrics(ctx, n, depth); err != nil {
		return nil, err
	}
	return n, nil
}

// ListNodeDescriptions returns every node ordered by ID.
func (r *NodeRepository) ListNodeDescriptions(ctx context.Context, depth int, excludePassive bool) ([]*domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	args := []interface{}{}
	if excludePassive {
		query += ` WHERE status <> $1`
		args = append(args, string(domain.NodeStatusPassive))
	}
	query += ` ORDER BY id`

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	for _, n := range nodes {
		if err := r.loadVMs(ctx, n, depth); err != nil {
			return nil, err
		}
		if err := r.loadMetrics(ctx, n, depth); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// UpdateNodeStatus updates the power status of a node.
func (r *NodeRepository) UpdateNodeStatus(ctx context.Context, id string, status domain.NodeStatus) error {
	return r.updateColumn(ctx, "status", id, string(status))
}

// UpdateNodeState updates the load classification of a node.
func (r *NodeRepository) UpdateNodeState(ctx context.Context, id string, state domain.NodeState) error {
	return r.updateColumn(ctx, "state", id, string(state))
}

func (r *NodeRepository) updateColumn(ctx context.Context, column, id, value string) error {
	result, err := r.db.pool.Exec(ctx,
		`UPDATE nodes SET `+column+` = $2, updated_at = NOW() WHERE id = $1`,
		id, value,
	)
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", column, err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendMonitoringReport records a heartbeat and appends the report's samples
// to the history store. Unknown VMs are registered on the reporting node in
// the same transaction as the heartbeat; samples for VMs owned by another
// node are dropped.
func (r *NodeRepository) AppendMonitoringReport(ctx context.Context, report *domain.MonitoringReport) error {
	ts := report.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx,
		`UPDATE nodes SET last_heartbeat = $2 WHERE id = $1`,
		report.NodeID, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	var owned map[string]bool
	if len(report.VMs) > 0 {
		reported := reportedVMIDs(report)
		if err := tx.SendBatch(ctx, registerVMsBatch(report.NodeID, reported)).Close(); err != nil {
			return fmt.Errorf("failed to register vms: %w", err)
		}
		if owned, err = ownedVMs(ctx, tx, report.NodeID, reported); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}

	if r.history == nil {
		return nil
	}
	for id, samples := range report.VMs {
		if !owned[id] {
			r.logger.Debug("Dropping samples for VM hosted elsewhere",
				zap.String("node_id", report.NodeID),
				zap.String("vm_id", id),
			)
			continue
		}
		if err := r.history.AppendVMSamples(ctx, id, samples); err != nil {
			return err
		}
	}
	for name, samples := range report.Metrics {
		if err := r.history.AppendMetricSamples(ctx, report.NodeID, name, samples); err != nil {
			return err
		}
	}
	return nil
}

// reportedVMIDs returns the report's VM identifiers sorted, so concurrent
// reports lock rows in the same order.
func reportedVMIDs(report *domain.MonitoringReport) []string {
	ids := make([]string, 0, len(report.VMs))
	for id := range report.VMs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// registerVMsBatch queues one insert per VM, leaving VMs already known to
// any node untouched.
func registerVMsBatch(nodeID string, vmIDs []string) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, id := range vmIDs {
		batch.Queue(`
			INSERT INTO virtual_machines (id, node_id, requested)
			VALUES ($1, $2, '{}'::jsonb)
			ON CONFLICT (id) DO NOTHING
		`, id, nodeID)
	}
	return batch
}

func ownedVMs(ctx context.Context, tx pgx.Tx, nodeID string, ids []string) (map[string]bool, error) {
	rows, err := tx.Query(ctx,
		`SELECT id FROM virtual_machines WHERE node_id = $1 AND id = ANY($2)`,
		nodeID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query vms: %w", err)
	}
	defer rows.Close()

	owned := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan vm: %w", err)
		}
		owned[id] = true
	}
	return owned, rows.Err()
}

func (r *NodeRepository) loadVMs(ctx context.Context, n *domain.Node, depth int) error {
	rows, err := r.db.pool.Query(ctx,
		`SELECT id, ip_address, requested FROM virtual_machines WHERE node_id = $1 ORDER BY id`,
		n.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to list vms: %w", err)
	}
	defer rows.Close()

	n.VMs = make(map[string]*domain.VirtualMachine)
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return fmt.Errorf("failed to scan vm: %w", err)
		}
		vm.Location = domain.VMLocation{VMID: vm.ID, NodeID: n.ID, ControlAddress: n.ControlAddress}
		n.VMs[vm.ID] = vm
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list vms: %w", err)
	}

	if r.history == nil {
		return nil
	}
	for _, vm := range n.VMs {
		history, err := r.history.VMHistory(ctx, vm.ID, depth)
		if err != nil {
			return err
		}
		vm.History = history
	}
	return nil
}

func (r *NodeRepository) loadMetrics(ctx context.Context, n *domain.Node, depth int) error {
	n.Metrics = make(map[string]*domain.MetricSeries)
	if r.history == nil {
		return nil
	}
	metrics, err := r.history.NodeMetrics(ctx, n.ID, depth)
	if err != nil {
		return err
	}
	n.Metrics = metrics
	return nil
}

func scanNode(row pgx.Row) (*domain.Node, error) {
	n := &domain.Node{}
	var status, state string
	var capacityJSON, hypervisorJSON, powerJSON []byte

	err := row.Scan(
		&n.ID,
		&n.Hostname,
		&n.ControlAddress.Host,
		&n.ControlAddress.Port,
		&status,
		&state,
		&capacityJSON,
		&hypervisorJSON,
		&powerJSON,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.LastHeartbeat,
	)
	if err != nil {
		return nil, err
	}

	n.Status = domain.NodeStatus(status)
	n.State = domain.NodeState(state)
	if err := unmarshalJSON(capacityJSON, &n.TotalCapacity); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(hypervisorJSON, &n.Hypervisor); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(powerJSON, &n.Power); err != nil {
		return nil, err
	}
	return n, nil
}
