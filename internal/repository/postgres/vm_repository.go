package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
)

// UpdateVMLocation moves a VM to a new node if it is still hosted on the
// node named by oldLocation.
func (r *NodeRepository) UpdateVMLocation(ctx context.Context, oldLocation, newLocation domain.VMLocation) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE virtual_machines
		SET node_id = $3, updated_at = NOW()
		WHERE id = $1 AND node_id = $2
	`, oldLocation.VMID, oldLocation.NodeID, newLocation.NodeID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("node %s: %w", newLocation.NodeID, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to update vm location: %w", err)
	}
	if result.RowsAffected() == 1 {
		r.logger.Debug("Updated VM location",
			zap.String("vm_id", oldLocation.VMID),
			zap.String("from", oldLocation.NodeID),
			zap.String("to", newLocation.NodeID),
		)
		return nil
	}

	var owner string
	err = r.db.pool.QueryRow(ctx, `SELECT node_id FROM virtual_machines WHERE id = $1`, oldLocation.VMID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("vm %s: %w", oldLocation.VMID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get vm: %w", err)
	}
	return fmt.Errorf("vm %s is on %s, not %s: %w", oldLocation.VMID, owner, oldLocation.NodeID, domain.ErrConflict)
}

// GetVMMetaData returns the VM hosted at location with its history truncated to depth.
func (r *NodeRepository) GetVMMetaData(ctx context.Context, location domain.VMLocation, depth int) (*domain.VirtualMachine, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT vm.id, vm.ip_address, vm.requested, n.control_host, n.control_port
		FROM virtual_machines vm
		JOIN nodes n ON n.id = vm.node_id
		WHERE vm.id = $1 AND vm.node_id = $2
	`, location.VMID, location.NodeID)

	vm := &domain.VirtualMachine{}
	var ip *string
	var requestedJSON []byte
	var address domain.NetworkAddress
	err := row.Scan(&vm.ID, &ip, &requestedJSON, &address.Host, &address.Port)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vm: %w", err)
	}
	if ip != nil {
		vm.IPAddress = *ip
	}
	if err := unmarshalJSON(requestedJSON, &vm.Requested); err != nil {
		return nil, err
	}
	vm.Location = domain.VMLocation{VMID: vm.ID, NodeID: location.NodeID, ControlAddress: address}

	if r.history != nil {
		history, err := r.history.VMHistory(ctx, vm.ID, depth)
		if err != nil {
			return nil, err
		}
		vm.History = history
	}
	return vm, nil
}

func scanVM(row pgx.Row) (*domain.VirtualMachine, error) {
	vm := &domain.VirtualMachine{}
	var ip *string
	var requestedJSON []byte
	if err := row.Scan(&vm.ID, &ip, &requestedJSON); err != nil {
		return nil, err
	}
	if ip != nil {
		vm.IPAddress = *ip
	}
	if err := unmarshalJSON(requestedJSON, &vm.Requested); err != nil {
		return nil, err
	}
	return vm, nil
}

func unmarshalJSON(data []byte, dest interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}

// isForeignKeyViolation checks if the error is a PostgreSQL foreign key violation.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
