// Package migration drives reconfiguration plans to completion.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/metrics"
)

var (
	// ErrInvalidPlan is returned for a plan that relocates nothing or releases no node.
	ErrInvalidPlan = errors.New("invalid migration plan")

	// ErrMigrationTimeout is the failure reason of a migration stopped by its watchdog.
	ErrMigrationTimeout = errors.New("migration timed out")

	// ErrInvalidDestination is returned when a finished task lacks a destination address or node.
	ErrInvalidDestination = errors.New("invalid migration destination")
)

// monitoringDepth is the number of samples fetched with fresh VM metadata.
const monitoringDepth = 1

// Daemon is the remote node API used during enforcement.
type Daemon interface {
	// MigrateVirtualMachine live-migrates the task's VM from its source node.
	MigrateVirtualMachine(ctx context.Context, task domain.MigrationTask) error
	// StartVirtualMachineMonitoring asks the node at address to monitor vm.
	StartVirtualMachineMonitoring(ctx context.Context, address domain.NetworkAddress, vm *domain.VirtualMachine) error
}

// Repository is the persistence used to record relocated VMs.
type Repository interface {
	UpdateVMLocation(ctx context.Context, oldLocation, newLocation domain.VMLocation) error
	GetVMMetaData(ctx context.Context, location domain.VMLocation, depth int) (*domain.VirtualMachine, error)
}

// PlanListener is notified once every migration of a plan has been settled.
type PlanListener interface {
	OnMigrationPlanEnforced(ctx context.Context, summary Summary)
}

// Summary reports the outcome of an enforced plan.
type Summary struct {
	PlanID    string
	Total     int
	Succeeded int
	Failed    int
	// Relocated counts succeeded migrations whose location was recorded.
	Relocated int
}

// Config holds enforcer configuration.
type Config struct {
	// Timeout bounds each individual migration.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the default enforcer configuration.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Minute}
}

// Enforcer runs every migration of a plan concurrently, waits for all of
// them to settle, then records the relocations.
type Enforcer struct {
	config  Config
	daemon  Daemon
	repo    Repository
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewEnforcer creates a migration plan enforcer.
func NewEnforcer(config Config, daemon Daemon, repo Repository, m *metrics.Metrics, logger *zap.Logger) *Enforcer {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Enforcer{
		config:  config,
		daemon:  daemon,
		repo:    repo,
		metrics: m,
		logger:  logger.With(zap.String("component", "migration-enforcer")),
	}
}

// Enforce validates plan and dispatches its migrations. It returns once
// every migration is started; listener is called exactly once after all of
// them finished and were processed. Cancelling ctx does not stop enforcement.
func (e *Enforcer) Enforce(ctx context.Context, plan *domain.ReconfigurationPlan, listener PlanListener) error {
	if err := validate(plan); err != nil {
		e.metrics.PlanRejected()
		return err
	}
	e.metrics.PlanEnforced()

	e.logger.Info("Enforcing migration plan",
		zap.String("plan_id", plan.ID),
		zap.Int("migrations", plan.NumberOfMigrations()),
		zap.Int("used_nodes", plan.UsedNodes()),
		zap.Int("released_nodes", plan.ReleasedNodes()),
	)

	runCtx := context.WithoutCancel(ctx)
	reports := make(chan *domain.MigrationTask, plan.NumberOfMigrations())

	for _, m := range plan.Migrations {
		e.start(runCtx, newTask(plan.ID, m), reports)
	}

	go e.aggregate(runCtx, plan.ID, plan.NumberOfMigrations(), reports, listener)
	return nil
}

func validate(plan *domain.ReconfigurationPlan) error {
	if plan == nil {
		return fmt.Errorf("%w: plan is not available", ErrInvalidPlan)
	}
	if plan.ReleasedNodes() == 0 {
		return fmt.Errorf("%w: plan releases no node", ErrInvalidPlan)
	}
	if plan.NumberOfMigrations() == 0 {
		return fmt.Errorf("%w: plan has no migrations", ErrInvalidPlan)
	}
	return nil
}

func newTask(planID string, m domain.Migration) *domain.MigrationTask {
	source := m.VM.Location
	return &domain.MigrationTask{
		ID:     uuid.New().String(),
		PlanID: planID,
		Source: source,
		Destination: domain.VMLocation{
			VMID:           source.VMID,
			NodeID:         m.Destination.ID,
			ControlAddress: m.Destination.ControlAddress,
		},
		Hypervisor: m.Destination.Hypervisor,
	}
}

// start launches the mover and its watchdog. Whichever finishes first
// reports the task; the other report is dropped.
func (e *Enforcer) start(ctx context.Context, task *domain.MigrationTask, reports chan<- *domain.MigrationTask) {
	task.StartedAt = time.Now()
	request := *task

	var once sync.Once
	report := func(err error) {
		once.Do(func() {
			task.FinishedAt = time.Now()
			task.Succeeded = err == nil
			if err != nil {
				task.FailureReason = err.Error()
			}
			reports <- task
		})
	}

	moverCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	done := make(chan struct{})

	e.logger.Debug("Starting migration",
		zap.String("task_id", task.ID),
		zap.String("vm_id", task.Source.VMID),
		zap.String("from", task.Source.NodeID),
		zap.String("to", task.Destination.NodeID),
	)

	go func() {
		defer close(done)
		report(e.daemon.MigrateVirtualMachine(moverCtx, request))
	}()

	go func() {
		defer cancel()
		timer := time.NewTimer(e.config.Timeout)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			e.logger.Warn("Migration watchdog fired",
				zap.String("task_id", task.ID),
				zap.String("vm_id", task.Source.VMID),
				zap.Duration("timeout", e.config.Timeout),
			)
			report(ErrMigrationTimeout)
		}
	}()
}

// aggregate waits for n reports, processes every task, then notifies listener.
func (e *Enforcer) aggregate(ctx context.Context, planID string, n int, reports <-chan *domain.MigrationTask, listener PlanListener) {
	finished := make([]*domain.MigrationTask, 0, n)
	for len(finished) < n {
		finished = append(finished, <-reports)
	}

	e.logger.Debug("All migrations finished, processing", zap.String("plan_id", planID))

	summary := Summary{PlanID: planID, Total: n}
	for _, task := range finished {
		e.metrics.MigrationFinished(task.Succeeded, task.Duration())

		if !task.Succeeded {
			summary.Failed++
			e.logger.Warn("Migration failed, VM stays at its source",
				zap.String("task_id", task.ID),
				zap.String("vm_id", task.Source.VMID),
				zap.String("node_id", task.Source.NodeID),
				zap.String("reason", task.FailureReason),
			)
			continue
		}

		summary.Succeeded++
		if err := e.process(ctx, task); err != nil {
			e.logger.Error("Failed to process finished migration",
				zap.String("task_id", task.ID),
				zap.String("vm_id", task.Source.VMID),
				zap.Error(err),
			)
			continue
		}
		summary.Relocated++
	}

	e.logger.Info("Migration plan enforced",
		zap.String("plan_id", planID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("relocated", summary.Relocated),
	)

	if listener != nil {
		listener.OnMigrationPlanEnforced(ctx, summary)
	}
}

// process records a successful migration. A monitoring restart failure is
// only logged since the VM already runs on its destination.
func (e *Enforcer) process(ctx context.Context, task *domain.MigrationTask) error {
	dest := task.Destination
	if dest.ControlAddress.IsZero() {
		return fmt.Errorf("%w: missing control address", ErrInvalidDestination)
	}
	if dest.NodeID == "" {
		return fmt.Errorf("%w: missing node identifier", ErrInvalidDestination)
	}

	if err := e.repo.UpdateVMLocation(ctx, task.Source, dest); err != nil {
		return fmt.Errorf("failed to update location: %w", err)
	}

	vm, err := e.repo.GetVMMetaData(ctx, dest, monitoringDepth)
	if err != nil {
		return fmt.Errorf("failed to get metadata: %w", err)
	}

	if err := e.daemon.StartVirtualMachineMonitoring(ctx, dest.ControlAddress, vm); err != nil {
		e.logger.Warn("Failed to start monitoring on destination",
			zap.String("vm_id", dest.VMID),
			zap.String("node_id", dest.NodeID),
			zap.Error(err),
		)
	}

	e.logger.Info("VM relocated",
		zap.String("vm_id", dest.VMID),
		zap.String("from", task.Source.NodeID),
		zap.String("to", dest.NodeID),
	)
	return nil
}
