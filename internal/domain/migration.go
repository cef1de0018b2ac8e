package domain

import "time"

// MigrationTask is the unit of work for relocating one VM.
type MigrationTask struct {
	ID          string             `json:"id"`
	PlanID      string             `json:"plan_id"`
	Source      VMLocation         `json:"source"`
	Destination VMLocation         `json:"destination"`
	Hypervisor  HypervisorSettings `json:"hypervisor"`

	Succeeded     bool   `json:"succeeded"`
	FailureReason string `json:"failure_reason,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns how long the task ran.
func (t *MigrationTask) Duration() time.Duration {
	if t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}
