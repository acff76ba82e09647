package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerReconcile verifies cached balances against the movement log.
	TaskLedgerReconcile = "ledger:reconcile"
)

// ReconcilePayload selects the tenants to verify. An empty list falls back
// to the tenants configured on the job.
type ReconcilePayload struct {
	TenantIDs    []int64   `json:"tenant_ids,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewReconcileTask constructs an Asynq task for ledger reconciliation.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Timeout(30*time.Minute)), nil
}
