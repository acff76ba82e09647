package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/buildora/buildora/jobs"
)

// JobsCLI wraps manual management helpers for the reconcile queue.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
	now       func() time.Time
}

// NewJobsCLI initialises the CLI helpers against the given Redis connection.
func NewJobsCLI(redisOpts asynq.RedisConnOpt) *JobsCLI {
	return &JobsCLI{
		client:    jobs.NewClient(redisOpts),
		inspector: asynq.NewInspector(redisOpts),
		now:       time.Now,
	}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// TriggerReconcile enqueues a reconcile run. An empty tenant list lets the
// worker use its configured tenants.
func (c *JobsCLI) TriggerReconcile(ctx context.Context, tenants []int64) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueReconcile(ctx, jobs.ReconcilePayload{
		TenantIDs:    tenants,
		ScheduledFor: c.now().UTC(),
	})
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}

// ParseTenants converts positional tenant ids.
func ParseTenants(args []string) ([]int64, error) {
	tenants := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid tenant id %q", arg)
		}
		tenants = append(tenants, id)
	}
	return tenants, nil
}
