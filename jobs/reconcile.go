package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/buildora/buildora/internal/inventory"
	jobmetrics "github.com/buildora/buildora/internal/jobs"
)

const reconcileJobName = "ledger_reconcile"

// Verifier is the part of the ledger service the reconcile job needs.
type Verifier interface {
	BalanceKeys(ctx context.Context, tenantID int64) ([]inventory.BalanceKey, error)
	Verify(ctx context.Context, key inventory.BalanceKey) (inventory.ReconcileReport, error)
}

// ReconcileSummary reports one reconcile run.
type ReconcileSummary struct {
	Tenants int
	Checked int
	Drifted []inventory.ReconcileReport
	Failed  int
}

// ReconcileJob replays the movement log of every cached balance and reports
// drift. It never rewrites balances.
type ReconcileJob struct {
	Ledger      Verifier
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Tenants     []int64
	Concurrency int
}

// NewReconcileJob initialises the reconcile handler.
func NewReconcileJob(ledger Verifier, tenants []int64, concurrency int, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{
		Ledger:      ledger,
		Logger:      logger,
		Metrics:     metrics,
		Tenants:     tenants,
		Concurrency: concurrency,
	}
}

// Handle executes TaskLedgerReconcile tasks.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("ledger reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("ledger reconcile: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tenants := payload.TenantIDs
	if len(tenants) == 0 {
		tenants = j.Tenants
	}
	_, err := j.Run(ctx, tenants)
	return err
}

// Run verifies all balances of the given tenants.
func (j *ReconcileJob) Run(ctx context.Context, tenants []int64) (ReconcileSummary, error) {
	if j == nil || j.Ledger == nil {
		return ReconcileSummary{}, errors.New("ledger reconcile: ledger not configured")
	}
	start := time.Now()
	tracker := j.Metrics.Track(reconcileJobName)
	logger := j.logger().With(slog.Int("tenants", len(tenants)))
	logger.Info("starting ledger reconcile")

	summary := ReconcileSummary{Tenants: len(tenants)}
	var errs []error
	for _, tenantID := range tenants {
		res, err := j.reconcileTenant(ctx, tenantID)
		summary.Checked += res.Checked
		summary.Failed += res.Failed
		summary.Drifted = append(summary.Drifted, res.Drifted...)
		if err != nil {
			logger.Error("tenant reconcile failed", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("tenant %d: %w", tenantID, err))
		}
	}

	err := errors.Join(errs...)
	logger.Info("completed ledger reconcile",
		slog.Int("checked", summary.Checked),
		slog.Int("drifted", len(summary.Drifted)),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", time.Since(start)),
	)
	return summary, tracker.End(err)
}

func (j *ReconcileJob) reconcileTenant(ctx context.Context, tenantID int64) (ReconcileSummary, error) {
	keys, err := j.Ledger.BalanceKeys(ctx, tenantID)
	if err != nil {
		return ReconcileSummary{Failed: 1}, err
	}

	var (
		mu     sync.Mutex
		result ReconcileSummary
		failed []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency())
	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report, err := j.Ledger.Verify(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				failed = append(failed, fmt.Errorf("%s: %w", key, err))
				return nil
			}
			result.Checked++
			if report.Drift() != 0 {
				result.Drifted = append(result.Drifted, report)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	j.Metrics.AddChecked(reconcileJobName, result.Checked)
	j.Metrics.AddDrift(tenantID, len(result.Drifted))
	return result, errors.Join(failed...)
}

func (j *ReconcileJob) concurrency() int {
	if j.Concurrency <= 0 {
		return 4
	}
	return j.Concurrency
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return j.Logger
}
