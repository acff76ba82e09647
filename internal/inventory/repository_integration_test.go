//go:build integration

package inventory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/buildora/buildora/internal/inventory"
	"github.com/buildora/buildora/internal/masterdata"
	"github.com/buildora/buildora/internal/platform/db"
	"github.com/buildora/buildora/migrations"
)

const (
	pgTenant    int64 = 1
	pgRebar     int64 = 100
	pgCement    int64 = 101
	pgMain      int64 = 10
	pgYard      int64 = 11
	pgTower     int64 = 20
	pgBridge    int64 = 21
	pgSupplier  int64 = 500
	pgOperator  int64 = 7
	pgLongLocks       = 5 * time.Second
)

// setupPostgres starts a disposable PostgreSQL container with the ledger
// schema applied and returns a pool connected to it.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	all, err := migrations.All()
	require.NoError(t, err)
	_, err = db.Migrate(ctx, pool, all)
	require.NoError(t, err)
	return pool
}

type pgLedger struct {
	pool *pgxpool.Pool
	repo *inventory.Repository
	svc  *inventory.Service
}

func newPgLedger(t *testing.T, cfg inventory.RepositoryConfig) *pgLedger {
	t.Helper()
	pool := setupPostgres(t)
	registry := masterdata.NewStatic().
		AddWarehouse(pgTenant, pgMain).
		AddWarehouse(pgTenant, pgYard).
		AddProject(pgTenant, pgTower).
		AddProject(pgTenant, pgBridge).
		AddItem(inventory.Item{ID: pgRebar, TenantID: pgTenant, Name: "Rebar 12mm"}).
		AddItem(inventory.Item{ID: pgCement, TenantID: pgTenant, Name: "Cement 50kg"})
	repo := inventory.NewRepository(pool, cfg)
	return &pgLedger{
		pool: pool,
		repo: repo,
		svc:  inventory.NewService(repo, registry, registry, nil, nil, inventory.ServiceConfig{}),
	}
}

func (l *pgLedger) balance(t *testing.T, item int64, loc inventory.Location) int64 {
	t.Helper()
	ctx := context.Background()
	qty, err := l.svc.GetBalance(ctx, pgTenant, item, loc)
	require.NoError(t, err)
	replayed, err := l.svc.Reconcile(ctx, pgTenant, item, loc)
	require.NoError(t, err)
	require.Equal(t, replayed, qty, "cached balance for %s diverged from replay", loc)
	return qty
}

func (l *pgLedger) history(t *testing.T, filter inventory.MovementFilter) []inventory.MovementRecord {
	t.Helper()
	var out []inventory.MovementRecord
	for rec, err := range l.svc.ListMovements(context.Background(), pgTenant, filter) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

var pgRequests atomic.Int64

func pgRequestID() string {
	return fmt.Sprintf("pg-req-%d", pgRequests.Add(1))
}

func pgProcure(item int64, target inventory.Location, qty int64) inventory.MovementRequest {
	supplier := pgSupplier
	return inventory.MovementRequest{
		TenantID:   pgTenant,
		Type:       inventory.MovementProcurement,
		ItemID:     item,
		Quantity:   qty,
		Target:     &target,
		SupplierID: &supplier,
		RequestID:  pgRequestID(),
		CreatedBy:  pgOperator,
	}
}

func pgMove(typ inventory.MovementType, item int64, source, target inventory.Location, qty int64) inventory.MovementRequest {
	return inventory.MovementRequest{
		TenantID:  pgTenant,
		Type:      typ,
		ItemID:    item,
		Quantity:  qty,
		Source:    &source,
		Target:    &target,
		RequestID: pgRequestID(),
		CreatedBy: pgOperator,
	}
}

func TestIntegration_Repository_Scenarios(t *testing.T) {
	l := newPgLedger(t, inventory.RepositoryConfig{LockTimeout: pgLongLocks})
	ctx := context.Background()
	w, yard := inventory.Warehouse(pgMain), inventory.Warehouse(pgYard)
	tower, bridge := inventory.Project(pgTower), inventory.Project(pgBridge)

	_, err := l.svc.SubmitMovement(ctx, pgProcure(pgRebar, w, 10))
	require.NoError(t, err)
	_, err = l.svc.SubmitMovement(ctx, pgMove(inventory.MovementIssue, pgRebar, w, tower, 3))
	require.NoError(t, err)
	_, err = l.svc.SubmitMovement(ctx, pgMove(inventory.MovementReturn, pgRebar, tower, w, 1))
	require.NoError(t, err)
	_, err = l.svc.SubmitMovement(ctx, pgMove(inventory.MovementTransfer, pgRebar, w, yard, 2))
	require.NoError(t, err)

	_, err = l.svc.SubmitMovement(ctx, pgMove(inventory.MovementIssue, pgRebar, w, bridge, 7))
	var stockErr *inventory.StockError
	require.ErrorAs(t, err, &stockErr)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	require.Equal(t, int64(6), stockErr.Available)

	require.Equal(t, int64(6), l.balance(t, pgRebar, w))
	require.Equal(t, int64(2), l.balance(t, pgRebar, tower))
	require.Equal(t, int64(2), l.balance(t, pgRebar, yard))
	require.Zero(t, l.balance(t, pgRebar, bridge))

	all := l.history(t, inventory.MovementFilter{})
	require.Len(t, all, 4)
	atTower := l.history(t, inventory.MovementFilter{Location: &tower})
	require.Len(t, atTower, 2)

	keys, err := l.svc.BalanceKeys(ctx, pgTenant)
	require.NoError(t, err)
	require.Len(t, keys, 3)
}

func TestIntegration_Repository_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := newPgLedger(t, inventory.RepositoryConfig{LockTimeout: pgLongLocks})
	ctx := context.Background()
	w, yard := inventory.Warehouse(pgMain), inventory.Warehouse(pgYard)

	_, err := l.svc.SubmitMovement(ctx, pgProcure(pgRebar, w, 10))
	require.NoError(t, err)

	const workers = 25
	var (
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	var g errgroup.Group
	for range workers {
		req := pgMove(inventory.MovementTransfer, pgRebar, w, yard, 1)
		g.Go(func() error {
			_, err := l.svc.SubmitMovement(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, inventory.ErrInsufficientStock):
				rejected++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 10, succeeded)
	require.Equal(t, workers-10, rejected)
	require.Zero(t, l.balance(t, pgRebar, w))
	require.Equal(t, int64(10), l.balance(t, pgRebar, yard))
}

func TestIntegration_Repository_OppositeTransfersDoNotDeadlock(t *testing.T) {
	l := newPgLedger(t, inventory.RepositoryConfig{LockTimeout: pgLongLocks})
	ctx := context.Background()
	w, yard := inventory.Warehouse(pgMain), inventory.Warehouse(pgYard)

	_, err := l.svc.SubmitMovement(ctx, pgProcure(pgRebar, w, 50))
	require.NoError(t, err)
	_, err = l.svc.SubmitMovement(ctx, pgMove(inventory.MovementTransfer, pgRebar, w, yard, 25))
	require.NoError(t, err)

	var g errgroup.Group
	for i := range 20 {
		req := pgMove(inventory.MovementTransfer, pgRebar, w, yard, 1)
		if i%2 == 1 {
			req = pgMove(inventory.MovementTransfer, pgRebar, yard, w, 1)
		}
		g.Go(func() error {
			_, err := l.svc.SubmitMovement(ctx, req)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(25), l.balance(t, pgRebar, w))
	require.Equal(t, int64(25), l.balance(t, pgRebar, yard))
}

func TestIntegration_Repository_LockTimeoutIsConcurrencyConflict(t *testing.T) {
	l := newPgLedger(t, inventory.RepositoryConfig{LockTimeout: 200 * time.Millisecond})
	ctx := context.Background()
	w := inventory.Warehouse(pgMain)

	_, err := l.svc.SubmitMovement(ctx, pgProcure(pgRebar, w, 5))
	require.NoError(t, err)

	holder, err := l.pool.Begin(ctx)
	require.NoError(t, err)
	defer holder.Rollback(ctx) //nolint:errcheck
	_, err = holder.Exec(ctx, `SELECT qty FROM stock_balances
WHERE tenant_id=$1 AND item_id=$2 AND location_kind='warehouse' AND location_id=$3 FOR UPDATE`, pgTenant, pgRebar, pgMain)
	require.NoError(t, err)

	_, err = l.svc.SubmitMovement(ctx, pgMove(inventory.MovementIssue, pgRebar, w, inventory.Project(pgTower), 1))
	require.ErrorIs(t, err, inventory.ErrConcurrencyConflict)
	require.True(t, inventory.IsRetryable(err))

	require.NoError(t, holder.Rollback(ctx))
	require.Equal(t, int64(5), l.balance(t, pgRebar, w))
}

func TestIntegration_Repository_ConcurrentDuplicatesCommitOnce(t *testing.T) {
	l := newPgLedger(t, inventory.RepositoryConfig{LockTimeout: pgLongLocks})
	ctx := context.Background()
	w := inventory.Warehouse(pgMain)
	req := pgProcure(pgRebar, w, 4)

	ids := make([]int64, 8)
	var g errgroup.Group
	for i := range ids {
		g.Go(func() error {
			rec, err := l.svc.SubmitMovement(ctx, req)
			ids[i] = rec.ID
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	require.Len(t, l.history(t, inventory.MovementFilter{}), 1)
	require.Equal(t, int64(4), l.balance(t, pgRebar, w))
}

func TestIntegration_Repository_BalanceConstraintIsInsufficientStock(t *testing.T) {
	l := newPgLedger(t, inventory.RepositoryConfig{LockTimeout: pgLongLocks})
	ctx := context.Background()
	key := inventory.BalanceKey{TenantID: pgTenant, ItemID: pgCement, Location: inventory.Warehouse(pgYard)}

	err := l.repo.WithTx(ctx, func(ctx context.Context, tx inventory.TxStore) error {
		return tx.ApplyDelta(ctx, key, -1)
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	require.False(t, inventory.IsRetryable(err))
}

func TestIntegration_Repository_HistoryPagesInOrder(t *testing.T) {
	l := newPgLedger(t, inventory.RepositoryConfig{LockTimeout: pgLongLocks, HistoryPageSize: 2})
	ctx := context.Background()
	w := inventory.Warehouse(pgMain)

	var want []string
	for range 5 {
		req := pgProcure(pgRebar, w, 1)
		want = append(want, req.RequestID)
		_, err := l.svc.SubmitMovement(ctx, req)
		require.NoError(t, err)
	}

	seq := l.svc.ListMovements(ctx, pgTenant, inventory.MovementFilter{ItemID: pgRebar})
	for range 2 {
		var got []string
		var last inventory.MovementRecord
		for rec, err := range seq {
			require.NoError(t, err)
			if last.ID != 0 {
				require.False(t, rec.CreatedAt.Before(last.CreatedAt))
				require.Greater(t, rec.ID, last.ID)
			}
			got = append(got, rec.RequestID)
			last = rec
		}
		require.Equal(t, want, got)
	}
}

func TestIntegration_Repository_LateCommitNeverLandsBehindVisibleEvents(t *testing.T) {
	l := newPgLedger(t, inventory.RepositoryConfig{LockTimeout: pgLongLocks})
	ctx := context.Background()
	w := inventory.Warehouse(pgMain)
	supplier := pgSupplier
	event := func(item int64, requestID string) inventory.MovementRecord {
		return inventory.MovementRecord{
			TenantID: pgTenant, Type: inventory.MovementProcurement, ItemID: item, Quantity: 1,
			Target: &w, SupplierID: &supplier, RequestID: requestID, CreatedBy: pgOperator,
		}
	}

	appended := make(chan struct{})
	release := make(chan struct{})
	slowDone := make(chan error, 1)
	go func() {
		slowDone <- l.repo.WithTx(ctx, func(ctx context.Context, tx inventory.TxStore) error {
			if _, err := tx.AppendEvent(ctx, event(pgRebar, "slow")); err != nil {
				return err
			}
			close(appended)
			<-release
			return nil
		})
	}()
	<-appended

	fastDone := make(chan error, 1)
	go func() {
		fastDone <- l.repo.WithTx(ctx, func(ctx context.Context, tx inventory.TxStore) error {
			_, err := tx.AppendEvent(ctx, event(pgCement, "fast"))
			return err
		})
	}()

	select {
	case err := <-fastDone:
		t.Fatalf("append committed while an earlier append was open: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	require.Empty(t, l.history(t, inventory.MovementFilter{}))

	close(release)
	require.NoError(t, <-slowDone)
	require.NoError(t, <-fastDone)

	history := l.history(t, inventory.MovementFilter{})
	require.Len(t, history, 2)
	require.Equal(t, "slow", history[0].RequestID)
	require.Equal(t, "fast", history[1].RequestID)
	require.Less(t, history[0].ID, history[1].ID)
}

func TestIntegration_Repository_VerifyAndImmutability(t *testing.T) {
	l := newPgLedger(t, inventory.RepositoryConfig{LockTimeout: pgLongLocks})
	ctx := context.Background()
	w := inventory.Warehouse(pgMain)
	key := inventory.BalanceKey{TenantID: pgTenant, ItemID: pgRebar, Location: w}

	rec, err := l.svc.SubmitMovement(ctx, pgProcure(pgRebar, w, 7))
	require.NoError(t, err)

	report, err := l.svc.Verify(ctx, key)
	require.NoError(t, err)
	require.Zero(t, report.Drift())

	_, err = l.pool.Exec(ctx, `UPDATE stock_balances SET qty = qty + 2 WHERE tenant_id=$1 AND item_id=$2`, pgTenant, pgRebar)
	require.NoError(t, err)
	report, err = l.svc.Verify(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(2), report.Drift())

	_, err = l.pool.Exec(ctx, `UPDATE movement_events SET quantity = 1 WHERE id=$1`, rec.ID)
	require.Error(t, err)
	_, err = l.pool.Exec(ctx, `DELETE FROM movement_events WHERE id=$1`, rec.ID)
	require.Error(t, err)
}
