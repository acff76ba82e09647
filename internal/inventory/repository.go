package inventory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildora/buildora/internal/platform/db"
	"github.com/buildora/buildora/internal/shared"
)

const (
	requestConstraint      = "movement_events_request_key"
	defaultHistoryPageSize = 500
)

// RepositoryConfig tunes the PostgreSQL store.
type RepositoryConfig struct {
	// LockTimeout bounds how long a commit waits for a balance row lock.
	LockTimeout     time.Duration
	HistoryPageSize int
}

// Repository persists movement events and balances in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	pageSize    int
}

var _ Store = (*Repository)(nil)

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, cfg RepositoryConfig) *Repository {
	pageSize := cfg.HistoryPageSize
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	return &Repository{pool: pool, lockTimeout: cfg.LockTimeout, pageSize: pageSize}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a read-committed transaction. Row locks
// taken by LockForDebit make concurrent debits of one key observe each
// other's committed balance instead of failing with serialization errors.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if r.lockTimeout > 0 {
			if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", r.lockTimeout.Milliseconds())); err != nil {
				return classify("set lock timeout", err)
			}
		}
		return fn(ctx, &txRepository{tx: tx})
	})
	return classify("commit movement", err)
}

// Snapshot runs fn inside a read-only repeatable-read transaction.
func (r *Repository) Snapshot(ctx context.Context, fn func(context.Context, Reader) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return fn(ctx, pgReader{q: tx, pageSize: r.pageSize})
	})
	return classify("snapshot", err)
}

// Balance reads the cached balance; a missing row is zero.
func (r *Repository) Balance(ctx context.Context, key BalanceKey) (int64, error) {
	return pgReader{q: r.pool, pageSize: r.pageSize}.Balance(ctx, key)
}

// History pages through events in (created_at, id) order. Each range over the
// sequence starts again from the first event.
func (r *Repository) History(ctx context.Context, tenantID int64, filter MovementFilter) iter.Seq2[MovementRecord, error] {
	return pgReader{q: r.pool, pageSize: r.pageSize}.History(ctx, tenantID, filter)
}

func (r *Repository) FindByRequestID(ctx context.Context, tenantID int64, requestID string) (MovementRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+movementColumns+` FROM movement_events WHERE tenant_id=$1 AND request_id=$2`, tenantID, requestID)
	rec, err := scanMovement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return MovementRecord{}, ErrMovementNotFound
	}
	if err != nil {
		return MovementRecord{}, classify("find request", err)
	}
	return rec, nil
}

func (r *Repository) BalanceKeys(ctx context.Context, tenantID int64) ([]BalanceKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT item_id, location_kind, location_id FROM stock_balances
WHERE tenant_id=$1
ORDER BY item_id, location_kind, location_id`, tenantID)
	if err != nil {
		return nil, classify("list balance keys", err)
	}
	defer rows.Close()
	keys := []BalanceKey{}
	for rows.Next() {
		key := BalanceKey{TenantID: tenantID}
		var kind string
		if err := rows.Scan(&key.ItemID, &kind, &key.Location.ID); err != nil {
			return nil, classify("scan balance key", err)
		}
		key.Location.Kind = LocationKind(kind)
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list balance keys", err)
	}
	return keys, nil
}

// LockForDebit locks the source and target balance rows in key order so
// opposite transfers cannot deadlock, and returns the source balance.
func (r *txRepository) LockForDebit(ctx context.Context, source, target BalanceKey) (int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT location_kind, location_id, qty FROM stock_balances
WHERE tenant_id=$1 AND item_id=$2
  AND ((location_kind=$3 AND location_id=$4) OR (location_kind=$5 AND location_id=$6))
ORDER BY location_kind, location_id
FOR UPDATE`, source.TenantID, source.ItemID, string(source.Location.Kind), source.Location.ID, string(target.Location.Kind), target.Location.ID)
	if err != nil {
		return 0, classify("lock balance", err)
	}
	defer rows.Close()
	var available int64
	for rows.Next() {
		var (
			kind string
			id   int64
			qty  int64
		)
		if err := rows.Scan(&kind, &id, &qty); err != nil {
			return 0, classify("lock balance", err)
		}
		if LocationKind(kind) == source.Location.Kind && id == source.Location.ID {
			available = qty
		}
	}
	if err := rows.Err(); err != nil {
		return 0, classify("lock balance", err)
	}
	return available, nil
}

// AppendEvent takes the tenant append lock before inserting. The lock is held
// until commit, so id and created_at of a tenant's events follow commit order
// and keyset readers never see a late event land behind their cursor.
func (r *txRepository) AppendEvent(ctx context.Context, rec MovementRecord) (MovementRecord, error) {
	if _, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('movement_events', $1))`, rec.TenantID); err != nil {
		return MovementRecord{}, classify("lock tenant events", err)
	}
	srcKind, srcID := locationArgs(rec.Source)
	tgtKind, tgtID := locationArgs(rec.Target)
	err := r.tx.QueryRow(ctx, `INSERT INTO movement_events
(tenant_id, movement_type, item_id, quantity, source_kind, source_id, target_kind, target_id, supplier_id, receiver_id, request_id, created_by, note)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING id, created_at`,
		rec.TenantID, string(rec.Type), rec.ItemID, rec.Quantity, srcKind, srcID, tgtKind, tgtID,
		rec.SupplierID, rec.ReceiverID, rec.RequestID, rec.CreatedBy, rec.Note).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return MovementRecord{}, classify("append movement", err)
	}
	return rec, nil
}

func (r *txRepository) ApplyDelta(ctx context.Context, key BalanceKey, delta int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (tenant_id, item_id, location_kind, location_id, qty, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (tenant_id, item_id, location_kind, location_id)
DO UPDATE SET qty = stock_balances.qty + EXCLUDED.qty, updated_at = NOW()`,
		key.TenantID, key.ItemID, string(key.Location.Kind), key.Location.ID, delta)
	return classify("apply balance delta", err)
}

type pgReader struct {
	q        querier
	pageSize int
}

func (r pgReader) Balance(ctx context.Context, key BalanceKey) (int64, error) {
	var qty int64
	err := r.q.QueryRow(ctx, `SELECT qty FROM stock_balances WHERE tenant_id=$1 AND item_id=$2 AND location_kind=$3 AND location_id=$4`,
		key.TenantID, key.ItemID, string(key.Location.Kind), key.Location.ID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("read balance", err)
	}
	return qty, nil
}

func (r pgReader) History(ctx context.Context, tenantID int64, filter MovementFilter) iter.Seq2[MovementRecord, error] {
	return func(yield func(MovementRecord, error) bool) {
		var (
			afterAt time.Time
			afterID int64
		)
		locKind, locID := locationArgs(filter.Location)
		for {
			page, err := r.historyPage(ctx, tenantID, filter, locKind, locID, afterAt, afterID)
			if err != nil {
				yield(MovementRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < r.pageSize {
				return
			}
			last := page[len(page)-1]
			afterAt, afterID = last.CreatedAt, last.ID
		}
	}
}

func (r pgReader) historyPage(ctx context.Context, tenantID int64, filter MovementFilter, locKind, locID any, afterAt time.Time, afterID int64) ([]MovementRecord, error) {
	rows, err := r.q.Query(ctx, `SELECT `+movementColumns+` FROM movement_events
WHERE tenant_id=$1
  AND ($2::bigint IS NULL OR item_id=$2)
  AND ($3::text IS NULL OR (source_kind=$3 AND source_id=$4) OR (target_kind=$3 AND target_id=$4))
  AND created_at >= COALESCE($5, '-infinity'::timestamptz)
  AND created_at < COALESCE($6, 'infinity'::timestamptz)
  AND ($7::timestamptz IS NULL OR (created_at, id) > ($7, $8))
ORDER BY created_at ASC, id ASC
LIMIT $9`, tenantID, nullInt(filter.ItemID), locKind, locID, nullTime(filter.From), nullTime(filter.To), nullTime(afterAt), afterID, r.pageSize)
	if err != nil {
		return nil, classify("list movements", err)
	}
	defer rows.Close()
	page := make([]MovementRecord, 0, r.pageSize)
	for rows.Next() {
		rec, err := scanMovement(rows)
		if err != nil {
			return nil, classify("scan movement", err)
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list movements", err)
	}
	return page, nil
}

const movementColumns = `id, tenant_id, movement_type, item_id, quantity, source_kind, source_id, target_kind, target_id, supplier_id, receiver_id, request_id, created_by, note, created_at`

func scanMovement(row pgx.Row) (MovementRecord, error) {
	var (
		rec              MovementRecord
		movementType     string
		srcKind, tgtKind *string
		srcID, tgtID     *int64
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &movementType, &rec.ItemID, &rec.Quantity,
		&srcKind, &srcID, &tgtKind, &tgtID, &rec.SupplierID, &rec.ReceiverID,
		&rec.RequestID, &rec.CreatedBy, &rec.Note, &rec.CreatedAt)
	if err != nil {
		return MovementRecord{}, err
	}
	rec.Type = MovementType(movementType)
	rec.Source = scanLocation(srcKind, srcID)
	rec.Target = scanLocation(tgtKind, tgtID)
	return rec, nil
}

func scanLocation(kind *string, id *int64) *Location {
	if kind == nil || id == nil {
		return nil
	}
	return &Location{Kind: LocationKind(*kind), ID: *id}
}

func locationArgs(loc *Location) (any, any) {
	if loc == nil {
		return nil, nil
	}
	return string(loc.Kind), loc.ID
}

// classify maps driver errors onto the ledger taxonomy. Errors already in
// the taxonomy pass through unchanged.
func classify(op string, err error) error {
	var stockErr *StockError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &stockErr),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrDuplicateRequest),
		errors.Is(err, ErrMovementNotFound):
		return err
	case shared.IsUniqueViolation(err, requestConstraint):
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, op)
	case shared.PgErrorCode(err) == shared.PgCheckViolation:
		return fmt.Errorf("%w: %s rejected by balance constraint", ErrInsufficientStock, op)
	case shared.IsLockContention(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrConcurrencyConflict, op, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
	}
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
