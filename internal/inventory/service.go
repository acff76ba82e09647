package inventory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/buildora/buildora/internal/shared"
)

// Reader exposes the read side of the ledger store.
type Reader interface {
	Balance(ctx context.Context, key BalanceKey) (int64, error)
	History(ctx context.Context, tenantID int64, filter MovementFilter) iter.Seq2[MovementRecord, error]
}

// Store abstracts the movement event store and balance cache.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	// Snapshot runs fn against a consistent view of balances and history.
	Snapshot(ctx context.Context, fn func(context.Context, Reader) error) error
	FindByRequestID(ctx context.Context, tenantID int64, requestID string) (MovementRecord, error)
	BalanceKeys(ctx context.Context, tenantID int64) ([]BalanceKey, error)
}

// TxStore exposes the operations allowed inside a commit. There is no way to
// update or delete an appended event.
type TxStore interface {
	// LockForDebit serialises writers on source and returns its current balance.
	LockForDebit(ctx context.Context, source, target BalanceKey) (int64, error)
	AppendEvent(ctx context.Context, rec MovementRecord) (MovementRecord, error)
	ApplyDelta(ctx context.Context, key BalanceKey, delta int64) error
}

// LocationRegistry resolves warehouses and projects owned by external master data.
type LocationRegistry interface {
	Resolve(ctx context.Context, loc Location) (LocationInfo, error)
}

// ItemCatalog reads items owned by the external catalog.
type ItemCatalog interface {
	Item(ctx context.Context, itemID int64) (Item, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Notifier publishes committed movements to downstream consumers.
type Notifier interface {
	MovementCommitted(ctx context.Context, rec MovementRecord) error
}

// Recorder receives ledger metrics.
type Recorder interface {
	MovementCommitted(movementType string, took time.Duration)
	MovementRejected(movementType, reason string)
	BalanceDrift(tenantID int64, drift int64)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// StorageFailureThreshold is the number of consecutive storage failures
	// after which errors are marked fatal. Zero disables escalation.
	StorageFailureThreshold int
	Logger                  *slog.Logger
	Metrics                 Recorder
}

// Service validates and commits inventory movements.
type Service struct {
	store     Store
	locations LocationRegistry
	items     ItemCatalog
	audit     AuditPort
	notifier  Notifier
	metrics   Recorder
	logger    *slog.Logger
	validate  *validator.Validate

	failureThreshold int64
	storageFailures  atomic.Int64
}

// NewService builds Service. audit and notifier may be nil.
func NewService(store Store, locations LocationRegistry, items ItemCatalog, audit AuditPort, notifier Notifier, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:            store,
		locations:        locations,
		items:            items,
		audit:            audit,
		notifier:         notifier,
		metrics:          cfg.Metrics,
		logger:           logger,
		validate:         validator.New(),
		failureThreshold: int64(cfg.StorageFailureThreshold),
	}
}

// SubmitMovement validates req and commits it as a single event. Retrying
// with the same request id returns the committed record without side effects.
func (s *Service) SubmitMovement(ctx context.Context, req MovementRequest) (MovementRecord, error) {
	started := time.Now()
	att := &attempt{state: StateReceived}
	rec, previous, err := s.submit(ctx, req, att)
	if err != nil {
		stage := att.state
		att.advance(StateRejected)
		s.rejected(ctx, req, stage, err)
		return MovementRecord{}, err
	}
	if previous {
		s.logger.Debug("movement replayed", slog.Int64("tenant_id", rec.TenantID), slog.String("request_id", rec.RequestID), slog.Int64("event_id", rec.ID))
		return rec, nil
	}
	s.committed(ctx, rec, att.state, time.Since(started))
	return rec, nil
}

func (s *Service) submit(ctx context.Context, req MovementRequest, att *attempt) (MovementRecord, bool, error) {
	if req.Quantity <= 0 {
		return MovementRecord{}, false, invalidf("quantity must be positive, got %d", req.Quantity)
	}
	if err := s.validate.Struct(req); err != nil {
		return MovementRecord{}, false, describeValidation(err)
	}
	if err := checkFields(req); err != nil {
		return MovementRecord{}, false, err
	}
	rec, ok, err := s.previous(ctx, req)
	if err != nil {
		return MovementRecord{}, false, s.trackStorage(err)
	}
	if ok {
		return rec, true, nil
	}
	if err := s.checkReferences(ctx, req); err != nil {
		return MovementRecord{}, false, s.trackStorage(err)
	}
	rec, err = s.commit(ctx, req, att)
	if errors.Is(err, ErrDuplicateRequest) {
		// A concurrent submission with the same request id won the race.
		rec, ok, ferr := s.previous(ctx, req)
		if ferr != nil {
			return MovementRecord{}, false, s.trackStorage(ferr)
		}
		if !ok {
			return MovementRecord{}, false, fmt.Errorf("%w: request %s committed concurrently but not visible", ErrConcurrencyConflict, req.RequestID)
		}
		return rec, true, nil
	}
	return rec, false, err
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalidf("%v", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fieldErr := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fieldErr.Field(), fieldErr.Tag()))
	}
	return invalidf("invalid fields: %s", strings.Join(fields, ", "))
}

// previous looks up a committed movement carrying the same request id.
func (s *Service) previous(ctx context.Context, req MovementRequest) (MovementRecord, bool, error) {
	rec, err := s.store.FindByRequestID(ctx, req.TenantID, req.RequestID)
	if errors.Is(err, ErrMovementNotFound) {
		return MovementRecord{}, false, nil
	}
	if err != nil {
		return MovementRecord{}, false, err
	}
	if !sameMovement(rec, req) {
		return MovementRecord{}, false, fmt.Errorf("%w: request %s is event %d", ErrIdempotencyMismatch, req.RequestID, rec.ID)
	}
	return rec, true, nil
}

// checkReferences resolves the item and locations before any lock is taken.
func (s *Service) checkReferences(ctx context.Context, req MovementRequest) error {
	var refs []TenantRef
	item, itemErr := s.items.Item(ctx, req.ItemID)
	switch {
	case itemErr == nil:
		refs = append(refs, TenantRef{Entity: fmt.Sprintf("item %d", item.ID), TenantID: item.TenantID})
	case !errors.Is(itemErr, ErrItemNotFound):
		return fmt.Errorf("%w: load item %d: %w", ErrStorageUnavailable, req.ItemID, itemErr)
	}

	locs := req.locations()
	infos := make([]*LocationInfo, len(locs))
	for i, loc := range locs {
		info, err := s.locations.Resolve(ctx, loc)
		if err != nil {
			if !errors.Is(err, ErrLocationNotFound) {
				return fmt.Errorf("%w: resolve %s: %w", ErrStorageUnavailable, loc, err)
			}
			continue
		}
		infos[i] = &info
		refs = append(refs, TenantRef{Entity: loc.String(), TenantID: info.TenantID})
	}

	if err := CheckTenant(req.TenantID, refs...); err != nil {
		return err
	}
	if itemErr != nil {
		return fmt.Errorf("%w: item %d", ErrItemNotFound, req.ItemID)
	}
	if item.Deleted() {
		return fmt.Errorf("%w: item %d deleted on %s", ErrItemDeleted, item.ID, item.DeletedOn.Format(time.RFC3339))
	}
	for i, loc := range locs {
		if infos[i] == nil {
			return fmt.Errorf("%w: %s", ErrLocationNotFound, loc)
		}
		if !infos[i].Active {
			return fmt.Errorf("%w: %s is inactive", ErrLocationNotFound, loc)
		}
	}
	return nil
}

func (s *Service) commit(ctx context.Context, req MovementRequest, att *attempt) (MovementRecord, error) {
	draft := MovementRecord{
		TenantID:   req.TenantID,
		Type:       req.Type,
		ItemID:     req.ItemID,
		Quantity:   req.Quantity,
		Source:     req.Source,
		Target:     req.Target,
		SupplierID: req.SupplierID,
		ReceiverID: req.ReceiverID,
		RequestID:  req.RequestID,
		CreatedBy:  req.CreatedBy,
		Note:       req.Note,
	}
	target := BalanceKey{TenantID: req.TenantID, ItemID: req.ItemID, Location: *req.Target}
	var committed MovementRecord
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var source BalanceKey
		if req.Source != nil {
			source = BalanceKey{TenantID: req.TenantID, ItemID: req.ItemID, Location: *req.Source}
			available, err := tx.LockForDebit(ctx, source, target)
			if err != nil {
				return err
			}
			if available < req.Quantity {
				return &StockError{Location: source.Location, Available: available, Requested: req.Quantity}
			}
		}
		att.advance(StateValidated)
		if req.Source != nil {
			if err := tx.ApplyDelta(ctx, source, -req.Quantity); err != nil {
				return err
			}
		}
		if err := tx.ApplyDelta(ctx, target, req.Quantity); err != nil {
			return err
		}
		// Append last: it takes the tenant append lock, held until commit.
		rec, err := tx.AppendEvent(ctx, draft)
		if err != nil {
			return err
		}
		committed = rec
		return nil
	})
	if err != nil {
		return MovementRecord{}, s.trackStorage(err)
	}
	s.storageFailures.Store(0)
	att.advance(StateCommitted)
	return committed, nil
}

// trackStorage counts consecutive storage failures and marks the error fatal
// once the threshold is reached. Any other outcome of a storage call resets
// the count.
func (s *Service) trackStorage(err error) error {
	if !errors.Is(err, ErrStorageUnavailable) {
		s.storageFailures.Store(0)
		return err
	}
	n := s.storageFailures.Add(1)
	if s.failureThreshold > 0 && n >= s.failureThreshold {
		return fmt.Errorf("%w (%d consecutive failures): %w", ErrStorageFatal, n, err)
	}
	return err
}

// Healthy is false while storage failures are past the threshold.
func (s *Service) Healthy() bool {
	return s.failureThreshold <= 0 || s.storageFailures.Load() < s.failureThreshold
}

// GetBalance returns the cached on-hand quantity.
func (s *Service) GetBalance(ctx context.Context, tenantID, itemID int64, loc Location) (int64, error) {
	key, err := newBalanceKey(tenantID, itemID, loc)
	if err != nil {
		return 0, err
	}
	return s.store.Balance(ctx, key)
}

// ListMovements streams the tenant history ordered by creation time then id.
func (s *Service) ListMovements(ctx context.Context, tenantID int64, filter MovementFilter) iter.Seq2[MovementRecord, error] {
	if err := checkFilter(tenantID, filter); err != nil {
		return func(yield func(MovementRecord, error) bool) {
			yield(MovementRecord{}, err)
		}
	}
	return s.store.History(ctx, tenantID, filter)
}

// Reconcile recomputes a balance by replaying the full history.
func (s *Service) Reconcile(ctx context.Context, tenantID, itemID int64, loc Location) (int64, error) {
	key, err := newBalanceKey(tenantID, itemID, loc)
	if err != nil {
		return 0, err
	}
	return replayKey(ctx, s.store, key)
}

// Verify compares the cached balance with its replay inside one snapshot and
// reports any drift.
func (s *Service) Verify(ctx context.Context, key BalanceKey) (ReconcileReport, error) {
	if _, err := newBalanceKey(key.TenantID, key.ItemID, key.Location); err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{Key: key}
	err := s.store.Snapshot(ctx, func(ctx context.Context, r Reader) error {
		cached, err := r.Balance(ctx, key)
		if err != nil {
			return err
		}
		replayed, err := replayKey(ctx, r, key)
		if err != nil {
			return err
		}
		report.Cached, report.Replayed = cached, replayed
		return nil
	})
	if err != nil {
		return ReconcileReport{}, err
	}
	if drift := report.Drift(); drift != 0 {
		s.logger.Error("balance drift detected",
			slog.String("key", key.String()),
			slog.Int64("cached", report.Cached),
			slog.Int64("replayed", report.Replayed))
		if s.metrics != nil {
			s.metrics.BalanceDrift(key.TenantID, drift)
		}
	}
	return report, nil
}

// BalanceKeys lists every cached balance of a tenant.
func (s *Service) BalanceKeys(ctx context.Context, tenantID int64) ([]BalanceKey, error) {
	if tenantID <= 0 {
		return nil, invalidf("tenant id required")
	}
	return s.store.BalanceKeys(ctx, tenantID)
}

func replayKey(ctx context.Context, r Reader, key BalanceKey) (int64, error) {
	loc := key.Location
	return Replay(r.History(ctx, key.TenantID, MovementFilter{ItemID: key.ItemID, Location: &loc}), loc)
}

func (s *Service) committed(ctx context.Context, rec MovementRecord, stage State, took time.Duration) {
	s.logger.Info("movement committed",
		slog.Int64("tenant_id", rec.TenantID),
		slog.Int64("event_id", rec.ID),
		slog.String("type", string(rec.Type)),
		slog.Int64("item_id", rec.ItemID),
		slog.Int64("qty", rec.Quantity),
		slog.String("stage", string(stage)),
		slog.Duration("took", took))
	if s.metrics != nil {
		s.metrics.MovementCommitted(string(rec.Type), took)
	}
	if s.audit != nil {
		meta := map[string]any{
			"item_id":    rec.ItemID,
			"qty":        rec.Quantity,
			"request_id": rec.RequestID,
			"target":     rec.Target.String(),
		}
		if rec.Source != nil {
			meta["source"] = rec.Source.String()
		}
		if err := s.audit.Record(ctx, shared.AuditLog{
			TenantID: rec.TenantID,
			ActorID:  rec.CreatedBy,
			Action:   fmt.Sprintf("inventory:%s", rec.Type),
			Entity:   "movement_event",
			EntityID: fmt.Sprintf("%d", rec.ID),
			Meta:     meta,
			At:       rec.CreatedAt,
		}); err != nil {
			s.logger.Warn("audit movement", slog.Int64("event_id", rec.ID), slog.Any("error", err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.MovementCommitted(ctx, rec); err != nil {
			s.logger.Warn("notify movement", slog.Int64("event_id", rec.ID), slog.Any("error", err))
		}
	}
}

// rejected logs and counts a rejection. stage is the state the attempt had
// reached: received for checks before the commit transaction, validated for
// failures after the debit check passed. Rejections write nothing to storage.
func (s *Service) rejected(ctx context.Context, req MovementRequest, stage State, err error) {
	reason := Reason(err)
	level := slog.LevelInfo
	if IsRetryable(err) {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "movement rejected",
		slog.Int64("tenant_id", req.TenantID),
		slog.String("type", string(req.Type)),
		slog.String("request_id", req.RequestID),
		slog.String("stage", string(stage)),
		slog.String("reason", reason),
		slog.Bool("retryable", IsRetryable(err)),
		slog.Any("error", err))
	if s.metrics != nil {
		s.metrics.MovementRejected(string(req.Type), reason)
	}
}

func newBalanceKey(tenantID, itemID int64, loc Location) (BalanceKey, error) {
	if tenantID <= 0 || itemID <= 0 {
		return BalanceKey{}, invalidf("tenant and item required")
	}
	if !loc.Valid() {
		return BalanceKey{}, invalidf("location %s is malformed", loc)
	}
	return BalanceKey{TenantID: tenantID, ItemID: itemID, Location: loc}, nil
}

func checkFilter(tenantID int64, filter MovementFilter) error {
	if tenantID <= 0 {
		return invalidf("tenant id required")
	}
	if filter.ItemID < 0 {
		return invalidf("item id %d is malformed", filter.ItemID)
	}
	if filter.Location != nil && !filter.Location.Valid() {
		return invalidf("location %s is malformed", filter.Location)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return invalidf("date range is empty")
	}
	return nil
}

func (r MovementRequest) locations() []Location {
	locs := make([]Location, 0, 2)
	if r.Source != nil {
		locs = append(locs, *r.Source)
	}
	if r.Target != nil {
		locs = append(locs, *r.Target)
	}
	return locs
}

func sameMovement(rec MovementRecord, req MovementRequest) bool {
	return rec.Type == req.Type &&
		rec.ItemID == req.ItemID &&
		rec.Quantity == req.Quantity &&
		sameLocation(rec.Source, req.Source) &&
		sameLocation(rec.Target, req.Target) &&
		sameID(rec.SupplierID, req.SupplierID) &&
		sameID(rec.ReceiverID, req.ReceiverID)
}

func sameLocation(a, b *Location) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// attempt tracks one submission through Received -> Validated -> Committed,
// or to Rejected.
type attempt struct {
	state State
}

func (a *attempt) advance(next State) {
	switch {
	case a.state == StateReceived && (next == StateValidated || next == StateRejected),
		a.state == StateValidated && (next == StateCommitted || next == StateRejected):
		a.state = next
	default:
		panic(fmt.Sprintf("inventory: illegal movement transition %s -> %s", a.state, next))
	}
}
