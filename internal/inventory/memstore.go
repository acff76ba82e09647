package inventory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildora/buildora/internal/shared"
)

// MemoryStore is an in-process Store. Debits on one (tenant, item, source)
// key are serialised by a per-key lock; commits are applied under a short
// store-wide write lock so readers never see half of a movement. Appends of
// one tenant hold a tenant lock until commit, so ids and timestamps follow
// commit order.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[int64][]MovementRecord
	byRequest map[requestKey]MovementRecord
	balances  map[BalanceKey]int64

	nextID      atomic.Int64
	locks       keyLocks
	lockTimeout time.Duration
	now         func() time.Time
}

type requestKey struct {
	tenantID  int64
	requestID string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store. A zero lockTimeout waits for the
// caller context only.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		events:      make(map[int64][]MovementRecord),
		byRequest:   make(map[requestKey]MovementRecord),
		balances:    make(map[BalanceKey]int64),
		locks:       keyLocks{held: make(map[string]*keyLock)},
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

// WithTx runs fn and applies its staged writes atomically when it succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	tx := &memoryTx{store: s, deltas: make(map[BalanceKey]int64)}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.apply(tx)
}

func (s *MemoryStore) apply(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range tx.events {
		if _, ok := s.byRequest[requestKey{rec.TenantID, rec.RequestID}]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, rec.RequestID)
		}
	}
	for _, rec := range tx.events {
		s.byRequest[requestKey{rec.TenantID, rec.RequestID}] = rec
		s.events[rec.TenantID] = append(s.events[rec.TenantID], rec)
	}
	for key, delta := range tx.deltas {
		s.balances[key] += delta
	}
	return nil
}

// Balance returns the cached balance for key.
func (s *MemoryStore) Balance(ctx context.Context, key BalanceKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[key], nil
}

// History yields a snapshot of the tenant history taken when iteration starts.
func (s *MemoryStore) History(ctx context.Context, tenantID int64, filter MovementFilter) iter.Seq2[MovementRecord, error] {
	return func(yield func(MovementRecord, error) bool) {
		s.mu.RLock()
		matched := filterEvents(s.events[tenantID], filter)
		s.mu.RUnlock()
		for _, rec := range matched {
			if err := ctx.Err(); err != nil {
				yield(MovementRecord{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Snapshot copies the current state and runs fn against the copy.
func (s *MemoryStore) Snapshot(ctx context.Context, fn func(context.Context, Reader) error) error {
	s.mu.RLock()
	snap := &memorySnapshot{
		events:   make(map[int64][]MovementRecord, len(s.events)),
		balances: make(map[BalanceKey]int64, len(s.balances)),
	}
	for tenantID, events := range s.events {
		snap.events[tenantID] = slices.Clone(events)
	}
	for key, qty := range s.balances {
		snap.balances[key] = qty
	}
	s.mu.RUnlock()
	return fn(ctx, snap)
}

// FindByRequestID returns the committed movement for a request id.
func (s *MemoryStore) FindByRequestID(ctx context.Context, tenantID int64, requestID string) (MovementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byRequest[requestKey{tenantID, requestID}]
	if !ok {
		return MovementRecord{}, ErrMovementNotFound
	}
	return cloneRecord(rec), nil
}

// BalanceKeys lists the tenant balance keys in a stable order.
func (s *MemoryStore) BalanceKeys(ctx context.Context, tenantID int64) ([]BalanceKey, error) {
	s.mu.RLock()
	keys := make([]BalanceKey, 0)
	for key := range s.balances {
		if key.TenantID == tenantID {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

type memoryTx struct {
	store   *MemoryStore
	held    map[string]bool
	unlocks []func()
	events  []MovementRecord
	deltas  map[BalanceKey]int64
}

func (tx *memoryTx) LockForDebit(ctx context.Context, source, _ BalanceKey) (int64, error) {
	if err := tx.lock(ctx, lockKey(source)); err != nil {
		return 0, err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.balances[source] + tx.deltas[source], nil
}

// AppendEvent stages rec. The tenant append lock is held until the
// transaction ends, and created_at never steps back behind the last
// committed event of the tenant.
func (tx *memoryTx) AppendEvent(ctx context.Context, rec MovementRecord) (MovementRecord, error) {
	if err := tx.lock(ctx, shared.TenantAppendLockKey(rec.TenantID)); err != nil {
		return MovementRecord{}, err
	}
	rec = cloneRecord(rec)
	rec.ID = tx.store.nextID.Add(1)
	rec.CreatedAt = tx.store.now().UTC()
	if last, ok := tx.lastCreatedAt(rec.TenantID); ok && rec.CreatedAt.Before(last) {
		rec.CreatedAt = last
	}
	tx.events = append(tx.events, rec)
	return cloneRecord(rec), nil
}

func (tx *memoryTx) lastCreatedAt(tenantID int64) (time.Time, bool) {
	for i := len(tx.events) - 1; i >= 0; i-- {
		if tx.events[i].TenantID == tenantID {
			return tx.events[i].CreatedAt, true
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	events := tx.store.events[tenantID]
	if len(events) == 0 {
		return time.Time{}, false
	}
	return events[len(events)-1].CreatedAt, true
}

func (tx *memoryTx) lock(ctx context.Context, key string) error {
	if tx.held[key] {
		return nil
	}
	if tx.store.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tx.store.lockTimeout)
		defer cancel()
	}
	unlock, err := tx.store.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	if tx.held == nil {
		tx.held = make(map[string]bool)
	}
	tx.held[key] = true
	tx.unlocks = append(tx.unlocks, unlock)
	return nil
}

func (tx *memoryTx) ApplyDelta(ctx context.Context, key BalanceKey, delta int64) error {
	tx.deltas[key] += delta
	return nil
}

func (tx *memoryTx) release() {
	for i := len(tx.unlocks) - 1; i >= 0; i-- {
		tx.unlocks[i]()
	}
	tx.unlocks = nil
}

type memorySnapshot struct {
	events   map[int64][]MovementRecord
	balances map[BalanceKey]int64
}

func (s *memorySnapshot) Balance(ctx context.Context, key BalanceKey) (int64, error) {
	return s.balances[key], nil
}

func (s *memorySnapshot) History(ctx context.Context, tenantID int64, filter MovementFilter) iter.Seq2[MovementRecord, error] {
	return func(yield func(MovementRecord, error) bool) {
		for _, rec := range filterEvents(s.events[tenantID], filter) {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func filterEvents(events []MovementRecord, filter MovementFilter) []MovementRecord {
	matched := make([]MovementRecord, 0)
	for _, rec := range events {
		if filter.Matches(rec) {
			matched = append(matched, cloneRecord(rec))
		}
	}
	return matched
}

func cloneRecord(rec MovementRecord) MovementRecord {
	rec.Source = clonePtr(rec.Source)
	rec.Target = clonePtr(rec.Target)
	rec.SupplierID = clonePtr(rec.SupplierID)
	rec.ReceiverID = clonePtr(rec.ReceiverID)
	return rec
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func lockKey(key BalanceKey) string {
	return shared.BalanceLockKey(key.TenantID, key.ItemID, string(key.Location.Kind), key.Location.ID)
}

// keyLocks hands out one context-aware mutex per key and forgets keys
// nobody holds or waits on.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func (k *keyLocks) acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.forget(key, l)
		}, nil
	case <-ctx.Done():
		k.forget(key, l)
		return nil, fmt.Errorf("%w: waiting for %s: %w", ErrConcurrencyConflict, key, ctx.Err())
	}
}

func (k *keyLocks) forget(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.held, key)
	}
}
