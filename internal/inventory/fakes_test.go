package inventory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/buildora/buildora/internal/shared"
)

const (
	tenantA int64 = 1
	tenantB int64 = 2

	itemRebar  int64 = 100
	itemCement int64 = 101
	itemOther  int64 = 200 // belongs to tenantB

	warehouseMain  int64 = 10
	warehouseYard  int64 = 11
	projectTower   int64 = 20
	projectBridge  int64 = 21
	warehouseOther int64 = 30 // belongs to tenantB

	supplier int64 = 500
	operator int64 = 7
)

// directory is an in-memory location registry and item catalog.
type directory struct {
	mu        sync.Mutex
	locations map[Location]LocationInfo
	items     map[int64]Item
	err       error
}

func newDirectory() *directory {
	d := &directory{
		locations: map[Location]LocationInfo{
			Warehouse(warehouseMain):  {TenantID: tenantA, Active: true},
			Warehouse(warehouseYard):  {TenantID: tenantA, Active: true},
			Project(projectTower):     {TenantID: tenantA, Active: true},
			Project(projectBridge):    {TenantID: tenantA, Active: true},
			Warehouse(warehouseOther): {TenantID: tenantB, Active: true},
		},
		items: map[int64]Item{
			itemRebar:  {ID: itemRebar, TenantID: tenantA, Name: "Rebar 12mm"},
			itemCement: {ID: itemCement, TenantID: tenantA, Name: "Cement 50kg"},
			itemOther:  {ID: itemOther, TenantID: tenantB, Name: "Gravel"},
		},
	}
	return d
}

func (d *directory) Resolve(_ context.Context, loc Location) (LocationInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return LocationInfo{}, d.err
	}
	info, ok := d.locations[loc]
	if !ok {
		return LocationInfo{}, fmt.Errorf("%w: %s", ErrLocationNotFound, loc)
	}
	return info, nil
}

func (d *directory) Item(_ context.Context, itemID int64) (Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return Item{}, d.err
	}
	item, ok := d.items[itemID]
	if !ok {
		return Item{}, fmt.Errorf("%w: item %d", ErrItemNotFound, itemID)
	}
	return item, nil
}

func (d *directory) deleteItem(itemID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	item := d.items[itemID]
	at := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	item.DeletedOn = &at
	d.items[itemID] = item
}

func (d *directory) deactivate(loc Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := d.locations[loc]
	info.Active = false
	d.locations[loc] = info
}

type auditSpy struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditSpy) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditSpy) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, log := range a.logs {
		out = append(out, log.Action)
	}
	return out
}

type notifySpy struct {
	mu      sync.Mutex
	records []MovementRecord
}

func (n *notifySpy) MovementCommitted(_ context.Context, rec MovementRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, rec)
	return nil
}

func (n *notifySpy) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

type metricsSpy struct {
	mu         sync.Mutex
	committed  map[string]int
	rejections map[string]int
	drift      []int64
}

func newMetricsSpy() *metricsSpy {
	return &metricsSpy{committed: map[string]int{}, rejections: map[string]int{}}
}

func (m *metricsSpy) MovementCommitted(movementType string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed[movementType]++
}

func (m *metricsSpy) MovementRejected(_ string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections[reason]++
}

func (m *metricsSpy) BalanceDrift(_ int64, drift int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drift = append(m.drift, drift)
}

// flakyStore fails every commit with a storage error while broken is set,
// and every request id lookup while lookupsBroken is set.
type flakyStore struct {
	*MemoryStore
	mu            sync.Mutex
	broken        bool
	lookupsBroken bool
}

func (f *flakyStore) setBroken(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = v
}

func (f *flakyStore) setLookupsBroken(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupsBroken = v
}

func (f *flakyStore) FindByRequestID(ctx context.Context, tenantID int64, requestID string) (MovementRecord, error) {
	f.mu.Lock()
	broken := f.lookupsBroken
	f.mu.Unlock()
	if broken {
		return MovementRecord{}, fmt.Errorf("%w: find request: connection reset", ErrStorageUnavailable)
	}
	return f.MemoryStore.FindByRequestID(ctx, tenantID, requestID)
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return fmt.Errorf("%w: connection refused", ErrStorageUnavailable)
	}
	return f.MemoryStore.WithTx(ctx, fn)
}

// countingStore counts WithTx calls so tests can assert that rejected
// requests never open a transaction.
type countingStore struct {
	*MemoryStore
	mu  sync.Mutex
	txs int
}

func (c *countingStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	c.mu.Lock()
	c.txs++
	c.mu.Unlock()
	return c.MemoryStore.WithTx(ctx, fn)
}

func (c *countingStore) transactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txs
}

// appendFailStore fails AppendEvent while fail is set, after the debit check
// and balance deltas of the transaction have run.
type appendFailStore struct {
	*MemoryStore
	fail bool
}

func (a *appendFailStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return a.MemoryStore.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if !a.fail {
			return fn(ctx, tx)
		}
		return fn(ctx, failingAppendTx{TxStore: tx})
	})
}

type failingAppendTx struct {
	TxStore
}

func (failingAppendTx) AppendEvent(context.Context, MovementRecord) (MovementRecord, error) {
	return MovementRecord{}, errBoom
}

type fixture struct {
	svc     *Service
	store   *countingStore
	dir     *directory
	audit   *auditSpy
	notify  *notifySpy
	metrics *metricsSpy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   &countingStore{MemoryStore: NewMemoryStore(time.Second)},
		dir:     newDirectory(),
		audit:   &auditSpy{},
		notify:  &notifySpy{},
		metrics: newMetricsSpy(),
	}
	f.svc = NewService(f.store, f.dir, f.dir, f.audit, f.notify, ServiceConfig{StorageFailureThreshold: 3, Metrics: f.metrics})
	return f
}

func collect(seq iter.Seq2[MovementRecord, error]) ([]MovementRecord, error) {
	var out []MovementRecord
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func ptr[T any](v T) *T { return &v }

var requestSeq struct {
	sync.Mutex
	n int
}

func nextRequestID() string {
	requestSeq.Lock()
	defer requestSeq.Unlock()
	requestSeq.n++
	return fmt.Sprintf("req-%04d", requestSeq.n)
}

func procurement(item int64, target Location, qty int64) MovementRequest {
	return MovementRequest{
		TenantID:   tenantA,
		Type:       MovementProcurement,
		ItemID:     item,
		Quantity:   qty,
		Target:     &target,
		SupplierID: ptr(supplier),
		RequestID:  nextRequestID(),
		CreatedBy:  operator,
	}
}

func move(t MovementType, item int64, source, target Location, qty int64) MovementRequest {
	return MovementRequest{
		TenantID:  tenantA,
		Type:      t,
		ItemID:    item,
		Quantity:  qty,
		Source:    &source,
		Target:    &target,
		RequestID: nextRequestID(),
		CreatedBy: operator,
	}
}

var errBoom = errors.New("boom")
