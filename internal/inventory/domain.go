package inventory

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MovementType enumerates the closed set of ledger movements.
type MovementType string

const (
	// MovementProcurement receives stock from a supplier into a warehouse.
	MovementProcurement MovementType = "procurement"
	// MovementIssue delivers stock to a project, optionally out of a warehouse.
	MovementIssue MovementType = "issue"
	// MovementReturn brings stock back from a project into a warehouse.
	MovementReturn MovementType = "return"
	// MovementTransfer moves stock between two distinct locations.
	MovementTransfer MovementType = "transfer"
)

// MovementTypes lists every supported movement type.
var MovementTypes = []MovementType{MovementProcurement, MovementIssue, MovementReturn, MovementTransfer}

// ParseMovementType converts raw input into a MovementType.
func ParseMovementType(raw string) (MovementType, error) {
	t := MovementType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", invalidf("unknown movement type %q", raw)
	}
	return t, nil
}

// Valid reports whether t is one of the supported movement types.
func (t MovementType) Valid() bool {
	switch t {
	case MovementProcurement, MovementIssue, MovementReturn, MovementTransfer:
		return true
	}
	return false
}

// LocationKind distinguishes the two places that can hold stock.
type LocationKind string

const (
	// LocationWarehouse is a stocking warehouse.
	LocationWarehouse LocationKind = "warehouse"
	// LocationProject is a construction project site.
	LocationProject LocationKind = "project"
)

// Valid reports whether k is a known location kind.
func (k LocationKind) Valid() bool {
	return k == LocationWarehouse || k == LocationProject
}

// Location is a tagged (kind, id) reference to a warehouse or project.
type Location struct {
	Kind LocationKind `json:"kind"`
	ID   int64        `json:"id"`
}

// Warehouse builds a warehouse location.
func Warehouse(id int64) Location { return Location{Kind: LocationWarehouse, ID: id} }

// Project builds a project location.
func Project(id int64) Location { return Location{Kind: LocationProject, ID: id} }

// Valid reports whether the location has a known kind and a positive id.
func (l Location) Valid() bool {
	return l.Kind.Valid() && l.ID > 0
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.Kind, l.ID)
}

// ParseLocation accepts the "kind:id" form produced by String.
func ParseLocation(raw string) (Location, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Location{}, invalidf("location %q must be kind:id", raw)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Location{}, invalidf("location %q has non numeric id", raw)
	}
	loc := Location{Kind: LocationKind(strings.ToLower(kind)), ID: n}
	if !loc.Valid() {
		return Location{}, invalidf("location %q is not a warehouse or project", raw)
	}
	return loc, nil
}

// MovementRecord is a committed, immutable ledger event. One record carries
// both sides of a movement.
type MovementRecord struct {
	ID         int64
	TenantID   int64
	Type       MovementType
	ItemID     int64
	Quantity   int64
	Source     *Location
	Target     *Location
	SupplierID *int64
	ReceiverID *int64
	RequestID  string
	CreatedBy  int64
	Note       string
	CreatedAt  time.Time
}

// MovementRequest describes a movement submitted by a collaborator.
type MovementRequest struct {
	TenantID   int64        `validate:"gt=0"`
	Type       MovementType `validate:"required"`
	ItemID     int64        `validate:"gt=0"`
	Quantity   int64
	Source     *Location
	Target     *Location
	SupplierID *int64 `validate:"omitempty,gt=0"`
	ReceiverID *int64 `validate:"omitempty,gt=0"`
	RequestID  string `validate:"required,max=128"`
	CreatedBy  int64  `validate:"gt=0"`
	Note       string `validate:"max=500"`
}

// BalanceKey identifies one cached balance.
type BalanceKey struct {
	TenantID int64
	ItemID   int64
	Location Location
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%d:%d:%s", k.TenantID, k.ItemID, k.Location)
}

// MovementFilter narrows history listings. Zero values mean "any".
// From is inclusive, To is exclusive.
type MovementFilter struct {
	ItemID   int64
	Location *Location
	From     time.Time
	To       time.Time
}

// Matches reports whether rec passes the filter.
func (f MovementFilter) Matches(rec MovementRecord) bool {
	if f.ItemID != 0 && rec.ItemID != f.ItemID {
		return false
	}
	if f.Location != nil && !rec.touches(*f.Location) {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

func (r MovementRecord) touches(loc Location) bool {
	return (r.Source != nil && *r.Source == loc) || (r.Target != nil && *r.Target == loc)
}

// ReconcileReport compares a cached balance with its replayed value.
type ReconcileReport struct {
	Key      BalanceKey
	Cached   int64
	Replayed int64
}

// Drift is the cached value minus the replayed value.
func (r ReconcileReport) Drift() int64 {
	return r.Cached - r.Replayed
}

// Item is the read-only view of a catalog item.
type Item struct {
	ID           int64
	TenantID     int64
	Name         string
	Manufacturer string
	NetAmount    float64
	VATKey       string
	DeletedOn    *time.Time
}

// Deleted reports whether the item carries a soft-delete marker.
func (i Item) Deleted() bool {
	return i.DeletedOn != nil
}

// LocationInfo is what the location registry knows about a location.
type LocationInfo struct {
	TenantID int64
	Active   bool
}

// State is the lifecycle of a submitted movement.
type State string

const (
	StateReceived  State = "received"
	StateValidated State = "validated"
	StateCommitted State = "committed"
	StateRejected  State = "rejected"
)
