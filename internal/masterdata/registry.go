// Package masterdata reads warehouses, projects and items owned by other
// services. It never writes.
package masterdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildora/buildora/internal/inventory"
)

// Registry resolves locations and items from PostgreSQL.
type Registry struct {
	pool *pgxpool.Pool
}

var (
	_ inventory.LocationRegistry = (*Registry)(nil)
	_ inventory.ItemCatalog      = (*Registry)(nil)
)

// NewRegistry constructs Registry.
func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Resolve returns the owning tenant of loc and whether it is still active.
func (r *Registry) Resolve(ctx context.Context, loc inventory.Location) (inventory.LocationInfo, error) {
	table, err := locationTable(loc.Kind)
	if err != nil {
		return inventory.LocationInfo{}, err
	}
	var (
		info      inventory.LocationInfo
		deletedOn pgtype.Timestamptz
	)
	err = r.pool.QueryRow(ctx, `SELECT tenant_id, deleted_on FROM `+table+` WHERE id = $1`, loc.ID).Scan(&info.TenantID, &deletedOn)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.LocationInfo{}, fmt.Errorf("%w: %s", inventory.ErrLocationNotFound, loc)
	}
	if err != nil {
		return inventory.LocationInfo{}, fmt.Errorf("masterdata: resolve %s: %w", loc, err)
	}
	info.Active = !deletedOn.Valid
	return info, nil
}

// Item loads a catalog item, including soft-deleted ones.
func (r *Registry) Item(ctx context.Context, itemID int64) (inventory.Item, error) {
	var (
		item         inventory.Item
		manufacturer pgtype.Text
		vatKey       pgtype.Text
		netAmount    pgtype.Numeric
		deletedOn    pgtype.Timestamptz
	)
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, name, manufacturer, net_amount, vat_key, deleted_on FROM items WHERE id = $1`, itemID).
		Scan(&item.ID, &item.TenantID, &item.Name, &manufacturer, &netAmount, &vatKey, &deletedOn)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Item{}, fmt.Errorf("%w: item %d", inventory.ErrItemNotFound, itemID)
	}
	if err != nil {
		return inventory.Item{}, fmt.Errorf("masterdata: load item %d: %w", itemID, err)
	}
	item.Manufacturer = manufacturer.String
	item.VATKey = vatKey.String
	if netAmount.Valid {
		f, err := netAmount.Float64Value()
		if err != nil {
			return inventory.Item{}, fmt.Errorf("masterdata: item %d net amount: %w", itemID, err)
		}
		item.NetAmount = f.Float64
	}
	if deletedOn.Valid {
		t := deletedOn.Time
		item.DeletedOn = &t
	}
	return item, nil
}

func locationTable(kind inventory.LocationKind) (string, error) {
	switch kind {
	case inventory.LocationWarehouse:
		return "warehouses", nil
	case inventory.LocationProject:
		return "projects", nil
	}
	return "", fmt.Errorf("%w: unknown location kind %q", inventory.ErrLocationNotFound, kind)
}
