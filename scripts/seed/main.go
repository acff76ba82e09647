package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildora/buildora/internal/app"
	"github.com/buildora/buildora/internal/inventory"
)

const (
	demoTenant int64 = 1
	demoUser   int64 = 1
)

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if dsn := os.Getenv("SEED_PG_DSN"); dsn != "" {
		cfg.PGDSN = dsn
	}
	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	fmt.Println("→ Seeding master data...")
	if err := seedMasterData(ctx, pool); err != nil {
		log.Fatalf("seed master data: %v", err)
	}

	fmt.Println("→ Seeding movements...")
	ledger := app.NewLedgerService(cfg, app.LedgerDeps{Pool: pool, Logger: app.NewLogger(cfg)})
	if err := seedMovements(ctx, ledger); err != nil {
		log.Fatalf("seed movements: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func seedMasterData(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	items := []struct {
		id           int64
		name         string
		manufacturer string
		netAmount    string
		vatKey       string
	}{
		{100, "Rebar 12mm", "Krakatau Steel", "85000.00", "V11"},
		{101, "Cement 50kg", "Semen Gresik", "62000.00", "V11"},
		{102, "Plywood 18mm", "Sumber Graha", "240000.00", "V11"},
	}
	for _, it := range items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO items (id, tenant_id, name, manufacturer, net_amount, vat_key)
			VALUES ($1, $2, $3, $4, $5::numeric, $6)
			ON CONFLICT (id) DO NOTHING`, it.id, demoTenant, it.name, it.manufacturer, it.netAmount, it.vatKey); err != nil {
			return err
		}
	}

	for _, loc := range []struct {
		table string
		id    int64
		name  string
	}{
		{"warehouses", 10, "Central Warehouse"},
		{"warehouses", 11, "North Yard"},
		{"projects", 20, "Tower A"},
		{"projects", 21, "Ring Road Bridge"},
	} {
		sql := fmt.Sprintf(`INSERT INTO %s (id, tenant_id, name) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
			pgx.Identifier{loc.table}.Sanitize())
		if _, err := tx.Exec(ctx, sql, loc.id, demoTenant, loc.name); err != nil {
			return err
		}
	}

	for _, table := range []string{"items", "warehouses", "projects"} {
		sql := fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%s', 'id'), (SELECT MAX(id) FROM %s))`, table, table)
		if _, err := tx.Exec(ctx, sql); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// seedMovements replays a small demo flow. Request ids are fixed, so running
// the seed twice returns the committed records instead of moving stock again.
func seedMovements(ctx context.Context, ledger *inventory.Service) error {
	supplier := int64(900)
	receiver := int64(901)
	main, yard := inventory.Warehouse(10), inventory.Warehouse(11)
	tower, bridge := inventory.Project(20), inventory.Project(21)

	requests := []inventory.MovementRequest{
		{Type: inventory.MovementProcurement, ItemID: 100, Quantity: 500, Target: &main, SupplierID: &supplier, RequestID: "seed-proc-rebar"},
		{Type: inventory.MovementProcurement, ItemID: 101, Quantity: 200, Target: &main, SupplierID: &supplier, RequestID: "seed-proc-cement"},
		{Type: inventory.MovementTransfer, ItemID: 100, Quantity: 120, Source: &main, Target: &yard, RequestID: "seed-transfer-rebar"},
		{Type: inventory.MovementIssue, ItemID: 100, Quantity: 80, Source: &main, Target: &tower, RequestID: "seed-issue-rebar-tower"},
		{Type: inventory.MovementIssue, ItemID: 101, Quantity: 60, Source: &main, Target: &bridge, RequestID: "seed-issue-cement-bridge"},
		{Type: inventory.MovementReturn, ItemID: 100, Quantity: 15, Source: &tower, Target: &main, RequestID: "seed-return-rebar-tower"},
		{Type: inventory.MovementIssue, ItemID: 102, Quantity: 40, Target: &bridge, ReceiverID: &receiver, RequestID: "seed-direct-delivery-plywood"},
	}
	for _, req := range requests {
		req.TenantID = demoTenant
		req.CreatedBy = demoUser
		rec, err := ledger.SubmitMovement(ctx, req)
		if err != nil {
			return fmt.Errorf("%s: %w", req.RequestID, err)
		}
		fmt.Printf("  %s #%d %s qty=%d\n", rec.Type, rec.ID, rec.RequestID, rec.Quantity)
	}
	return nil
}
