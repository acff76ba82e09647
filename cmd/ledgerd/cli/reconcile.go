package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/buildora/buildora/internal/inventory"
)

// ParseBalanceKey reads "<tenant> <item> <kind:id>" arguments.
func ParseBalanceKey(args []string) (inventory.BalanceKey, error) {
	if len(args) != 3 {
		return inventory.BalanceKey{}, fmt.Errorf("reconcile: want <tenant> <item> <kind:id>, got %d arguments", len(args))
	}
	tenantID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || tenantID <= 0 {
		return inventory.BalanceKey{}, fmt.Errorf("reconcile: invalid tenant id %q", args[0])
	}
	itemID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || itemID <= 0 {
		return inventory.BalanceKey{}, fmt.Errorf("reconcile: invalid item id %q", args[1])
	}
	loc, err := inventory.ParseLocation(args[2])
	if err != nil {
		return inventory.BalanceKey{}, fmt.Errorf("reconcile: %w", err)
	}
	return inventory.BalanceKey{TenantID: tenantID, ItemID: itemID, Location: loc}, nil
}

// PrintReport writes a one-line summary of a reconcile report.
func PrintReport(w io.Writer, report inventory.ReconcileReport) {
	status := "ok"
	if report.Drift() != 0 {
		status = "DRIFT"
	}
	fmt.Fprintf(w, "%s\t%s\tcached=%d\treplayed=%d\tdrift=%d\n",
		status, report.Key, report.Cached, report.Replayed, report.Drift())
}
