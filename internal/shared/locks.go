package shared

import "fmt"

// BalanceLockKey builds the lock key serialising debits of one item at one location.
func BalanceLockKey(tenantID, itemID int64, kind string, locationID int64) string {
	return fmt.Sprintf("inventory:balance:%d:%d:%s:%d:lock", tenantID, itemID, kind, locationID)
}

// TenantAppendLockKey builds the lock key serialising event appends of one tenant.
func TenantAppendLockKey(tenantID int64) string {
	return fmt.Sprintf("inventory:events:%d:append:lock", tenantID)
}
