package inventory

import "fmt"

// TenantRef names an entity and the tenant it resolved to.
type TenantRef struct {
	Entity   string
	TenantID int64
}

// CheckTenant fails with ErrTenantMismatch when any ref belongs to a tenant
// other than tenantID.
func CheckTenant(tenantID int64, refs ...TenantRef) error {
	for _, ref := range refs {
		if ref.TenantID != tenantID {
			return fmt.Errorf("%w: %s belongs to tenant %d, request tenant %d", ErrTenantMismatch, ref.Entity, ref.TenantID, tenantID)
		}
	}
	return nil
}
