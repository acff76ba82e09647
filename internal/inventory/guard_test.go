package inventory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckTenant(t *testing.T) {
	require.NoError(t, CheckTenant(1))
	require.NoError(t, CheckTenant(1, TenantRef{Entity: "item 4", TenantID: 1}, TenantRef{Entity: "warehouse:2", TenantID: 1}))

	err := CheckTenant(1, TenantRef{Entity: "item 4", TenantID: 1}, TenantRef{Entity: "project:9", TenantID: 3})
	require.ErrorIs(t, err, ErrTenantMismatch)
	require.Contains(t, err.Error(), "project:9")
}
