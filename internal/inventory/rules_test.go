package inventory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEveryMovementTypeHasRule(t *testing.T) {
	for _, mt := range MovementTypes {
		_, ok := ruleFor(mt)
		require.True(t, ok, "missing rule for %s", mt)
	}
	_, ok := ruleFor("scrap")
	require.False(t, ok)
}

func TestCheckFieldsAcceptsValidShapes(t *testing.T) {
	w, y, p := Warehouse(1), Warehouse(2), Project(3)
	cases := map[string]MovementRequest{
		"procurement":            {Type: MovementProcurement, Target: &w, SupplierID: ptr(int64(9))},
		"issue from warehouse":   {Type: MovementIssue, Source: &w, Target: &p},
		"issue external":         {Type: MovementIssue, Target: &p, ReceiverID: ptr(int64(4))},
		"return":                 {Type: MovementReturn, Source: &p, Target: &w},
		"transfer warehouses":    {Type: MovementTransfer, Source: &w, Target: &y},
		"transfer to project":    {Type: MovementTransfer, Source: &w, Target: &p},
		"procurement w receiver": {Type: MovementProcurement, Target: &w, SupplierID: ptr(int64(9)), ReceiverID: ptr(int64(4))},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, checkFields(req))
		})
	}
}

func TestParseMovementType(t *testing.T) {
	mt, err := ParseMovementType(" Transfer ")
	require.NoError(t, err)
	require.Equal(t, MovementTransfer, mt)

	_, err = ParseMovementType("adjustment")
	require.ErrorIs(t, err, ErrValidation)
}

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation("warehouse:12")
	require.NoError(t, err)
	require.Equal(t, Warehouse(12), loc)
	require.Equal(t, "warehouse:12", loc.String())

	for _, raw := range []string{"project", "project:x", "yard:4", "project:0", "project:12abc"} {
		_, err := ParseLocation(raw)
		require.ErrorIs(t, err, ErrValidation, raw)
	}
}
