package shared

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes the ledger reacts to.
const (
	PgUniqueViolation      = "23505"
	PgCheckViolation       = "23514"
	PgSerializationFailure = "40001"
	PgDeadlockDetected     = "40P01"
	PgLockNotAvailable     = "55P03"
	PgQueryCanceled        = "57014"
)

// PgErrorCode returns the SQLSTATE of err, or "" when err is not a PgError.
func PgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err violated the named unique constraint.
// An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != PgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsLockContention reports lock timeouts, deadlocks and serialization failures.
func IsLockContention(err error) bool {
	switch PgErrorCode(err) {
	case PgSerializationFailure, PgDeadlockDetected, PgLockNotAvailable:
		return true
	}
	return false
}
