// Package pgerr classifies storage errors into the taxonomy the event
// processor needs to distinguish: unique-constraint conflicts (treated as
// idempotent success) and foreign-key-prerequisite failures (queued for
// deferred retry). Everything else is an opaque transient error.
package pgerr

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// IsUniqueViolation reports whether err is a Postgres unique-constraint conflict (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsForeignKeyViolation reports whether err is a Postgres foreign-key-prerequisite failure (SQLSTATE 23503).
func IsForeignKeyViolation(err error) bool {
	return hasCode(err, codeForeignKeyViolation)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

// MissingPrerequisite inspects a foreign-key violation and reports which
// constraint it tripped, so the caller can key a deferred-op queue by the
// right prerequisite kind. Returns "" if err is not a foreign-key violation.
func MissingPrerequisite(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeForeignKeyViolation {
		return ""
	}
	return pgErr.ConstraintName
}
