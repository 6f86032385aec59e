package repo

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = gorm.ErrRecordNotFound

	// ErrDuplicate indicates a unique constraint violation.
	ErrDuplicate = errors.New("duplicate")

	// ErrPreconditionFailed means the row exists but a conditional update's
	// guard did not hold (insufficient balance, ceiling, status already
	// changed, handle already set).
	ErrPreconditionFailed = errors.New("precondition failed")
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// IsDuplicate reports whether err is a unique-constraint violation from any
// supported driver.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	// glebarez/sqlite returns plain-text errors when translation is off.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}

// IsNotFound treats gorm's sentinel and ours alike.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
