package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Unique-violation message markers per driver. gorm only translates these to
// ErrDuplicatedKey when the dialector opts in, so match the raw text too.
var duplicateKeyMarkers = []string{
	"duplicate key value violates unique constraint", // postgres 23505
	"Error 1062",               // mysql ER_DUP_ENTRY
	"UNIQUE constraint failed", // sqlite, used in tests
}

// IsDuplicateKeyErr reports whether err is a unique-constraint violation.
// The points balance and payment event tables rely on it to turn insert
// races into idempotent outcomes.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, marker := range duplicateKeyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
