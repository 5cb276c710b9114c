// Package uuid generates and validates the client-side entry identifiers.
//
// Entry ids double as idempotency keys, so they are always random (v4) and
// always in canonical lowercase dashed form.
package uuid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
)

// xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx with y in [89ab]
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// Generator produces entry ids. Tests substitute a deterministic one.
type Generator func() string

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an INVALID_INPUT error if s is not a UUID v4.
func Validate(field, s string) error {
	if !IsValid(s) {
		return apperrors.Newf(apperrors.ErrInvalid, "%s must be a UUID v4, got %q", field, s)
	}
	return nil
}

// Normalize lowercases a valid UUID v4 so the same id always compares equal.
func Normalize(s string) (string, error) {
	if err := Validate("id", s); err != nil {
		return "", err
	}
	return strings.ToLower(s), nil
}

// Sequence returns a Generator yielding ids in order, then falling back to New.
func Sequence(ids ...string) Generator {
	i := 0
	return func() string {
		if i < len(ids) {
			id := ids[i]
			i++
			return id
		}
		return New()
	}
}
