package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// emailRegex only rejects values that cannot be an address at all
var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+$`)

// ValidateRecord validates the invariants of an input record
func ValidateRecord(r ContactRecord) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("invalid record: id is required")
	}
	if err := ValidateEmail(r.Email); err != nil {
		return err
	}
	if r.TicketCount < 0 {
		return fmt.Errorf("invalid ticket count: must be non-negative, got %d", r.TicketCount)
	}
	return nil
}

// ValidateEmail validates that an email is present and plausibly shaped
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("invalid email: must not be empty")
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email: %q", email)
	}
	return nil
}

// ValidatePrefixes validates a native/imported prefix configuration
func ValidatePrefixes(native, imported string) error {
	if native == "" || imported == "" {
		return fmt.Errorf("invalid identity prefixes: native and imported prefixes are required")
	}
	if strings.HasPrefix(native, imported) || strings.HasPrefix(imported, native) {
		return fmt.Errorf("invalid identity prefixes: %q and %q overlap", native, imported)
	}
	return nil
}

// ClassifyIdentityRef classifies an identity reference by prefix
func ClassifyIdentityRef(ref, nativePrefix, importedPrefix string) IdentityKind {
	switch {
	case ref == "":
		return IdentityNone
	case strings.HasPrefix(ref, nativePrefix):
		return IdentityNative
	case strings.HasPrefix(ref, importedPrefix):
		return IdentityImported
	default:
		return IdentityNone
	}
}

// ValidateTimestamp parses an RFC3339 timestamp, also accepting a bare date
func ValidateTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp format: expected ISO8601/RFC3339")
}
