// Package subdomain validates and reserves tenant site identifiers.
package subdomain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stratalane/strata-control-plane/internal/registry"
)

const (
	minLength = 3
	maxLength = 63
)

// pattern enforces lowercase alphanumerics with interior hyphens only.
var pattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// reserved identifiers collide with platform routes or look official enough
// to enable phishing. Kept sorted for easier review.
var reserved = map[string]struct{}{
	"admin":   {},
	"api":     {},
	"app":     {},
	"assets":  {},
	"billing": {},
	"blog":    {},
	"cdn":     {},
	"dashboard": {},
	"docs":    {},
	"ftp":     {},
	"help":    {},
	"mail":    {},
	"smtp":    {},
	"staging": {},
	"status":  {},
	"support": {},
	"www":     {},
}

// ValidationError carries a user-displayable rejection message. Callers must
// surface Message verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Uniqueness is the store query the validator needs. Satisfied by
// *registry.Store.
type Uniqueness interface {
	SubdomainTaken(subdomain, excludeID string) (bool, error)
}

var _ Uniqueness = (*registry.Store)(nil)

// Normalize lowercases and trims a candidate without validating it.
func Normalize(candidate string) string {
	return strings.ToLower(strings.TrimSpace(candidate))
}

// Validate checks format rules only: length, charset, hyphen placement, and
// the reserved set. Returns the normalized subdomain.
func Validate(candidate string) (string, error) {
	sub := Normalize(candidate)

	if len(sub) < minLength || len(sub) > maxLength {
		return "", &ValidationError{
			Message: fmt.Sprintf("Subdomain must be between %d and %d characters long.", minLength, maxLength),
		}
	}
	if !pattern.MatchString(sub) {
		return "", &ValidationError{
			Message: "Subdomain may only contain lowercase letters, numbers, and hyphens, and cannot start or end with a hyphen.",
		}
	}
	if _, ok := reserved[sub]; ok {
		return "", &ValidationError{
			Message: fmt.Sprintf("The subdomain %q is reserved and cannot be used.", sub),
		}
	}
	return sub, nil
}

// ValidateForTenant runs the full validation including the uniqueness query.
// existing is the tenant being updated, or nil for new signups. When an
// update leaves the subdomain unchanged, both the format re-check and the
// uniqueness query are skipped.
func ValidateForTenant(store Uniqueness, candidate string, existing *registry.Tenant) (string, error) {
	sub := Normalize(candidate)

	if existing != nil && sub == existing.Subdomain {
		return sub, nil
	}

	sub, err := Validate(candidate)
	if err != nil {
		return "", err
	}

	excludeID := ""
	if existing != nil {
		excludeID = existing.ID
	}
	taken, err := store.SubdomainTaken(sub, excludeID)
	if err != nil {
		return "", fmt.Errorf("check subdomain availability: %w", err)
	}
	if taken {
		return "", &ValidationError{
			Message: fmt.Sprintf("The subdomain %q is already taken.", sub),
		}
	}
	return sub, nil
}
