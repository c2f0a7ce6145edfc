package content

import (
	"errors"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policy = bluemonday.UGCPolicy()

	// Underscore is excluded: it is the direct-room separator, and a
	// username containing it would make room keys ambiguous.
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)
)

// Sanitize removes unsafe HTML from plaintext user input (messages,
// nicknames, bios). Encrypted payloads must not pass through here:
// ciphertext is opaque and has to round-trip byte for byte.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Truncate cuts s to at most max runes. Used for the silent content cap
// and for reply-preview fields; truncation is lossy but never an error.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// ValidateUsername checks if the name contains only allowed characters
// (alphanumeric, dot, dash) and is not empty. Handles use the same
// grammar.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash)")
	}
	return nil
}
