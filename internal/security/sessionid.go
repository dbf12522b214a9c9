// Package security provides input validation for identifiers and URLs that
// cross trust boundaries: session ids arriving in request paths and node
// URLs arriving from configuration.
package security

import "regexp"

// Session id constraints. External ids are minted as UUIDs, but the path
// segment is attacker-controlled so it is validated before any lookup.
const (
	MinSessionIDLength = 8
	MaxSessionIDLength = 64
)

// validSessionIDPattern allows alphanumeric, hyphens, and underscores.
var validSessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateSessionID checks whether a session id taken from a request path is
// safe to use as a lookup key. Returns an error message if invalid, empty
// string if valid.
func ValidateSessionID(id string) string {
	if id == "" {
		return "session id is required"
	}
	if len(id) < MinSessionIDLength {
		return "session id too short"
	}
	if len(id) > MaxSessionIDLength {
		return "session id too long"
	}
	if !validSessionIDPattern.MatchString(id) {
		return "session id contains invalid characters"
	}
	return ""
}
