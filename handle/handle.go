// Package handle provides the strong type and normalization helpers for agent
// and client handles used throughout the runtime.
package handle

import "strings"

// Handle is the strong type for owner-qualified identifiers (e.g., "u1:bot").
// A bare client handle has no colon. Use this type in maps and APIs to avoid
// accidentally mixing qualified and unqualified strings.
type Handle string

// String returns the underlying string value.
func (h Handle) String() string { return string(h) }

// Prefix builds the ensurePrefix prefix for a client handle: "<clientID>:".
func Prefix(clientID string) string { return clientID + ":" }

// EnsurePrefix returns h unchanged if it already starts with prefix, otherwise
// it returns prefix+h. Applying EnsurePrefix twice with the same prefix is
// idempotent.
func EnsurePrefix(h, prefix string) string {
	if strings.HasPrefix(h, prefix) {
		return h
	}
	return prefix + h
}

// StripPrefix is the inverse of EnsurePrefix: it removes prefix from h if
// present, leaving h unchanged otherwise.
func StripPrefix(h, prefix string) string {
	return strings.TrimPrefix(h, prefix)
}

// Owner returns the owner (client) portion of a qualified handle and true if
// the handle contains a colon. A bare handle returns ("", false).
func Owner(h string) (string, bool) {
	i := strings.IndexByte(h, ':')
	if i < 0 {
		return "", false
	}
	return h[:i], true
}

// Local returns the agent-local portion of a qualified handle (the part after
// the first colon). A bare handle returns itself unchanged.
func Local(h string) string {
	i := strings.IndexByte(h, ':')
	if i < 0 {
		return h
	}
	return h[i+1:]
}
