// Package idgen generates identifiers for ingested inputs, audit records and alerts.
//
// IDs are UUIDv7 so they sort by creation time, which keeps postgres index
// locality for the append-only tables.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a time-ordered UUID string.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source fails.
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix returns a prefixed, dash-free time-ordered ID (e.g. "alr_", "aud_", "snp_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(New(), "-", "")
}

// Valid reports whether s is a UUID, optionally behind one of the known prefixes.
func Valid(s string) bool {
	if i := strings.IndexByte(s, '_'); i >= 0 && i < 5 {
		s = s[i+1:]
	}
	_, err := uuid.Parse(s)
	return err == nil
}
