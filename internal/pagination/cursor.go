// Package pagination provides keyset cursors over results ordered by
// (timestamp, id) ascending.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("invalid cursor")

const (
	DefaultLimit = 100
	MaxLimit     = 1000

	version = "v1"
	sep     = "\x1f"
)

// Cursor is the last (timestamp, id) pair a client has seen.
type Cursor struct {
	At time.Time
	ID string
}

// After reports whether (at, id) sorts strictly after c. A nil cursor
// admits everything.
func (c *Cursor) After(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	switch at.Compare(c.At) {
	case 1:
		return true
	case 0:
		return id > c.ID
	}
	return false
}

// Token is the opaque form handed to clients.
func (c Cursor) Token() string {
	raw := version + sep + c.At.UTC().Format(time.RFC3339Nano) + sep + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Encode is Cursor{at, id}.Token().
func Encode(at time.Time, id string) string {
	return Cursor{At: at, ID: id}.Token()
}

// Decode parses a token. An empty token yields a nil cursor.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), sep, 3)
	if len(parts) != 3 || parts[0] != version || parts[2] == "" {
		return nil, ErrInvalidCursor
	}
	at, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: at, ID: parts[2]}, nil
}

// Limit parses a page size. Missing or invalid sizes get DefaultLimit and
// oversize requests are clamped to MaxLimit.
func Limit(s string) int {
	n, err := strconv.Atoi(s)
	switch {
	case err != nil, n < 1:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// Trim cuts items, fetched with limit+1, down to one page. When a further
// page exists it returns the token for the last item kept.
func Trim[T any](items []T, limit int, key func(T) (time.Time, string)) (page []T, next string, more bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page = items[:limit]
	at, id := key(page[limit-1])
	return page, Encode(at, id), true
}
