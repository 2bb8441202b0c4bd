// Package validation provides request limits and query parameter parsing for the API.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/siterisk/internal/site"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 2000

var ErrInvalidParam = errors.New("invalid query parameter")

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, removes null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ParseTime accepts RFC 3339 timestamps and unix milliseconds.
// An empty value yields the zero time.
func ParseTime(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339 or unix milliseconds", ErrInvalidParam, name)
	}
	return t.UTC(), nil
}

// ParseRange parses from/to. Missing bounds default to [to-defaultSpan, now].
// Spans longer than maxSpan are rejected so bulk queries stay bounded.
func ParseRange(from, to string, now time.Time, defaultSpan, maxSpan time.Duration) (time.Time, time.Time, error) {
	f, err := ParseTime("from", from)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	t, err := ParseTime("to", to)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if t.IsZero() {
		t = now.UTC()
	}
	if f.IsZero() {
		f = t.Add(-defaultSpan)
	}
	if !f.Before(t) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from must be before to", ErrInvalidParam)
	}
	if maxSpan > 0 && t.Sub(f) > maxSpan {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: range exceeds %s", ErrInvalidParam, maxSpan)
	}
	return f, t, nil
}

// ParseLevel parses an optional "structure/level" filter.
func ParseLevel(value string) (*site.Ref, error) {
	if value == "" {
		return nil, nil
	}
	ref, err := site.ParseRef(value)
	if err != nil {
		return nil, fmt.Errorf("%w: level: %v", ErrInvalidParam, err)
	}
	return &ref, nil
}

// BadRequest writes the standard validation error body.
func BadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": err.Error(),
	})
}
