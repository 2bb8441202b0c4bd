package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestToken_RoundTrip(t *testing.T) {
	ts := t0.Add(1500 * time.Microsecond)
	c, err := Decode(Encode(ts, "evt|with|pipes"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, ts.Equal(c.At))
	assert.Equal(t, "evt|with|pipes", c.ID)
}

func TestToken_NormalisesZone(t *testing.T) {
	local := t0.In(time.FixedZone("AWST", 8*3600))
	assert.Equal(t, Encode(t0, "x"), Encode(local, "x"))
}

func TestDecode(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("1772352000000000000|evt-1")),
		base64.RawURLEncoding.EncodeToString([]byte("v2\x1f2026-03-01T08:00:00Z\x1fevt-1")),
		base64.RawURLEncoding.EncodeToString([]byte("v1\x1fyesterday\x1fevt-1")),
		base64.RawURLEncoding.EncodeToString([]byte("v1\x1f2026-03-01T08:00:00Z\x1f")),
	} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestCursor_After(t *testing.T) {
	c := &Cursor{At: t0, ID: "b"}

	assert.True(t, c.After(t0.Add(time.Millisecond), "a"))
	assert.True(t, c.After(t0, "c"))
	assert.False(t, c.After(t0, "b"))
	assert.False(t, c.After(t0.Add(-time.Millisecond), "z"))

	var none *Cursor
	assert.True(t, none.After(t0, "a"))
}

func TestLimit(t *testing.T) {
	for in, want := range map[string]int{
		"":      DefaultLimit,
		"0":     DefaultLimit,
		"-4":    DefaultLimit,
		"many":  DefaultLimit,
		"25":    25,
		"50000": MaxLimit,
	} {
		assert.Equal(t, want, Limit(in), in)
	}
}

func TestTrim(t *testing.T) {
	key := func(s string) (time.Time, string) { return t0, s }

	page, next, more := Trim([]string{"a", "b"}, 2, key)
	assert.Equal(t, []string{"a", "b"}, page)
	assert.Empty(t, next)
	assert.False(t, more)

	page, next, more = Trim([]string{"a", "b", "c"}, 2, key)
	assert.Equal(t, []string{"a", "b"}, page)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
	assert.False(t, c.After(t0, "b"))
	assert.True(t, c.After(t0, "c"))
}
