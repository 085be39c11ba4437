// Package pagination provides keyset cursors for newest-first listings.
// A cursor names the (createdAt, id) of the last row a client has seen.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Limits applied by ParseLimit.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

const cursorVersion = "v1"

// Cursor is a decoded position in a newest-first listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque token for a row key.
func Encode(createdAt time.Time, id string) string {
	raw := cursorVersion + ":" + strconv.FormatInt(createdAt.UnixNano(), 36) + ":" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token from Encode. An empty token means the first page
// and decodes to nil.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	version, rest, ok := strings.Cut(string(raw), ":")
	if !ok || version != cursorVersion {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(rest, ":")
	if !ok || id == "" || len(id) > 64 {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ParseLimit reads a page size from a query parameter, falling back to
// DefaultLimit and clamping to MaxLimit.
func ParseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// Before reports whether a row keyed (createdAt, id) belongs after the
// cursor in a newest-first listing. A nil cursor admits every row.
func (c *Cursor) Before(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Trim cuts rows fetched with limit+1 down to one page. It returns the page
// and the cursor for the next one, empty when this is the last page. The
// returned page is never nil.
func Trim[T any](rows []T, limit int, key func(T) (time.Time, string)) ([]T, string) {
	if len(rows) <= limit {
		if rows == nil {
			rows = []T{}
		}
		return rows, ""
	}
	rows = rows[:limit]
	createdAt, id := key(rows[len(rows)-1])
	return rows, Encode(createdAt, id)
}
