// Package pagination implements the opaque keyset cursors used by entry
// listings. A cursor pins the (updated_at, id) position of the last item
// served so the next page resumes after it without offset scans.
package pagination

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// Cursor is a decoded listing position
type Cursor struct {
	LastID    string
	Timestamp time.Time
}

// PageResult represents a paginated result set
type PageResult[T any] struct {
	Items   []T    `json:"items"`
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"has_more"`
}

var (
	ErrInvalidCursor = errors.New("invalid cursor format")
)

// cursors travel in query strings, so use the URL-safe unpadded alphabet
var cursorEncoding = base64.RawURLEncoding

// EncodeCursor packs a listing position into an opaque token. The layout
// is "<RFC3339Nano updated_at>|<id>"; callers must treat the token as
// opaque and never parse it themselves.
func EncodeCursor(lastID string, timestamp time.Time) string {
	if lastID == "" {
		return ""
	}
	raw := timestamp.UTC().Format(time.RFC3339Nano) + "|" + lastID
	return cursorEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor unpacks a cursor token. An empty token means "from the
// start" and decodes to nil.
func DecodeCursor(cursor string) (*Cursor, error) {
	if cursor == "" {
		return nil, nil
	}

	decoded, err := cursorEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, ErrInvalidCursor
	}

	timestamp, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, ErrInvalidCursor
	}

	return &Cursor{
		LastID:    parts[1],
		Timestamp: timestamp,
	}, nil
}

// CreateNextCursor derives the next-page cursor from a served page.
// Returns empty string when the page was short, meaning no more items.
func CreateNextCursor[T any](items []T, limit int, getID func(T) string, getTimestamp func(T) time.Time) string {
	if len(items) == 0 || len(items) < limit {
		return ""
	}
	lastItem := items[len(items)-1]
	return EncodeCursor(getID(lastItem), getTimestamp(lastItem))
}
