package storage

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidCursor is returned for page cursors this package did not issue.
var ErrInvalidCursor = errors.New("invalid page cursor")

const cursorSep = "\x00"

// EncodeCursor packs key parts into an opaque URL-safe cursor.
func EncodeCursor(parts ...string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(parts, cursorSep)))
}

// DecodeCursor unpacks a cursor made by EncodeCursor, expecting n parts.
func DecodeCursor(cursor string, n int) ([]string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.Split(string(raw), cursorSep)
	if len(parts) != n {
		return nil, ErrInvalidCursor
	}
	return parts, nil
}
