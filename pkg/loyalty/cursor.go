package loyalty

import (
	"fmt"
	"strconv"
	"strings"
)

const cursorDelimiter = ":"

// Cursor marks a resume position in a member's history. The zero value starts
// from the beginning. No iterator state is retained server-side; the cursor
// carries the creation time and entry id of the last row already seen.
type Cursor struct {
	afterUnixUTC int64
	afterEntryID string
}

// NewCursor builds a cursor pointing just past the given entry.
func NewCursor(createdUnixUTC int64, entryID string) Cursor {
	return Cursor{afterUnixUTC: createdUnixUTC, afterEntryID: entryID}
}

// ParseCursor decodes a caller-supplied cursor token.
func ParseCursor(raw string) (Cursor, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Cursor{}, nil
	}
	parts := strings.SplitN(trimmed, cursorDelimiter, 2)
	if len(parts) != 2 || parts[1] == "" {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
	}
	createdUnixUTC, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
	}
	return Cursor{afterUnixUTC: createdUnixUTC, afterEntryID: parts[1]}, nil
}

// IsZero reports whether the cursor points at the start of history.
func (cursor Cursor) IsZero() bool {
	return cursor.afterEntryID == "" && cursor.afterUnixUTC == 0
}

// AfterUnixUTC returns the creation time component.
func (cursor Cursor) AfterUnixUTC() int64 {
	return cursor.afterUnixUTC
}

// AfterEntryID returns the entry id component.
func (cursor Cursor) AfterEntryID() string {
	return cursor.afterEntryID
}

// String encodes the cursor as an opaque token.
func (cursor Cursor) String() string {
	if cursor.IsZero() {
		return ""
	}
	return strconv.FormatInt(cursor.afterUnixUTC, 10) + cursorDelimiter + cursor.afterEntryID
}
