package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// EncodeCursor produces the opaque pagination token for (createdAt, id).
// Millisecond precision is enforced here so that a store backend storing
// microseconds or nanoseconds never leaks sub-millisecond precision into
// a cursor a caller might compare or persist.
func EncodeCursor(c Cursor) string {
	c.CreatedAt = c.CreatedAt.UTC().Truncate(time.Millisecond)
	raw, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeCursor parses an opaque pagination token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	var c Cursor
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("decode cursor: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("decode cursor: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC().Truncate(time.Millisecond)
	return c, nil
}
