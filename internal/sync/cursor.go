package sync

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor tokens are opaque to clients. The encoded position is the
// (updated_at, id) pair of the last record a client has seen; the format
// may change between server versions as long as round-trips hold.
const cursorVersion = "v1"

// Position is a decoded changefeed position.
type Position struct {
	UpdatedAt time.Time
	EntityID  string
}

// EncodeCursor produces a URL-safe token for a changefeed position.
// Timestamps are truncated to microseconds, matching timestamptz precision,
// so a stored then reloaded position encodes identically.
func EncodeCursor(updatedAt time.Time, entityID string) string {
	raw := fmt.Sprintf("%s:%d:%s", cursorVersion, updatedAt.UnixMicro(), entityID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor. Any malformed input yields
// ErrInvalidCursor; callers must treat that as a full-resync signal,
// not a retryable failure.
func DecodeCursor(cursor string) (Position, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return Position{}, ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), ":", 3)
	if len(parts) != 3 || parts[0] != cursorVersion || parts[2] == "" {
		return Position{}, ErrInvalidCursor
	}
	micros, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Position{}, ErrInvalidCursor
	}
	return Position{
		UpdatedAt: time.UnixMicro(micros).UTC(),
		EntityID:  parts[2],
	}, nil
}
