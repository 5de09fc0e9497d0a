package chat

import (
	"time"

	"parley/cmd/internal/ids"
)

// NewMessageID returns a ULID used as message id.
// ULIDs are time-ordered, which keeps message ids monotonically
// non-decreasing across the process without a counter.
func NewMessageID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewUserID returns a ULID assigned when an identify arrives without an id.
func NewUserID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewSessionID returns a ULID used as websocket session id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
