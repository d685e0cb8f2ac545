// Package stream defines the durable log transport abstraction used by every
// SyncStream component: an append-only ordered sequence of entries plus
// competing-consumer delivery through named consumer groups.
package stream

import (
	"context"
	"time"
)

// Entry is an immutable record appended to a log stream. The ID is assigned
// by the stream and strictly increases; it is the ordering and durability
// token for acknowledgment.
type Entry struct {
	ID     uint64
	Fields map[string]string
}

// Cursor identifies where a non-destructive read starts. The zero value is
// Earliest (full backlog).
type Cursor struct {
	after  uint64
	latest bool
}

// Earliest starts from the full backlog.
var Earliest = Cursor{}

// Latest delivers only entries appended after the reader is created.
var Latest = Cursor{latest: true}

// After returns a cursor starting strictly after the given entry ID.
func After(id uint64) Cursor {
	return Cursor{after: id}
}

// IsLatest reports whether the cursor is the tail-of-stream token.
func (c Cursor) IsLatest() bool { return c.latest }

// AfterID returns the entry ID the cursor starts strictly after.
// Only meaningful when IsLatest is false.
func (c Cursor) AfterID() uint64 { return c.after }

// Start is the starting position for a newly created consumer group. The
// choice materially changes observed behavior and is always explicit:
// StartLatest avoids replaying the backlog, StartEarliest replays every
// historical entry on first connect.
type Start int

const (
	// StartLatest delivers only entries appended after group creation.
	// Recommended default.
	StartLatest Start = iota
	// StartEarliest delivers the full backlog.
	StartEarliest
)

// String returns the string representation of Start
func (s Start) String() string {
	switch s {
	case StartLatest:
		return "latest"
	case StartEarliest:
		return "earliest"
	default:
		return "unknown"
	}
}

// Delivery is an entry handed to a consumer inside a group, together with the
// transport's delivery token needed to acknowledge it.
type Delivery struct {
	Entry Entry

	// token is transport-private state (a message handle, a pending-list
	// key). Implementations type-assert their own token in Ack.
	token any
}

// NewDelivery builds a Delivery carrying an implementation token. Intended
// for Transport implementations only.
func NewDelivery(e Entry, token any) Delivery {
	return Delivery{Entry: e, token: token}
}

// Token returns the transport-private delivery token.
func (d Delivery) Token() any { return d.token }

// Reader is a non-destructive sequential reader over a single stream.
// Readers are independent of consumer groups and never affect group cursors.
type Reader interface {
	// Next returns up to max entries, blocking up to block waiting for new
	// ones. A timeout returns an empty slice and a nil error.
	Next(ctx context.Context, max int, block time.Duration) ([]Entry, error)

	// Close releases reader resources.
	Close() error
}

// Log is the append/read surface of the transport.
type Log interface {
	// Append durably appends an entry and returns its assigned ID. Appends
	// never fail due to consumer state; the stream is created implicitly if
	// absent. Returns a transient error when the backing store is
	// unreachable.
	Append(ctx context.Context, stream string, fields map[string]string) (uint64, error)

	// NewReader opens a non-destructive reader starting at the given cursor.
	NewReader(ctx context.Context, stream string, from Cursor) (Reader, error)
}

// GroupLog is the competing-consumer surface of the transport. Each entry is
// delivered to exactly one consumer in a group; the group cursor advances on
// delivery and acknowledgment removes the entry from the consumer's pending
// list.
type GroupLog interface {
	// EnsureGroup idempotently creates a consumer group on a stream,
	// creating the stream if absent. If the group already exists the call
	// succeeds and the group's delivery position is left untouched.
	EnsureGroup(ctx context.Context, stream, group string, start Start) error

	// ReadGroup delivers up to max not-yet-claimed entries to the named
	// consumer, blocking up to block. A timeout returns an empty slice and a
	// nil error. Entries stay on the consumer's pending list until Ack.
	ReadGroup(ctx context.Context, stream, group, consumer string, max int, block time.Duration) ([]Delivery, error)

	// Ack marks a delivered entry as processed, removing it from the pending
	// list so the group position may advance past it.
	Ack(ctx context.Context, stream, group string, d Delivery) error

	// ClaimStale transfers entries that have been pending longer than
	// minIdle to the claiming consumer. This is the reclaim seam for
	// entries abandoned by crashed consumers; nothing reclaims
	// automatically.
	ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, max int) ([]Delivery, error)
}

// Transport is the full durable log transport: ordered appends, independent
// readers, and competing-consumer groups.
type Transport interface {
	Log
	GroupLog
}
