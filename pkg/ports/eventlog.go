package ports

import (
	"context"
	"errors"
	"time"
)

// Resumption tokens understood by every EventLog implementation
const (
	// StartID positions a cursor before the first entry of a stream
	StartID = "0-0"
	// TailID positions a cursor after whatever is last at read time
	TailID = "$"
)

// Wire field names of a stream entry
const (
	FieldType    = "type"
	FieldPayload = "payload"

	// TombstoneType marks producer-side completion of a stream
	TombstoneType = "CLOSE"
)

// ErrStreamClosed is returned by Append once a stream carries a tombstone
var ErrStreamClosed = errors.New("stream is closed")

// LogEntry is one immutable entry of a stream
type LogEntry struct {
	ID      string
	Type    string
	Payload []byte
}

// IsTombstone reports whether the entry is the close marker
func (e LogEntry) IsTombstone() bool {
	return e.Type == TombstoneType
}

// AppendOptions tunes a single append
type AppendOptions struct {
	// MaxLen bounds the stream length; older entries may be trimmed. Zero keeps everything.
	MaxLen int64
}

// EventLog is an ordered, append-only set of streams keyed by stream key
type EventLog interface {
	// Append adds one entry and returns its id
	Append(ctx context.Context, key, kind string, payload []byte, opts AppendOptions) (string, error)

	// ReadAfter returns up to count entries strictly after cursor. A block of
	// zero or less never waits; otherwise it waits up to block for the first
	// entry and returns an empty slice on timeout.
	ReadAfter(ctx context.Context, key, cursor string, count int64, block time.Duration) ([]LogEntry, error)

	// Last returns the most recent entry of a stream
	Last(ctx context.Context, key string) (LogEntry, bool, error)

	// Seal appends the tombstone and refuses further appends. Idempotent.
	Seal(ctx context.Context, key string) error

	// Delete removes the stream and its seal marker (best effort)
	Delete(ctx context.Context, key string) error

	// Ping checks connectivity with the underlying storage
	Ping(ctx context.Context) error
}
