package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/taskstream/pkg/ports"
)

// InMemoryEventLog implements EventLog with per-key slices.
// Entry ids are "<seq>-0" so they sort like Redis stream ids.
type InMemoryEventLog struct {
	streams  map[string]*stream
	notifyCh chan struct{}
	mu       sync.Mutex
}

type stream struct {
	entries []entry
	lastSeq uint64
	sealed  bool
}

type entry struct {
	seq uint64
	ports.LogEntry
}

// NewInMemoryEventLog creates an empty in-memory event log
func NewInMemoryEventLog() *InMemoryEventLog {
	return &InMemoryEventLog{
		streams:  make(map[string]*stream),
		notifyCh: make(chan struct{}),
	}
}

// Append adds an entry to a stream
func (l *InMemoryEventLog) Append(ctx context.Context, key, kind string, payload []byte, opts ports.AppendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(key)
	if s.sealed {
		return "", ports.ErrStreamClosed
	}

	return l.appendLocked(s, kind, payload, opts.MaxLen), nil
}

// ReadAfter returns entries strictly after cursor, waiting up to block if none are ready
func (l *InMemoryEventLog) ReadAfter(ctx context.Context, key, cursor string, count int64, block time.Duration) ([]ports.LogEntry, error) {
	l.mu.Lock()
	after, err := l.resolveLocked(key, cursor)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if block > 0 {
		deadline = time.Now().Add(block)
	}

	for {
		l.mu.Lock()
		out := l.collectLocked(key, after, count)
		ch := l.notifyCh
		l.mu.Unlock()

		if len(out) > 0 || block <= 0 {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Last returns the most recent entry of a stream
func (l *InMemoryEventLog) Last(ctx context.Context, key string) (ports.LogEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[key]
	if !ok || len(s.entries) == 0 {
		return ports.LogEntry{}, false, nil
	}

	return copyEntry(s.entries[len(s.entries)-1].LogEntry), true, nil
}

// Seal appends the tombstone once and refuses later appends
func (l *InMemoryEventLog) Seal(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(key)
	if s.sealed {
		return nil
	}

	l.appendLocked(s, ports.TombstoneType, nil, 0)
	s.sealed = true
	return nil
}

// Delete drops all entries and the seal. Sequence numbers keep increasing so
// cursors held by old handles never skip entries written afterwards.
func (l *InMemoryEventLog) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.streams[key]; ok {
		s.entries = nil
		s.sealed = false
	}
	return nil
}

// Ping always succeeds
func (l *InMemoryEventLog) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of retained entries of a stream
func (l *InMemoryEventLog) Len(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.streams[key]; ok {
		return len(s.entries)
	}
	return 0
}

func (l *InMemoryEventLog) streamLocked(key string) *stream {
	s, ok := l.streams[key]
	if !ok {
		s = &stream{}
		l.streams[key] = s
	}
	return s
}

func (l *InMemoryEventLog) appendLocked(s *stream, kind string, payload []byte, maxLen int64) string {
	s.lastSeq++
	id := formatID(s.lastSeq)

	data := make([]byte, len(payload))
	copy(data, payload)
	s.entries = append(s.entries, entry{
		seq:      s.lastSeq,
		LogEntry: ports.LogEntry{ID: id, Type: kind, Payload: data},
	})

	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = append([]entry(nil), s.entries[int64(len(s.entries))-maxLen:]...)
	}

	// wake blocked readers
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})

	return id
}

func (l *InMemoryEventLog) resolveLocked(key, cursor string) (uint64, error) {
	if cursor == ports.TailID {
		if s, ok := l.streams[key]; ok {
			return s.lastSeq, nil
		}
		return 0, nil
	}
	return parseID(cursor)
}

func (l *InMemoryEventLog) collectLocked(key string, after uint64, count int64) []ports.LogEntry {
	s, ok := l.streams[key]
	if !ok {
		return nil
	}

	// entries are ordered by seq
	start := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].seq > after
	})
	end := len(s.entries)
	if count > 0 && int64(end-start) > count {
		end = start + int(count)
	}
	if start >= end {
		return nil
	}

	out := make([]ports.LogEntry, 0, end-start)
	for _, e := range s.entries[start:end] {
		out = append(out, copyEntry(e.LogEntry))
	}
	return out
}

func copyEntry(e ports.LogEntry) ports.LogEntry {
	if e.Payload != nil {
		e.Payload = append([]byte(nil), e.Payload...)
	}
	return e
}

func formatID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-0"
}

func parseID(id string) (uint64, error) {
	if id == "" {
		return 0, nil
	}
	head, _, _ := strings.Cut(id, "-")
	seq, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid entry id %q: %w", id, err)
	}
	return seq, nil
}
