package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/taskstream/pkg/ports"
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// ErrClosed is returned by every operation after Close
var ErrClosed = errors.New("pebble event log is closed")

// Options configures the Pebble event log
type Options struct {
	// DataDir is the path to the Pebble database directory
	DataDir string
	// Sync forces a WAL fsync on every committed write
	Sync bool
}

// EventLog implements EventLog on an embedded Pebble database
type EventLog struct {
	db     *pebble.DB
	wo     *pebble.WriteOptions
	logger *zap.Logger

	// mu serializes writers so sequence assignment and sealing are atomic.
	// Readers hold it shared while they touch db, so Close waits for them.
	mu       sync.RWMutex
	lastSeq  map[string]uint64
	notifyCh chan struct{}
	closed   bool
}

// Open creates or opens a Pebble-backed event log
func Open(opts Options, logger *zap.Logger) (*EventLog, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := pebble.Open(opts.DataDir, &pebble.Options{
		Logger: logger.Named("pebble").Sugar(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}

	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}

	logger.Info("pebble event log opened", zap.String("dir", opts.DataDir))

	return &EventLog{
		db:       db,
		wo:       wo,
		logger:   logger,
		lastSeq:  make(map[string]uint64),
		notifyCh: make(chan struct{}),
	}, nil
}

// Close closes the underlying database
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.notifyCh)
	return l.db.Close()
}

// Append adds an entry to a stream
func (l *EventLog) Append(ctx context.Context, key, kind string, payload []byte, opts ports.AppendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOpenLocked(); err != nil {
		return "", err
	}

	sealed, err := l.sealedLocked(key)
	if err != nil {
		return "", err
	}
	if sealed {
		return "", ports.ErrStreamClosed
	}

	seq, err := l.commitLocked(key, kind, payload, opts.MaxLen, false)
	if err != nil {
		return "", err
	}

	return formatID(seq), nil
}

// ReadAfter returns entries strictly after cursor, waiting up to block if none are ready
func (l *EventLog) ReadAfter(ctx context.Context, key, cursor string, count int64, block time.Duration) ([]ports.LogEntry, error) {
	after, err := l.resolveCursor(key, cursor)
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if block > 0 {
		deadline = time.Now().Add(block)
	}

	for {
		l.mu.RLock()
		ch := l.notifyCh
		entries, err := l.scanLocked(key, after, count)
		l.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || block <= 0 {
			return entries, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
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
func (l *EventLog) Last(ctx context.Context, key string) (ports.LogEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return ports.LogEntry{}, false, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.checkOpenLocked(); err != nil {
		return ports.LogEntry{}, false, err
	}

	low, high := entryBounds(key)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if err != nil {
		return ports.LogEntry{}, false, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return ports.LogEntry{}, false, nil
	}

	return toLogEntry(iter.Key(), iter.Value()), true, nil
}

// Seal appends the tombstone and the close marker in one batch
func (l *EventLog) Seal(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOpenLocked(); err != nil {
		return err
	}

	sealed, err := l.sealedLocked(key)
	if err != nil {
		return err
	}
	if sealed {
		return nil
	}

	seq, err := l.commitLocked(key, ports.TombstoneType, nil, 0, true)
	if err != nil {
		return err
	}

	l.logger.Debug("stream sealed",
		zap.String("stream", key),
		zap.String("entry_id", formatID(seq)))

	return nil
}

// Delete removes all entries and the close marker. The sequence counter is
// kept so ids stay monotonic for cursors that outlive the deletion.
func (l *EventLog) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOpenLocked(); err != nil {
		return err
	}

	low, high := entryBounds(key)
	b := l.db.NewBatch()
	defer b.Close()

	if err := b.DeleteRange(low, high, nil); err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	if err := b.Delete(keyClosed(key), nil); err != nil {
		return fmt.Errorf("failed to delete close marker: %w", err)
	}
	if err := b.Commit(l.wo); err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}

	return nil
}

// Ping reports whether the database is still open
func (l *EventLog) Ping(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkOpenLocked()
}

func (l *EventLog) checkOpenLocked() error {
	if l.closed {
		return ErrClosed
	}
	return nil
}

func (l *EventLog) commitLocked(key, kind string, payload []byte, maxLen int64, seal bool) (uint64, error) {
	last, err := l.lastSeqLocked(key)
	if err != nil {
		return 0, err
	}
	seq := last + 1

	b := l.db.NewBatch()
	defer b.Close()

	if err := b.Set(keyEntry(key, seq), encodeRecord(kind, payload), nil); err != nil {
		return 0, fmt.Errorf("failed to stage entry: %w", err)
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := b.Set(keyMeta(key), meta[:], nil); err != nil {
		return 0, fmt.Errorf("failed to stage metadata: %w", err)
	}

	if seal {
		if err := b.Set(keyClosed(key), []byte{1}, nil); err != nil {
			return 0, fmt.Errorf("failed to stage close marker: %w", err)
		}
	}

	if maxLen > 0 && seq > uint64(maxLen) {
		low, _ := entryBounds(key)
		if err := b.DeleteRange(low, keyEntry(key, seq-uint64(maxLen)+1), nil); err != nil {
			return 0, fmt.Errorf("failed to stage trim: %w", err)
		}
	}

	if err := b.Commit(l.wo); err != nil {
		return 0, fmt.Errorf("failed to commit entry: %w", err)
	}
	l.lastSeq[key] = seq

	// notify waiters
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})

	return seq, nil
}

func (l *EventLog) lastSeqLocked(key string) (uint64, error) {
	if seq, ok := l.lastSeq[key]; ok {
		return seq, nil
	}

	val, closer, err := l.db.Get(keyMeta(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			l.lastSeq[key] = 0
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load metadata: %w", err)
	}
	defer closer.Close()

	var seq uint64
	if len(val) >= 8 {
		seq = binary.BigEndian.Uint64(val[:8])
	}
	l.lastSeq[key] = seq
	return seq, nil
}

func (l *EventLog) sealedLocked(key string) (bool, error) {
	_, closer, err := l.db.Get(keyClosed(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load close marker: %w", err)
	}
	closer.Close()
	return true, nil
}

func (l *EventLog) resolveCursor(key, cursor string) (uint64, error) {
	if cursor != ports.TailID {
		return parseID(cursor)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOpenLocked(); err != nil {
		return 0, err
	}
	return l.lastSeqLocked(key)
}

// scanLocked requires mu held, shared or exclusive
func (l *EventLog) scanLocked(key string, after uint64, count int64) ([]ports.LogEntry, error) {
	if err := l.checkOpenLocked(); err != nil {
		return nil, err
	}

	_, high := entryBounds(key)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: keyEntry(key, after+1),
		UpperBound: high,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var entries []ports.LogEntry
	for valid := iter.First(); valid; valid = iter.Next() {
		entries = append(entries, toLogEntry(iter.Key(), iter.Value()))
		if count > 0 && int64(len(entries)) >= count {
			break
		}
	}

	return entries, nil
}

// toLogEntry decodes a stored record. A record failing its checksum comes
// back with an empty type so readers treat it as malformed.
func toLogEntry(key, value []byte) ports.LogEntry {
	entry := ports.LogEntry{ID: formatID(seqFromKey(key))}
	if kind, payload, ok := decodeRecord(value); ok {
		entry.Type = kind
		entry.Payload = payload
	}
	return entry
}
