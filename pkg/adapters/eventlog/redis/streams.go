package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/taskstream/pkg/ports"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// appendScript refuses to XADD once the stream's close marker exists.
// KEYS[1] = stream key
// KEYS[2] = close marker key
// ARGV[1] = event type
// ARGV[2] = payload
// ARGV[3] = approximate max length (0 = unbounded)
var appendScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
    return false
end
local maxlen = tonumber(ARGV[3])
if maxlen and maxlen > 0 then
    return redis.call("XADD", KEYS[1], "MAXLEN", "~", maxlen, "*", "type", ARGV[1], "payload", ARGV[2])
end
return redis.call("XADD", KEYS[1], "*", "type", ARGV[1], "payload", ARGV[2])
`)

// sealScript sets the close marker and writes the tombstone exactly once.
// KEYS[1] = stream key
// KEYS[2] = close marker key
// ARGV[1] = tombstone type
// ARGV[2] = retention in milliseconds (0 = keep)
var sealScript = redis.NewScript(`
if not redis.call("SET", KEYS[2], "1", "NX") then
    return false
end
local id = redis.call("XADD", KEYS[1], "*", "type", ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl and ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
    redis.call("PEXPIRE", KEYS[2], ttl)
end
return id
`)

// Options configures the Redis Streams event log
type Options struct {
	// Retention is applied to a stream once it is sealed. Zero keeps it forever.
	Retention time.Duration

	// Retry governs writes that fail with a retryable error
	Retry RetryPolicy
}

// StreamsEventLog implements EventLog using Redis Streams
type StreamsEventLog struct {
	client  *redis.Client
	logger  *zap.Logger
	options Options
}

// NewStreamsEventLog creates a new Redis Streams event log
func NewStreamsEventLog(client *redis.Client, opts Options, logger *zap.Logger) *StreamsEventLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = DefaultRetryable
	}

	return &StreamsEventLog{
		client:  client,
		logger:  logger,
		options: opts,
	}
}

// Append adds an entry with "type" and "payload" fields to the stream
func (l *StreamsEventLog) Append(ctx context.Context, key, kind string, payload []byte, opts ports.AppendOptions) (string, error) {
	id, err := l.withRetry(ctx, func() (string, error) {
		return appendScript.Run(ctx, l.client,
			[]string{key, closedKey(key)},
			kind, string(payload), opts.MaxLen,
		).Text()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ports.ErrStreamClosed
		}
		return "", fmt.Errorf("failed to add to stream: %w", err)
	}

	l.logger.Debug("entry appended",
		zap.String("stream", key),
		zap.String("entry_id", id),
		zap.String("type", kind))

	return id, nil
}

// ReadAfter reads entries strictly after cursor using XREAD
func (l *StreamsEventLog) ReadAfter(ctx context.Context, key, cursor string, count int64, block time.Duration) ([]ports.LogEntry, error) {
	args := &redis.XReadArgs{
		Streams: []string{key, cursor},
		Count:   count,
		// A negative Block omits the BLOCK argument; BLOCK 0 would wait forever
		Block: -1,
	}
	if block > 0 {
		// BLOCK takes milliseconds; anything shorter would round down to forever
		args.Block = max(block, time.Millisecond)
	}

	streams, err := l.client.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var entries []ports.LogEntry
	for _, stream := range streams {
		for _, message := range stream.Messages {
			entries = append(entries, toLogEntry(message))
		}
	}

	return entries, nil
}

// Last returns the newest entry using XREVRANGE
func (l *StreamsEventLog) Last(ctx context.Context, key string) (ports.LogEntry, bool, error) {
	messages, err := l.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ports.LogEntry{}, false, nil
		}
		return ports.LogEntry{}, false, fmt.Errorf("failed to read last entry: %w", err)
	}
	if len(messages) == 0 {
		return ports.LogEntry{}, false, nil
	}

	return toLogEntry(messages[0]), true, nil
}

// Seal writes the tombstone and the close marker atomically
func (l *StreamsEventLog) Seal(ctx context.Context, key string) error {
	retention := l.options.Retention.Milliseconds()

	id, err := l.withRetry(ctx, func() (string, error) {
		return sealScript.Run(ctx, l.client,
			[]string{key, closedKey(key)},
			ports.TombstoneType, retention,
		).Text()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			l.logger.Debug("stream already sealed", zap.String("stream", key))
			return nil
		}
		return fmt.Errorf("failed to write close marker: %w", err)
	}

	l.logger.Debug("stream sealed",
		zap.String("stream", key),
		zap.String("entry_id", id))

	return nil
}

// Delete removes the stream and its close marker
func (l *StreamsEventLog) Delete(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key, closedKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}

	l.logger.Debug("stream deleted", zap.String("stream", key))
	return nil
}

// Ping checks the Redis connection
func (l *StreamsEventLog) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

func (l *StreamsEventLog) withRetry(ctx context.Context, op func() (string, error)) (string, error) {
	policy := l.options.Retry
	if policy.MaxAttempts <= 1 {
		return op()
	}

	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		id, err := op()
		if err == nil {
			return id, nil
		}
		if !policy.Retryable(err) {
			return "", backoff.Permanent(err)
		}
		l.logger.Warn("retrying redis write",
			zap.Int("attempt", attempt),
			zap.Error(err))
		return "", err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(policy.MaxAttempts),
	)
}

// toLogEntry converts a stream message into a LogEntry
func toLogEntry(message redis.XMessage) ports.LogEntry {
	entry := ports.LogEntry{ID: message.ID}

	if v, ok := message.Values[ports.FieldType].(string); ok {
		entry.Type = v
	}
	if v, ok := message.Values[ports.FieldPayload].(string); ok {
		entry.Payload = []byte(v)
	}

	return entry
}

// closedKey returns the marker key set when a stream is sealed
func closedKey(streamKey string) string {
	return streamKey + ":closed"
}
