package pebble

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aescanero/taskstream/pkg/ports"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestLog(t *testing.T) *EventLog {
	t.Helper()
	l, err := Open(Options{DataDir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAssignsSequential(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	id1, err := l.Append(ctx, "a2a:task:t1", "Message", []byte(`{"n":1}`), ports.AppendOptions{})
	require.NoError(t, err)
	id2, err := l.Append(ctx, "a2a:task:t1", "Message", []byte(`{"n":2}`), ports.AppendOptions{})
	require.NoError(t, err)

	assert.Equal(t, "1-0", id1)
	assert.Equal(t, "2-0", id2)

	entries, err := l.ReadAfter(ctx, "a2a:task:t1", ports.StartID, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Message", entries[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(entries[0].Payload))
}

func TestStreamsDoNotOverlap(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "a", "Message", []byte(`1`), ports.AppendOptions{})
	require.NoError(t, err)
	_, err = l.Append(ctx, "a/e", "Message", []byte(`2`), ports.AppendOptions{})
	require.NoError(t, err)

	entries, err := l.ReadAfter(ctx, "a", ports.StartID, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", string(entries[0].Payload))
}

func TestDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := Open(Options{DataDir: dir, Sync: true}, nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, "k", "Message", []byte(`x`), ports.AppendOptions{})
	require.NoError(t, err)
	require.NoError(t, l.Seal(ctx, "k"))
	require.NoError(t, l.Close())

	l, err = Open(Options{DataDir: dir}, nil)
	require.NoError(t, err)
	defer l.Close()

	entries, err := l.ReadAfter(ctx, "k", ports.StartID, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].IsTombstone())

	_, err = l.Append(ctx, "k", "Message", []byte(`y`), ports.AppendOptions{})
	assert.ErrorIs(t, err, ports.ErrStreamClosed)
}

func TestBlockingReadWakesOnAppend(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = l.Append(ctx, "k", "Message", []byte(`late`), ports.AppendOptions{})
	}()

	entries, err := l.ReadAfter(ctx, "k", ports.TailID, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "late", string(entries[0].Payload))
}

func TestBlockingReadTimeout(t *testing.T) {
	l := newTestLog(t)

	entries, err := l.ReadAfter(context.Background(), "k", ports.StartID, 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMaxLenTrims(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, "k", "Message", []byte{byte('a' + i)}, ports.AppendOptions{MaxLen: 2})
		require.NoError(t, err)
	}

	entries, err := l.ReadAfter(ctx, "k", ports.StartID, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "5-0", entries[0].ID)
	assert.Equal(t, "6-0", entries[1].ID)
}

func TestLastAndDelete(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	_, ok, err := l.Last(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.Append(ctx, "k", "Message", []byte(`a`), ports.AppendOptions{})
	require.NoError(t, err)
	require.NoError(t, l.Seal(ctx, "k"))

	last, ok, err := l.Last(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.IsTombstone())

	require.NoError(t, l.Delete(ctx, "k"))
	_, ok, err = l.Last(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := l.Append(ctx, "k", "Message", []byte(`b`), ports.AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "3-0", id)
}

func TestClosedLogRejectsOperations(t *testing.T) {
	l, err := Open(Options{DataDir: t.TempDir()}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.Error(t, l.Ping(context.Background()))
	_, err = l.Append(context.Background(), "k", "Message", nil, ports.AppendOptions{})
	assert.Error(t, err)
	_, err = l.ReadAfter(context.Background(), "k", ports.StartID, 1, 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = l.ReadAfter(context.Background(), "k", ports.TailID, 1, 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = l.Last(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDuringConcurrentReads(t *testing.T) {
	l, err := Open(Options{DataDir: t.TempDir()}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := l.Append(ctx, "k", "Message", []byte(`{}`), ports.AppendOptions{})
		require.NoError(t, err)
	}

	started := make(chan struct{}, 4)
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			started <- struct{}{}
			for {
				if _, err := l.ReadAfter(ctx, "k", ports.StartID, 0, 0); err != nil {
					if errors.Is(err, ErrClosed) {
						return nil
					}
					return err
				}
				if _, _, err := l.Last(ctx, "k"); err != nil {
					if errors.Is(err, ErrClosed) {
						return nil
					}
					return err
				}
			}
		})
	}

	for i := 0; i < 4; i++ {
		<-started
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, l.Close())
	assert.NoError(t, g.Wait())
}

func TestRecordChecksum(t *testing.T) {
	rec := encodeRecord("Message", []byte(`{}`))
	kind, payload, ok := decodeRecord(rec)
	require.True(t, ok)
	assert.Equal(t, "Message", kind)
	assert.Equal(t, `{}`, string(payload))

	rec[len(rec)-5] ^= 0xff
	_, _, ok = decodeRecord(rec)
	assert.False(t, ok)
}

func TestPropertyIDsIncreaseAndReadsPreserveOrder(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	run := 0
	properties.Property("entry ids are strictly increasing and reads return append order", prop.ForAll(
		func(kinds []string) bool {
			run++
			key := fmt.Sprintf("prop:%d", run)

			var prev uint64
			for _, kind := range kinds {
				id, err := l.Append(ctx, key, "k"+kind, []byte(`{}`), ports.AppendOptions{})
				if err != nil {
					return false
				}
				seq, err := parseID(id)
				if err != nil || seq <= prev {
					return false
				}
				prev = seq
			}

			entries, err := l.ReadAfter(ctx, key, ports.StartID, int64(len(kinds)+1), 0)
			if err != nil || len(entries) != len(kinds) {
				return false
			}
			for i, entry := range entries {
				if entry.Type != "k"+kinds[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
