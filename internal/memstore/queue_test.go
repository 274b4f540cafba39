package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classifieds/realtime/internal/domain"
)

func TestQueueAppendReadAcknowledge(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(1000)
	user := uuid.New()

	first, err := q.Append(ctx, user, []byte("one"))
	require.NoError(t, err)
	second, err := q.Append(ctx, user, []byte("two"))
	require.NoError(t, err)

	entries, err := q.ReadFrom(ctx, user, domain.QueueStart, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0].ID)
	assert.Equal(t, "two", string(entries[1].Payload))

	// Reading never removes.
	entries, err = q.ReadFrom(ctx, user, domain.QueueStart, 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, q.Acknowledge(ctx, user, first))
	entries, err = q.ReadFrom(ctx, user, domain.QueueStart, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, second, entries[0].ID)
}

func TestQueueIDsIncreaseWithinSameMillisecond(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(0)
	fixed := time.UnixMilli(1_700_000_000_000)
	q.now = func() time.Time { return fixed }
	user := uuid.New()

	a, _ := q.Append(ctx, user, []byte("a"))
	b, _ := q.Append(ctx, user, []byte("b"))
	assert.Equal(t, "1700000000000-0", a)
	assert.Equal(t, "1700000000000-1", b)

	entries, err := q.ReadFrom(ctx, user, a, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, b, entries[0].ID)
}

func TestQueueMaxCountAndIsolation(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(0)
	alice, bob := uuid.New(), uuid.New()

	for i := 0; i < 5; i++ {
		_, _ = q.Append(ctx, alice, []byte("x"))
	}
	entries, err := q.ReadFrom(ctx, alice, domain.QueueStart, 3, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	n, err := q.Len(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueTrimsBeyondMaxLen(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(2)
	user := uuid.New()

	_, _ = q.Append(ctx, user, []byte("1"))
	_, _ = q.Append(ctx, user, []byte("2"))
	_, _ = q.Append(ctx, user, []byte("3"))

	entries, err := q.ReadFrom(ctx, user, domain.QueueStart, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2", string(entries[0].Payload))
}

func TestQueueBlockingReadWakesOnAppend(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(0)
	user := uuid.New()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Append(ctx, user, []byte("late"))
	}()

	entries, err := q.ReadFrom(ctx, user, domain.QueueStart, 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "late", string(entries[0].Payload))
}

func TestQueueBlockingReadTimesOut(t *testing.T) {
	q := NewQueue(0)
	start := time.Now()

	entries, err := q.ReadFrom(context.Background(), uuid.New(), domain.QueueStart, 10, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestQueueRejectsMalformedCursor(t *testing.T) {
	_, err := NewQueue(0).ReadFrom(context.Background(), uuid.New(), "abc", 1, 0)
	assert.Error(t, err)
}

func (q *Queue) streamCount() int {
	n := 0
	q.streams.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func TestQueueReadsDoNotCreateStreams(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(0)

	for i := 0; i < 10; i++ {
		user := uuid.New()
		_, err := q.ReadFrom(ctx, user, domain.QueueStart, 10, 0)
		require.NoError(t, err)
		_, err = q.Len(ctx, user)
		require.NoError(t, err)
		require.NoError(t, q.Acknowledge(ctx, user, "1-0"))
	}
	assert.Zero(t, q.streamCount())
}

func TestQueueEvictsDrainedStreams(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(0)
	fixed := time.UnixMilli(1_700_000_000_000)
	q.now = func() time.Time { return fixed }
	user := uuid.New()

	first, err := q.Append(ctx, user, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, q.streamCount())

	require.NoError(t, q.Acknowledge(ctx, user, first))
	assert.Zero(t, q.streamCount())

	// A recreated stream keeps issuing later ids.
	second, err := q.Append(ctx, user, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-1", second)
	entries, err := q.ReadFrom(ctx, user, first, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", string(entries[0].Payload))
}

func TestQueueEvictsAfterBlockingReadTimesOut(t *testing.T) {
	q := NewQueue(0)

	entries, err := q.ReadFrom(context.Background(), uuid.New(), domain.QueueStart, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, q.streamCount())
}

func TestQueueKeepsStreamWhileReaderWaits(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(0)
	user := uuid.New()

	done := make(chan []domain.QueueEntry, 1)
	go func() {
		entries, _ := q.ReadFrom(ctx, user, domain.QueueStart, 10, 2*time.Second)
		done <- entries
	}()
	require.Eventually(t, func() bool { return q.streamCount() == 1 }, time.Second, time.Millisecond)

	// Acknowledging on the empty stream must not evict it under the reader.
	require.NoError(t, q.Acknowledge(ctx, user, "1-0"))
	_, err := q.Append(ctx, user, []byte("wake"))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
		assert.Equal(t, "wake", string(entries[0].Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader was not woken")
	}
}
