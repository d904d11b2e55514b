package ledger

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberwatch/emberwatch/internal/logger"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

func newMemoryLedger(r Retention) *Ledger {
	return New(NewMemoryStore(r, 0), testLogger())
}

var longRetention = Retention{Fired: time.Hour, Contact: time.Hour}

func TestKeyFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		frame, size, want int64
	}{
		{0, 100, 0},
		{5, 100, 0},
		{42, 100, 0},
		{99, 100, 0},
		{100, 100, 1},
		{105, 100, 1},
		{250, 50, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KeyFor("u1", tt.frame, tt.size).Bucket, "frame %d size %d", tt.frame, tt.size)
	}
	assert.Equal(t, "u1#3", KeyFor("u1", 312, 100).String())
}

func TestCallKeyIsSeparateFromAlertKey(t *testing.T) {
	t.Parallel()

	l := newMemoryLedger(longRetention)
	alert := KeyFor("u1", 42, 100)
	call := alert.Call()
	assert.Equal(t, "u1/call#0", call.String())

	won, err := l.TryMark(t.Context(), alert)
	require.NoError(t, err)
	require.True(t, won)

	won, err = l.TryMark(t.Context(), call)
	require.NoError(t, err)
	assert.True(t, won, "the alert email does not consume the call reservation")

	won, err = l.TryMark(t.Context(), KeyFor("u1", 7, 100).Call())
	require.NoError(t, err)
	assert.False(t, won)
}

func TestMarkFiredIsIdempotent(t *testing.T) {
	t.Parallel()

	l := newMemoryLedger(longRetention)
	ctx := t.Context()
	key := Key{SubjectID: "u1", Bucket: 0}

	fired, err := l.HasFired(ctx, key)
	require.NoError(t, err)
	assert.False(t, fired)

	require.NoError(t, l.MarkFired(ctx, key))
	require.NoError(t, l.MarkFired(ctx, key))

	fired, err = l.HasFired(ctx, key)
	require.NoError(t, err)
	assert.True(t, fired)

	won, err := l.TryMark(ctx, key)
	require.NoError(t, err)
	assert.False(t, won, "already fired key must not be won again")

	other, err := l.HasFired(ctx, Key{SubjectID: "u1", Bucket: 1})
	require.NoError(t, err)
	assert.False(t, other)
}

func TestTryMarkConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	l := newMemoryLedger(longRetention)
	key := Key{SubjectID: "u1", Bucket: 7}

	const n = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range n {
		wg.Go(func() {
			<-start
			won, err := l.TryMark(t.Context(), key)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		})
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestResetAllowsNewAlert(t *testing.T) {
	t.Parallel()

	l := newMemoryLedger(longRetention)
	ctx := t.Context()
	key := Key{SubjectID: "u2", Bucket: 3}

	won, err := l.TryMark(ctx, key)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, l.Reset(ctx, key))

	won, err = l.TryMark(ctx, key)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestReleaseAfterFailedSend(t *testing.T) {
	t.Parallel()

	l := newMemoryLedger(longRetention)
	ctx := t.Context()
	key := KeyFor("u3", 7, 100)

	won, err := l.TryMark(ctx, key)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, l.Release(ctx, key))

	fired, err := l.HasFired(ctx, key)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestResolveSubjectLastWriteWins(t *testing.T) {
	t.Parallel()

	l := newMemoryLedger(longRetention)
	ctx := t.Context()

	_, err := l.ResolveSubject(ctx, "a@x.com")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, l.RecordContact(ctx, "a@x.com", "1"))
	require.NoError(t, l.RecordContact(ctx, "A@X.com ", "2"))

	subject, err := l.ResolveSubject(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "2", subject)
}

func TestMemoryStoreRetention(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(Retention{Fired: 30 * time.Millisecond, Contact: 30 * time.Millisecond}, 0)
	l := New(store, testLogger())
	ctx := t.Context()
	key := Key{SubjectID: "u3", Bucket: 0}

	require.NoError(t, l.MarkFired(ctx, key))
	require.NoError(t, l.RecordContact(ctx, "b@x.com", "u3"))

	require.Eventually(t, func() bool {
		fired, err := l.HasFired(ctx, key)
		return err == nil && !fired
	}, time.Second, 10*time.Millisecond)

	_, err := l.ResolveSubject(ctx, "b@x.com")
	require.ErrorIs(t, err, ErrNotFound)

	removed, err := store.Purge(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	won, err := l.TryMark(ctx, key)
	require.NoError(t, err)
	assert.True(t, won, "expired bucket may alert again")
}
