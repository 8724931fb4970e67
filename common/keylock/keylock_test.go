package keylock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock(t *testing.T) {
	locker := NewKeyLock[int64]()

	h, err := locker.Lock(context.Background(), 1, time.Minute)
	require.NoError(t, err)

	startedWaiting := time.Now()
	go func(lh int64) {
		time.Sleep(200 * time.Millisecond)
		locker.Unlock(1, lh)
	}(h)

	h2, err := locker.Lock(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	locker.Unlock(1, h2)

	assert.GreaterOrEqual(t, time.Since(startedWaiting), 200*time.Millisecond)
}

func TestKeyLockOtherKeys(t *testing.T) {
	locker := NewKeyLock[int64]()

	assert.NotEqual(t, int64(-1), locker.TryLock(1, time.Minute))
	assert.NotEqual(t, int64(-1), locker.TryLock(2, time.Minute))
	assert.Equal(t, int64(-1), locker.TryLock(1, time.Minute))
}

func TestKeyLockExpires(t *testing.T) {
	locker := NewKeyLock[string]()

	old := locker.TryLock("a", 10*time.Millisecond)
	require.NotEqual(t, int64(-1), old)

	time.Sleep(20 * time.Millisecond)
	h := locker.TryLock("a", time.Minute)
	require.NotEqual(t, int64(-1), h)

	// the expired holder can't release the new lock
	locker.Unlock("a", old)
	assert.Equal(t, int64(-1), locker.TryLock("a", time.Minute))

	locker.Unlock("a", h)
	assert.NotEqual(t, int64(-1), locker.TryLock("a", time.Minute))
}

func TestKeyLockContext(t *testing.T) {
	locker := NewKeyLock[int64]()
	locker.TryLock(1, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	h, err := locker.Lock(ctx, 1, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(-1), h)
}

func BenchmarkKeyLock(b *testing.B) {
	locker := NewKeyLock[int64]()

	for i := 0; i < b.N; i++ {
		h := locker.TryLock(1, time.Minute)
		locker.Unlock(1, h)
	}
}
