package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_AcquireRelease(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	release()

	// Reacquirable after release.
	release, err = l.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	release()
}

func TestLocal_TryAcquireBusy(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	_, ok := l.TryAcquire("s1")
	assert.False(t, ok)

	// A different key is unaffected.
	r2, ok := l.TryAcquire("s2")
	require.True(t, ok)
	r2()

	release()
	r3, ok := l.TryAcquire("s1")
	require.True(t, ok)
	r3()
}

func TestLocal_AcquireRespectsContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocal_ReleaseIdempotent(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	release()
	release() // second call must not unlock someone else's hold

	r2, err := l.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	release()
	_, ok := l.TryAcquire("s1")
	assert.False(t, ok)
	r2()
}

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "s1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}
