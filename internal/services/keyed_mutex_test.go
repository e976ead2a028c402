package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bidhub/internal/domain"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	rq := require.New(t)
	km := NewKeyedMutex()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			unlock, err := km.Lock(context.Background(), "a-1")
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}

	wg.Wait()
	rq.Equal(int32(1), maxSeen)
	rq.Equal(0, km.Len())
}

func TestKeyedMutexDifferentKeysDoNotContend(t *testing.T) {
	rq := require.New(t)
	km := NewKeyedMutex()

	unlockA, err := km.Lock(context.Background(), "a-1")
	rq.NoError(err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unlockB, err := km.Lock(ctx, "a-2")
	rq.NoError(err)
	unlockB()
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	rq := require.New(t)
	km := NewKeyedMutex()

	unlock, err := km.Lock(context.Background(), "a-1")
	rq.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = km.Lock(ctx, "a-1")
	rq.ErrorIs(err, domain.ErrLockTimeout)

	unlock()
	unlock() // second call is a no-op
	rq.Equal(0, km.Len())
}
