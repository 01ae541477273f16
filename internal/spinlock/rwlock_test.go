package spinlock_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcman/osfree/internal/spinlock"
)

func TestRWLockMultipleReaders(t *testing.T) {
	var lock spinlock.RWLock
	var active int32
	var maxSeen int32
	var wg sync.WaitGroup
	const readers = 8

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.RLock()
			defer lock.RUnlock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	require.Greater(t, maxSeen, int32(1))
}

func TestRWLockWriterExclusion(t *testing.T) {
	var lock spinlock.RWLock
	counter := 0
	var wg sync.WaitGroup
	const writers, iters = 8, 200
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				lock.Lock()
				counter++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, writers*iters, counter)
}

func TestRWLockWriterExcludesReaders(t *testing.T) {
	var lock spinlock.RWLock
	lock.Lock()

	readerDone := make(chan struct{})
	go func() {
		lock.RLock()
		lock.RUnlock()
		close(readerDone)
	}()

	select {
	case <-readerDone:
		t.Fatal("reader acquired RLock while writer held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	lock.Unlock()
	<-readerDone
}
