package spinlock

import "sync/atomic"

// RWLock is the reader/writer lock of spec §4.B: a signed counter, 0 free,
// positive reader count, -1 writer. A writerPending flag forbids new
// readers while a writer is spinning to acquire, preventing writer
// starvation — spec flags this as a recommended-not-required strengthening;
// it is implemented here, modeled on
// other_examples/c1958671_vanadium-go.lib__nsync-mu.go.go's "designated
// waker" bit, which solves the identical problem for nsync's Mu.
type RWLock struct {
	n             int32
	writerPending int32
	writerSerial  Ticket
}

// RLock acquires a shared (read) hold, retrying while a writer holds or is
// pending.
func (l *RWLock) RLock() {
	for {
		if atomic.LoadInt32(&l.writerPending) != 0 {
			continue
		}
		n := atomic.LoadInt32(&l.n)
		if n < 0 {
			continue
		}
		if atomic.CompareAndSwapInt32(&l.n, n, n+1) {
			return
		}
	}
}

// RUnlock releases a shared hold.
func (l *RWLock) RUnlock() {
	atomic.AddInt32(&l.n, -1)
}

// Lock acquires an exclusive (write) hold. Writers serialize on an internal
// ticket lock (spec: "writer serializes on an internal spinlock"), and
// raise writerPending before spinning for the counter to reach zero so new
// readers back off instead of indefinitely renewing contention.
func (l *RWLock) Lock() {
	l.writerSerial.Lock()
	atomic.AddInt32(&l.writerPending, 1)
	for !atomic.CompareAndSwapInt32(&l.n, 0, -1) {
	}
	atomic.AddInt32(&l.writerPending, -1)
}

// Unlock releases an exclusive hold.
func (l *RWLock) Unlock() {
	atomic.StoreInt32(&l.n, 0)
	l.writerSerial.Unlock()
}
