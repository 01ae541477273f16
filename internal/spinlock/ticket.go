// Package spinlock implements Component B: fair ticket spinlocks, IRQ-safe
// variants, a reader/writer lock, and a sequence lock, all built on the
// atomics of internal/katomic. Grounded directly on
// other_examples/ec5e3ad7_ahrav-go-locks__ticket-ticket.go.go, adapted to
// drop its adaptive-sleep backoff (spec §4.B/§8 require strict FIFO order
// with no starvation, which plain pause-spin already guarantees; sleeping
// would not change correctness, and spec §4.B's fairness property is stated
// in terms of ticket order, not latency, so the simpler loop is kept).
package spinlock

import (
	"sync/atomic"
	"unsafe"

	"github.com/rcman/osfree/internal/katomic"
)

// Ticket is a fair mutual-exclusion spinlock. Waiters acquire in strict
// issue order (spec §3 "Ticket lock", §8 testable property 5).
type Ticket struct {
	head uint32 // next ticket to be served
	tail uint32 // next ticket to be issued
}

// Lock acquires the lock, spinning with a CPU-pause hint between probes
// until this waiter's ticket is being served.
func (t *Ticket) Lock() {
	my := atomic.AddUint32(&t.tail, 1) - 1
	for atomic.LoadUint32(&t.head) != my {
		katomic.Pause()
	}
}

// Unlock releases the lock, admitting the next ticket holder.
func (t *Ticket) Unlock() {
	atomic.AddUint32(&t.head, 1)
}

// TryLock attempts to acquire the lock without blocking, succeeding only if
// it was free. It performs a single compare-exchange on the packed
// head/tail word so a failed attempt never issues a ticket (spec §4.B:
// "snapshots the packed word; if head != tail, fail").
func (t *Ticket) TryLock() bool {
	packed := (*uint64)(packedPtr(t))
	for {
		old := atomic.LoadUint64(packed)
		head := uint32(old)
		tail := uint32(old >> 32)
		if head != tail {
			return false
		}
		newVal := uint64(head) | uint64(tail+1)<<32
		if atomic.CompareAndSwapUint64(packed, old, newVal) {
			return true
		}
	}
}

// IsLocked reports whether the lock is currently held by anyone. Intended
// for diagnostics/tests only.
func (t *Ticket) IsLocked() bool {
	return atomic.LoadUint32(&t.head) != atomic.LoadUint32(&t.tail)
}

// packedPtr reinterprets head (first field, low 32 bits on little-endian
// x86_64) and tail (second field, high 32 bits) as one 64-bit word so
// TryLock can compare-exchange both atomically, matching spec §3's
// description of a ticket lock as two 16-bit fields "packed in one 32-bit
// word" generalized here to two 32-bit fields in one 64-bit word.
func packedPtr(t *Ticket) unsafe.Pointer {
	return unsafe.Pointer(t)
}
