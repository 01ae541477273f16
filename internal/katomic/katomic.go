// Package katomic implements Component A: relaxed/acquire/release atomic
// operations, memory fences and a CPU-pause hint for spin loops, over
// native int32/int64/pointer words. All operations are lock-free.
package katomic

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Pause yields the current CPU for one spin-loop iteration. On real
// hardware this is the architecture's PAUSE/YIELD hint (see arch.Arch.Pause
// for the MSR/instruction-level version); hosted on the Go runtime it
// calls runtime.Gosched instead, so spin loops do not starve other
// goroutines standing in for other logical CPUs under GOMAXPROCS=1.
func Pause() {
	runtime.Gosched()
}

// CompilerBarrier prevents the Go compiler from reordering memory accesses
// across it. sync/atomic calls already act as a barrier for the variables
// they touch, so this is a documentation-only no-op kept for call sites that
// mirror Biscuit's explicit barrier placement.
func CompilerBarrier() {}

// Int32 is a lock-free 32-bit signed integer word.
type Int32 struct{ v int32 }

func (x *Int32) Load() int32                  { return atomic.LoadInt32(&x.v) }
func (x *Int32) Store(val int32)              { atomic.StoreInt32(&x.v, val) }
func (x *Int32) Add(delta int32) int32        { return atomic.AddInt32(&x.v, delta) }
func (x *Int32) Inc() int32                   { return x.Add(1) }
func (x *Int32) Dec() int32                   { return x.Add(-1) }
func (x *Int32) Swap(new int32) int32         { return atomic.SwapInt32(&x.v, new) }
func (x *Int32) CAS(old, new int32) bool      { return atomic.CompareAndSwapInt32(&x.v, old, new) }
func (x *Int32) FetchOr(bits int32) int32 {
	for {
		old := x.Load()
		if x.CAS(old, old|bits) {
			return old
		}
	}
}
func (x *Int32) FetchAnd(bits int32) int32 {
	for {
		old := x.Load()
		if x.CAS(old, old&bits) {
			return old
		}
	}
}
func (x *Int32) FetchXor(bits int32) int32 {
	for {
		old := x.Load()
		if x.CAS(old, old^bits) {
			return old
		}
	}
}

// Int64 is a lock-free 64-bit signed integer word.
type Int64 struct{ v int64 }

func (x *Int64) Load() int64             { return atomic.LoadInt64(&x.v) }
func (x *Int64) Store(val int64)         { atomic.StoreInt64(&x.v, val) }
func (x *Int64) Add(delta int64) int64   { return atomic.AddInt64(&x.v, delta) }
func (x *Int64) Inc() int64              { return x.Add(1) }
func (x *Int64) Dec() int64              { return x.Add(-1) }
func (x *Int64) Swap(new int64) int64    { return atomic.SwapInt64(&x.v, new) }
func (x *Int64) CAS(old, new int64) bool { return atomic.CompareAndSwapInt64(&x.v, old, new) }
func (x *Int64) FetchOr(bits int64) int64 {
	for {
		old := x.Load()
		if x.CAS(old, old|bits) {
			return old
		}
	}
}
func (x *Int64) FetchAnd(bits int64) int64 {
	for {
		old := x.Load()
		if x.CAS(old, old&bits) {
			return old
		}
	}
}

// Pointer is a lock-free unsafe.Pointer word, used for wait-channel handles
// and intrusive-list links.
type Pointer struct{ v unsafe.Pointer }

func (x *Pointer) Load() unsafe.Pointer { return atomic.LoadPointer(&x.v) }
func (x *Pointer) Store(p unsafe.Pointer) { atomic.StorePointer(&x.v, p) }
func (x *Pointer) Swap(p unsafe.Pointer) unsafe.Pointer {
	return atomic.SwapPointer(&x.v, p)
}
func (x *Pointer) CAS(old, new unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(&x.v, old, new)
}

// Bool is a lock-free flag word, used for reschedule-requested / migrating /
// bound-style single-bit thread flags.
type Bool struct{ v int32 }

func (x *Bool) Load() bool { return atomic.LoadInt32(&x.v) != 0 }
func (x *Bool) Store(val bool) {
	if val {
		atomic.StoreInt32(&x.v, 1)
	} else {
		atomic.StoreInt32(&x.v, 0)
	}
}

// Swap atomically sets the flag to val and returns the prior value.
func (x *Bool) Swap(val bool) bool {
	var n int32
	if val {
		n = 1
	}
	return atomic.SwapInt32(&x.v, n) != 0
}

// CAS performs the flag's corresponding compare-and-swap.
func (x *Bool) CAS(old, new bool) bool {
	var o, n int32
	if old {
		o = 1
	}
	if new {
		n = 1
	}
	return atomic.CompareAndSwapInt32(&x.v, o, n)
}
