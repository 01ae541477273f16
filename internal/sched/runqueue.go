package sched

import (
	"math/bits"

	"github.com/rcman/osfree/internal/katomic"
	"github.com/rcman/osfree/internal/spinlock"
)

// NumClasses and LevelsPerClass are spec §6's ABI constants: five
// scheduling classes, 32 priority levels each. They are compiled in rather
// than read from kconfig.Tuning because the bitmaps below are fixed-width
// words sized to exactly these counts; NewScheduler rejects a Tuning whose
// NumClasses/LevelsPerClass disagree with them.
const (
	NumClasses     = 5
	LevelsPerClass = 32
)

// RunQueue is spec §3's per-CPU run queue: a 5x32 bucket matrix, an active
// bitmap per class, a class bitmap, and the bookkeeping pick-next and tick
// need. Guarded by one IRQ-safe ticket spinlock, per spec §3's "Guarded by
// one ticket spinlock; IRQs must be disabled while held."
type RunQueue struct {
	CPUID int

	spin   spinlock.IRQSafe
	irqSrc spinlock.InterruptFlags

	buckets      [NumClasses][LevelsPerClass]bucket
	activeBitmap [NumClasses]uint32
	classBitmap  uint32

	nrRunning     int
	switchCount   uint64
	loadEstimate  int
	lastBalanceTS int64

	current      ThreadID
	currentValid bool
	idle         ThreadID

	clockNS   int64
	tickCount uint64

	// preemptCount is spec §4.G's preemption counter: Schedule refuses to
	// run while it is positive unless explicitly forced (Block/Yield).
	preemptCount katomic.Int32
}

func newRunQueue(cpuID int, irqSrc spinlock.InterruptFlags) *RunQueue {
	return &RunQueue{CPUID: cpuID, irqSrc: irqSrc}
}

func (q *RunQueue) lock() uint64        { return q.spin.Lock(q.irqSrc) }
func (q *RunQueue) unlock(flags uint64) { q.spin.Unlock(q.irqSrc, flags) }

// insertLocked places id into bucket (class, level mod LevelsPerClass),
// bumping counts and bitmaps. Caller must hold the queue lock.
func (q *RunQueue) insertLocked(class SchedClass, level int, id ThreadID) {
	level = level % LevelsPerClass
	classIdx := int(class)
	q.buckets[classIdx][level].pushBack(id)
	q.nrRunning++
	q.loadEstimate = q.nrRunning
	q.activeBitmap[classIdx] |= 1 << uint(level)
	q.classBitmap |= 1 << uint(classIdx)
}

// removeLocked removes id from bucket (class, level), clearing bitmap bits
// when the bucket/class empties. Caller must hold the queue lock. Reports
// whether id was found.
func (q *RunQueue) removeLocked(class SchedClass, level int, id ThreadID) bool {
	level = level % LevelsPerClass
	classIdx := int(class)
	if !q.buckets[classIdx][level].remove(id) {
		return false
	}
	q.nrRunning--
	q.loadEstimate = q.nrRunning
	if q.buckets[classIdx][level].count() == 0 {
		q.activeBitmap[classIdx] &^= 1 << uint(level)
		if q.activeBitmap[classIdx] == 0 {
			q.classBitmap &^= 1 << uint(classIdx)
		}
	}
	return true
}

// pickNextLocked implements spec §4.G's pick-next: highest non-empty class
// (class_bitmap msb), then highest non-empty level within that class
// (active_bitmap msb), FIFO head within the bucket. Returns ok=false only
// when nr_running == 0 (caller substitutes the idle thread).
func (q *RunQueue) pickNextLocked() (ThreadID, SchedClass, int, bool) {
	if q.nrRunning == 0 {
		return NilThreadID, 0, 0, false
	}
	classIdx := highestSetBit32(q.classBitmap)
	level := highestSetBit32(q.activeBitmap[classIdx])
	id, ok := q.buckets[classIdx][level].popFront()
	if !ok {
		return NilThreadID, 0, 0, false
	}
	if q.buckets[classIdx][level].count() == 0 {
		q.activeBitmap[classIdx] &^= 1 << uint(level)
		if q.activeBitmap[classIdx] == 0 {
			q.classBitmap &^= 1 << uint(classIdx)
		}
	}
	q.nrRunning--
	q.loadEstimate = q.nrRunning
	return id, SchedClass(classIdx), level, true
}

// highestSetBit32 returns the index (0-31) of the most significant set bit
// of x. x must be non-zero; callers only invoke this after checking a
// bitmap is non-zero.
func highestSetBit32(x uint32) int {
	return 31 - bits.LeadingZeros32(x)
}
