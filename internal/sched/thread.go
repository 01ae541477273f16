// Package sched implements Component G: the O(1) priority-class scheduler
// core — per-CPU run queues, enqueue/dequeue/pick-next, tick-driven
// preemption, affinity, and priority boost — spec §3/§4.G describe. Method
// shapes grounded on
// other_examples/6e84e5c1_..toysched-step7-toysched7.go.go and its
// ..step6-toysched6.go.go predecessor (P/M/G run-queue-and-pick-next toy
// scheduler), generalized from their slice-based single-process queue to
// the bucketed, bitmap-indexed, multi-CPU structure spec §3 specifies.
// Thread/run-queue/CPU-info form the cyclic reference spec §9 calls out;
// resolved exactly as that section suggests: threads live in an arena
// keyed by a stable id (uuid.UUID, following google/uuid usage seen across
// the retrieved pack), and buckets/current/idle fields hold ids, not
// pointers.
package sched

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rcman/osfree/internal/arch"
	"github.com/rcman/osfree/internal/katomic"
)

// ThreadID is a thread's stable identifier (spec §3 "stable identifier").
type ThreadID uuid.UUID

// NilThreadID is the zero value, used as a sentinel for "no thread".
var NilThreadID ThreadID

func newThreadID() ThreadID {
	return ThreadID(uuid.New())
}

// SchedClass is one of the five scheduling classes spec §3 lists. Ordered
// ascending by priority: a higher numeric value always outranks a lower one
// for pick-next purposes, matching spec §4.G's "find highest non-empty
// class".
type SchedClass int

const (
	ClassIdle SchedClass = iota
	ClassRegular
	ClassTimeCritical
	ClassServer
	ClassRealtime
)

func (c SchedClass) String() string {
	switch c {
	case ClassIdle:
		return "Idle"
	case ClassRegular:
		return "Regular"
	case ClassTimeCritical:
		return "TimeCritical"
	case ClassServer:
		return "Server"
	case ClassRealtime:
		return "Realtime"
	default:
		return "Unknown"
	}
}

// ThreadState is one of the five lifecycle states spec §3 lists.
type ThreadState int

const (
	Ready ThreadState = iota
	Running
	Blocked
	Suspended
	Zombie
)

func (s ThreadState) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Suspended:
		return "Suspended"
	case Zombie:
		return "Zombie"
	default:
		return "Unknown"
	}
}

// WaitChannel is the opaque handle a Blocked thread is parked on, looked up
// by unblock (spec §3 "wait-channel (opaque pointer when Blocked)"; spec §9
// flags the representation as an open question left to the implementation —
// resolved here as a plain comparable handle the caller mints, e.g. the
// address of a condition variable or mailbox).
type WaitChannel uint64

// Thread is spec §3's independently schedulable unit.
type Thread struct {
	ID        ThreadID
	ProcessID uuid.UUID // weak reference; the owning process lives elsewhere

	Class           SchedClass
	BasePriority    int // 0-31 within class
	DynamicPriority int // base plus transient boost, clamped [0,31]

	state ThreadState

	TimeSlice    int
	TimeSliceMax int

	AffinityMask uint64 // bitset over logical CPUs
	LastCPU      int
	PreferredCPU int // -1 means "no preference"

	SuspendCount int32

	waitChannel WaitChannel
	blocked     bool

	BoostMagnitude      int
	BoostTicksRemaining int

	TotalRuntimeNS      int64
	LastScheduledTS     int64
	VoluntarySwitches   uint64
	InvoluntarySwitches uint64

	Bound bool

	migrating            katomic.Bool
	rescheduleRequested  katomic.Bool

	SavedContext arch.ThreadContext

	// queueCPU/queueClass/queueLevel record exactly where a Ready thread
	// currently sits so dequeue/boost/migrate can remove it in O(1) without
	// re-deriving bucket coordinates from possibly-stale priority fields.
	queueCPU   int
	queueClass SchedClass
	queueLevel int
	onQueue    bool

	mu sync.Mutex // per-thread lock, spec §5 lock ordering position 3
}

// State returns the thread's current lifecycle state.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s ThreadState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// WaitChannelValue returns the channel a Blocked thread is parked on.
func (t *Thread) WaitChannelValue() WaitChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitChannel
}

// Migrating reports whether a migration of this thread is currently in
// flight (spec §5: "written only under the source queue lock and cleared
// only after the destination enqueue returns").
func (t *Thread) Migrating() bool { return t.migrating.Load() }

// RescheduleRequested reports whether the owning CPU should reschedule at
// its next preemption point.
func (t *Thread) RescheduleRequested() bool { return t.rescheduleRequested.Load() }

// RequestReschedule sets the reschedule flag Schedule/MaybeReschedule
// consult, per spec §4.I's Reschedule handler: "sets the reschedule flag
// and returns; preemption-enable on ISR exit performs the switch."
// internal/ipi calls this from its Reschedule-vector handler, which cannot
// reach the unexported field directly.
func (t *Thread) RequestReschedule() { t.rescheduleRequested.Store(true) }

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 31 {
		return 31
	}
	return p
}
