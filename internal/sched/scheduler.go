package sched

import (
	"context"
	"math/bits"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcman/osfree/internal/arch"
	"github.com/rcman/osfree/internal/katomic"
	"github.com/rcman/osfree/internal/kconfig"
	"github.com/rcman/osfree/internal/kerr"
	"github.com/rcman/osfree/internal/klog"
	"github.com/rcman/osfree/internal/percpu"
	"github.com/rcman/osfree/internal/topology"
)

// IPISender is the subset of internal/ipi.Dispatcher the scheduler needs:
// a way to nudge another CPU to reschedule. Defined here rather than
// imported from internal/ipi so the dependency points the other way (ipi
// depends on sched, not the reverse). NewScheduler accepts nil, and
// internal/boot.Build passes nil because its *ipi.Dispatcher is built from
// the finished Scheduler, so a Scheduler built there sends no reschedule
// IPIs to remote CPUs.
type IPISender interface {
	SendReschedule(cpu int)
}

// Scheduler is spec §4.G's scheduler core: one RunQueue per online CPU, a
// thread arena keyed by stable id, and the wait-channel lookup spec §9
// leaves open (resolved here as a plain map guarded by its own mutex).
type Scheduler struct {
	tuning kconfig.Tuning
	arch   arch.Arch
	topo   *topology.Online
	percpu *percpu.Table
	ipi    IPISender
	log    zerolog.Logger

	queuesMu sync.RWMutex
	queues   map[int]*RunQueue

	threadsMu sync.RWMutex
	threads   map[ThreadID]*Thread

	waitMu     sync.Mutex
	waitQueues map[WaitChannel][]ThreadID

	needBalance katomic.Bool

	currentCPU func() int
}

// NewScheduler builds a scheduler bound to the given architecture,
// validated topology, and per-CPU table. tuning.NumClasses/LevelsPerClass
// must match the compiled-in bitmap width (NumClasses, LevelsPerClass).
func NewScheduler(tuning kconfig.Tuning, a arch.Arch, topo *topology.Online, pt *percpu.Table, ipi IPISender) (*Scheduler, error) {
	if tuning.NumClasses != NumClasses || tuning.LevelsPerClass != LevelsPerClass {
		return nil, kerr.New(kerr.InvalidParameter,
			"tuning num_classes/levels_per_class (%d/%d) must match the compiled-in bitmap width %d/%d",
			tuning.NumClasses, tuning.LevelsPerClass, NumClasses, LevelsPerClass)
	}
	return &Scheduler{
		tuning:     tuning,
		arch:       a,
		topo:       topo,
		percpu:     pt,
		ipi:        ipi,
		queues:     make(map[int]*RunQueue),
		threads:    make(map[ThreadID]*Thread),
		waitQueues: make(map[WaitChannel][]ThreadID),
		log:        klog.For("sched"),
	}, nil
}

// SetCurrentCPUResolver installs the callback the scheduler uses to learn
// which CPU the calling goroutine represents, mirroring arch.Sim's
// resolver convention.
func (s *Scheduler) SetCurrentCPUResolver(fn func() int) { s.currentCPU = fn }

func (s *Scheduler) currentCPUID() int {
	if s.currentCPU == nil {
		return 0
	}
	return s.currentCPU()
}

// RegisterCPU creates cpuID's run queue and bound idle thread (spec §4.E
// step 3 / AP-side "initialize this CPU's scheduler run queue and idle
// thread"), returning the idle thread.
func (s *Scheduler) RegisterCPU(cpuID int) (*Thread, error) {
	s.queuesMu.Lock()
	if _, exists := s.queues[cpuID]; exists {
		s.queuesMu.Unlock()
		return nil, kerr.New(kerr.InvalidParameter, "CPU %d already has a run queue", cpuID)
	}
	rq := newRunQueue(cpuID, s.arch)
	s.queues[cpuID] = rq
	s.queuesMu.Unlock()

	idle := &Thread{
		ID:           newThreadID(),
		Class:        ClassIdle,
		BasePriority: 0,
		state:        Running,
		TimeSliceMax: s.tuning.DefaultTimeSlice,
		TimeSlice:    s.tuning.DefaultTimeSlice,
		AffinityMask: 1 << uint(cpuID),
		LastCPU:      cpuID,
		PreferredCPU: cpuID,
		Bound:        true,
	}

	s.threadsMu.Lock()
	s.threads[idle.ID] = idle
	s.threadsMu.Unlock()

	rq.idle = idle.ID
	rq.current = idle.ID
	rq.currentValid = true

	s.log.Debug().Int("cpu", cpuID).Str("idle_thread", uuid.UUID(idle.ID).String()).Msg("run queue registered")
	return idle, nil
}

// CreateThread allocates a new thread in Suspended state (spec §3
// lifecycle: "created in Suspended or Ready by thread-create").
func (s *Scheduler) CreateThread(class SchedClass, basePriority int, affinityMask uint64, preferredCPU int, bound bool) (*Thread, error) {
	if class < ClassIdle || class > ClassRealtime {
		return nil, kerr.New(kerr.InvalidPriorityClass, "scheduling class %d out of range", class)
	}
	if basePriority < 0 || basePriority > 31 {
		return nil, kerr.New(kerr.InvalidPriorityDelta, "base priority %d out of range [0,31]", basePriority)
	}
	t := &Thread{
		ID:              newThreadID(),
		Class:           class,
		BasePriority:    basePriority,
		DynamicPriority: basePriority,
		state:           Suspended,
		TimeSliceMax:    s.tuning.DefaultTimeSlice,
		TimeSlice:       s.tuning.DefaultTimeSlice,
		AffinityMask:    affinityMask,
		LastCPU:         -1,
		PreferredCPU:    preferredCPU,
		Bound:           bound,
	}
	s.threadsMu.Lock()
	s.threads[t.ID] = t
	s.threadsMu.Unlock()
	return t, nil
}

func (s *Scheduler) lookupThread(id ThreadID) (*Thread, error) {
	s.threadsMu.RLock()
	defer s.threadsMu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, kerr.New(kerr.InvalidThreadID, "no thread with id %v", id)
	}
	return t, nil
}

// Thread looks up a thread by id for callers outside this package (e.g.
// internal/doscalls).
func (s *Scheduler) Thread(id ThreadID) (*Thread, error) { return s.lookupThread(id) }

func (s *Scheduler) runQueue(cpuID int) (*RunQueue, error) {
	s.queuesMu.RLock()
	defer s.queuesMu.RUnlock()
	rq, ok := s.queues[cpuID]
	if !ok {
		return nil, kerr.New(kerr.InvalidParameter, "CPU %d has no run queue", cpuID)
	}
	return rq, nil
}

func (s *Scheduler) onlineMask() uint64 {
	var mask uint64
	for _, id := range s.percpu.Online() {
		if id >= 0 && id < 64 {
			mask |= 1 << uint(id)
		}
	}
	return mask
}

// Enqueue places a Ready thread on a run queue, per spec §4.G: prefer
// preferred_cpu when allowed, else the lowest-index allowed CPU; bump the
// target's reschedule flag (and IPI it) if the newly-queued thread outranks
// whatever it is currently running.
func (s *Scheduler) Enqueue(t *Thread) error {
	allowed := t.AffinityMask & s.onlineMask()
	if allowed == 0 {
		return kerr.New(kerr.InvalidParameter, "thread %v's affinity mask does not intersect the online set", t.ID)
	}

	targetCPU := t.PreferredCPU
	if targetCPU < 0 || allowed&(1<<uint(targetCPU)) == 0 {
		targetCPU = bits.TrailingZeros64(allowed)
	}

	rq, err := s.runQueue(targetCPU)
	if err != nil {
		return err
	}

	t.mu.Lock()
	class, dyn := t.Class, t.DynamicPriority
	t.mu.Unlock()
	level := dyn % LevelsPerClass

	flags := rq.lock()
	rq.insertLocked(class, level, t.ID)
	curID, curValid := rq.current, rq.currentValid
	rq.unlock(flags)

	t.mu.Lock()
	t.state = Ready
	t.queueCPU = targetCPU
	t.queueClass = class
	t.queueLevel = level
	t.onQueue = true
	t.mu.Unlock()

	if curValid {
		if cur, err := s.lookupThread(curID); err == nil && cur.ID != t.ID {
			cur.mu.Lock()
			curClass, curDyn := cur.Class, cur.DynamicPriority
			cur.mu.Unlock()
			if Rank(class, dyn) > Rank(curClass, curDyn) {
				cur.rescheduleRequested.Store(true)
				if targetCPU != s.currentCPUID() && s.ipi != nil {
					s.ipi.SendReschedule(targetCPU)
				}
			}
		}
	}
	return nil
}

// Rank orders (class, dynamic_priority) pairs the same way pickNextLocked's
// class-bitmap-then-level-bitmap scan does: class dominates, dynamic_priority
// breaks ties within a class. dynamic_priority alone is not comparable across
// classes (it never encodes class, per spec §3's dynamic_priority invariant),
// so any cross-class priority comparison must go through this combined key
// instead of the raw field.
func Rank(class SchedClass, dynamicPriority int) int {
	return int(class)*LevelsPerClass + dynamicPriority
}

// Dequeue removes a Ready thread from its recorded bucket, the symmetric
// counterpart of Enqueue.
func (s *Scheduler) Dequeue(t *Thread) error {
	t.mu.Lock()
	if !t.onQueue {
		t.mu.Unlock()
		return kerr.New(kerr.InvalidParameter, "thread %v is not on a run queue", t.ID)
	}
	cpuID, class, level := t.queueCPU, t.queueClass, t.queueLevel
	t.mu.Unlock()

	rq, err := s.runQueue(cpuID)
	if err != nil {
		return err
	}
	flags := rq.lock()
	found := rq.removeLocked(class, level, t.ID)
	rq.unlock(flags)
	if !found {
		return kerr.New(kerr.InvalidThreadID, "thread %v not present in its recorded bucket", t.ID)
	}
	t.mu.Lock()
	t.onQueue = false
	t.mu.Unlock()
	return nil
}

// Schedule implements spec §4.G's schedule(): reinsert the outgoing thread
// if it is still Running, pick the next thread (or idle), and perform the
// architectural context switch if the two differ. voluntary is true when
// called from Yield or Block, where the current thread is giving up the
// CPU of its own accord (already counted as a voluntary switch by the
// caller) and the preemption counter is bypassed; false when called from a
// tick- or IPI-driven reschedule point, where the counter is honored and a
// still-Running outgoing thread is counted as an involuntary switch.
func (s *Scheduler) Schedule(ctx context.Context, cpuID int, voluntary bool) error {
	rq, err := s.runQueue(cpuID)
	if err != nil {
		return err
	}

	if !voluntary && rq.preemptCount.Load() > 0 {
		return nil
	}

	flags := rq.lock()
	now := int64(s.arch.ReferenceTicks())
	rq.clockNS = now

	prevID, prevValid := rq.current, rq.currentValid
	var prev *Thread
	if prevValid {
		prev, _ = s.lookupThread(prevID)
	}

	if prev != nil {
		prev.rescheduleRequested.Store(false)
		prev.mu.Lock()
		if prev.LastScheduledTS != 0 {
			prev.TotalRuntimeNS += now - prev.LastScheduledTS
		}
		wasRunning := prev.state == Running
		if wasRunning && !voluntary {
			prev.InvoluntarySwitches++
		}
		prev.mu.Unlock()
		if wasRunning {
			prev.mu.Lock()
			prev.state = Ready
			class, dyn := prev.Class, prev.DynamicPriority
			level := dyn % LevelsPerClass
			prev.queueCPU = cpuID
			prev.queueClass = class
			prev.queueLevel = level
			prev.onQueue = true
			prev.mu.Unlock()
			rq.insertLocked(class, level, prev.ID)
		}
	}

	nextID, _, _, ok := rq.pickNextLocked()
	if !ok {
		nextID = rq.idle
	}
	next, nerr := s.lookupThread(nextID)
	if nerr != nil {
		rq.unlock(flags)
		return nerr
	}

	next.mu.Lock()
	next.state = Running
	next.onQueue = false
	next.LastCPU = cpuID
	next.LastScheduledTS = now
	next.TimeSlice = next.TimeSliceMax
	next.mu.Unlock()

	rq.current = next.ID
	rq.currentValid = true
	rq.switchCount++
	rq.unlock(flags)

	if prev != nil && prev.ID != next.ID {
		s.arch.ContextSwitch(ctx, prev.SavedContext, next.SavedContext)
	}
	return nil
}

// Tick implements spec §4.G's tick(): called from the local APIC timer
// ISR. Decrements the current thread's time-slice, decays an active boost,
// and periodically requests a load-balance pass.
func (s *Scheduler) Tick(cpuID int) error {
	rq, err := s.runQueue(cpuID)
	if err != nil {
		return err
	}

	flags := rq.lock()
	rq.tickCount++
	curID, curValid, idleID := rq.current, rq.currentValid, rq.idle
	rq.unlock(flags)

	if curValid && curID != idleID {
		if cur, err := s.lookupThread(curID); err == nil {
			cur.mu.Lock()
			cur.TimeSlice--
			if cur.BoostTicksRemaining > 0 {
				cur.BoostTicksRemaining--
				if cur.BoostTicksRemaining == 0 {
					cur.BoostMagnitude = 0
					cur.DynamicPriority = cur.BasePriority
				}
			}
			expired := cur.TimeSlice <= 0
			cur.mu.Unlock()
			if expired {
				cur.rescheduleRequested.Store(true)
			}
		}
	}

	if s.tuning.LoadBalanceInterval > 0 && rq.tickCount%uint64(s.tuning.LoadBalanceInterval) == 0 {
		s.needBalance.Store(true)
	}
	return nil
}

// NeedBalance reports and clears the global load-balance request flag spec
// §4.G's tick() sets every LOAD_BALANCE_INTERVAL ticks.
func (s *Scheduler) NeedBalance() bool {
	return s.needBalance.Swap(false)
}

// RequestBalance sets the load-balance request flag that NeedBalance
// reports, independently of Tick's load-balance interval.
func (s *Scheduler) RequestBalance() { s.needBalance.Store(true) }

// Yield implements spec §4.G's yield(): zero the timeslice, count a
// voluntary switch, reschedule.
func (s *Scheduler) Yield(ctx context.Context, cpuID int) error {
	rq, err := s.runQueue(cpuID)
	if err != nil {
		return err
	}
	curID, curValid := rq.current, rq.currentValid
	if curValid {
		if cur, err := s.lookupThread(curID); err == nil {
			cur.mu.Lock()
			cur.TimeSlice = 0
			cur.VoluntarySwitches++
			cur.mu.Unlock()
		}
	}
	return s.Schedule(ctx, cpuID, true)
}

// Block implements spec §4.G's block(channel): park the current thread on
// channel and reschedule unconditionally.
func (s *Scheduler) Block(ctx context.Context, cpuID int, channel WaitChannel) error {
	rq, err := s.runQueue(cpuID)
	if err != nil {
		return err
	}
	curID, curValid := rq.current, rq.currentValid
	if !curValid {
		return kerr.New(kerr.InvalidParameter, "CPU %d has no current thread to block", cpuID)
	}
	cur, err := s.lookupThread(curID)
	if err != nil {
		return err
	}

	cur.mu.Lock()
	cur.state = Blocked
	cur.waitChannel = channel
	cur.blocked = true
	cur.VoluntarySwitches++
	cur.mu.Unlock()

	s.waitMu.Lock()
	s.waitQueues[channel] = append(s.waitQueues[channel], cur.ID)
	s.waitMu.Unlock()

	return s.Schedule(ctx, cpuID, true)
}

// MaybeReschedule runs Schedule if cpuID's current thread has its
// reschedule-requested flag set (by Tick, Enqueue, SetAffinity or a
// Reschedule IPI). PreemptEnable calls it when the counter returns to zero;
// Tick and the IPI handler only set the flag, so other callers invoke it
// directly to act on a pending involuntary switch.
func (s *Scheduler) MaybeReschedule(ctx context.Context, cpuID int) error {
	rq, err := s.runQueue(cpuID)
	if err != nil {
		return err
	}
	curID, curValid := rq.current, rq.currentValid
	if !curValid {
		return nil
	}
	cur, err := s.lookupThread(curID)
	if err != nil || !cur.RescheduleRequested() {
		return nil
	}
	return s.Schedule(ctx, cpuID, false)
}

// Unblock implements spec §4.G's unblock(thread): Blocked -> Ready,
// enqueue.
func (s *Scheduler) Unblock(t *Thread) error {
	ch := t.WaitChannelValue()

	s.waitMu.Lock()
	list := s.waitQueues[ch]
	removed := false
	for i, id := range list {
		if id == t.ID {
			list = append(list[:i], list[i+1:]...)
			removed = true
			break
		}
	}
	s.waitQueues[ch] = list
	s.waitMu.Unlock()

	if !removed {
		return kerr.New(kerr.InvalidThreadID, "thread %v was not waiting on channel %v", t.ID, ch)
	}

	t.mu.Lock()
	t.state = Ready
	t.blocked = false
	t.mu.Unlock()

	return s.Enqueue(t)
}

// SetAffinity implements spec §4.G's set_affinity(thread, mask).
func (s *Scheduler) SetAffinity(t *Thread, mask uint64) error {
	if mask&s.onlineMask() == 0 {
		return kerr.New(kerr.InvalidParameter, "affinity mask %#x does not intersect the online set", mask)
	}

	t.mu.Lock()
	t.AffinityMask = mask
	state := t.state
	lastCPU := t.LastCPU
	if state == Ready && t.onQueue {
		lastCPU = t.queueCPU
	}
	t.mu.Unlock()

	if lastCPU < 0 || mask&(1<<uint(lastCPU)) != 0 {
		return nil
	}

	switch state {
	case Ready:
		if err := s.Dequeue(t); err != nil {
			return err
		}
		allowed := mask & s.onlineMask()
		t.mu.Lock()
		t.PreferredCPU = bits.TrailingZeros64(allowed)
		t.mu.Unlock()
		return s.Enqueue(t)
	case Running:
		t.rescheduleRequested.Store(true)
		if s.ipi != nil {
			s.ipi.SendReschedule(lastCPU)
		}
	}
	return nil
}

// GetAffinity returns a thread's current affinity mask.
func (s *Scheduler) GetAffinity(t *Thread) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.AffinityMask
}

// MigrateOne implements spec §4.H steps 4-6, the load balancer's
// single-thread pull: scanning sourceCPU's buckets in ascending class order
// (lowest class first, so high-priority work moves last) and ascending
// level within a class (same reasoning), it removes the first Ready thread
// that is unbound, whose affinity mask allows destCPU, and whose
// last-scheduled tick is at least cacheHotGuardTicks in the past.
// skipHotnessGuard drops that last check entirely, for IdleBalance's "the
// puller is idle, moving is strictly beneficial". The candidate's preferred
// CPU is reassigned to destCPU and it is re-enqueued there under the
// "migrating" flag spec §5 describes. internal/balancer owns choosing
// source and destination; this method owns the lock-ordering-safe pull
// itself, since the run-queue bitmaps and thread's migrating flag are
// unexported to this package. Returns ok=false if no candidate qualifies.
func (s *Scheduler) MigrateOne(sourceCPU, destCPU int, nowTicks int64, cacheHotGuardTicks int64, skipHotnessGuard bool) (ThreadID, bool, error) {
	src, err := s.runQueue(sourceCPU)
	if err != nil {
		return NilThreadID, false, err
	}
	destBit := uint64(1) << uint(destCPU)

	flags := src.lock()
	var found ThreadID
	var foundClass SchedClass
	var foundLevel int
	ok := false

scan:
	for classIdx := 0; classIdx < NumClasses; classIdx++ {
		if src.classBitmap&(1<<uint(classIdx)) == 0 {
			continue
		}
		for level := 0; level < LevelsPerClass; level++ {
			if src.activeBitmap[classIdx]&(1<<uint(level)) == 0 {
				continue
			}
			for _, id := range src.buckets[classIdx][level].ids {
				t, err := s.lookupThread(id)
				if err != nil {
					continue
				}
				t.mu.Lock()
				bound, mask, last := t.Bound, t.AffinityMask, t.LastScheduledTS
				t.mu.Unlock()
				if bound || mask&destBit == 0 {
					continue
				}
				if !skipHotnessGuard && nowTicks-last < cacheHotGuardTicks {
					continue
				}
				t.migrating.Store(true)
				found, foundClass, foundLevel, ok = id, SchedClass(classIdx), level, true
				break scan
			}
		}
	}
	if !ok {
		src.unlock(flags)
		return NilThreadID, false, nil
	}
	src.removeLocked(foundClass, foundLevel, found)
	src.unlock(flags)

	t, err := s.lookupThread(found)
	if err != nil {
		return NilThreadID, false, err
	}
	t.mu.Lock()
	t.onQueue = false
	t.PreferredCPU = destCPU
	t.mu.Unlock()

	if err := s.Enqueue(t); err != nil {
		t.migrating.Store(false)
		return NilThreadID, false, err
	}
	t.migrating.Store(false)
	return found, true, nil
}

// Boost implements spec §4.G's boost(thread, delta, ticks): dequeue before,
// requeue after, when the thread is Ready (a boost may move it to a
// different bucket).
func (s *Scheduler) Boost(t *Thread, delta, ticks int) error {
	t.mu.Lock()
	wasReady := t.onQueue
	t.mu.Unlock()

	if wasReady {
		if err := s.Dequeue(t); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.BoostMagnitude = delta
	t.BoostTicksRemaining = ticks
	t.DynamicPriority = clampPriority(t.BasePriority + delta)
	t.mu.Unlock()

	if wasReady {
		return s.Enqueue(t)
	}
	return nil
}

// Suspend implements the OS/2 personality's DosSuspendThread mechanics:
// increment the suspend count and, if the thread is currently Ready,
// dequeue it so it stops competing for a CPU until every suspend is
// matched by a resume. A thread already Blocked or Suspended just has its
// count bumped.
func (s *Scheduler) Suspend(t *Thread) error {
	t.mu.Lock()
	t.SuspendCount++
	wasReady := t.state == Ready && t.onQueue
	t.mu.Unlock()

	if !wasReady {
		return nil
	}
	if err := s.Dequeue(t); err != nil {
		return err
	}
	t.mu.Lock()
	t.state = Suspended
	t.mu.Unlock()
	return nil
}

// Resume implements DosResumeThread: decrement the suspend count, and once
// it reaches zero on a Suspended thread, re-enqueue it. Resuming a thread
// whose suspend count is already zero is spec §7's NotFrozen.
func (s *Scheduler) Resume(t *Thread) error {
	t.mu.Lock()
	if t.SuspendCount == 0 {
		t.mu.Unlock()
		return kerr.New(kerr.NotFrozen, "thread %v has a zero suspend count", t.ID)
	}
	t.SuspendCount--
	remaining := t.SuspendCount
	st := t.state
	t.mu.Unlock()

	if remaining == 0 && st == Suspended {
		return s.Enqueue(t)
	}
	return nil
}

// Kill transitions t to Zombie, dequeuing it first if it was Ready. A
// thread killed while Running is simply marked Zombie in place; Schedule's
// outgoing-thread handling only re-enqueues a thread still in state
// Running, so the next schedule() on its CPU retires it instead of
// resuming it.
func (s *Scheduler) Kill(t *Thread) error {
	t.mu.Lock()
	wasReady := t.state == Ready && t.onQueue
	t.mu.Unlock()

	if wasReady {
		if err := s.Dequeue(t); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.state = Zombie
	t.mu.Unlock()
	return nil
}

// SetPriority reassigns t's scheduling class and base priority, re-bucketing
// it (dequeue-before, enqueue-after) when it is currently Ready, the same
// pattern Boost uses. internal/doscalls calls this with the already-mapped
// internal class/level DosSetPriority's OS/2 class/delta pair resolves to.
func (s *Scheduler) SetPriority(t *Thread, class SchedClass, basePriority int) error {
	if class < ClassIdle || class > ClassRealtime {
		return kerr.New(kerr.InvalidPriorityClass, "scheduling class %d out of range", class)
	}
	if basePriority < 0 || basePriority > 31 {
		return kerr.New(kerr.InvalidPriorityDelta, "base priority %d out of range [0,31]", basePriority)
	}

	t.mu.Lock()
	wasReady := t.onQueue
	t.mu.Unlock()

	if wasReady {
		if err := s.Dequeue(t); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.Class = class
	t.BasePriority = basePriority
	t.DynamicPriority = clampPriority(basePriority + t.BoostMagnitude)
	t.mu.Unlock()

	if wasReady {
		return s.Enqueue(t)
	}
	return nil
}

// PreemptDisable/PreemptEnable implement spec §4.G's preemption counter.
// PreemptEnable runs Schedule when the counter reaches zero with the
// current thread's reschedule flag set.
func (s *Scheduler) PreemptDisable(cpuID int) error {
	rq, err := s.runQueue(cpuID)
	if err != nil {
		return err
	}
	rq.preemptCount.Inc()
	return nil
}

func (s *Scheduler) PreemptEnable(ctx context.Context, cpuID int) error {
	rq, err := s.runQueue(cpuID)
	if err != nil {
		return err
	}
	if rq.preemptCount.Load() <= 0 {
		return kerr.New(kerr.CritSecUnderflow, "CPU %d: PreemptEnable called with preempt count already zero", cpuID)
	}
	if rq.preemptCount.Dec() != 0 {
		return nil
	}
	return s.MaybeReschedule(ctx, cpuID)
}

// RunQueueSnapshot is a read-only view of a run queue's load, used by
// internal/balancer and internal/kmetrics without exposing the lock.
// ClassBitmap/ActiveBitmap surface the pick-next state `kctl sched dump`
// renders (spec §4's "class_bitmap/active_bitmap state").
type RunQueueSnapshot struct {
	CPUID        int
	NRRunning    int
	SwitchCount  uint64
	TickCount    uint64
	ClassBitmap  uint32
	ActiveBitmap [NumClasses]uint32
}

// CurrentThreadID returns the thread id cpuID's run queue is currently
// dispatching, used by internal/doscalls' DosSleep, internal/ipi's
// Reschedule handler, and tests.
func (s *Scheduler) CurrentThreadID(cpuID int) (ThreadID, error) {
	rq, err := s.runQueue(cpuID)
	if err != nil {
		return NilThreadID, err
	}
	flags := rq.lock()
	id, valid := rq.current, rq.currentValid
	rq.unlock(flags)
	if !valid {
		return NilThreadID, kerr.New(kerr.InvalidParameter, "CPU %d has no current thread", cpuID)
	}
	return id, nil
}

// Snapshot returns a point-in-time view of cpuID's run queue.
func (s *Scheduler) Snapshot(cpuID int) (RunQueueSnapshot, error) {
	rq, err := s.runQueue(cpuID)
	if err != nil {
		return RunQueueSnapshot{}, err
	}
	flags := rq.lock()
	snap := RunQueueSnapshot{
		CPUID:        cpuID,
		NRRunning:    rq.nrRunning,
		SwitchCount:  rq.switchCount,
		TickCount:    rq.tickCount,
		ClassBitmap:  rq.classBitmap,
		ActiveBitmap: rq.activeBitmap,
	}
	rq.unlock(flags)
	return snap, nil
}

// OnlineCPUIDs returns the logical ids of every CPU with a registered run
// queue, ascending.
func (s *Scheduler) OnlineCPUIDs() []int {
	s.queuesMu.RLock()
	defer s.queuesMu.RUnlock()
	ids := make([]int, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
