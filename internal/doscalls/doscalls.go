// Package doscalls is the OS/2 personality adapter spec §6 calls for: a
// thin shim translating DOSCALLS thread primitives onto internal/sched and
// internal/percpu, never reimplementing scheduling policy of its own.
// Grounded on the same "thin adapter over a generic core" shape the
// Biscuit's own syscall dispatch takes in main.go (trapstub decodes a
// fixed ABI and calls straight into the scheduler/VM/fd layers without
// policy of its own).
package doscalls

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rcman/osfree/internal/kerr"
	"github.com/rcman/osfree/internal/klog"
	"github.com/rcman/osfree/internal/percpu"
	"github.com/rcman/osfree/internal/sched"
)

// Class is one of the four priority classes DosSetPriority/DosCreateThread
// accept, spec §4.G's "class 1..4 → Idle/Regular/Time-critical/Server".
// ClassRealtime has no OS/2-visible class number; it is reachable only from
// inside the kernel, matching spec §9's normative os2_to_internal_priority
// mapping exactly (the alternate apply_priority_change semantics the
// unavailable source hints at are not implemented — see DESIGN.md).
type Class int

const (
	ClassIdle Class = iota + 1
	ClassRegular
	ClassTimeCritical
	ClassServer
)

func (c Class) internal() (sched.SchedClass, error) {
	switch c {
	case ClassIdle:
		return sched.ClassIdle, nil
	case ClassRegular:
		return sched.ClassRegular, nil
	case ClassTimeCritical:
		return sched.ClassTimeCritical, nil
	case ClassServer:
		return sched.ClassServer, nil
	default:
		return 0, kerr.New(kerr.InvalidPriorityClass, "OS/2 priority class %d out of range [1,4]", int(c))
	}
}

// deltaToLevel implements spec §4.G's "an OS/2 delta in [−31, +31] maps
// linearly to a level in [0, 31] (shift-and-clamp)": shift the signed delta
// into an unsigned half-open range by adding 31, then halve it into the
// 32-wide level space, clamping against malformed input.
func deltaToLevel(delta int) (int, error) {
	if delta < -31 || delta > 31 {
		return 0, kerr.New(kerr.InvalidPriorityDelta, "OS/2 priority delta %d out of range [-31,31]", delta)
	}
	level := (delta + 31) / 2
	if level < 0 {
		level = 0
	}
	if level > 31 {
		level = 31
	}
	return level, nil
}

// DosCreateThread allocates a thread via the OS/2 class/delta priority pair
// and starts it Ready, matching OS/2's auto-start semantics (unlike Win32,
// DOSCALLS has no create-suspended flag).
func DosCreateThread(s *sched.Scheduler, class Class, delta int, affinityMask uint64, preferredCPU int, bound bool) (sched.ThreadID, error) {
	internalClass, err := class.internal()
	if err != nil {
		return sched.NilThreadID, err
	}
	level, err := deltaToLevel(delta)
	if err != nil {
		return sched.NilThreadID, err
	}
	t, err := s.CreateThread(internalClass, level, affinityMask, preferredCPU, bound)
	if err != nil {
		return sched.NilThreadID, err
	}
	if err := s.Enqueue(t); err != nil {
		return sched.NilThreadID, err
	}
	klog.For("doscalls").Debug().Str("thread", uuid.UUID(t.ID).String()).Int("class", int(class)).Int("delta", delta).Msg("thread created")
	return t.ID, nil
}

// DosKillThread tears a thread down, matching DOSCALLS' fire-and-forget
// termination (no parent notification; that belongs to a process layer
// this core does not model).
func DosKillThread(s *sched.Scheduler, id sched.ThreadID) error {
	t, err := s.Thread(id)
	if err != nil {
		return err
	}
	return s.Kill(t)
}

// DosSuspendThread increments id's suspend count, removing it from Ready if
// it was runnable. Nested suspends stack; a matching count of
// DosResumeThread calls is required before the thread runs again.
func DosSuspendThread(s *sched.Scheduler, id sched.ThreadID) error {
	t, err := s.Thread(id)
	if err != nil {
		return err
	}
	return s.Suspend(t)
}

// DosResumeThread decrements id's suspend count, returning it to Ready once
// the count reaches zero. Calling this on a thread with a zero suspend
// count is spec §7's NotFrozen.
func DosResumeThread(s *sched.Scheduler, id sched.ThreadID) error {
	t, err := s.Thread(id)
	if err != nil {
		return err
	}
	return s.Resume(t)
}

// DosSetPriority reassigns id's class/delta pair, re-bucketing it if Ready.
func DosSetPriority(s *sched.Scheduler, id sched.ThreadID, class Class, delta int) error {
	t, err := s.Thread(id)
	if err != nil {
		return err
	}
	internalClass, err := class.internal()
	if err != nil {
		return err
	}
	level, err := deltaToLevel(delta)
	if err != nil {
		return err
	}
	return s.SetPriority(t, internalClass, level)
}

// DosSetThreadAffinity/DosQueryThreadAffinity expose spec §6's "affinity
// get/set (64-bit mask)" to the personality layer.
func DosSetThreadAffinity(s *sched.Scheduler, id sched.ThreadID, mask uint64) error {
	t, err := s.Thread(id)
	if err != nil {
		return err
	}
	return s.SetAffinity(t, mask)
}

func DosQueryThreadAffinity(s *sched.Scheduler, id sched.ThreadID) (uint64, error) {
	t, err := s.Thread(id)
	if err != nil {
		return 0, err
	}
	return s.GetAffinity(t), nil
}

var sleepChannelCounter uint64

// DosSleep blocks the calling thread for d, waking it via an ordinary
// scheduler Block/Unblock pair on a private wait channel. The wake itself
// is driven by the Go runtime's own timer (time.AfterFunc) rather than a
// tick-driven timer wheel: no such component exists elsewhere in this core
// (internal/apic's timer calibrates the preemption tick, not arbitrary
// millisecond sleeps), and nothing in the retrieved pack supplies a timer
// library better suited to a single one-shot wake than the standard
// library's own. spec §8's boundary case, DosSleep(0), is exactly a yield:
// d <= 0 goes straight through Scheduler.Yield instead of arming a timer and
// blocking, since the Block/Unblock path gives weaker, async-wake semantics
// that the zero case does not call for.
func DosSleep(ctx context.Context, s *sched.Scheduler, cpuID int, d time.Duration) error {
	if d <= 0 {
		return s.Yield(ctx, cpuID)
	}

	id, err := s.CurrentThreadID(cpuID)
	if err != nil {
		return err
	}
	t, err := s.Thread(id)
	if err != nil {
		return err
	}
	channel := sched.WaitChannel(atomic.AddUint64(&sleepChannelCounter, 1))

	woken := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		defer close(woken)
		if err := s.Unblock(t); err != nil {
			klog.For("doscalls").Warn().Err(err).Str("thread", uuid.UUID(id).String()).Msg("sleep wake failed")
		}
	})

	if err := s.Block(ctx, cpuID, channel); err != nil {
		timer.Stop()
		return err
	}
	select {
	case <-woken:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SysInfo is DosQuerySysInfo's result, widening spec §6's "at least
// {num_cpus, current_cpu_id, version_major, version_minor}" per
// SPEC_FULL.md's supplemented fields.
type SysInfo struct {
	NumCPUs        int
	OnlineCPUs     int
	CurrentCPUID   int
	VersionMajor   int
	VersionMinor   int
	Build          string
	BootCPUsFailed int
}

const (
	versionMajor = 0
	versionMinor = 1
	buildString  = "osfree-core"
)

// QuerySysInfo reports the fixed system information block spec §6 requires
// the personality layer to be able to query.
func QuerySysInfo(pt *percpu.Table, bootCPUsFailed int) SysInfo {
	online := pt.Online()
	return SysInfo{
		NumCPUs:        len(pt.All()),
		OnlineCPUs:     len(online),
		CurrentCPUID:   percpu.ResolveCurrentCPU(),
		VersionMajor:   versionMajor,
		VersionMinor:   versionMinor,
		Build:          buildString,
		BootCPUsFailed: bootCPUsFailed,
	}
}
