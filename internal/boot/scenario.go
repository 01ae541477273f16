package boot

import (
	"context"

	"github.com/rcman/osfree/internal/balancer"
	"github.com/rcman/osfree/internal/kerr"
	"github.com/rcman/osfree/internal/percpu"
	"github.com/rcman/osfree/internal/sched"
)

// The two wait channels below are private to a single scenario run; a
// fresh Harness is always built per run, so there is no risk of two
// scenarios colliding on the same channel number.
const (
	pingPongChanA sched.WaitChannel = 1
	pingPongChanB sched.WaitChannel = 2
)

// PingPongReport is spec §8 scenario 1's outcome: two threads pinned one
// per CPU, each waking the other and blocking, for Rounds full alternations.
type PingPongReport struct {
	Rounds          int
	ThreadASwitches uint64
	ThreadBSwitches uint64
	ThreadALastCPU  int
	ThreadBLastCPU  int
}

// RunPingPong drives h's scheduler as both CPU0 and CPU1 in turn (the same
// single-goroutine rebinding technique internal/ipi's test harness uses),
// alternating thread A and B through block/unblock rounds and reporting
// their voluntary switch counts and last-run CPU, which must never cross.
func RunPingPong(h *Harness, rounds int) (PingPongReport, error) {
	s := h.Sched
	ids := s.OnlineCPUIDs()
	if len(ids) < 2 {
		return PingPongReport{}, kerr.New(kerr.InvalidParameter, "ping-pong scenario requires at least 2 online CPUs")
	}
	ctx := context.Background()

	percpu.BindCurrentGoroutine(0)
	h.Arch.BindCPU(0)
	a, err := s.CreateThread(sched.ClassRegular, 16, 1<<0, 0, true)
	if err != nil {
		return PingPongReport{}, err
	}
	if err := s.Enqueue(a); err != nil {
		return PingPongReport{}, err
	}
	if err := s.Schedule(ctx, 0, true); err != nil {
		return PingPongReport{}, err
	}
	if err := s.Block(ctx, 0, pingPongChanA); err != nil {
		return PingPongReport{}, err
	}

	percpu.BindCurrentGoroutine(1)
	h.Arch.BindCPU(1)
	b, err := s.CreateThread(sched.ClassRegular, 16, 1<<1, 1, true)
	if err != nil {
		return PingPongReport{}, err
	}
	if err := s.Enqueue(b); err != nil {
		return PingPongReport{}, err
	}
	if err := s.Schedule(ctx, 1, true); err != nil {
		return PingPongReport{}, err
	}
	if err := s.Unblock(a); err != nil {
		return PingPongReport{}, err
	}
	if err := s.Block(ctx, 1, pingPongChanB); err != nil {
		return PingPongReport{}, err
	}

	for i := 0; i < rounds; i++ {
		percpu.BindCurrentGoroutine(0)
		h.Arch.BindCPU(0)
		if err := s.Schedule(ctx, 0, true); err != nil {
			return PingPongReport{}, err
		}
		if err := s.Unblock(b); err != nil {
			return PingPongReport{}, err
		}
		if err := s.Block(ctx, 0, pingPongChanA); err != nil {
			return PingPongReport{}, err
		}

		percpu.BindCurrentGoroutine(1)
		h.Arch.BindCPU(1)
		if err := s.Schedule(ctx, 1, true); err != nil {
			return PingPongReport{}, err
		}
		if err := s.Unblock(a); err != nil {
			return PingPongReport{}, err
		}
		if err := s.Block(ctx, 1, pingPongChanB); err != nil {
			return PingPongReport{}, err
		}
	}

	return PingPongReport{
		Rounds:          rounds,
		ThreadASwitches: a.VoluntarySwitches,
		ThreadBSwitches: b.VoluntarySwitches,
		ThreadALastCPU:  a.LastCPU,
		ThreadBLastCPU:  b.LastCPU,
	}, nil
}

// PreemptReport is spec §8 scenario 2's outcome. HighRank/LowRank are
// sched.Rank(class, dynamic_priority), not the raw dynamic_priority field,
// since dynamic_priority alone does not encode class and is not comparable
// across the two threads' different classes.
type PreemptReport struct {
	LowInvoluntarySwitches uint64
	HighRank               int
	LowRank                int
	WinnerIsHighPriority   bool
}

// RunPreempt drives h's scheduler as CPU0: a Regular level-16 thread runs,
// then a Time-critical level-0 thread is created and must preempt it at the
// MaybeReschedule call that follows its Enqueue (MaybeReschedule sees the
// pending flag Enqueue set).
func RunPreempt(h *Harness) (PreemptReport, error) {
	s := h.Sched
	ctx := context.Background()
	percpu.BindCurrentGoroutine(0)
	h.Arch.BindCPU(0)

	low, err := s.CreateThread(sched.ClassRegular, 16, 1<<0, 0, false)
	if err != nil {
		return PreemptReport{}, err
	}
	if err := s.Enqueue(low); err != nil {
		return PreemptReport{}, err
	}
	if err := s.Schedule(ctx, 0, true); err != nil {
		return PreemptReport{}, err
	}

	high, err := s.CreateThread(sched.ClassTimeCritical, 0, 1<<0, 0, false)
	if err != nil {
		return PreemptReport{}, err
	}
	if err := s.Enqueue(high); err != nil {
		return PreemptReport{}, err
	}
	if err := s.MaybeReschedule(ctx, 0); err != nil {
		return PreemptReport{}, err
	}

	cur, err := s.CurrentThreadID(0)
	if err != nil {
		return PreemptReport{}, err
	}

	return PreemptReport{
		LowInvoluntarySwitches: low.InvoluntarySwitches,
		HighRank:               sched.Rank(high.Class, high.DynamicPriority),
		LowRank:                sched.Rank(low.Class, low.DynamicPriority),
		WinnerIsHighPriority:   cur == high.ID,
	}, nil
}

// MigrateReport is spec §8 scenario 3's outcome.
type MigrateReport struct {
	Moved  bool
	Before [2]int
	After  [2]int
}

// RunMigrate enqueues four CPU0-busy threads with CPU1 idle and asks the
// balancer to pull exactly one onto CPU1, using IdleBalance so the result
// does not depend on the cache-hot guard's configured window.
func RunMigrate(h *Harness) (MigrateReport, error) {
	s := h.Sched
	ids := s.OnlineCPUIDs()
	if len(ids) < 2 {
		return MigrateReport{}, kerr.New(kerr.InvalidParameter, "migration scenario requires at least 2 online CPUs")
	}

	percpu.BindCurrentGoroutine(0)
	h.Arch.BindCPU(0)
	for i := 0; i < 4; i++ {
		th, err := s.CreateThread(sched.ClassRegular, 16, 0b11, 0, false)
		if err != nil {
			return MigrateReport{}, err
		}
		if err := s.Enqueue(th); err != nil {
			return MigrateReport{}, err
		}
	}

	before0, err := s.Snapshot(0)
	if err != nil {
		return MigrateReport{}, err
	}
	before1, err := s.Snapshot(1)
	if err != nil {
		return MigrateReport{}, err
	}

	percpu.BindCurrentGoroutine(1)
	h.Arch.BindCPU(1)
	moved, err := balancer.IdleBalance(h.Arch, s, h.Tuning, 1, h.Metrics)
	if err != nil {
		return MigrateReport{}, err
	}

	after0, err := s.Snapshot(0)
	if err != nil {
		return MigrateReport{}, err
	}
	after1, err := s.Snapshot(1)
	if err != nil {
		return MigrateReport{}, err
	}

	return MigrateReport{
		Moved:  moved,
		Before: [2]int{before0.NRRunning, before1.NRRunning},
		After:  [2]int{after0.NRRunning, after1.NRRunning},
	}, nil
}
