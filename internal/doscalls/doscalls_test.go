package doscalls_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcman/osfree/internal/arch"
	"github.com/rcman/osfree/internal/doscalls"
	"github.com/rcman/osfree/internal/kconfig"
	"github.com/rcman/osfree/internal/kerr"
	"github.com/rcman/osfree/internal/percpu"
	"github.com/rcman/osfree/internal/sched"
)

func newHarness(t *testing.T, n int) (*sched.Scheduler, *percpu.Table) {
	t.Helper()
	a := arch.NewSim(arch.DefaultSimFeatures(), 1)
	a.SetCurrentCPUResolver(percpu.ResolveCurrentCPU)
	percpu.BindCurrentGoroutine(0)
	a.BindCPU(0)

	pt := percpu.NewTable()
	for i := 0; i < n; i++ {
		pt.Register(percpu.NewInfo(i, uint32(i), uint32(i), 0))
	}

	s, err := sched.NewScheduler(kconfig.Default(), a, nil, pt, nil)
	require.NoError(t, err)
	s.SetCurrentCPUResolver(percpu.ResolveCurrentCPU)

	for i := 0; i < n; i++ {
		_, err := s.RegisterCPU(i)
		require.NoError(t, err)
		info, err := pt.Get(i)
		require.NoError(t, err)
		info.SetState(percpu.Online)
	}
	return s, pt
}

func TestDosCreateThreadStartsReady(t *testing.T) {
	s, _ := newHarness(t, 1)
	id, err := doscalls.DosCreateThread(s, doscalls.ClassRegular, 0, 1, -1, false)
	require.NoError(t, err)

	th, err := s.Thread(id)
	require.NoError(t, err)
	require.Equal(t, sched.Ready, th.State())
}

func TestDosCreateThreadRejectsBadClass(t *testing.T) {
	s, _ := newHarness(t, 1)
	_, err := doscalls.DosCreateThread(s, doscalls.Class(9), 0, 1, -1, false)
	require.Error(t, err)
	require.True(t, kerr.Is(err, kerr.InvalidPriorityClass))
}

func TestDosCreateThreadRejectsBadDelta(t *testing.T) {
	s, _ := newHarness(t, 1)
	_, err := doscalls.DosCreateThread(s, doscalls.ClassRegular, 99, 1, -1, false)
	require.Error(t, err)
	require.True(t, kerr.Is(err, kerr.InvalidPriorityDelta))
}

func TestDosSuspendThenResume(t *testing.T) {
	s, _ := newHarness(t, 1)
	id, err := doscalls.DosCreateThread(s, doscalls.ClassRegular, 0, 1, -1, false)
	require.NoError(t, err)

	require.NoError(t, doscalls.DosSuspendThread(s, id))
	th, err := s.Thread(id)
	require.NoError(t, err)
	require.Equal(t, sched.Suspended, th.State())

	require.NoError(t, doscalls.DosResumeThread(s, id))
	require.Equal(t, sched.Ready, th.State())
}

func TestDosResumeWithoutSuspendIsNotFrozen(t *testing.T) {
	s, _ := newHarness(t, 1)
	id, err := doscalls.DosCreateThread(s, doscalls.ClassRegular, 0, 1, -1, false)
	require.NoError(t, err)

	err = doscalls.DosResumeThread(s, id)
	require.Error(t, err)
	require.True(t, kerr.Is(err, kerr.NotFrozen))
}

func TestDosKillThreadMarksZombie(t *testing.T) {
	s, _ := newHarness(t, 1)
	id, err := doscalls.DosCreateThread(s, doscalls.ClassRegular, 0, 1, -1, false)
	require.NoError(t, err)

	require.NoError(t, doscalls.DosKillThread(s, id))
	th, err := s.Thread(id)
	require.NoError(t, err)
	require.Equal(t, sched.Zombie, th.State())
}

func TestDosSetPriorityRebucketsReadyThread(t *testing.T) {
	s, _ := newHarness(t, 2)
	id, err := doscalls.DosCreateThread(s, doscalls.ClassRegular, 0, 0b11, -1, false)
	require.NoError(t, err)

	require.NoError(t, doscalls.DosSetPriority(s, id, doscalls.ClassTimeCritical, 31))
	th, err := s.Thread(id)
	require.NoError(t, err)
	require.True(t, th.State() == sched.Ready)
}

func TestDosSetThreadAffinityRoundTrips(t *testing.T) {
	s, _ := newHarness(t, 2)
	id, err := doscalls.DosCreateThread(s, doscalls.ClassRegular, 0, 0b11, -1, false)
	require.NoError(t, err)

	require.NoError(t, doscalls.DosSetThreadAffinity(s, id, 0b10))
	mask, err := doscalls.DosQueryThreadAffinity(s, id)
	require.NoError(t, err)
	require.Equal(t, uint64(0b10), mask)
}

func TestDosSleepBlocksAndWakesAfterDuration(t *testing.T) {
	s, _ := newHarness(t, 1)
	// DosSleep blocks whatever thread is current on the calling CPU; make
	// that a real thread rather than the idle thread CPU 0 starts with,
	// matching the only scenario this call is meant for.
	_, err := doscalls.DosCreateThread(s, doscalls.ClassRegular, 0, 1, -1, false)
	require.NoError(t, err)
	require.NoError(t, s.Schedule(context.Background(), 0, true))

	start := time.Now()
	err = doscalls.DosSleep(context.Background(), s, 0, 20*time.Millisecond)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDosSleepZeroIsExactlyAYield(t *testing.T) {
	s, _ := newHarness(t, 1)
	id, err := doscalls.DosCreateThread(s, doscalls.ClassRegular, 0, 1, -1, false)
	require.NoError(t, err)
	require.NoError(t, s.Schedule(context.Background(), 0, true))
	th, err := s.Thread(id)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, doscalls.DosSleep(context.Background(), s, 0, 0))
	require.Less(t, time.Since(start), 5*time.Millisecond, "DosSleep(0) must not wait on a timer")

	require.NotEqual(t, sched.Blocked, th.State(), "DosSleep(0) must not go through Block/Unblock")
	require.EqualValues(t, 1, th.VoluntarySwitches)
}

func TestQuerySysInfoReportsOnlineCPUs(t *testing.T) {
	_, pt := newHarness(t, 3)
	info := doscalls.QuerySysInfo(pt, 1)
	require.Equal(t, 3, info.NumCPUs)
	require.Equal(t, 3, info.OnlineCPUs)
	require.Equal(t, 1, info.BootCPUsFailed)
	require.Equal(t, 0, info.CurrentCPUID)
}
