package balancer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcman/osfree/internal/arch"
	"github.com/rcman/osfree/internal/balancer"
	"github.com/rcman/osfree/internal/kconfig"
	"github.com/rcman/osfree/internal/percpu"
	"github.com/rcman/osfree/internal/sched"
)

func newTestScheduler(t *testing.T, cpus []int, tuning kconfig.Tuning) (*sched.Scheduler, *arch.Sim) {
	t.Helper()
	a := arch.NewSim(arch.DefaultSimFeatures(), 1)
	pt := percpu.NewTable()
	for _, id := range cpus {
		info := percpu.NewInfo(id, uint32(id), uint32(id), 0)
		info.SetState(percpu.Online)
		pt.Register(info)
	}
	s, err := sched.NewScheduler(tuning, a, nil, pt, nil)
	require.NoError(t, err)
	for _, id := range cpus {
		_, err := s.RegisterCPU(id)
		require.NoError(t, err)
	}
	return s, a
}

func enqueueBusy(t *testing.T, s *sched.Scheduler, affinity uint64, preferredCPU int) *sched.Thread {
	t.Helper()
	th, err := s.CreateThread(sched.ClassRegular, 16, affinity, preferredCPU, false)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(th))
	return th
}

// TestBalanceMovesOneThreadFromBusiestCPU is spec §4.H/§8 scenario 3: four
// threads on CPU0 with CPU1 idle and no affinity restriction moves exactly
// one thread to CPU1 per call.
func TestBalanceMovesOneThreadFromBusiestCPU(t *testing.T) {
	tuning := kconfig.Default()
	tuning.CacheHotGuardNS = 0
	s, a := newTestScheduler(t, []int{0, 1}, tuning)

	allCPUs := uint64(0b11)
	for i := 0; i < 4; i++ {
		enqueueBusy(t, s, allCPUs, 0)
	}

	before0, err := s.Snapshot(0)
	require.NoError(t, err)
	before1, err := s.Snapshot(1)
	require.NoError(t, err)
	require.Equal(t, 4, before0.NRRunning)
	require.Equal(t, 0, before1.NRRunning)

	moved, err := balancer.Balance(a, s, tuning, 1, nil)
	require.NoError(t, err)
	require.True(t, moved)

	after0, err := s.Snapshot(0)
	require.NoError(t, err)
	after1, err := s.Snapshot(1)
	require.NoError(t, err)
	require.Equal(t, 3, after0.NRRunning)
	require.Equal(t, 1, after1.NRRunning)
}

type countingSink struct{ n int }

func (c *countingSink) RecordMigration() { c.n++ }

func TestBalanceRecordsMigrationOnSink(t *testing.T) {
	tuning := kconfig.Default()
	tuning.CacheHotGuardNS = 0
	s, a := newTestScheduler(t, []int{0, 1}, tuning)
	enqueueBusy(t, s, 0b11, 0)
	enqueueBusy(t, s, 0b11, 0)

	sink := &countingSink{}
	moved, err := balancer.Balance(a, s, tuning, 1, sink)
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, 1, sink.n)
}

func TestBalanceNoOpWhenUnderThreshold(t *testing.T) {
	tuning := kconfig.Default()
	tuning.CacheHotGuardNS = 0
	s, a := newTestScheduler(t, []int{0, 1}, tuning)

	enqueueBusy(t, s, 0b11, 0)

	moved, err := balancer.Balance(a, s, tuning, 1, nil)
	require.NoError(t, err)
	require.False(t, moved)
}

func TestIdleBalanceIgnoresCacheHotGuard(t *testing.T) {
	tuning := kconfig.Default()
	tuning.CacheHotGuardNS = 1_000_000_000 // 1s, unreachable within the test
	s, a := newTestScheduler(t, []int{0, 1}, tuning)

	for i := 0; i < 4; i++ {
		enqueueBusy(t, s, 0b11, 0)
	}

	movedBalance, err := balancer.Balance(a, s, tuning, 1, nil)
	require.NoError(t, err)
	require.False(t, movedBalance, "Balance should respect the cache-hot guard")

	movedIdle, err := balancer.IdleBalance(a, s, tuning, 1, nil)
	require.NoError(t, err)
	require.True(t, movedIdle, "IdleBalance must skip the cache-hot guard entirely")
}

func TestBalanceSkipsThreadsNotAllowedOnDestination(t *testing.T) {
	tuning := kconfig.Default()
	tuning.CacheHotGuardNS = 0
	s, a := newTestScheduler(t, []int{0, 1}, tuning)

	// Pinned to CPU0 only: never a migration candidate.
	enqueueBusy(t, s, 0b01, 0)
	// Allowed everywhere: the only legal candidate.
	enqueueBusy(t, s, 0b11, 0)

	moved, err := balancer.Balance(a, s, tuning, 1, nil)
	require.NoError(t, err)
	require.True(t, moved)

	after0, err := s.Snapshot(0)
	require.NoError(t, err)
	after1, err := s.Snapshot(1)
	require.NoError(t, err)
	require.Equal(t, 1, after0.NRRunning, "the CPU0-pinned thread must remain")
	require.Equal(t, 1, after1.NRRunning)
}

func TestBalanceSkipsBoundThreads(t *testing.T) {
	tuning := kconfig.Default()
	tuning.CacheHotGuardNS = 0
	s, a := newTestScheduler(t, []int{0, 1}, tuning)

	for i := 0; i < 2; i++ {
		th, err := s.CreateThread(sched.ClassRegular, 16, 0b11, 0, true)
		require.NoError(t, err)
		require.NoError(t, s.Enqueue(th))
	}

	moved, err := balancer.Balance(a, s, tuning, 1, nil)
	require.NoError(t, err)
	require.False(t, moved)
}
