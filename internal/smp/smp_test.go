package smp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcman/osfree/internal/apic"
	"github.com/rcman/osfree/internal/arch"
	"github.com/rcman/osfree/internal/ipi"
	"github.com/rcman/osfree/internal/kconfig"
	"github.com/rcman/osfree/internal/percpu"
	"github.com/rcman/osfree/internal/sched"
	"github.com/rcman/osfree/internal/smp"
	"github.com/rcman/osfree/internal/topology"
)

func sampleTopology(n int) *topology.Online {
	snap := topology.Snapshot{
		TotalPossibleCPUs: n,
		BSPAPICID:         0,
		NUMANodeCount:     1,
		NUMADistance:      [][]int{{0}},
	}
	for i := 0; i < n; i++ {
		snap.CPUs = append(snap.CPUs, topology.CPUDescriptor{
			LogicalID: i, APICID: uint32(i), Enabled: true, NUMANode: 0,
		})
	}
	online, err := topology.Import(snap, 0)
	if err != nil {
		panic(err)
	}
	return online
}

func newHarness(t *testing.T, n int) (*arch.Sim, *apic.LocalAPIC, *percpu.Table, *sched.Scheduler, *topology.Online) {
	t.Helper()
	a := arch.NewSim(arch.DefaultSimFeatures(), 1)
	a.SetCurrentCPUResolver(percpu.ResolveCurrentCPU)
	percpu.BindCurrentGoroutine(0)
	a.BindCPU(0)

	pt := percpu.NewTable()
	topo := sampleTopology(n)
	for _, c := range topo.EnabledCPUs() {
		pt.Register(percpu.NewInfo(c.LogicalID, c.APICID, c.APICID, c.NUMANode))
	}

	tuning := kconfig.Default()
	tuning.APStartupTimeoutMS = 200
	s, err := sched.NewScheduler(tuning, a, topo, pt, nil)
	require.NoError(t, err)
	s.SetCurrentCPUResolver(percpu.ResolveCurrentCPU)

	bsp := apic.NewLocalAPIC(a.LAPIC(), tuning.SpuriousVector, tuning.ErrorVector, tuning.TimerVector)
	bsp.Init()

	return a, bsp, pt, s, topo
}

func TestBringUpUniprocessorSkipsAPBoot(t *testing.T) {
	a, bsp, pt, s, topo := newHarness(t, 1)
	res, err := smp.BringUp(context.Background(), a, bsp, kconfig.Default(), topo, pt, s, nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.BSPLogicalID)
	require.Empty(t, res.Booted)
	require.Empty(t, res.TimedOut)

	info, err := pt.Get(0)
	require.NoError(t, err)
	require.Equal(t, percpu.Online, info.State())
}

func TestBringUpBootsEveryEnabledAP(t *testing.T) {
	a, bsp, pt, s, topo := newHarness(t, 4)
	tuning := kconfig.Default()
	tuning.APStartupTimeoutMS = 500

	res, err := smp.BringUp(context.Background(), a, bsp, tuning, topo, pt, s, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []int{1, 2, 3}, res.Booted)
	require.Empty(t, res.TimedOut)

	for _, id := range []int{0, 1, 2, 3} {
		info, err := pt.Get(id)
		require.NoError(t, err)
		require.Equal(t, percpu.Online, info.State())
	}
	require.ElementsMatch(t, []int{0, 1, 2, 3}, s.OnlineCPUIDs())
}

func TestBringUpAdoptsEveryCPUIntoDispatcher(t *testing.T) {
	a, bsp, pt, s, topo := newHarness(t, 3)
	tuning := kconfig.Default()
	tuning.APStartupTimeoutMS = 500

	disp := ipi.NewDispatcher(a, tuning, s)
	disp.Attach(a)
	res, err := smp.BringUp(context.Background(), a, bsp, tuning, topo, pt, s, disp)
	require.NoError(t, err)
	require.ElementsMatch(t, []int{1, 2}, res.Booted)

	// Every online CPU must have an addressable local APIC registered by
	// bring-up, or the Stop handler's EOI would silently no-op.
	require.NoError(t, disp.SendStop(0))
	require.True(t, disp.Stopped(0))
}

// slowStartAPArch wraps Sim to delay the AP entry callback past the
// configured timeout, exercising BootCPU's timeout path.
type slowStartAPArch struct {
	*arch.Sim
	delay time.Duration
}

func (a *slowStartAPArch) StartAP(id int, entry func(logicalID int)) {
	go func() {
		time.Sleep(a.delay)
		a.Sim.StartAP(id, entry)
	}()
}

func TestBootCPUReportsTimeoutWithoutCrashingBringUp(t *testing.T) {
	a, bsp, pt, s, topo := newHarness(t, 2)
	slow := &slowStartAPArch{Sim: a, delay: 100 * time.Millisecond}

	tuning := kconfig.Default()
	tuning.APStartupTimeoutMS = 20

	res, err := smp.BringUp(context.Background(), slow, bsp, tuning, topo, pt, s, nil)
	require.NoError(t, err)
	require.Empty(t, res.Booted)
	require.Equal(t, []int{1}, res.TimedOut)

	info, err := pt.Get(1)
	require.NoError(t, err)
	require.Equal(t, percpu.Offline, info.State())
}
