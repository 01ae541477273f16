// Package boot assembles the synthetic, simulation-backed system cmd/kctl
// and cmd/kernel both drive: a topology, a per-CPU table, a scheduler, an
// IPI dispatcher and a metrics collector wired together the same way
// internal/smp's own tests build their harness. It exists so the two
// command binaries share one construction path instead of duplicating the
// wiring inline.
package boot

import (
	"context"
	"time"

	"github.com/rcman/osfree/internal/apic"
	"github.com/rcman/osfree/internal/arch"
	"github.com/rcman/osfree/internal/ipi"
	"github.com/rcman/osfree/internal/kconfig"
	"github.com/rcman/osfree/internal/klog"
	"github.com/rcman/osfree/internal/kmetrics"
	"github.com/rcman/osfree/internal/percpu"
	"github.com/rcman/osfree/internal/sched"
	"github.com/rcman/osfree/internal/smp"
	"github.com/rcman/osfree/internal/topology"
)

// Harness bundles one fully wired synthetic system: everything needed to
// drive scheduling, balancing and IPI dispatch operations against an
// arch.Sim backend.
type Harness struct {
	Arch     *arch.Sim
	Tuning   kconfig.Tuning
	Topology *topology.Online
	PerCPU   *percpu.Table
	BSP      *apic.LocalAPIC
	Sched    *sched.Scheduler
	IPI      *ipi.Dispatcher
	Metrics  *kmetrics.Collector
	Result   *smp.Result
}

// Config describes the synthetic system Build assembles.
type Config struct {
	// CPUs is the number of logical CPUs in the synthetic topology,
	// including the BSP (logical id 0).
	CPUs int
	// Tuning overrides kconfig.Default(); the zero value selects defaults.
	Tuning kconfig.Tuning
	// FailCPUs lists AP logical ids whose StartAP should be delayed well
	// past Tuning.APStartupTimeoutMS, simulating a CPU that never signals
	// ready (spec §8's AP-timeout scenario). The BSP (id 0) is never
	// delayed even if listed here, since it never goes through StartAP.
	FailCPUs []int
}

func syntheticTopology(n int) topology.Snapshot {
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
	return snap
}

// stallingArch wraps Sim to delay StartAP for a fixed set of logical ids,
// the boot-harness equivalent of internal/smp's slowStartAPArch test
// helper, so an operator can reproduce the never-responding-AP scenario
// outside of the test suite.
type stallingArch struct {
	*arch.Sim
	stalled map[int]bool
	delay   time.Duration
}

func (a *stallingArch) StartAP(id int, entry func(logicalID int)) {
	if !a.stalled[id] {
		a.Sim.StartAP(id, entry)
		return
	}
	go func() {
		time.Sleep(a.delay)
		a.Sim.StartAP(id, entry)
	}()
}

// Build assembles a Harness for cfg.CPUs simulated CPUs and brings every
// enabled AP online via smp.BringUp, mirroring Biscuit's cpus_start driving
// the AP trampoline from main(): topology import, per-CPU table seeding,
// scheduler and dispatcher construction, then bring-up.
func Build(ctx context.Context, cfg Config) (*Harness, error) {
	log := klog.For("boot")

	tuning := cfg.Tuning
	zero := kconfig.Tuning{}
	if tuning == zero {
		tuning = kconfig.Default()
	}
	if err := tuning.Validate(); err != nil {
		return nil, err
	}

	sim := arch.NewSim(arch.DefaultSimFeatures(), 1)
	sim.SetCurrentCPUResolver(percpu.ResolveCurrentCPU)
	percpu.BindCurrentGoroutine(0)
	sim.BindCPU(0)

	topo, err := topology.Import(syntheticTopology(cfg.CPUs), 0)
	if err != nil {
		return nil, err
	}

	pt := percpu.NewTable()
	for _, c := range topo.EnabledCPUs() {
		pt.Register(percpu.NewInfo(c.LogicalID, c.APICID, c.APICID, c.NUMANode))
	}

	s, err := sched.NewScheduler(tuning, sim, topo, pt, nil)
	if err != nil {
		return nil, err
	}
	s.SetCurrentCPUResolver(percpu.ResolveCurrentCPU)

	bsp := apic.NewLocalAPIC(sim.LAPIC(), tuning.SpuriousVector, tuning.ErrorVector, tuning.TimerVector)
	bsp.Init()

	disp := ipi.NewDispatcher(sim, tuning, s)
	disp.Attach(sim)

	metrics := kmetrics.New(s, tuning)
	disp.AttachMetrics(metrics)

	var a arch.Arch = sim
	if len(cfg.FailCPUs) > 0 {
		stalled := make(map[int]bool, len(cfg.FailCPUs))
		for _, id := range cfg.FailCPUs {
			if id == 0 {
				continue
			}
			stalled[id] = true
		}
		delay := time.Duration(tuning.APStartupTimeoutMS*4) * time.Millisecond
		a = &stallingArch{Sim: sim, stalled: stalled, delay: delay}
	}

	res, err := smp.BringUp(ctx, a, bsp, tuning, topo, pt, s, disp)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("cpus", cfg.CPUs).
		Ints("booted", res.Booted).
		Ints("timed_out", res.TimedOut).
		Msg("bring-up complete")

	return &Harness{
		Arch:     sim,
		Tuning:   tuning,
		Topology: topo,
		PerCPU:   pt,
		BSP:      bsp,
		Sched:    s,
		IPI:      disp,
		Metrics:  metrics,
		Result:   res,
	}, nil
}
