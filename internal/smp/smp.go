// Package smp implements Component E: bringing every enabled application
// processor online. Grounded directly on Biscuit's cpus_start/ap_entry
// sequence in main.go (INIT IPI, two STARTUP IPIs 200 microseconds apart,
// then a bounded wait for stragglers) and on usbarmory/tamago's
// InitSMP time.Sleep(10*time.Millisecond) INIT-to-STARTUP spacing. The
// Biscuit's "secret storage" handoff page at 0x7c00 becomes a typed
// rendezvous channel per AP; BootCPU waits on it instead of polling a
// shared counter in low memory.
package smp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcman/osfree/internal/apic"
	"github.com/rcman/osfree/internal/arch"
	"github.com/rcman/osfree/internal/ipi"
	"github.com/rcman/osfree/internal/kconfig"
	"github.com/rcman/osfree/internal/kerr"
	"github.com/rcman/osfree/internal/klog"
	"github.com/rcman/osfree/internal/percpu"
	"github.com/rcman/osfree/internal/sched"
	"github.com/rcman/osfree/internal/topology"
)

// startupIPISpacing is the gap spec §4.E requires between the two STARTUP
// IPIs real hardware needs (distinct from the 10ms INIT-to-STARTUP delay
// BootCPU waits before the first of them).
const startupIPISpacing = 200 * time.Microsecond

// Result reports which enabled CPUs joined within the configured timeout.
type Result struct {
	BSPLogicalID int
	Booted       []int
	TimedOut     []int
}

// BringUp drives every enabled non-BSP CPU through BootCPU concurrently via
// errgroup, matching spec §4.E's orchestration order: the caller has already
// run apic.(*LocalAPIC).Init on the BSP and seeded pt with every enabled
// CPU's Info in state Offline. Concurrent dispatch of independent BootCPU
// calls is safe because each AP's INIT/STARTUP/wait sequence touches only
// its own rendezvous channel and its own percpu.Info.
//
// On an arch.Sim backend, the caller must additionally have called
// sim.SetCurrentCPUResolver(percpu.ResolveCurrentCPU) beforehand, and bsp
// must have been obtained from a.LAPIC() while percpu.ResolveCurrentCPU
// would have reported the BSP (i.e. before any goroutine bound itself to a
// different logical CPU), so the BSP's local APIC resolves to the right
// simulated register file.
// disp, when non-nil, is adopted by the BSP and every successfully-booted
// AP via ipi.Dispatcher.AdoptCurrentCPU, so Component I has an addressable
// local APIC handle for every online CPU once bring-up completes.
func BringUp(ctx context.Context, a arch.Arch, bsp *apic.LocalAPIC, tuning kconfig.Tuning, topo *topology.Online, pt *percpu.Table, s *sched.Scheduler, disp *ipi.Dispatcher) (*Result, error) {
	log := klog.For("smp")
	enabled := topo.EnabledCPUs()

	bspLogical := -1
	for _, c := range enabled {
		if c.APICID == topo.Snapshot.BSPAPICID {
			bspLogical = c.LogicalID
		}
	}
	if bspLogical < 0 {
		return nil, kerr.New(kerr.TopologyInconsistent, "no enabled CPU matches the declared BSP APIC id")
	}

	percpu.BindCurrentGoroutine(bspLogical)
	if _, err := s.RegisterCPU(bspLogical); err != nil {
		return nil, err
	}
	if info, err := pt.Get(bspLogical); err == nil {
		info.SetState(percpu.Online)
	}
	if disp != nil {
		disp.AdoptCurrentCPU(bspLogical)
	}

	log.Info().Int("total_possible_cpus", topo.Snapshot.TotalPossibleCPUs).Int("enabled", len(enabled)).Msg("bsp online")

	res := &Result{BSPLogicalID: bspLogical}
	if len(enabled) == 1 {
		log.Info().Msg("uniprocessor: no APs to bring up")
		return res, nil
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	for _, c := range enabled {
		if c.LogicalID == bspLogical {
			continue
		}
		cpu := c
		eg.Go(func() error {
			ok, err := BootCPU(egCtx, a, bsp, tuning, pt, s, disp, cpu)
			if err != nil {
				return err
			}
			mu.Lock()
			if ok {
				res.Booted = append(res.Booted, cpu.LogicalID)
			} else {
				res.TimedOut = append(res.TimedOut, cpu.LogicalID)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	log.Info().Ints("booted", res.Booted).Ints("timed_out", res.TimedOut).Msg("AP bring-up complete")
	return res, nil
}

// BootCPU issues the INIT/STARTUP IPI sequence to cpu and waits up to
// tuning.APStartupTimeoutMS for it to register itself with the scheduler
// and per-CPU table. A timed-out AP's Info is left in state Offline; the
// caller does not retry it, matching spec §4.E's timeout outcome.
func BootCPU(ctx context.Context, a arch.Arch, bsp *apic.LocalAPIC, tuning kconfig.Tuning, pt *percpu.Table, s *sched.Scheduler, disp *ipi.Dispatcher, cpu topology.CPUDescriptor) (bool, error) {
	info, err := pt.Get(cpu.LogicalID)
	if err != nil {
		return false, err
	}
	info.SetState(percpu.Starting)

	target := apic.IPITarget{APICID: cpu.APICID}
	trampolinePage := uint8(tuning.APTrampolineAddress >> 12)

	if err := bsp.SendINIT(target); err != nil {
		return false, err
	}
	time.Sleep(10 * time.Millisecond)
	if err := bsp.SendSTARTUP(target, trampolinePage); err != nil {
		return false, err
	}
	time.Sleep(startupIPISpacing)
	if err := bsp.SendSTARTUP(target, trampolinePage); err != nil {
		return false, err
	}

	joined := make(chan error, 1)
	a.StartAP(cpu.LogicalID, func(logicalID int) {
		percpu.BindCurrentGoroutine(logicalID)
		a.SetCPUSegmentBase(uintptr(logicalID + 1))
		if _, err := s.RegisterCPU(logicalID); err != nil {
			joined <- err
			return
		}
		if disp != nil {
			disp.AdoptCurrentCPU(logicalID)
		}
		info.SetState(percpu.Online)
		joined <- nil
	})

	timeout := time.Duration(tuning.APStartupTimeoutMS) * time.Millisecond
	select {
	case err := <-joined:
		return err == nil, err
	case <-time.After(timeout):
		info.SetState(percpu.Offline)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
