// Package arch defines the boundary spec.md §6 calls "consumed from the
// architecture layer": context switching, MSR/CPUID access, fences/pause,
// end-of-interrupt, per-CPU segment base programming, and the raw LAPIC/
// IOAPIC MMIO register windows. The rest of the core (internal/sched,
// internal/apic, internal/smp, internal/ipi, ...) only ever talks to the
// Arch interface, never to hardware directly, matching how
// usbarmory/tamago's amd64 package factors register access behind a small
// reg package so the orchestration logic stays portable Go.
//
// A real freestanding build supplies an Arch backed by real MMIO/MSR access
// and a trampoline written in assembly (out of scope here per spec §1 —
// "UEFI boot glue"). This module ships Sim, a goroutine-based software
// model, used by tests and by cmd/kctl.
package arch

import "context"

// MSR identifies a model-specific register.
type MSR uint32

// Arch is the architecture-layer boundary the scheduling/IPI core consumes.
type Arch interface {
	// ReadMSR/WriteMSR access a model-specific register of the calling CPU.
	ReadMSR(reg MSR) uint64
	WriteMSR(reg MSR, val uint64)

	// CPUID executes the CPU identification instruction with the given
	// leaf/subleaf and returns eax, ebx, ecx, edx.
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	// Pause is the architecture's spin-loop hint (e.g. the PAUSE
	// instruction), reducing power draw and memory-ordering contention
	// while a ticket lock or sequence lock spins.
	Pause()
	// Fence is a full memory fence (store+load).
	Fence()

	// SendEOI signals end-of-interrupt to the local APIC for the interrupt
	// currently being serviced.
	SendEOI()

	// FlushTLB reloads the calling CPU's page-table root register, flushing
	// its entire TLB (spec §4.I: "finer-grained flush is out of scope").
	FlushTLB()

	// PushCLI disables interrupts on the calling CPU and returns a token
	// capturing whether they were previously enabled, satisfying
	// spinlock.InterruptFlags for run-queue locks (spec §3: "IRQs must be
	// disabled while held").
	PushCLI() uint64
	// PopCLI restores the interrupt-enable state captured by a prior
	// PushCLI token.
	PopCLI(flags uint64)

	// ContextSwitch saves the callee-saved state of prev, restores next's,
	// switches kernel stack, and returns control on prev when it next
	// resumes execution (spec §6: "returns on prev when it next resumes").
	ContextSwitch(ctx context.Context, prev, next ThreadContext)

	// CPUSegmentBase returns the per-CPU segment base the calling goroutine/
	// core is running under, used to implement cpu_id()/cpu_info() as a
	// single load (spec §4.F).
	CPUSegmentBase() uintptr
	// SetCPUSegmentBase installs the per-CPU segment base for the calling
	// CPU; called once per CPU during bring-up.
	SetCPUSegmentBase(base uintptr)

	// ReferenceTicks returns a monotonically increasing tick count from a
	// reference clock (PIT or HPET on real hardware — spec §9 leaves the
	// choice open) used to calibrate the local APIC timer.
	ReferenceTicks() uint64

	// LAPIC returns the MMIO/MSR register window for the calling CPU's
	// local APIC.
	LAPIC() LAPICRegs
	// IOAPIC returns the MMIO register window for I/O APIC index idx.
	IOAPIC(idx int) IOAPICRegs

	// StartAP bootstraps application processor index id: real-mode →
	// protected-mode → long-mode, GDT load, and a call into entry once the
	// AP's stack and logical id are established (spec §4.E "AP side").
	// On Sim this spawns a goroutine; on real hardware this is the
	// INIT/STARTUP IPI sequence plus the trampoline page.
	StartAP(id int, entry func(logicalID int))
}

// ThreadContext is the opaque saved-context handle spec §3 calls out on
// Thread ("saved-context handle"); Arch.ContextSwitch is the only consumer.
type ThreadContext interface {
	// Run executes the thread body until it yields control back to the
	// scheduler (blocks, is preempted, or exits).
	Run()
}

// LAPICRegs is the local APIC's 32-bit-register MMIO/MSR window, addressed
// by byte offset exactly as spec §4.C describes (spurious-vector register,
// LVT entries, ICR halves, TPR, timer registers, EOI).
type LAPICRegs interface {
	Read(offset uint32) uint32
	Write(offset uint32, val uint32)
	// X2APIC reports whether this CPU is operating its local APIC in
	// MSR-addressed x2APIC mode rather than memory-mapped xAPIC mode.
	X2APIC() bool
}

// IOAPICRegs is a single I/O APIC's indexed register window (IOREGSEL/
// IOWIN pair, spec §4.C).
type IOAPICRegs interface {
	Read(reg uint8) uint32
	Write(reg uint8, val uint32)
}
