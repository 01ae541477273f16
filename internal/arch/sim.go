package arch

import (
	"context"
	"sync"
	"time"
)

// SimFeatures configures which CPUID-reported features arch.Sim advertises,
// so tests can exercise both the x2APIC and legacy xAPIC code paths.
type SimFeatures struct {
	X2APIC        bool
	InvariantTSC  bool
	PCID          bool
	AVX           bool
	SSE           bool
}

// DefaultSimFeatures reports a modern baseline: x2APIC, invariant TSC, PCID
// and SSE/AVX all present.
func DefaultSimFeatures() SimFeatures {
	return SimFeatures{X2APIC: true, InvariantTSC: true, PCID: true, AVX: true, SSE: true}
}

// simLAPIC is an in-memory model of one CPU's local APIC register window,
// addressed by the same byte offsets as real xAPIC MMIO (spec §4.C), backed
// by a mutex instead of real volatile MMIO semantics.
type simLAPIC struct {
	mu      sync.Mutex
	regs    map[uint32]uint32
	id      uint32
	x2apic  bool
	sim     *Sim
	icrBusy bool // not read anywhere; Read reports the delivery-status bit as already clear
}

const (
	lapicRegID      = 0x20
	lapicRegSpurious = 0xF0
	lapicRegICRLow  = 0x300
	lapicRegICRHigh = 0x310
	lapicRegTPR     = 0x80
	lapicRegEOI     = 0xB0
	lapicRegLVTErr  = 0x370
	lapicRegESR     = 0x280
	lapicRegLVTTimer = 0x320
	lapicRegTimerInit = 0x380
	lapicRegTimerCur  = 0x390
	lapicRegTimerDiv  = 0x3E0
)

func (l *simLAPIC) Read(offset uint32) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset == lapicRegID {
		return l.id << 24
	}
	if offset == lapicRegICRLow {
		v := l.regs[offset]
		// delivery-status bit (12) clears "immediately" in the simulator;
		// real xAPIC polling loops observe it go idle after a short delay.
		return v &^ (1 << 12)
	}
	return l.regs[offset]
}

func (l *simLAPIC) Write(offset uint32, val uint32) {
	l.mu.Lock()
	if l.regs == nil {
		l.regs = make(map[uint32]uint32)
	}
	l.regs[offset] = val
	l.mu.Unlock()
	if offset == lapicRegICRLow {
		l.sim.deliverIPI(l)
	}
}

func (l *simLAPIC) X2APIC() bool { return l.x2apic }

// simIOAPIC models one I/O APIC's indexed register pair (spec §4.C).
type simIOAPIC struct {
	mu   sync.Mutex
	regs map[uint8]uint32
}

func (io *simIOAPIC) Read(reg uint8) uint32 {
	io.mu.Lock()
	defer io.mu.Unlock()
	return io.regs[reg]
}

func (io *simIOAPIC) Write(reg uint8, val uint32) {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.regs == nil {
		io.regs = make(map[uint8]uint32)
	}
	io.regs[reg] = val
}

// Sim is a goroutine-based software model of Arch: every logical CPU is a
// Go-level registry entry (no real ring transitions), the LAPIC/IOAPIC are
// in-memory register files, and AP bring-up spawns a goroutine per
// application processor instead of sending real INIT/STARTUP IPIs to
// silicon. It is used by the test suite and by cmd/kctl to exercise the
// whole core deterministically.
type Sim struct {
	mu        sync.Mutex
	features  SimFeatures
	lapics    map[int]*simLAPIC
	ioapics   []*simIOAPIC
	segBase   map[int]uintptr
	refTicks  int64
	startedAt time.Time
	irqEnabled map[int]bool
	tlbFlushes int64

	curCPU     func() int // resolves "calling CPU" identity for the active goroutine
	ipiHandler func(IPIEvent)
}

// NewSim builds a simulator for numIOAPIC I/O APICs and the given feature
// set.
func NewSim(features SimFeatures, numIOAPIC int) *Sim {
	s := &Sim{
		features:   features,
		lapics:     make(map[int]*simLAPIC),
		segBase:    make(map[int]uintptr),
		irqEnabled: make(map[int]bool),
		startedAt:  time.Now(),
	}
	for i := 0; i < numIOAPIC; i++ {
		s.ioapics = append(s.ioapics, &simIOAPIC{})
	}
	return s
}

// BindCPU creates the simulated local APIC register file for lapicID if it
// does not exist yet. It does not change which CPU the calling goroutine
// resolves to; that comes from the SetCurrentCPUResolver callback.
func (s *Sim) BindCPU(lapicID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lapics[lapicID]; !ok {
		s.lapics[lapicID] = &simLAPIC{id: uint32(lapicID), x2apic: s.features.X2APIC, sim: s}
	}
}

func (s *Sim) ReadMSR(reg MSR) uint64 {
	return 0
}

func (s *Sim) WriteMSR(reg MSR, val uint64) {}

func (s *Sim) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	switch leaf {
	case 0x1:
		if s.features.SSE {
			edx |= 1 << 25
		}
		if s.features.PCID {
			ecx |= 1 << 17
		}
		if s.features.AVX {
			ecx |= 1 << 28
		}
		if s.features.X2APIC {
			ecx |= 1 << 21
		}
	case 0x80000007:
		if s.features.InvariantTSC {
			edx |= 1 << 8
		}
	}
	return
}

func (s *Sim) Pause() {}

func (s *Sim) Fence() {}

func (s *Sim) SendEOI() {}

// FlushTLB has no real page tables to reload in the simulator; it records
// the call so tests can assert internal/ipi's TLBFlush handler ran.
func (s *Sim) FlushTLB() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tlbFlushes++
}

// TLBFlushCount reports how many times FlushTLB has been called, for tests.
func (s *Sim) TLBFlushCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tlbFlushes
}

// PushCLI simulates disabling interrupts on the calling CPU: it records
// whether they were previously enabled (default true, matching a CPU that
// booted with interrupts on) and marks them disabled, returning a token for
// PopCLI.
func (s *Sim) PushCLI() uint64 {
	id := s.curCPUID()
	s.mu.Lock()
	defer s.mu.Unlock()
	was, ok := s.irqEnabled[id]
	if !ok {
		was = true
	}
	s.irqEnabled[id] = false
	if was {
		return 1
	}
	return 0
}

// PopCLI restores the interrupt-enable state captured by a matching
// PushCLI.
func (s *Sim) PopCLI(flags uint64) {
	id := s.curCPUID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.irqEnabled[id] = flags != 0
}

func (s *Sim) ContextSwitch(ctx context.Context, prev, next ThreadContext) {
	// The simulated context switch is a pure goroutine handoff: wake next,
	// then park until someone resumes prev (see Context in context.go).
	if nc, ok := next.(*Context); ok && nc != nil {
		nc.resumeFrom(prev)
	}
	if pc, ok := prev.(*Context); ok && pc != nil {
		pc.park(ctx)
	}
}

func (s *Sim) CPUSegmentBase() uintptr {
	id := s.curCPUID()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segBase[id]
}

func (s *Sim) SetCPUSegmentBase(base uintptr) {
	id := s.curCPUID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segBase[id] = base
}

func (s *Sim) curCPUID() int {
	s.mu.Lock()
	fn := s.curCPU
	s.mu.Unlock()
	if fn == nil {
		return 0
	}
	return fn()
}

// SetCurrentCPUResolver installs the callback arch.Sim uses to learn which
// logical CPU the calling goroutine represents. internal/boot.Build installs
// percpu.ResolveCurrentCPU here during bring-up; tests install their own.
func (s *Sim) SetCurrentCPUResolver(fn func() int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.curCPU = fn
}

func (s *Sim) ReferenceTicks() uint64 {
	return uint64(time.Since(s.startedAt).Nanoseconds())
}

func (s *Sim) LAPIC() LAPICRegs {
	id := s.curCPUID()
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lapics[id]
	if !ok {
		l = &simLAPIC{id: uint32(id), x2apic: s.features.X2APIC, sim: s}
		s.lapics[id] = l
	}
	return l
}

func (s *Sim) IOAPIC(idx int) IOAPICRegs {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.ioapics) {
		return &simIOAPIC{}
	}
	return s.ioapics[idx]
}

func (s *Sim) StartAP(id int, entry func(logicalID int)) {
	s.BindCPU(id)
	go entry(id)
}

// deliverIPI inspects the ICR a LAPIC just had written and, for fixed-vector
// deliveries, invokes the registered vector handler on the destination CPU.
// The scheduler/IPI dispatcher wires this via Sim.OnIPI.
func (s *Sim) deliverIPI(from *simLAPIC) {
	s.mu.Lock()
	handler := s.ipiHandler
	s.mu.Unlock()
	if handler == nil {
		return
	}
	from.mu.Lock()
	low := from.regs[lapicRegICRLow]
	high := from.regs[lapicRegICRHigh]
	from.mu.Unlock()
	vector := uint8(low & 0xFF)
	deliveryMode := (low >> 8) & 0x7
	destShorthand := (low >> 18) & 0x3
	dest := int(high >> 24)
	handler(IPIEvent{
		SourceCPU:     int(from.id),
		DestCPU:       dest,
		DestShorthand: destShorthand,
		Vector:        vector,
		DeliveryMode:  deliveryMode,
	})
}

// IPIEvent describes one ICR write captured by the simulator, replayed to
// whatever dispatcher Sim.OnIPI was given.
type IPIEvent struct {
	SourceCPU     int
	DestCPU       int
	DestShorthand uint32 // 0=none 1=self 2=all 3=all-but-self
	Vector        uint8
	DeliveryMode  uint32 // 0=fixed 5=INIT 6=STARTUP
}

// OnIPI registers the handler invoked whenever any simulated CPU writes its
// ICR low register (i.e. sends an IPI). Exactly one handler may be
// registered; internal/ipi installs the real dispatcher during bring-up.
func (s *Sim) OnIPI(handler func(IPIEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ipiHandler = handler
}
