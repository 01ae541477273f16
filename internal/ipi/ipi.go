// Package ipi implements Component I: the four fixed-vector interprocessor
// interrupts spec §4.I describes (Reschedule, CrossCall, TLBFlush, Stop) and
// smp_call, the cross-call broadcast primitive built on CrossCall. Grounded
// on Biscuit's trap_cons-driven dispatch loop in trap.go for the
// handler-table shape; broadcast reuses a single ICR write with the
// AllButSelf destination shorthand apic.IPITarget already encodes, the same
// way real hardware fans an IPI out to every sibling in one instruction.
package ipi

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/rcman/osfree/internal/apic"
	"github.com/rcman/osfree/internal/arch"
	"github.com/rcman/osfree/internal/kconfig"
	"github.com/rcman/osfree/internal/klog"
	"github.com/rcman/osfree/internal/sched"
)

// Dispatcher owns the fixed IPI vectors and the global cross-call state
// spec §5's lock ordering places last ("cross-call broadcast lock"). It
// implements sched.IPISender so internal/sched can nudge a remote CPU to
// reschedule without importing this package.
type Dispatcher struct {
	a      arch.Arch
	tuning kconfig.Tuning
	s      *sched.Scheduler
	log    zerolog.Logger

	apicsMu sync.RWMutex
	apics   map[int]*apic.LocalAPIC // cpuID -> that CPU's own local APIC handle, for EOI on delivery

	ccMu      sync.Mutex // spec §5's "cross-call broadcast lock"
	ccFn      func()
	ccPending int
	ccDone    chan struct{}

	stopped sync.Map // cpuID -> struct{}, set once a Stop handler runs

	metrics MetricsSink
}

// MetricsSink receives a count every time this dispatcher sends a vector.
// Declared here rather than in internal/kmetrics so this package never
// imports the Prometheus dependency directly; cmd/kernel/cmd/kctl wire a
// *kmetrics.Collector in via AttachMetrics. A nil sink (the default) is
// always valid.
type MetricsSink interface {
	RecordIPI(vector uint8)
}

// AttachMetrics installs m as this dispatcher's send-side metrics sink.
func (d *Dispatcher) AttachMetrics(m MetricsSink) { d.metrics = m }

func (d *Dispatcher) recordSend(vector uint8) {
	if d.metrics != nil {
		d.metrics.RecordIPI(vector)
	}
}

// NewDispatcher builds a Dispatcher bound to a scheduler for Reschedule
// delivery. Call AdoptCurrentCPU once per CPU (BSP and every AP) on that
// CPU's own goroutine, mirroring how internal/smp builds the BSP's
// apic.LocalAPIC on the BSP's own goroutine, before Attach wires the
// backend's IPI delivery to Handle.
func NewDispatcher(a arch.Arch, tuning kconfig.Tuning, s *sched.Scheduler) *Dispatcher {
	return &Dispatcher{
		a:      a,
		tuning: tuning,
		s:      s,
		log:    klog.For("ipi"),
		apics:  make(map[int]*apic.LocalAPIC),
	}
}

// AdoptCurrentCPU constructs cpuID's own apic.LocalAPIC handle from the
// calling goroutine's arch.Arch.LAPIC() view and registers it, so Handle can
// later send cpuID's EOI for a delivered vector. Must be called from the
// goroutine representing cpuID; internal/smp's BringUp and BootCPU entry
// callback do this for the BSP and every AP respectively.
func (d *Dispatcher) AdoptCurrentCPU(cpuID int) {
	l := apic.NewLocalAPIC(d.a.LAPIC(), d.tuning.SpuriousVector, d.tuning.ErrorVector, d.tuning.TimerVector)
	d.apicsMu.Lock()
	d.apics[cpuID] = l
	d.apicsMu.Unlock()
}

func (d *Dispatcher) lapicFor(cpuID int) *apic.LocalAPIC {
	d.apicsMu.RLock()
	defer d.apicsMu.RUnlock()
	return d.apics[cpuID]
}

// ownLAPIC addresses the calling goroutine's own local APIC, the one an ICR
// write must originate from — a CPU can only ever send an IPI from its own
// register window, never poke another CPU's directly.
func (d *Dispatcher) ownLAPIC() *apic.LocalAPIC {
	return apic.NewLocalAPIC(d.a.LAPIC(), d.tuning.SpuriousVector, d.tuning.ErrorVector, d.tuning.TimerVector)
}

// Attach wires this dispatcher to sim's simulated IPI delivery. Only
// meaningful against arch.Sim; a real hardware backend instead installs
// Handle as its interrupt-vector table entries for the four fixed vectors.
func (d *Dispatcher) Attach(sim *arch.Sim) {
	sim.OnIPI(func(ev arch.IPIEvent) { d.Handle(ev) })
}

// Handle dispatches one delivered IPI to the handler for its vector,
// matching spec §4.I: "Handlers must: (a) do their work, (b) send APIC
// End-of-Interrupt." A vector matching none of the four known ones is
// ignored (the timer and spurious vectors are handled elsewhere).
func (d *Dispatcher) Handle(ev arch.IPIEvent) {
	for _, cpuID := range d.resolveDestinations(ev) {
		switch ev.Vector {
		case d.tuning.RescheduleVector:
			d.handleReschedule(cpuID)
		case d.tuning.CrossCallVector:
			d.handleCrossCall()
		case d.tuning.TLBVector:
			d.handleTLBFlush()
		case d.tuning.StopVector:
			d.handleStop(cpuID)
		default:
			continue
		}
		if l := d.lapicFor(cpuID); l != nil {
			l.EOI()
		}
	}
}

// resolveDestinations expands an IPIEvent's shorthand (self/all/all-but-self)
// or explicit APIC id into the set of logical CPU ids the Dispatcher knows
// about, mirroring apic.IPITarget's encoding.
func (d *Dispatcher) resolveDestinations(ev arch.IPIEvent) []int {
	d.apicsMu.RLock()
	defer d.apicsMu.RUnlock()

	switch ev.DestShorthand {
	case 1: // self
		return []int{ev.SourceCPU}
	case 2, 3: // all, all-but-self
		ids := make([]int, 0, len(d.apics))
		for id := range d.apics {
			if ev.DestShorthand == 3 && id == ev.SourceCPU {
				continue
			}
			ids = append(ids, id)
		}
		return ids
	default:
		return []int{ev.DestCPU}
	}
}

// handleReschedule implements spec §4.I's Reschedule handler: "sets the
// reschedule flag and returns; preemption-enable on ISR exit performs the
// switch." It never calls Schedule directly; the next PreemptEnable on
// cpuID, or a direct MaybeReschedule call, observes the flag.
func (d *Dispatcher) handleReschedule(cpuID int) {
	id, err := d.s.CurrentThreadID(cpuID)
	if err != nil {
		return
	}
	t, err := d.s.Thread(id)
	if err != nil {
		return
	}
	t.RequestReschedule()
}

// handleCrossCall implements spec §4.I's CrossCall handler: execute the
// published global function pointer and decrement the pending counter.
func (d *Dispatcher) handleCrossCall() {
	d.ccMu.Lock()
	fn := d.ccFn
	d.ccPending--
	done := d.ccPending <= 0
	waiter := d.ccDone
	d.ccMu.Unlock()

	if fn != nil {
		fn()
	}
	if done && waiter != nil {
		select {
		case waiter <- struct{}{}:
		default:
		}
	}
}

// handleTLBFlush implements spec §4.I's TLBFlush handler: reload the
// page-table root register, flushing the entire TLB.
func (d *Dispatcher) handleTLBFlush() {
	d.a.FlushTLB()
}

// handleStop implements spec §4.I's Stop handler: "enters a final halt."
// Recorded rather than actually blocking the calling goroutine forever,
// since that would hang the simulator; a real build instead executes
// `cli; hlt` in a loop here.
func (d *Dispatcher) handleStop(cpuID int) {
	d.stopped.Store(cpuID, struct{}{})
	d.log.Warn().Int("cpu", cpuID).Msg("received stop IPI")
}

// Stopped reports whether cpuID has received a Stop IPI, for tests and for
// kctl's status output.
func (d *Dispatcher) Stopped(cpuID int) bool {
	_, ok := d.stopped.Load(cpuID)
	return ok
}

// SendReschedule implements sched.IPISender: send the Reschedule IPI to
// cpuID from the calling CPU's own local APIC. Errors are logged rather
// than returned, since sched.IPISender's signature (shared with the
// not-yet-broadcast-capable fakes in internal/sched's own tests) has no
// error return.
func (d *Dispatcher) SendReschedule(cpuID int) {
	if err := d.ownLAPIC().SendFixed(apic.IPITarget{APICID: uint32(cpuID)}, d.tuning.RescheduleVector); err != nil {
		d.log.Warn().Err(err).Int("cpu", cpuID).Msg("failed to send reschedule IPI")
		return
	}
	d.recordSend(d.tuning.RescheduleVector)
}

// SendStop sends the Stop IPI to cpuID.
func (d *Dispatcher) SendStop(cpuID int) error {
	if err := d.ownLAPIC().SendFixed(apic.IPITarget{APICID: uint32(cpuID)}, d.tuning.StopVector); err != nil {
		return err
	}
	d.recordSend(d.tuning.StopVector)
	return nil
}

// Broadcast sends vector to every other online CPU in a single ICR write
// using the AllButSelf destination shorthand, the same fan-out mechanism
// real hardware provides.
func (d *Dispatcher) Broadcast(vector uint8) error {
	if err := d.ownLAPIC().SendFixed(apic.IPITarget{AllButSelf: true}, vector); err != nil {
		return err
	}
	d.recordSend(vector)
	return nil
}

// FlushTLBAll implements spec §4.I's whole-system TLB shootdown by
// broadcasting TLBFlush to every other online CPU and flushing locally.
func (d *Dispatcher) FlushTLBAll() error {
	d.a.FlushTLB()
	return d.Broadcast(d.tuning.TLBVector)
}

// Call implements spec §4.I's smp_call(fn, arg, wait): under the global
// cross-call lock, publish fn, set pending = cpu_count-1, send CrossCall to
// all others, execute locally, and if wait is set, block until every
// recipient has decremented pending to zero. arg is folded into fn as a
// closure rather than carried as a separate parameter, since Go closures
// make the C-style (fn, arg) pair redundant.
func (d *Dispatcher) Call(fn func(), wait bool) error {
	d.apicsMu.RLock()
	total := len(d.apics)
	d.apicsMu.RUnlock()

	d.ccMu.Lock()
	d.ccFn = fn
	d.ccPending = total - 1
	pending := d.ccPending
	var waiter chan struct{}
	if wait && pending > 0 {
		waiter = make(chan struct{}, 1)
		d.ccDone = waiter
	}
	d.ccMu.Unlock()

	if pending > 0 {
		if err := d.Broadcast(d.tuning.CrossCallVector); err != nil {
			return err
		}
	}
	if fn != nil {
		fn()
	}
	if wait && waiter != nil {
		<-waiter
	}
	return nil
}
