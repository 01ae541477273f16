// Package apic implements Component C: local APIC and I/O APIC programming
// (spurious-vector/LVT/TPR bring-up sequence, ICR encode/send for INIT,
// STARTUP and fixed-vector IPIs, I/O APIC redirection table routing, and
// timer calibration against a reference clock). Grounded on
// usbarmory/tamago's amd64/lapic register layout and on Biscuit's
// cpus_start ICR sequencing in main.go, generalized from Biscuit's
// hand-rolled uint register pokes to the internal/arch.LAPICRegs/IOAPICRegs
// boundary so the same code runs against real MMIO or arch.Sim.
package apic

import (
	"github.com/rcman/osfree/internal/arch"
	"github.com/rcman/osfree/internal/kerr"
)

// Register byte offsets within the local APIC's MMIO/MSR window (spec
// §4.C). These mirror the constants arch.Sim uses internally; the two
// packages agree on them by convention since LAPICRegs is byte-offset
// addressed regardless of backend.
const (
	regID        = 0x20
	regSpurious  = 0xF0
	regICRLow    = 0x300
	regICRHigh   = 0x310
	regTPR       = 0x80
	regEOI       = 0xB0
	regLVTErr    = 0x370
	regESR       = 0x280
	regLVTTimer  = 0x320
	regTimerInit = 0x380
	regTimerCur  = 0x390
	regTimerDiv  = 0x3E0
)

const (
	spuriousEnableBit uint32 = 1 << 8
	icrDeliveryStatus uint32 = 1 << 12

	// ICR delivery modes (spec §4.C "ICR encode/send").
	deliveryModeFixed   uint32 = 0
	deliveryModeInit    uint32 = 5
	deliveryModeStartup uint32 = 6

	// ICR destination shorthands.
	destNoShorthand   uint32 = 0
	destAllButSelf    uint32 = 3

	// timer modes, LVT bit 17.
	timerModePeriodic uint32 = 1 << 17

	timerDivBy16 uint32 = 0x3
)

// LocalAPIC drives one CPU's local APIC register window.
type LocalAPIC struct {
	regs        arch.LAPICRegs
	spurious    uint8
	errorVector uint8
	timerVector uint8
}

// NewLocalAPIC wraps the register window for the calling CPU with the
// vector assignments spec §6 fixes (spurious, error, timer).
func NewLocalAPIC(regs arch.LAPICRegs, spuriousVector, errorVector, timerVector uint8) *LocalAPIC {
	return &LocalAPIC{regs: regs, spurious: spuriousVector, errorVector: errorVector, timerVector: timerVector}
}

// Init programs the bring-up sequence spec §4.C requires: software-enable
// via the spurious-interrupt vector register, arm the error LVT entry, and
// drop the task-priority register to accept every vector.
func (l *LocalAPIC) Init() {
	l.regs.Write(regSpurious, uint32(l.spurious)|spuriousEnableBit)
	l.regs.Write(regLVTErr, uint32(l.errorVector))
	l.regs.Write(regTPR, 0)
	l.regs.Write(regESR, 0)
	l.regs.Read(regESR) // clear any latched error per Intel SDM recommendation
}

// ID returns this local APIC's hardware identifier (bits 24-31 of the ID
// register).
func (l *LocalAPIC) ID() uint32 {
	return l.regs.Read(regID) >> 24
}

// X2APIC reports whether this CPU's local APIC is in MSR-addressed x2APIC
// mode.
func (l *LocalAPIC) X2APIC() bool {
	return l.regs.X2APIC()
}

// EOI signals end-of-interrupt for the vector currently being serviced.
func (l *LocalAPIC) EOI() {
	l.regs.Write(regEOI, 0)
}

// ArmTimer configures the local APIC timer for periodic interrupts at the
// given initial count and vector (spec §4.C "timer arm"), using divide-by-16
// as Biscuit's trampoline-era code does.
func (l *LocalAPIC) ArmTimer(initialCount uint32) {
	l.regs.Write(regTimerDiv, timerDivBy16)
	l.regs.Write(regLVTTimer, uint32(l.timerVector)|timerModePeriodic)
	l.regs.Write(regTimerInit, initialCount)
}

// TimerCurrentCount reads the timer's current-count register, used by
// Calibrate to measure elapsed ticks against the reference clock.
func (l *LocalAPIC) TimerCurrentCount() uint32 {
	return l.regs.Read(regTimerCur)
}

// Calibrate measures the local APIC timer's tick rate against Arch's
// reference clock over the given reference-tick window and returns the
// initial count that yields one tick at targetHz, per spec §4.C "calibrate
// the local APIC timer against a reference clock; the result is the initial
// count that yields one tick at the configured frequency".
func Calibrate(a arch.Arch, l *LocalAPIC, referenceWindowTicks uint64, targetHz int) (uint32, error) {
	if targetHz <= 0 {
		return 0, kerr.New(kerr.InvalidParameter, "target frequency must be positive, got %d", targetHz)
	}
	const calibrationCount = 0xFFFFFFFF
	l.regs.Write(regTimerDiv, timerDivBy16)
	l.regs.Write(regLVTTimer, uint32(l.timerVector))
	l.regs.Write(regTimerInit, calibrationCount)

	start := a.ReferenceTicks()
	for a.ReferenceTicks()-start < referenceWindowTicks {
		a.Pause()
	}

	elapsedAPICTicks := calibrationCount - l.regs.Read(regTimerCur)
	l.regs.Write(regTimerInit, 0) // stop the one-shot count

	if elapsedAPICTicks == 0 {
		return 0, kerr.New(kerr.APICTimeout, "local APIC timer did not advance during calibration window")
	}

	ticksPerSecond := uint64(elapsedAPICTicks) * (uint64(1_000_000_000) / referenceWindowTicks)
	perInterval := ticksPerSecond / uint64(targetHz)
	if perInterval == 0 {
		perInterval = 1
	}
	return uint32(perInterval), nil
}

// IPITarget selects an IPI's destination: either an explicit APIC id or one
// of the ICR shorthands.
type IPITarget struct {
	APICID    uint32
	AllButSelf bool
}

// SendINIT issues the INIT IPI that begins the AP bring-up sequence of spec
// §4.E, polling the delivery-status bit until clear as Biscuit's
// cpus_start does around its ICR writes.
func (l *LocalAPIC) SendINIT(target IPITarget) error {
	return l.sendICR(target, deliveryModeInit, 0)
}

// SendSTARTUP issues a STARTUP IPI encoding the AP trampoline's page number
// (vector field = trampoline physical address >> 12), per spec §4.E.
func (l *LocalAPIC) SendSTARTUP(target IPITarget, trampolinePage uint8) error {
	return l.sendICR(target, deliveryModeStartup, trampolinePage)
}

// SendFixed issues a fixed-vector IPI (reschedule, cross-call, TLB flush,
// stop, per spec §4.I's four vectors).
func (l *LocalAPIC) SendFixed(target IPITarget, vector uint8) error {
	return l.sendICR(target, deliveryModeFixed, vector)
}

func (l *LocalAPIC) sendICR(target IPITarget, deliveryMode uint32, vector uint8) error {
	if err := l.waitDeliveryIdle(); err != nil {
		return err
	}

	low := uint32(vector) | (deliveryMode << 8)
	var high uint32
	if target.AllButSelf {
		low |= destAllButSelf << 18
	} else {
		low |= destNoShorthand << 18
		high = target.APICID << 24
		l.regs.Write(regICRHigh, high)
	}
	l.regs.Write(regICRLow, low)

	return l.waitDeliveryIdle()
}

// maxDeliveryPolls bounds how many times sendICR polls the delivery-status
// bit before giving up; spec §7 requires APICTimeout rather than an infinite
// spin if an xAPIC never reports idle.
const maxDeliveryPolls = 1_000_000

func (l *LocalAPIC) waitDeliveryIdle() error {
	for i := 0; i < maxDeliveryPolls; i++ {
		if l.regs.Read(regICRLow)&icrDeliveryStatus == 0 {
			return nil
		}
	}
	return kerr.New(kerr.APICTimeout, "ICR delivery-status bit did not clear")
}

// IOAPIC drives one I/O APIC's indexed register window.
type IOAPIC struct {
	regs     arch.IOAPICRegs
	numPins  int
}

const (
	ioregsel = 0x00
	iowin    = 0x10

	ioapicRegID  = 0x00
	ioapicRegVer = 0x01
	ioapicRegArb = 0x02
	ioapicRedirBase = 0x10
)

// NewIOAPIC wraps an I/O APIC register window, probing its redirection
// table size from the version register (spec §4.C "I/O APIC discovery").
func NewIOAPIC(regs arch.IOAPICRegs) *IOAPIC {
	io := &IOAPIC{regs: regs}
	ver := io.read(ioapicRegVer)
	io.numPins = int((ver>>16)&0xFF) + 1
	return io
}

// NumPins reports the redirection table size this I/O APIC exposes.
func (io *IOAPIC) NumPins() int {
	return io.numPins
}

func (io *IOAPIC) read(reg uint8) uint32 {
	io.regs.Write(ioregsel, uint32(reg))
	return io.regs.Read(iowin)
}

func (io *IOAPIC) write(reg uint8, val uint32) {
	io.regs.Write(ioregsel, uint32(reg))
	io.regs.Write(iowin, val)
}

// RedirectionEntry is one 64-bit I/O APIC redirection table entry, split
// into its two 32-bit halves for register access.
type RedirectionEntry struct {
	Vector      uint8
	DeliveryMode uint8
	LogicalDest  bool
	ActiveLow    bool
	LevelTrigger bool
	Masked       bool
	DestAPICID   uint8
}

// Route programs redirection table entry pin with the given routing,
// implementing spec §4.C "I/O APIC route: map a global system interrupt to
// a vector/destination/polarity/trigger-mode tuple".
func (io *IOAPIC) Route(pin int, e RedirectionEntry) error {
	if pin < 0 || pin >= io.numPins {
		return kerr.New(kerr.InvalidParameter, "redirection pin %d out of range [0,%d)", pin, io.numPins)
	}
	low := uint32(e.Vector) | uint32(e.DeliveryMode)<<8
	if e.LogicalDest {
		low |= 1 << 11
	}
	if e.ActiveLow {
		low |= 1 << 13
	}
	if e.LevelTrigger {
		low |= 1 << 15
	}
	if e.Masked {
		low |= 1 << 16
	}
	high := uint32(e.DestAPICID) << 24

	reg := uint8(ioapicRedirBase + pin*2)
	io.write(reg+1, high)
	io.write(reg, low)
	return nil
}

// Mask disables pin's redirection entry without disturbing its other
// fields.
func (io *IOAPIC) Mask(pin int) error {
	if pin < 0 || pin >= io.numPins {
		return kerr.New(kerr.InvalidParameter, "redirection pin %d out of range [0,%d)", pin, io.numPins)
	}
	reg := uint8(ioapicRedirBase + pin*2)
	low := io.read(reg)
	io.write(reg, low|1<<16)
	return nil
}
