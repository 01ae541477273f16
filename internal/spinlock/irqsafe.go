package spinlock

// IRQSafe wraps a Ticket lock with the save/disable/restore discipline spec
// §4.B requires: "capture the architectural interrupt-enable flag, disable
// interrupts, then lock; their release restores the captured flag exactly."
// Grounded on Biscuit's runtime.Pushcli/Popcli pairing in ap_entry.
type IRQSafe struct {
	inner Ticket
}

// InterruptFlags abstracts the architecture's interrupt-enable save/
// disable/restore primitives; arch.Arch implementations that model
// interrupts (rather than just MMIO/MSR access) satisfy it.
type InterruptFlags interface {
	// PushCLI disables interrupts and returns a token capturing whether
	// they were previously enabled, for later restoration.
	PushCLI() uint64
	// PopCLI restores the interrupt-enable state captured by flags.
	PopCLI(flags uint64)
}

// Lock disables interrupts (saving the prior flag) and then acquires the
// underlying ticket lock.
func (l *IRQSafe) Lock(a InterruptFlags) uint64 {
	flags := a.PushCLI()
	l.inner.Lock()
	return flags
}

// Unlock releases the ticket lock and restores the interrupt flag captured
// by the matching Lock call, exactly as spec §4.B requires.
func (l *IRQSafe) Unlock(a InterruptFlags, flags uint64) {
	l.inner.Unlock()
	a.PopCLI(flags)
}
