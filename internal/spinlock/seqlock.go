package spinlock

import "sync/atomic"

// SeqLock is spec §4.B's sequence lock: writers hold a spinlock while
// bumping a sequence counter (odd = write in progress); readers snapshot
// the sequence, read, then re-check and retry on mismatch. New relative to
// Biscuit (no example in the pack models this shape); built directly
// from spec §4.B's description.
type SeqLock struct {
	seq   uint32
	write Ticket
}

// WriteBegin acquires the writer spinlock and makes the sequence counter
// odd, signaling readers that a write is in progress.
func (s *SeqLock) WriteBegin() {
	s.write.Lock()
	atomic.AddUint32(&s.seq, 1)
}

// WriteEnd bumps the sequence counter to even again and releases the
// writer spinlock.
func (s *SeqLock) WriteEnd() {
	atomic.AddUint32(&s.seq, 1)
	s.write.Unlock()
}

// ReadBegin returns a snapshot of the sequence counter for use with
// ReadRetry. Callers must not interpret data read between ReadBegin and
// ReadRetry as valid until ReadRetry reports success.
func (s *SeqLock) ReadBegin() uint32 {
	for {
		v := atomic.LoadUint32(&s.seq)
		if v&1 == 0 {
			return v
		}
		// a write is in progress; spin until it completes before handing
		// the reader a starting sequence.
	}
}

// ReadRetry reports whether the data read since the matching ReadBegin is
// valid (the sequence counter is unchanged) or must be retried.
func (s *SeqLock) ReadRetry(start uint32) bool {
	return atomic.LoadUint32(&s.seq) != start
}
