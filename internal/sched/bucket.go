package sched

// bucket is spec §3's priority bucket: an ordered, insertion-at-tail,
// removal-from-head sequence of Ready thread ids, with a maintained count.
// Backed by a slice rather than an intrusive linked list — spec §9 notes
// the source's `list_head` intrusion "becomes `(prev_tid, next_tid)`
// indices, or an intrusive doubly-linked list with pinned nodes if the
// language supports it safely"; a slice deque is the simpler of those two
// choices and Go's slices make removal-by-id (needed for dequeue of a
// non-head thread, e.g. during a priority change) a straightforward scan.
type bucket struct {
	ids []ThreadID
}

func (b *bucket) pushBack(id ThreadID) {
	b.ids = append(b.ids, id)
}

func (b *bucket) popFront() (ThreadID, bool) {
	if len(b.ids) == 0 {
		return NilThreadID, false
	}
	id := b.ids[0]
	b.ids = b.ids[1:]
	return id, true
}

func (b *bucket) remove(id ThreadID) bool {
	for i, cur := range b.ids {
		if cur == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			return true
		}
	}
	return false
}

func (b *bucket) count() int {
	return len(b.ids)
}
