// Package percpu implements Component F: the per-CPU info block and the
// cross-CPU `cpu_by_id[]` lookup table spec §3/§4.F describe. Thread and
// run-queue pointers are deliberately not stored here — spec §9's design
// note on cyclic references ("resolve with arena + stable ids") is applied
// by keeping per-CPU scheduling state (current/idle thread, run queue) in
// internal/sched, keyed by the same logical CPU id this package hands out;
// Info only carries hardware facts and counters. Grounded on Biscuit's
// `cpu_t` struct in main.go (cache-line-sized, holding feature flags,
// frequency, and counters per CPU) and on the per-CPU segment-base access
// pattern usbarmory/tamago uses for ARM TLS slots, generalized to
// arch.Arch.CPUSegmentBase/SetCPUSegmentBase.
package percpu

import (
	"sync"

	"github.com/rcman/osfree/internal/katomic"
	"github.com/rcman/osfree/internal/kerr"
)

// State is a CPU's bring-up lifecycle state (spec §3 "CPU info block").
type State int

const (
	Offline State = iota
	Starting
	Online
	Halted
)

func (s State) String() string {
	switch s {
	case Offline:
		return "Offline"
	case Starting:
		return "Starting"
	case Online:
		return "Online"
	case Halted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// Features is the feature bitset spec §4.E's detection step populates.
type Features uint32

const (
	FeatureSSE Features = 1 << iota
	FeatureAVX
	FeatureX2APIC
	FeaturePCID
	FeatureInvariantTSC
)

// FrequencyTriplet is the (base, max, current) clock tuple spec §3 lists.
type FrequencyTriplet struct {
	BaseKHz    uint64
	MaxKHz     uint64
	CurrentKHz uint64
}

// Info is one CPU's info block: cache-line aligned in spirit (Go cannot
// pragma-align a struct, so fields are ordered to keep the hot counters
// together) and placed on the CPU's NUMA node by the allocator that builds
// it (out of scope here per spec §1).
type Info struct {
	LogicalID  int
	APICID     uint32
	FirmwareID uint32
	NUMANode   int
	PackageID  int
	CoreID     int
	ThreadID   int

	state katomic.Int32 // State, accessed atomically for cross-CPU reads

	Features  Features
	Frequency FrequencyTriplet

	idleNS    katomic.Int64
	busyNS    katomic.Int64
	irqCount  katomic.Int64
	switchCnt katomic.Int64

	LocalAPICBase   uintptr
	LocalAPICMSR    uint32
	TimerFrequencyHz int
}

// NewInfo builds an Info in state Offline for the given logical CPU.
func NewInfo(logicalID int, apicID, firmwareID uint32, numaNode int) *Info {
	info := &Info{LogicalID: logicalID, APICID: apicID, FirmwareID: firmwareID, NUMANode: numaNode}
	info.state.Store(int32(Offline))
	return info
}

// State returns the CPU's current lifecycle state.
func (i *Info) State() State { return State(i.state.Load()) }

// SetState atomically transitions the CPU's lifecycle state.
func (i *Info) SetState(s State) { i.state.Store(int32(s)) }

// AddIdleNS/AddBusyNS/AddIRQ/AddSwitch accumulate the counters spec §3
// lists ("cumulative idle/busy/IRQ/switch counters").
func (i *Info) AddIdleNS(ns int64)   { i.idleNS.Add(ns) }
func (i *Info) AddBusyNS(ns int64)   { i.busyNS.Add(ns) }
func (i *Info) AddIRQ(n int64)       { i.irqCount.Add(n) }
func (i *Info) AddSwitch(n int64)    { i.switchCnt.Add(n) }

// IdleNS, BusyNS, IRQCount, SwitchCount read the accumulated counters.
func (i *Info) IdleNS() int64     { return i.idleNS.Load() }
func (i *Info) BusyNS() int64     { return i.busyNS.Load() }
func (i *Info) IRQCount() int64   { return i.irqCount.Load() }
func (i *Info) SwitchCount() int64 { return i.switchCnt.Load() }

// Table is the cross-CPU `cpu_by_id[]` lookup table spec §4.F requires to be
// initialized before any AP is released.
type Table struct {
	mu      sync.RWMutex
	byID    map[int]*Info
}

// NewTable builds an empty lookup table.
func NewTable() *Table {
	return &Table{byID: make(map[int]*Info)}
}

// Register installs info under its LogicalID. Called once per CPU during
// bring-up, before that CPU is released to run scheduler code.
func (t *Table) Register(info *Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[info.LogicalID] = info
}

// Get looks up a CPU's info block by logical id.
func (t *Table) Get(id int) (*Info, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.byID[id]
	if !ok {
		return nil, kerr.New(kerr.InvalidParameter, "no per-CPU info registered for CPU %d", id)
	}
	return info, nil
}

// All returns every registered Info, in ascending logical-id order.
func (t *Table) All() []*Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Info, 0, len(t.byID))
	for _, info := range t.byID {
		out = append(out, info)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LogicalID < out[j-1].LogicalID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Online returns the logical ids of every CPU currently in state Online.
func (t *Table) Online() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []int
	for id, info := range t.byID {
		if info.State() == Online {
			ids = append(ids, id)
		}
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
