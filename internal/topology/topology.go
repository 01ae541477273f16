// Package topology implements Component D: importing and validating the
// firmware-parsed topology snapshot spec §3 defines, and deriving the
// NUMA-distance fallback order spec §4.D requires for migration decisions.
// The snapshot itself is built by firmware/ACPI parsing, out of scope per
// spec §1; this package only consumes it. Validation shape grounded on
// other_examples/006641cb_containers-nri-plugins__pkg-cpuallocator-allocator.go.go's
// topologyCache (sorted candidate derivation from a discovered topology).
package topology

import (
	"sort"

	"github.com/rcman/osfree/internal/kerr"
)

// Polarity is an interrupt-source override's signal polarity.
type Polarity int

const (
	PolarityConformsToBus Polarity = iota
	PolarityActiveHigh
	PolarityActiveLow
)

// Trigger is an interrupt-source override's trigger mode.
type Trigger int

const (
	TriggerConformsToBus Trigger = iota
	TriggerEdge
	TriggerLevel
)

// CPUDescriptor is one topology CPU entry, per spec §3 "Topology snapshot".
type CPUDescriptor struct {
	LogicalID  int
	APICID     uint32
	FirmwareID uint32
	Enabled    bool
	NUMANode   int
}

// IOAPICDescriptor is one I/O APIC entry, per spec §3.
type IOAPICDescriptor struct {
	ID               uint32
	MMIOBase         uintptr
	GlobalInterruptBase uint32
	RedirectionCount int
}

// InterruptOverride maps a legacy ISA IRQ onto a global interrupt with a
// non-default polarity/trigger, per spec §3.
type InterruptOverride struct {
	LegacyIRQ       uint8
	GlobalInterrupt uint32
	Polarity        Polarity
	Trigger         Trigger
}

// Snapshot is the immutable, firmware-parsed topology spec §3 describes,
// built once at boot and consumed by bring-up, the scheduler, and the load
// balancer.
type Snapshot struct {
	TotalPossibleCPUs int
	BSPAPICID         uint32
	CPUs              []CPUDescriptor
	IOAPICs           []IOAPICDescriptor
	Overrides         []InterruptOverride
	NUMANodeCount     int
	// NUMADistance[i][j] is the relative latency from node i to node j.
	NUMADistance [][]int
}

// Online is the validated topology, with a NUMA fallback order precomputed
// per node (spec §4.D: "the list of other nodes sorted by NUMA distance
// ascending, ties broken by node id ascending").
type Online struct {
	Snapshot     Snapshot
	FallbackOrder map[int][]int
}

// Import validates snap against spec §4.D's three invariants and derives the
// per-node fallback order, returning the online topology other components
// consume.
//
// currentAPICID is the reported APIC id of the CPU performing the import
// (the BSP), checked against the snapshot's declared BSP entry.
func Import(snap Snapshot, currentAPICID uint32) (*Online, error) {
	if err := validate(snap, currentAPICID); err != nil {
		return nil, err
	}
	return &Online{
		Snapshot:      snap,
		FallbackOrder: buildFallbackOrders(snap),
	}, nil
}

func validate(snap Snapshot, currentAPICID uint32) error {
	seen := make(map[uint32]int, len(snap.CPUs))
	var bspFound bool
	for _, c := range snap.CPUs {
		if !c.Enabled {
			continue
		}
		if other, dup := seen[c.APICID]; dup {
			return kerr.New(kerr.TopologyInconsistent,
				"APIC id %#x assigned to both CPU %d and CPU %d", c.APICID, other, c.LogicalID)
		}
		seen[c.APICID] = c.LogicalID
		if c.APICID == snap.BSPAPICID {
			bspFound = true
		}
	}
	if !bspFound {
		return kerr.New(kerr.TopologyInconsistent,
			"declared BSP APIC id %#x has no enabled CPU entry", snap.BSPAPICID)
	}
	if snap.BSPAPICID != currentAPICID {
		return kerr.New(kerr.TopologyInconsistent,
			"declared BSP APIC id %#x does not match current CPU's reported id %#x", snap.BSPAPICID, currentAPICID)
	}

	type gsiRange struct {
		id         uint32
		start, end uint32 // [start, end)
	}
	var ranges []gsiRange
	for _, io := range snap.IOAPICs {
		if io.RedirectionCount <= 0 {
			return kerr.New(kerr.TopologyInconsistent, "I/O APIC %#x has non-positive redirection count %d", io.ID, io.RedirectionCount)
		}
		ranges = append(ranges, gsiRange{
			id:    io.ID,
			start: io.GlobalInterruptBase,
			end:   io.GlobalInterruptBase + uint32(io.RedirectionCount),
		})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	for i := 1; i < len(ranges); i++ {
		if ranges[i].start < ranges[i-1].end {
			return kerr.New(kerr.TopologyInconsistent,
				"I/O APIC %#x's GSI range overlaps I/O APIC %#x's", ranges[i].id, ranges[i-1].id)
		}
	}

	return nil
}

func buildFallbackOrders(snap Snapshot) map[int][]int {
	orders := make(map[int][]int, snap.NUMANodeCount)
	for node := 0; node < snap.NUMANodeCount; node++ {
		others := make([]int, 0, snap.NUMANodeCount-1)
		for other := 0; other < snap.NUMANodeCount; other++ {
			if other != node {
				others = append(others, other)
			}
		}
		sort.Slice(others, func(i, j int) bool {
			di, dj := distance(snap, node, others[i]), distance(snap, node, others[j])
			if di != dj {
				return di < dj
			}
			return others[i] < others[j]
		})
		orders[node] = others
	}
	return orders
}

func distance(snap Snapshot, from, to int) int {
	if from < 0 || from >= len(snap.NUMADistance) {
		return 0
	}
	row := snap.NUMADistance[from]
	if to < 0 || to >= len(row) {
		return 0
	}
	return row[to]
}

// EnabledCPUs returns the subset of snap.CPUs with Enabled set, in ascending
// logical-id order.
func (o *Online) EnabledCPUs() []CPUDescriptor {
	out := make([]CPUDescriptor, 0, len(o.Snapshot.CPUs))
	for _, c := range o.Snapshot.CPUs {
		if c.Enabled {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalID < out[j].LogicalID })
	return out
}
