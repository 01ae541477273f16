// Package balancer implements Component H: the periodic and idle-time pull
// balancer described in spec §4.H. It never touches a run queue's internals
// directly (those stay unexported inside internal/sched); it picks a
// source/destination pair and lets sched.Scheduler.MigrateOne perform the
// lock-ordering-safe pull. The busiest-CPU selection is grounded on
// other_examples' containers-nri-plugins cpuallocator's "sort candidates by
// preference, take the first that qualifies" idiom, adapted here from a
// one-shot CPU allocator into a recurring migration picker.
package balancer

import (
	"sort"

	"github.com/google/uuid"

	"github.com/rcman/osfree/internal/arch"
	"github.com/rcman/osfree/internal/kconfig"
	"github.com/rcman/osfree/internal/klog"
	"github.com/rcman/osfree/internal/sched"
)

// MetricsSink receives a count every time a pull actually moves a thread.
// Declared here rather than in internal/kmetrics so this package never
// imports the Prometheus dependency directly; cmd/kernel/cmd/kctl wire a
// *kmetrics.Collector in at construction. A nil sink is always valid.
type MetricsSink interface {
	RecordMigration()
}

// Balance implements spec §4.H's periodic pull: called when need_balance is
// set (or on a fixed tick cadence by the caller). thisCPU pulls at most one
// thread from the busiest online sibling whose nr_running exceeds thisCPU's
// own by more than tuning.ImbalanceThreshold, honoring the cache-hot guard.
// Returns whether a thread was actually moved.
func Balance(a arch.Arch, s *sched.Scheduler, tuning kconfig.Tuning, thisCPU int, metrics MetricsSink) (bool, error) {
	return pull(a, s, tuning, thisCPU, false, metrics)
}

// IdleBalance is spec §4.H's idle-path variant: identical busiest selection,
// but the cache-hot guard is skipped entirely since an idle puller makes any
// migration strictly beneficial.
func IdleBalance(a arch.Arch, s *sched.Scheduler, tuning kconfig.Tuning, thisCPU int, metrics MetricsSink) (bool, error) {
	return pull(a, s, tuning, thisCPU, true, metrics)
}

func pull(a arch.Arch, s *sched.Scheduler, tuning kconfig.Tuning, thisCPU int, skipHotnessGuard bool, metrics MetricsSink) (bool, error) {
	log := klog.For("balancer")

	thisLoad, err := s.Snapshot(thisCPU)
	if err != nil {
		return false, err
	}

	busiest, ok, err := pickBusiest(s, thisCPU, thisLoad.NRRunning, tuning.ImbalanceThreshold)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	now := int64(a.ReferenceTicks())
	id, moved, err := s.MigrateOne(busiest, thisCPU, now, tuning.CacheHotGuardNS, skipHotnessGuard)
	if err != nil {
		return false, err
	}
	if moved {
		log.Debug().Int("from_cpu", busiest).Int("to_cpu", thisCPU).Str("thread", uuid.UUID(id).String()).Msg("migrated thread")
		if metrics != nil {
			metrics.RecordMigration()
		}
	}
	return moved, nil
}

// pickBusiest sorts every other online CPU's run-queue snapshot by
// descending nr_running and takes the first whose load exceeds thisLoad by
// more than threshold, matching spec §4.H step 2's "find busiest" — at most
// one candidate is ever acted on per call regardless of how many qualify.
func pickBusiest(s *sched.Scheduler, thisCPU, thisLoad, threshold int) (int, bool, error) {
	type candidate struct {
		cpuID int
		load  int
	}

	ids := s.OnlineCPUIDs()
	candidates := make([]candidate, 0, len(ids))
	for _, id := range ids {
		if id == thisCPU {
			continue
		}
		snap, err := s.Snapshot(id)
		if err != nil {
			return 0, false, err
		}
		candidates = append(candidates, candidate{cpuID: id, load: snap.NRRunning})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].load > candidates[j].load })

	if len(candidates) == 0 || candidates[0].load <= thisLoad+threshold {
		return 0, false, nil
	}
	return candidates[0].cpuID, true, nil
}
