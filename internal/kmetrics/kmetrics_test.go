package kmetrics_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/rcman/osfree/internal/kconfig"
	"github.com/rcman/osfree/internal/kmetrics"
	"github.com/rcman/osfree/internal/sched"
)

type fakeSource struct {
	ids   []int
	snaps map[int]sched.RunQueueSnapshot
	err   error
}

func (f *fakeSource) OnlineCPUIDs() []int { return f.ids }

func (f *fakeSource) Snapshot(cpuID int) (sched.RunQueueSnapshot, error) {
	if f.err != nil {
		return sched.RunQueueSnapshot{}, f.err
	}
	return f.snaps[cpuID], nil
}

func drain(c *kmetrics.Collector) ([]*prometheus.Desc, []prometheus.Metric) {
	descCh := make(chan *prometheus.Desc, 16)
	c.Describe(descCh)
	close(descCh)
	var descs []*prometheus.Desc
	for d := range descCh {
		descs = append(descs, d)
	}

	metricCh := make(chan prometheus.Metric, 64)
	c.Collect(metricCh)
	close(metricCh)
	var metrics []prometheus.Metric
	for m := range metricCh {
		metrics = append(metrics, m)
	}
	return descs, metrics
}

func TestDescribeEmitsFiveDescriptors(t *testing.T) {
	c := kmetrics.New(&fakeSource{}, kconfig.Default())
	descs, _ := drain(c)
	require.Len(t, descs, 5)
}

func TestCollectEmitsPerCPUMetricsAndCounters(t *testing.T) {
	src := &fakeSource{
		ids: []int{0, 1},
		snaps: map[int]sched.RunQueueSnapshot{
			0: {CPUID: 0, NRRunning: 3, SwitchCount: 10, TickCount: 100},
			1: {CPUID: 1, NRRunning: 1, SwitchCount: 5, TickCount: 50},
		},
	}
	c := kmetrics.New(src, kconfig.Default())
	_, metrics := drain(c)

	// 3 metrics per CPU (gauge + 2 counters) * 2 CPUs, plus 1 migration
	// counter, plus 4 IPI-vector counters.
	require.Len(t, metrics, 3*2+1+4)
}

func TestCollectSkipsCPUOnSnapshotError(t *testing.T) {
	src := &fakeSource{ids: []int{0}, err: errors.New("snapshot unavailable")}
	c := kmetrics.New(src, kconfig.Default())
	_, metrics := drain(c)
	// No per-CPU metrics, but migration + 4 IPI counters still emitted.
	require.Len(t, metrics, 1+4)
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	return pb.Gauge.GetValue()
}

func labelValue(m prometheus.Metric) string {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return ""
	}
	for _, lp := range pb.Label {
		if lp.GetName() == "vector" {
			return lp.GetValue()
		}
	}
	return ""
}

func TestRecordMigrationIncrementsMigrationCounter(t *testing.T) {
	tuning := kconfig.Default()
	c := kmetrics.New(&fakeSource{}, tuning)
	c.RecordMigration()
	c.RecordMigration()
	c.RecordMigration()

	_, metrics := drain(c)
	var found bool
	for _, m := range metrics {
		desc := m.Desc().String()
		if strings.Contains(desc, "migrations_total") {
			require.Equal(t, float64(3), metricValue(t, m))
			found = true
		}
	}
	require.True(t, found, "migrations_total metric not emitted")
}

func TestRecordIPIIncrementsTheRightVector(t *testing.T) {
	tuning := kconfig.Default()
	c := kmetrics.New(&fakeSource{}, tuning)
	c.RecordIPI(tuning.StopVector)
	c.RecordIPI(tuning.StopVector)
	c.RecordIPI(tuning.RescheduleVector)

	_, metrics := drain(c)
	for _, m := range metrics {
		if !strings.Contains(m.Desc().String(), "ipi_sent_total") {
			continue
		}
		switch labelValue(m) {
		case "stop":
			require.Equal(t, float64(2), metricValue(t, m))
		case "reschedule":
			require.Equal(t, float64(1), metricValue(t, m))
		case "cross_call", "tlb_flush":
			require.Equal(t, float64(0), metricValue(t, m))
		}
	}
}

func TestRecordIPIWithUnrecognizedVectorIsNoOp(t *testing.T) {
	tuning := kconfig.Default()
	c := kmetrics.New(&fakeSource{}, tuning)
	c.RecordIPI(0xFF) // not one of the four fixed vectors

	_, metrics := drain(c)
	for _, m := range metrics {
		if strings.Contains(m.Desc().String(), "ipi_sent_total") {
			require.Equal(t, float64(0), metricValue(t, m))
		}
	}
}
