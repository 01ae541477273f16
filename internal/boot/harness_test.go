package boot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcman/osfree/internal/boot"
	"github.com/rcman/osfree/internal/kconfig"
	"github.com/rcman/osfree/internal/percpu"
)

func TestBuildBootsEveryEnabledCPU(t *testing.T) {
	h, err := boot.Build(context.Background(), boot.Config{CPUs: 4})
	require.NoError(t, err)
	require.ElementsMatch(t, []int{1, 2, 3}, h.Result.Booted)
	require.Empty(t, h.Result.TimedOut)
	require.ElementsMatch(t, []int{0, 1, 2, 3}, h.Sched.OnlineCPUIDs())

	require.NoError(t, h.IPI.SendStop(0))
	require.True(t, h.IPI.Stopped(0))
}

func TestBuildUniprocessorSkipsAPBoot(t *testing.T) {
	h, err := boot.Build(context.Background(), boot.Config{CPUs: 1})
	require.NoError(t, err)
	require.Empty(t, h.Result.Booted)
	require.Empty(t, h.Result.TimedOut)
}

func TestBuildReportsTimeoutForFailCPU(t *testing.T) {
	tuning := kconfig.Default()
	tuning.APStartupTimeoutMS = 20

	h, err := boot.Build(context.Background(), boot.Config{
		CPUs:     2,
		Tuning:   tuning,
		FailCPUs: []int{1},
	})
	require.NoError(t, err)
	require.Empty(t, h.Result.Booted)
	require.Equal(t, []int{1}, h.Result.TimedOut)

	info, err := h.PerCPU.Get(1)
	require.NoError(t, err)
	require.Equal(t, percpu.Offline, info.State())
}

func TestBuildUsesDefaultTuningWhenZero(t *testing.T) {
	h, err := boot.Build(context.Background(), boot.Config{CPUs: 2})
	require.NoError(t, err)
	require.Equal(t, kconfig.Default(), h.Tuning)
}
