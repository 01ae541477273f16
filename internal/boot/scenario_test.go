package boot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcman/osfree/internal/boot"
)

// TestRunPingPongAlternatesPerfectly is spec §8 scenario 1: each round both
// threads take exactly one voluntary switch and never leave their own CPU.
func TestRunPingPongAlternatesPerfectly(t *testing.T) {
	h, err := boot.Build(context.Background(), boot.Config{CPUs: 2})
	require.NoError(t, err)

	report, err := boot.RunPingPong(h, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(11), report.ThreadASwitches) // bootstrap block + 10 rounds
	require.Equal(t, uint64(11), report.ThreadBSwitches)
	require.Equal(t, 0, report.ThreadALastCPU)
	require.Equal(t, 1, report.ThreadBLastCPU)
}

func TestRunPingPongRequiresTwoCPUs(t *testing.T) {
	h, err := boot.Build(context.Background(), boot.Config{CPUs: 1})
	require.NoError(t, err)

	_, err = boot.RunPingPong(h, 1)
	require.Error(t, err)
}

// TestRunPreemptTimeCriticalWins is spec §8 scenario 2.
func TestRunPreemptTimeCriticalWins(t *testing.T) {
	h, err := boot.Build(context.Background(), boot.Config{CPUs: 1})
	require.NoError(t, err)

	report, err := boot.RunPreempt(h)
	require.NoError(t, err)
	require.True(t, report.WinnerIsHighPriority)
	require.EqualValues(t, 1, report.LowInvoluntarySwitches)
	require.Greater(t, report.HighRank, report.LowRank)
}

// TestRunMigrateMovesExactlyOneThread is spec §8 scenario 3.
func TestRunMigrateMovesExactlyOneThread(t *testing.T) {
	h, err := boot.Build(context.Background(), boot.Config{CPUs: 2})
	require.NoError(t, err)

	report, err := boot.RunMigrate(h)
	require.NoError(t, err)
	require.True(t, report.Moved)
	require.Equal(t, [2]int{4, 0}, report.Before)
	require.Equal(t, [2]int{3, 1}, report.After)
}
