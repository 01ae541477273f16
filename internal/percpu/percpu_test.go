package percpu_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcman/osfree/internal/percpu"
)

func TestInfoStateTransitions(t *testing.T) {
	info := percpu.NewInfo(0, 0, 0, 0)
	require.Equal(t, percpu.Offline, info.State())

	info.SetState(percpu.Starting)
	require.Equal(t, percpu.Starting, info.State())

	info.SetState(percpu.Online)
	require.Equal(t, percpu.Online, info.State())
	require.Equal(t, "Online", info.State().String())
}

func TestInfoCounters(t *testing.T) {
	info := percpu.NewInfo(1, 1, 1, 0)
	info.AddIdleNS(100)
	info.AddBusyNS(200)
	info.AddIRQ(1)
	info.AddSwitch(3)

	require.EqualValues(t, 100, info.IdleNS())
	require.EqualValues(t, 200, info.BusyNS())
	require.EqualValues(t, 1, info.IRQCount())
	require.EqualValues(t, 3, info.SwitchCount())
}

func TestTableRegisterAndGet(t *testing.T) {
	table := percpu.NewTable()
	table.Register(percpu.NewInfo(0, 0, 0, 0))
	table.Register(percpu.NewInfo(1, 1, 1, 1))

	info, err := table.Get(1)
	require.NoError(t, err)
	require.Equal(t, 1, info.LogicalID)

	_, err = table.Get(99)
	require.Error(t, err)
}

func TestTableOnlineFiltersByState(t *testing.T) {
	table := percpu.NewTable()
	a := percpu.NewInfo(0, 0, 0, 0)
	b := percpu.NewInfo(1, 1, 1, 0)
	a.SetState(percpu.Online)
	table.Register(a)
	table.Register(b)

	require.Equal(t, []int{0}, table.Online())
}

func TestTableAllSortedByLogicalID(t *testing.T) {
	table := percpu.NewTable()
	table.Register(percpu.NewInfo(2, 2, 2, 0))
	table.Register(percpu.NewInfo(0, 0, 0, 0))
	table.Register(percpu.NewInfo(1, 1, 1, 0))

	all := table.All()
	require.Len(t, all, 3)
	require.Equal(t, 0, all[0].LogicalID)
	require.Equal(t, 1, all[1].LogicalID)
	require.Equal(t, 2, all[2].LogicalID)
}
