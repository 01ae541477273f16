package percpu

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveCurrentCPUDefaultsToZeroWhenUnbound(t *testing.T) {
	done := make(chan int, 1)
	go func() {
		done <- ResolveCurrentCPU()
	}()
	require.Zero(t, <-done)
}

func TestBindCurrentGoroutineIsPerGoroutine(t *testing.T) {
	var wg sync.WaitGroup
	results := make([]int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(want int) {
			defer wg.Done()
			BindCurrentGoroutine(want)
			results[want] = ResolveCurrentCPU()
		}(i)
	}
	wg.Wait()
	for i, got := range results {
		require.Equal(t, i, got)
	}
}
