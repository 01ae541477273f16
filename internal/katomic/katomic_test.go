package katomic_test

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/rcman/osfree/internal/katomic"
)

func TestInt32Basics(t *testing.T) {
	var x katomic.Int32
	x.Store(5)
	require.EqualValues(t, 5, x.Load())
	require.EqualValues(t, 6, x.Inc())
	require.EqualValues(t, 5, x.Dec())
	require.True(t, x.CAS(5, 10))
	require.False(t, x.CAS(5, 20))
	require.EqualValues(t, 10, x.Load())
}

func TestInt32FetchBitops(t *testing.T) {
	var x katomic.Int32
	x.Store(0b1010)
	old := x.FetchOr(0b0101)
	require.EqualValues(t, 0b1010, old)
	require.EqualValues(t, 0b1111, x.Load())
	x.FetchAnd(0b1100)
	require.EqualValues(t, 0b1100, x.Load())
	x.FetchXor(0b0100)
	require.EqualValues(t, 0b1000, x.Load())
}

func TestInt64ConcurrentAdd(t *testing.T) {
	var x katomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				x.Inc()
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 10000, x.Load())
}

func TestBool(t *testing.T) {
	var b katomic.Bool
	require.False(t, b.Load())
	b.Store(true)
	require.True(t, b.Load())
	require.True(t, b.Swap(false))
	require.False(t, b.Load())
	require.True(t, b.CAS(false, true))
	require.True(t, b.Load())
}

func TestPointer(t *testing.T) {
	var p katomic.Pointer
	a, b := new(int), new(int)
	p.Store(nil)
	require.True(t, p.CAS(nil, unsafe.Pointer(a)))
	require.False(t, p.CAS(nil, unsafe.Pointer(b)))
	require.Equal(t, unsafe.Pointer(a), p.Load())
}
