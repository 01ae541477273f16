package percpu

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineRegistry maps a goroutine's runtime id to the logical CPU it
// represents. arch.Sim models every CPU as a goroutine rather than a real
// core, so there is no hardware segment register to read "which CPU am I"
// from; each simulated CPU's entry point registers itself once here instead,
// standing in for the per-CPU segment-base load spec §4.F describes.
var goroutineRegistry sync.Map // goroutine id (uint64) -> logical CPU id (int)

// BindCurrentGoroutine records that the calling goroutine represents
// logicalID for the rest of its lifetime. internal/smp calls this once for
// the BSP's boot goroutine and once inside every AP's StartAP entry
// callback, before anything resolves "the calling CPU" through arch.Arch.
func BindCurrentGoroutine(logicalID int) {
	goroutineRegistry.Store(currentGoroutineID(), logicalID)
}

// ResolveCurrentCPU looks up the logical CPU the calling goroutine was bound
// to, defaulting to 0 (the BSP) for a goroutine that never called
// BindCurrentGoroutine. Installed as arch.Sim's current-CPU resolver during
// bring-up.
func ResolveCurrentCPU() int {
	if id, ok := goroutineRegistry.Load(currentGoroutineID()); ok {
		return id.(int)
	}
	return 0
}

// currentGoroutineID parses the calling goroutine's numeric id off its own
// stack trace header ("goroutine 123 [running]:"). The runtime exposes no
// supported API for this; it is read-only introspection used only to key
// the per-CPU resolver map above, never to influence scheduling decisions.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
