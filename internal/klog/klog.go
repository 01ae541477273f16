// Package klog provides the structured logging backbone for the core. Every
// subsystem logs through a named child logger obtained from For, rather than
// through fmt.Print or the standard library log package.
package klog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Logger()
)

// SetOutput redirects the root logger's sink, e.g. to a ring buffer captured
// by the kctl CLI or to io.Discard in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel adjusts the minimum emitted level across all subsystem loggers.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	root = root.Level(level)
}

// For returns a child logger tagged with subsystem, e.g. klog.For("sched").
func For(subsystem string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("subsystem", subsystem).Logger()
}
