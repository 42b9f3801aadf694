package engine

import (
	"sync"

	"keymapd/internal/taphold"
)

// The process-wide engine. Hardware hooks run on whatever goroutine the
// platform schedules them on, which is not necessarily the goroutine that
// initialized the daemon; goroutine-local or caller-owned state is invisible
// there and silently behaves as empty. Every calling context therefore
// reaches device state through this one lazily-initialized, lock-guarded
// handle.
var (
	globalOnce   sync.Once
	globalEngine *Engine
)

// Global returns the process-wide engine, creating it on first use with the
// system monotonic clock. All production callers (platform hook, IPC
// handlers, profile manager, timeout ticker) share this instance.
func Global() *Engine {
	globalOnce.Do(func() {
		globalEngine = New(taphold.NewSystemClock())
	})
	return globalEngine
}
