package taphold

import (
	"sync/atomic"
	"time"
)

// Clock is the engine's monotonic time source, in microseconds. The dispatch
// path reads event timestamps from the platform; the periodic timeout tick
// reads the clock directly. Both must come from the same monotonic domain.
type Clock interface {
	// Now returns the current monotonic time in microseconds.
	Now() uint64
}

// SystemClock reports microseconds elapsed since its creation, backed by the
// runtime's monotonic clock. Wall-clock adjustments never affect it.
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a SystemClock anchored at the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Now implements Clock.
func (c *SystemClock) Now() uint64 {
	return uint64(time.Since(c.start).Microseconds())
}

// VirtualClock is a manually advanced clock for deterministic tests.
type VirtualClock struct {
	now atomic.Uint64
}

// NewVirtualClock creates a VirtualClock at time zero.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{}
}

// Now implements Clock.
func (c *VirtualClock) Now() uint64 { return c.now.Load() }

// Advance moves the clock forward by us microseconds.
func (c *VirtualClock) Advance(us uint64) { c.now.Add(us) }

// Set jumps the clock to an absolute microsecond value.
func (c *VirtualClock) Set(us uint64) { c.now.Store(us) }
