package cell

import (
	"sync"
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/config"
)

// Clock supplies the time passed into the cycle engine.
type Clock interface {
	Now() time.Time
}

// ScaledClock runs simulated time at the runtime time scale. Changing the
// scale takes effect from the next reading; earlier simulated time is kept.
type ScaledClock struct {
	mu       sync.Mutex
	runtime  *config.RuntimeConfig
	wall     func() time.Time
	lastWall time.Time
	sim      time.Time
}

// NewScaledClock starts a clock reading the current wall time.
func NewScaledClock(rt *config.RuntimeConfig) *ScaledClock {
	return newScaledClock(rt, time.Now)
}

func newScaledClock(rt *config.RuntimeConfig, wall func() time.Time) *ScaledClock {
	start := wall()
	return &ScaledClock{runtime: rt, wall: wall, lastWall: start, sim: start}
}

// Now advances simulated time by the wall time since the last call times the
// current scale.
func (c *ScaledClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.wall()
	elapsed := w.Sub(c.lastWall)
	c.lastWall = w
	c.sim = c.sim.Add(time.Duration(float64(elapsed) * c.runtime.GetTimeScale()))
	return c.sim
}

// Sleep waits for a simulated duration.
func (c *ScaledClock) Sleep(d time.Duration) {
	time.Sleep(c.runtime.ScaleDuration(d))
}
