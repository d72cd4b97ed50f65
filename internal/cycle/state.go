package cycle

import (
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/robot"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

// Counters holds the running totals of the cycle.
type Counters struct {
	Picks       int `json:"picks"`       // whole run, never reset
	Loads       int `json:"loads"`       // slots filled this cycle
	Unloads     int `json:"unloads"`     // slots emptied this cycle
	StepCounter int `json:"stepCounter"` // nudges in the current stacking loop
	Cycles      int `json:"cycles"`      // completed cycles, never reset
}

// RowIndex is the tray row the next pick comes from.
func (c Counters) RowIndex(trayRows int) int {
	if trayRows <= 0 {
		return 0
	}
	return c.Picks % trayRows
}

// OrientationOdd reports whether the next pick uses the flipped tool face.
func (c Counters) OrientationOdd() bool {
	return c.Picks%2 == 1
}

// CycleState is the complete mutable state of the sequencing engine.
type CycleState struct {
	Phase          Phase
	PhaseEntered   bool
	PhaseStartedAt time.Time
	StepStartedAt  time.Time
	SubStepLatch   bool
	Stage          int
	ToolFlipped    bool
	Counters       Counters
}

// InitialState is the state at process start.
func InitialState(now time.Time) CycleState {
	return CycleState{
		Phase:          ApproachPick,
		PhaseStartedAt: now,
		StepStartedAt:  now,
	}
}

// OutputLevel is an electrical output level on a channel.
type OutputLevel struct {
	Channel robot.Channel `json:"channel"`
	Value   bool          `json:"value"`
}

// StartOutputs returns the output levels at the start of every cycle: both
// vacuum faces released, blow-off and fastener off.
func StartOutputs(p *waypoint.Profile) []OutputLevel {
	levels := []OutputLevel{
		{Channel: robot.Channel(p.Channels.VacuumPrimary), Value: p.VacuumLevel(false)},
		{Channel: robot.Channel(p.Channels.VacuumSecondary), Value: p.VacuumLevel(false)},
		{Channel: robot.Channel(p.Channels.BlowOff), Value: false},
		{Channel: robot.Channel(p.Channels.Fastener), Value: false},
	}
	seen := map[int]bool{
		p.Channels.VacuumPrimary:   true,
		p.Channels.VacuumSecondary: true,
		p.Channels.BlowOff:         true,
		p.Channels.Fastener:        true,
	}
	for _, ch := range p.Channels.Slots {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		levels = append(levels, OutputLevel{Channel: robot.Channel(ch), Value: p.VacuumLevel(false)})
	}
	return levels
}
