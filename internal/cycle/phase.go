package cycle

import (
	"fmt"
)

// Phase is one step of the load cell cycle
type Phase int

const (
	ApproachPick   Phase = iota // above the tray row
	GripPick                    // descend, engage vacuum, seal
	LiftPick                    // retract with the part
	FlipTool                    // reorient the dual tool
	ApproachPlace               // above the fixture slot
	PlaceStep                   // insertion nudges
	ExitPlace                   // release and retract
	FastenTop                   // upper fastener
	FastenBottom                // lower fastener
	IdleWait                    // clear the machine, wait for machining
	Purge                       // blow-off sweep
	ApproachUnload              // above the finished part
	UnloadStep                  // removal nudges
	ExitUnload                  // engage and retract
	CycleReset                  // retreat, home, re-arm
)

var phaseNames = [...]string{
	ApproachPick:   "ApproachPick",
	GripPick:       "GripPick",
	LiftPick:       "LiftPick",
	FlipTool:       "FlipTool",
	ApproachPlace:  "ApproachPlace",
	PlaceStep:      "PlaceStep",
	ExitPlace:      "ExitPlace",
	FastenTop:      "FastenTop",
	FastenBottom:   "FastenBottom",
	IdleWait:       "IdleWait",
	Purge:          "Purge",
	ApproachUnload: "ApproachUnload",
	UnloadStep:     "UnloadStep",
	ExitUnload:     "ExitUnload",
	CycleReset:     "CycleReset",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Unknown"
	}
	return phaseNames[p]
}

// Valid reports whether p is a declared phase.
func (p Phase) Valid() bool {
	return p >= 0 && int(p) < len(phaseNames)
}

// ParsePhase converts a phase name back into a Phase.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// AllPhases lists every phase in cycle order.
func AllPhases() []Phase {
	out := make([]Phase, len(phaseNames))
	for i := range out {
		out[i] = Phase(i)
	}
	return out
}

// InPickSequence reports whether p uses the row offset and tool variant.
func (p Phase) InPickSequence() bool {
	switch p {
	case ApproachPick, GripPick, LiftPick:
		return true
	default:
		return false
	}
}

// ResumePhase returns the phase a restored cycle re-enters from home. Phases
// inside a pick or stacking sequence only make sense from the sequence's
// approach pose, so they fall back to its first phase.
func (p Phase) ResumePhase() Phase {
	switch p {
	case GripPick, LiftPick:
		return ApproachPick
	case PlaceStep, ExitPlace:
		return ApproachPlace
	case UnloadStep, ExitUnload:
		return ApproachUnload
	default:
		return p
	}
}
