package cycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/robot"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

var (
	// ErrWatchdog is the cause of a FaultTimeout.
	ErrWatchdog = errors.New("watchdog expired")
	// ErrStopped is the cause of a FaultStopped.
	ErrStopped = errors.New("stop requested")
)

// FaultKind classifies why the engine halted
type FaultKind int

const (
	FaultConnection FaultKind = iota
	FaultMotion
	FaultIO
	FaultTimeout
	FaultConfig
	FaultStopped
)

func (k FaultKind) String() string {
	switch k {
	case FaultConnection:
		return "Connection"
	case FaultMotion:
		return "Motion"
	case FaultIO:
		return "IO"
	case FaultTimeout:
		return "Timeout"
	case FaultConfig:
		return "Config"
	case FaultStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Code returns the short error code published over telemetry
func (k FaultKind) Code() string {
	switch k {
	case FaultConnection:
		return "C001"
	case FaultMotion:
		return "C002"
	case FaultIO:
		return "C003"
	case FaultTimeout:
		return "C004"
	case FaultConfig:
		return "C005"
	case FaultStopped:
		return "C006"
	default:
		return "C000"
	}
}

// Fault is the terminal error of the engine. It carries the phase and the
// counters at the moment the cycle was aborted.
type Fault struct {
	Kind     FaultKind
	Phase    Phase
	Counters Counters
	At       time.Time
	Err      error

	// RetreatErr is set when the arm could not be halted or the move to the
	// safe waypoint could not be issued
	RetreatErr error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault in %s (picks=%d loads=%d unloads=%d step=%d cycles=%d): %v",
		f.Kind, f.Phase,
		f.Counters.Picks, f.Counters.Loads, f.Counters.Unloads, f.Counters.StepCounter, f.Counters.Cycles,
		f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Stopped reports whether the fault was a requested stop rather than a failure.
func (f *Fault) Stopped() bool {
	return f.Kind == FaultStopped
}

func classify(err error) FaultKind {
	switch {
	case errors.Is(err, ErrStopped):
		return FaultStopped
	case errors.Is(err, ErrWatchdog):
		return FaultTimeout
	case errors.Is(err, robot.ErrConnection):
		return FaultConnection
	case errors.Is(err, robot.ErrIO):
		return FaultIO
	case errors.Is(err, waypoint.ErrConfig):
		return FaultConfig
	default:
		return FaultMotion
	}
}
