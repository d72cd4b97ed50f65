// Package robot defines the narrow interfaces the cycle engine drives a
// manipulator through, plus a simulated arm used when no controller is
// attached.
package robot

import (
	"errors"
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

var (
	// ErrMotionFault is returned when the controller rejects or aborts a move.
	ErrMotionFault = errors.New("motion fault")
	// ErrIO is returned when a digital output cannot be written.
	ErrIO = errors.New("output error")
	// ErrConnection is returned when the controller link is unavailable.
	ErrConnection = errors.New("robot connection error")
)

// Channel is a discrete digital output number on the tool or controller.
type Channel int

// CommandHandle identifies an issued motion command.
type CommandHandle struct {
	ID       uint64
	Target   waypoint.Waypoint
	Blocking bool
	IssuedAt time.Time
}

// Motion commands the manipulator. A non-blocking IssueMove returns as soon
// as the controller accepted the command; completion is observed by polling
// IsMoving. Only one move may be active at a time: a new IssueMove while
// the previous one still runs is rejected with ErrMotionFault. Stop halts the
// active move and returns once the arm is stationary.
type Motion interface {
	IssueMove(target waypoint.Waypoint, blocking bool) (CommandHandle, error)
	IsMoving() (bool, error)
	Stop() error
	CurrentPose() (waypoint.Pose, error)
	SetSpeed(jointSpeed, linearSpeed float64) error
}

// Outputs drives discrete digital outputs.
type Outputs interface {
	SetOutput(ch Channel, value bool) error
}

// Arm is a manipulator with its tool outputs.
type Arm interface {
	Motion
	Outputs
}

// JointReader is implemented by arms that expose their joint positions for
// telemetry.
type JointReader interface {
	Joints() waypoint.JointVector
}
