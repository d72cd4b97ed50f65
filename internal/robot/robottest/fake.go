// Package robottest provides a scripted arm for exercising code that drives
// robot.Motion and robot.Outputs.
package robottest

import (
	"fmt"
	"sync"
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/robot"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

// Move is a recorded IssueMove call.
type Move struct {
	Target   waypoint.Waypoint
	Blocking bool
}

// Output is a recorded SetOutput call.
type Output struct {
	Channel robot.Channel
	Value   bool
}

// Speed is a recorded SetSpeed call.
type Speed struct {
	Joint, Linear float64
}

// Arm records every command and reports motion completion after a fixed
// number of IsMoving polls. Like a controller it rejects a move issued while
// the previous one is still active.
type Arm struct {
	mu sync.Mutex

	// SettlePolls is how many IsMoving calls report true after a move is
	// issued. Zero means moves complete immediately.
	SettlePolls int
	// Stall keeps a non-blocking move running until Stop.
	Stall bool

	// Injected failures.
	MoveErr   error  // returned by every IssueMove
	FailOn    string // IssueMove to this waypoint fails with ErrMotionFault
	PollErr   error  // returned by IsMoving
	PoseErr   error  // returned by CurrentPose
	OutputErr error  // returned by SetOutput
	SpeedErr  error  // returned by SetSpeed
	StopErr   error  // returned by Stop

	Moves   []Move
	Outputs []Output
	Speeds  []Speed
	Polls   int
	Stops   int

	Levels map[robot.Channel]bool
	Pose   waypoint.Pose

	pending int
	active  bool
	nextID  uint64
}

// New returns a fake arm whose moves settle after settlePolls polls.
func New(settlePolls int) *Arm {
	return &Arm{
		SettlePolls: settlePolls,
		Levels:      make(map[robot.Channel]bool),
	}
}

// IssueMove records the command.
func (a *Arm) IssueMove(target waypoint.Waypoint, blocking bool) (robot.CommandHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.MoveErr != nil {
		return robot.CommandHandle{}, a.MoveErr
	}
	if a.FailOn != "" && target.Name == a.FailOn {
		return robot.CommandHandle{}, fmt.Errorf("%w: %s unreachable", robot.ErrMotionFault, target.Name)
	}
	if a.pending > 0 || (a.Stall && a.active) {
		return robot.CommandHandle{}, fmt.Errorf("%w: %s rejected, previous move still active", robot.ErrMotionFault, target.Name)
	}

	a.Moves = append(a.Moves, Move{Target: target, Blocking: blocking})
	if target.Kind == waypoint.KindCartesian {
		a.Pose = target.Pose
	}
	if !blocking {
		a.pending = a.SettlePolls
		a.active = true
	}
	a.nextID++
	return robot.CommandHandle{ID: a.nextID, Target: target, Blocking: blocking, IssuedAt: time.Now()}, nil
}

// IsMoving reports true for SettlePolls polls after each move.
func (a *Arm) IsMoving() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Polls++
	if a.PollErr != nil {
		return false, a.PollErr
	}
	if a.Stall && a.active {
		return true, nil
	}
	if a.pending > 0 {
		a.pending--
		return true, nil
	}
	a.active = false
	return false, nil
}

// Stop halts the active move.
func (a *Arm) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.StopErr != nil {
		return a.StopErr
	}
	a.Stops++
	a.pending = 0
	a.active = false
	return nil
}

// StopCount returns the number of accepted Stop calls.
func (a *Arm) StopCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Stops
}

// CurrentPose returns the pose of the last Cartesian target.
func (a *Arm) CurrentPose() (waypoint.Pose, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.PoseErr != nil {
		return waypoint.Pose{}, a.PoseErr
	}
	return a.Pose, nil
}

// SetSpeed records the speed change.
func (a *Arm) SetSpeed(jointSpeed, linearSpeed float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.SpeedErr != nil {
		return a.SpeedErr
	}
	a.Speeds = append(a.Speeds, Speed{Joint: jointSpeed, Linear: linearSpeed})
	return nil
}

// SetOutput records the output change.
func (a *Arm) SetOutput(ch robot.Channel, value bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.OutputErr != nil {
		return a.OutputErr
	}
	a.Outputs = append(a.Outputs, Output{Channel: ch, Value: value})
	a.Levels[ch] = value
	return nil
}

// MoveCount returns the number of accepted moves.
func (a *Arm) MoveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Moves)
}

// LastMove returns the most recent accepted move.
func (a *Arm) LastMove() (Move, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.Moves) == 0 {
		return Move{}, false
	}
	return a.Moves[len(a.Moves)-1], true
}

// MoveNames lists the target names of every accepted move in order.
func (a *Arm) MoveNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, len(a.Moves))
	for i, m := range a.Moves {
		names[i] = m.Target.Name
	}
	return names
}

// Level returns the last value written to ch and whether it was written.
func (a *Arm) Level(ch robot.Channel) (bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.Levels[ch]
	return v, ok
}
