package robot

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/cell-sequencer/internal/config"
	"github.com/sebastiankruger/cell-sequencer/internal/core"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

// SimConfig holds simulated arm parameters
type SimConfig struct {
	Reach       float64       // mm, Cartesian targets beyond this are rejected
	JointLimit  float64       // deg, symmetric limit on every joint
	MinMoveTime time.Duration // lower bound on any move
	Outputs     int           // number of digital output channels
	Home        waypoint.JointVector
	FaultRate   float64 // faults per motion command, ignored when Runtime is set

	Runtime *config.RuntimeConfig // Runtime-adjustable config (optional)
}

// DefaultSimConfig returns parameters of a UR5e class arm
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Reach:       DefaultReach,
		JointLimit:  360,
		MinMoveTime: 100 * time.Millisecond,
		Outputs:     8,
		Home:        waypoint.JointVector{-90, -90, -90, 0, 90, 0},
	}
}

// SimArm is a time driven manipulator and tool I/O model. Moves interpolate
// linearly in joint or Cartesian space at the commanded speed.
type SimArm struct {
	cfg   SimConfig
	now   func() time.Time
	sleep func(time.Duration)
	noise *core.NoiseGenerator

	mu        sync.Mutex
	connected bool
	nextID    uint64

	jointSpeed  float64 // deg/s
	linearSpeed float64 // mm/s

	joints waypoint.JointVector
	pose   waypoint.Pose

	// active move
	moving     bool
	kind       waypoint.Kind
	fromJoints waypoint.JointVector
	toJoints   waypoint.JointVector
	fromPose   waypoint.Pose
	toPose     waypoint.Pose
	startedAt  time.Time
	duration   time.Duration
	lastPoll   time.Time

	outputs []bool
}

// SimOption configures a SimArm
type SimOption func(*SimArm)

// WithClock replaces the wall clock, e.g. with a scaled or manual one.
func WithClock(now func() time.Time) SimOption {
	return func(a *SimArm) { a.now = now }
}

// WithSleep replaces the wait used by blocking moves.
func WithSleep(sleep func(time.Duration)) SimOption {
	return func(a *SimArm) { a.sleep = sleep }
}

// WithNoise replaces the random source used for fault injection.
func WithNoise(ng *core.NoiseGenerator) SimOption {
	return func(a *SimArm) { a.noise = ng }
}

// NewSimArm creates a connected simulated arm resting at its home position.
func NewSimArm(cfg SimConfig, opts ...SimOption) *SimArm {
	a := &SimArm{
		cfg:         cfg,
		now:         time.Now,
		sleep:       time.Sleep,
		noise:       core.NewNoiseGenerator(),
		connected:   true,
		jointSpeed:  60,
		linearSpeed: 250,
		joints:      cfg.Home,
		pose:        ForwardKinematics(cfg.Home),
		outputs:     make([]bool, cfg.Outputs),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dial connects to the controller at address. Only simulated controllers
// ("sim" or "sim://name") are supported.
func Dial(ctx context.Context, address string, cfg SimConfig, opts ...SimOption) (*SimArm, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if address != "sim" && !strings.HasPrefix(address, "sim://") {
		return nil, fmt.Errorf("%w: unsupported controller address %q", ErrConnection, address)
	}

	a := NewSimArm(cfg, opts...)
	log.Info().
		Str("address", address).
		Float64("reach", cfg.Reach).
		Int("outputs", cfg.Outputs).
		Msg("Connected to simulated arm")
	return a, nil
}

// Close drops the connection; every later call fails with ErrConnection.
func (a *SimArm) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// Connected reports whether the controller link is up.
func (a *SimArm) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *SimArm) faultRate() float64 {
	if a.cfg.Runtime != nil {
		return a.cfg.Runtime.GetFaultRate()
	}
	return a.cfg.FaultRate
}

// IssueMove starts a move to target. A blocking call waits for completion.
func (a *SimArm) IssueMove(target waypoint.Waypoint, blocking bool) (CommandHandle, error) {
	a.mu.Lock()

	if !a.connected {
		a.mu.Unlock()
		return CommandHandle{}, ErrConnection
	}
	now := a.now()
	a.settle(now)
	if a.moving {
		a.mu.Unlock()
		return CommandHandle{}, fmt.Errorf("%w: %s rejected, previous move still active", ErrMotionFault, target.Name)
	}
	if err := a.checkTarget(target); err != nil {
		a.mu.Unlock()
		return CommandHandle{}, err
	}
	if a.noise.Bool(a.faultRate()) {
		a.mu.Unlock()
		return CommandHandle{}, fmt.Errorf("%w: protective stop on %s", ErrMotionFault, target.Name)
	}

	a.kind = target.Kind
	a.fromJoints, a.fromPose = a.joints, a.pose
	if target.Kind == waypoint.KindJoint {
		a.toJoints = target.Joints
		a.toPose = ForwardKinematics(target.Joints)
	} else {
		a.toPose = target.Pose
		a.toJoints = approximateJoints(target.Pose.Position, a.cfg.Reach)
	}
	a.duration = a.moveDuration(target)
	a.startedAt = now
	a.lastPoll = now
	a.moving = true
	a.nextID++

	handle := CommandHandle{ID: a.nextID, Target: target, Blocking: blocking, IssuedAt: now}
	duration := a.duration
	a.mu.Unlock()

	if blocking {
		a.sleep(duration)
		a.mu.Lock()
		a.finish()
		a.mu.Unlock()
	}
	return handle, nil
}

func (a *SimArm) checkTarget(target waypoint.Waypoint) error {
	if target.Kind == waypoint.KindCartesian {
		if d := target.Pose.Position.Norm(); d > a.cfg.Reach {
			return fmt.Errorf("%w: %s is %.0f mm from base, reach is %.0f mm", ErrMotionFault, target.Name, d, a.cfg.Reach)
		}
		return nil
	}
	for i, j := range target.Joints {
		if math.Abs(j) > a.cfg.JointLimit {
			return fmt.Errorf("%w: %s joint %d at %.1f deg exceeds limit", ErrMotionFault, target.Name, i+1, j)
		}
	}
	return nil
}

func (a *SimArm) moveDuration(target waypoint.Waypoint) time.Duration {
	var seconds float64
	if target.Kind == waypoint.KindJoint {
		seconds = a.joints.MaxDelta(target.Joints) / a.jointSpeed
	} else {
		seconds = a.pose.Position.Distance(target.Pose.Position) / a.linearSpeed
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < a.cfg.MinMoveTime {
		d = a.cfg.MinMoveTime
	}
	return d
}

// settle advances the interpolation to now and ends a finished move.
func (a *SimArm) settle(now time.Time) {
	if !a.moving {
		return
	}
	elapsed := now.Sub(a.startedAt)
	if elapsed >= a.duration {
		a.finish()
		return
	}

	progress := float64(elapsed) / float64(a.duration)
	for i := range a.joints {
		a.joints[i] = a.fromJoints[i] + (a.toJoints[i]-a.fromJoints[i])*progress
	}
	if a.kind == waypoint.KindCartesian {
		a.pose = waypoint.Pose{
			Position: lerp(a.fromPose.Position, a.toPose.Position, progress),
			Rotation: lerp(a.fromPose.Rotation, a.toPose.Rotation, progress),
		}
	} else {
		a.pose = ForwardKinematics(a.joints)
	}
}

func (a *SimArm) finish() {
	a.moving = false
	a.joints = a.toJoints
	a.pose = a.toPose
}

func lerp(from, to r3.Vector, t float64) r3.Vector {
	return from.Add(to.Sub(from).Mul(t))
}

// IsMoving reports whether the active move is still in progress. A running
// move may end in a simulated protective stop.
func (a *SimArm) IsMoving() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return false, ErrConnection
	}
	now := a.now()
	wasMoving := a.moving
	a.settle(now)

	if wasMoving && a.moving {
		tick := now.Sub(a.lastPoll)
		a.lastPoll = now
		if a.noise.ShouldTrigger(a.faultRate(), tick, a.duration) {
			a.moving = false
			a.toJoints, a.toPose = a.joints, a.pose
			return false, fmt.Errorf("%w: protective stop during motion", ErrMotionFault)
		}
	}
	return a.moving, nil
}

// Stop halts the active move where it is.
func (a *SimArm) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return ErrConnection
	}
	a.settle(a.now())
	if a.moving {
		a.moving = false
		a.toJoints, a.toPose = a.joints, a.pose
	}
	return nil
}

// CurrentPose returns the interpolated tool pose.
func (a *SimArm) CurrentPose() (waypoint.Pose, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return waypoint.Pose{}, ErrConnection
	}
	a.settle(a.now())
	return a.pose, nil
}

// Joints returns the interpolated joint positions.
func (a *SimArm) Joints() waypoint.JointVector {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settle(a.now())
	return a.joints
}

// SetSpeed sets the joint (deg/s) and linear (mm/s) speed for later moves.
func (a *SimArm) SetSpeed(jointSpeed, linearSpeed float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return ErrConnection
	}
	if jointSpeed <= 0 || linearSpeed <= 0 {
		return fmt.Errorf("%w: speeds must be positive, got %.1f/%.1f", ErrMotionFault, jointSpeed, linearSpeed)
	}
	a.jointSpeed = jointSpeed
	a.linearSpeed = linearSpeed
	return nil
}

// Speed returns the current joint and linear speed.
func (a *SimArm) Speed() (jointSpeed, linearSpeed float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jointSpeed, a.linearSpeed
}

// SetOutput drives a digital output.
func (a *SimArm) SetOutput(ch Channel, value bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return ErrConnection
	}
	if int(ch) < 0 || int(ch) >= len(a.outputs) {
		return fmt.Errorf("%w: no output channel %d", ErrIO, ch)
	}
	a.outputs[ch] = value
	return nil
}

// OutputLevels returns the current output levels.
func (a *SimArm) OutputLevels() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]bool, len(a.outputs))
	copy(out, a.outputs)
	return out
}
