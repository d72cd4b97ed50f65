// Package cycle implements the load cell sequencing engine: a polling state
// machine that issues non-blocking moves, gates every phase on motion
// completion plus a per-phase dwell, drives the tool outputs and keeps the
// pick/load/unload counters.
package cycle

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/cell-sequencer/internal/robot"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

// Callbacks for engine events. They run on the goroutine calling Advance.
type Callbacks struct {
	OnTransition func(from, to Phase, state CycleState)
	OnFault      func(f *Fault)
}

// Engine owns the cycle state, the manipulator and its outputs. It is not
// safe for concurrent use; only RequestStop may be called from another
// goroutine.
type Engine struct {
	profile   *waypoint.Profile
	motion    robot.Motion
	outputs   robot.Outputs
	callbacks Callbacks

	state  CycleState
	levels map[robot.Channel]bool
	fault  *Fault
	stop   atomic.Bool

	// evaluated once per Advance, before dispatch
	offset  waypoint.JointVector
	variant waypoint.Variant

	failedTarget string
}

// NewEngine creates an engine in ApproachPick with all flags cleared.
func NewEngine(profile *waypoint.Profile, motion robot.Motion, outputs robot.Outputs, now time.Time) (*Engine, error) {
	if profile == nil {
		return nil, fmt.Errorf("%w: no profile", waypoint.ErrConfig)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if motion == nil || outputs == nil {
		return nil, errors.New("cycle engine needs a motion and an output interface")
	}
	return &Engine{
		profile: profile,
		motion:  motion,
		outputs: outputs,
		state:   InitialState(now),
		levels:  make(map[robot.Channel]bool),
	}, nil
}

// SetCallbacks sets the event callbacks
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.callbacks = cb
}

// State returns a copy of the current cycle state.
func (e *Engine) State() CycleState {
	return e.state
}

// Fault returns the terminal fault, or nil while the engine is healthy.
func (e *Engine) Fault() *Fault {
	return e.fault
}

// Profile returns the waypoint profile the engine runs.
func (e *Engine) Profile() *waypoint.Profile {
	return e.profile
}

// RequestStop asks the engine to abort at the next Advance.
func (e *Engine) RequestStop() {
	e.stop.Store(true)
}

// OutputLevels returns the last commanded level of every written channel.
func (e *Engine) OutputLevels() []OutputLevel {
	out := make([]OutputLevel, 0, len(e.levels))
	for ch, v := range e.levels {
		out = append(out, OutputLevel{Channel: ch, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Restore replaces the counters and flags with a checkpointed state. Start
// homes the arm, so the cycle resumes at the first phase of the interrupted
// sequence (see Phase.ResumePhase) with the step counter cleared. Levels are
// applied by the next Start.
func (e *Engine) Restore(st CycleState, levels []OutputLevel, now time.Time) error {
	if !st.Phase.Valid() {
		return fmt.Errorf("restore: invalid phase %d", st.Phase)
	}
	c := st.Counters
	if c.Picks < 0 || c.Cycles < 0 || c.Loads < 0 || c.Unloads < 0 || c.StepCounter < 0 {
		return fmt.Errorf("restore: negative counter in %+v", c)
	}
	if c.Loads > e.profile.Slots || c.Unloads > e.profile.Slots {
		return fmt.Errorf("restore: loads/unloads %d/%d exceed %d slots", c.Loads, c.Unloads, e.profile.Slots)
	}
	c.StepCounter = 0

	e.state = CycleState{
		Phase:          st.Phase.ResumePhase(),
		PhaseStartedAt: now,
		StepStartedAt:  now,
		ToolFlipped:    st.ToolFlipped,
		Counters:       c,
	}
	e.levels = make(map[robot.Channel]bool, len(levels))
	for _, l := range levels {
		e.levels[l.Channel] = l.Value
	}
	return nil
}

// Start runs the blocking start-up sequence: apply the output levels (the
// restored ones, or the start-of-cycle levels), set the normal speed and
// home the arm.
func (e *Engine) Start(now time.Time) error {
	if e.fault != nil {
		return e.fault
	}

	levels := e.OutputLevels()
	if len(levels) == 0 {
		levels = StartOutputs(e.profile)
	}
	if err := e.applyOutputs(levels, now); err != nil {
		return e.abort(now, err)
	}

	speed := e.profile.Speeds.Normal
	if err := e.motion.SetSpeed(speed.Joint, speed.Linear); err != nil {
		return e.abort(now, fmt.Errorf("set speed: %w", err))
	}

	home, err := e.profile.Waypoint(waypoint.Home, waypoint.VariantNormal)
	if err != nil {
		return e.abort(now, err)
	}
	if _, err := e.motion.IssueMove(home, true); err != nil {
		e.failedTarget = home.Name
		return e.abort(now, fmt.Errorf("move to %s: %w", home.Name, err))
	}

	e.state.PhaseStartedAt = now
	e.state.StepStartedAt = now
	return nil
}

// Advance inspects the current phase and performs at most one transition.
// It never blocks on motion. A non-nil error is always a *Fault and every
// later call returns the same fault without touching the arm.
func (e *Engine) Advance(now time.Time) error {
	if e.fault != nil {
		return e.fault
	}
	if e.stop.Load() {
		return e.abort(now, ErrStopped)
	}
	if limit := e.profile.Watchdog.Phase; now.Sub(e.state.PhaseStartedAt) > limit {
		return e.abort(now, fmt.Errorf("%w: %s exceeded %s", ErrWatchdog, e.state.Phase, limit))
	}

	c := e.state.Counters
	e.offset = e.profile.Offset(c.RowIndex(e.profile.TrayRows), c.OrientationOdd())
	e.variant = waypoint.VariantNormal
	if e.state.ToolFlipped {
		e.variant = waypoint.VariantFlipped
	}

	if e.state.Phase == ApproachPick && !e.state.PhaseEntered && c.OrientationOdd() && !e.state.ToolFlipped {
		e.transition(FlipTool, now)
		return nil
	}

	var err error
	switch e.state.Phase {
	case ApproachPick:
		err = e.approachPick(now)
	case GripPick:
		err = e.gripPick(now)
	case LiftPick:
		err = e.liftPick(now)
	case FlipTool:
		err = e.flipTool(now)
	case ApproachPlace:
		err = e.approachSlot(now, waypoint.PlaceApproach, c.Loads, PlaceStep)
	case PlaceStep:
		err = e.stack(now, "place.nudge", e.profile.Place, ExitPlace)
	case ExitPlace:
		err = e.exitPlace(now)
	case FastenTop:
		err = e.fasten(now, waypoint.FastenTopApproach, waypoint.FastenTopInsert, waypoint.FastenTopRetract, FastenBottom)
	case FastenBottom:
		err = e.fasten(now, waypoint.FastenBottomApproach, waypoint.FastenBottomInsert, waypoint.FastenBottomRetract, IdleWait)
	case IdleWait:
		err = e.idleWait(now)
	case Purge:
		err = e.purge(now)
	case ApproachUnload:
		err = e.approachSlot(now, waypoint.UnloadApproach, c.Unloads, UnloadStep)
	case UnloadStep:
		err = e.stack(now, "unload.nudge", e.profile.Unload, ExitUnload)
	case ExitUnload:
		err = e.exitUnload(now)
	case CycleReset:
		err = e.cycleReset(now)
	default:
		err = fmt.Errorf("%w: no handler for phase %s", waypoint.ErrConfig, e.state.Phase)
	}
	if err != nil {
		return e.abort(now, err)
	}
	return nil
}

func (e *Engine) approachPick(now time.Time) error {
	target, err := e.pickTarget(waypoint.PickApproach)
	if err != nil {
		return err
	}
	return e.moveThen(now, target, GripPick)
}

func (e *Engine) gripPick(now time.Time) error {
	if !e.state.PhaseEntered {
		target, err := e.pickTarget(waypoint.PickContact)
		if err != nil {
			return err
		}
		return e.enter(now, target)
	}

	if !e.state.SubStepLatch {
		if done, err := e.settled(now); err != nil || !done {
			return err
		}
		ch := e.profile.GripChannel(e.variant)
		if err := e.setOutput(ch, e.profile.VacuumLevel(true), now); err != nil {
			return err
		}
		e.state.SubStepLatch = true
		return nil
	}

	if e.dwelled(now, e.profile.Timing.GripDwell) {
		e.transition(LiftPick, now)
	}
	return nil
}

func (e *Engine) liftPick(now time.Time) error {
	if !e.state.PhaseEntered {
		target, err := e.pickTarget(waypoint.PickLeave)
		if err != nil {
			return err
		}
		return e.enter(now, target)
	}
	if done, err := e.settled(now); err != nil || !done {
		return err
	}

	wasFlipped := e.state.ToolFlipped
	e.state.Counters.Picks++
	e.state.ToolFlipped = false

	// the tool carries one part per face; place once both are held
	if wasFlipped {
		e.transition(ApproachPlace, now)
	} else {
		e.transition(ApproachPick, now)
	}
	return nil
}

func (e *Engine) flipTool(now time.Time) error {
	if !e.state.PhaseEntered {
		target, err := e.lookup(waypoint.ToolFlip)
		if err != nil {
			return err
		}
		return e.enter(now, target)
	}
	if done, err := e.settled(now); err != nil || !done {
		return err
	}
	e.state.ToolFlipped = true
	e.transition(ApproachPick, now)
	return nil
}

func (e *Engine) approachSlot(now time.Time, name string, slot int, next Phase) error {
	target, err := e.slotTarget(name, slot)
	if err != nil {
		return err
	}
	return e.moveThen(now, target, next)
}

// stack runs a bounded nudge loop. Each nudge is issued only after the
// previous one stopped and StepDwell passed; once StepCounter reaches the
// bound the next call leaves the phase with the counter back at zero.
func (e *Engine) stack(now time.Time, name string, s waypoint.Stacking, next Phase) error {
	if !e.state.PhaseEntered {
		if err := e.nudge(now, name, s.Nudge); err != nil {
			return err
		}
		e.state.PhaseEntered = true
		return nil
	}

	if done, err := e.settled(now); err != nil || !done {
		return err
	}
	if !e.dwelled(now, e.profile.Timing.StepDwell) {
		return nil
	}

	if e.state.Counters.StepCounter >= s.Steps {
		e.state.Counters.StepCounter = 0
		e.transition(next, now)
		return nil
	}
	e.state.Counters.StepCounter++
	if e.state.Counters.StepCounter < s.Steps {
		return e.nudge(now, name, s.Nudge)
	}
	return nil
}

func (e *Engine) nudge(now time.Time, name string, d r3.Vector) error {
	pose, err := e.motion.CurrentPose()
	if err != nil {
		return fmt.Errorf("read pose: %w", err)
	}
	pose.Position = pose.Position.Add(d)
	return e.issue(waypoint.Cartesian(name, pose), now)
}

func (e *Engine) exitPlace(now time.Time) error {
	slot := e.state.Counters.Loads
	if !e.state.PhaseEntered {
		target, err := e.slotTarget(waypoint.PlaceExit, slot)
		if err != nil {
			return err
		}
		if err := e.setOutput(e.profile.SlotChannel(slot), e.profile.VacuumLevel(false), now); err != nil {
			return err
		}
		return e.enter(now, target)
	}
	if done, err := e.settled(now); err != nil || !done {
		return err
	}

	e.state.Counters.Loads++
	if e.state.Counters.Loads < e.profile.Slots {
		e.transition(ApproachPlace, now)
	} else {
		e.transition(FastenTop, now)
	}
	return nil
}

func (e *Engine) fasten(now time.Time, approach, insert, retract string, next Phase) error {
	if !e.state.PhaseEntered {
		target, err := e.lookup(approach)
		if err != nil {
			return err
		}
		return e.enter(now, target)
	}

	switch e.state.Stage {
	case 0:
		if done, err := e.settled(now); err != nil || !done {
			return err
		}
		target, err := e.lookup(insert)
		if err != nil {
			return err
		}
		if err := e.issue(target, now); err != nil {
			return err
		}
		e.state.SubStepLatch = true
		e.state.Stage = 1
	case 1:
		if done, err := e.settled(now); err != nil || !done {
			return err
		}
		if err := e.setOutput(e.profile.Channels.Fastener, true, now); err != nil {
			return err
		}
		e.state.Stage = 2
	case 2:
		if !e.dwelled(now, e.profile.Timing.FastenDwell) {
			return nil
		}
		target, err := e.lookup(retract)
		if err != nil {
			return err
		}
		if err := e.setOutput(e.profile.Channels.Fastener, false, now); err != nil {
			return err
		}
		if err := e.issue(target, now); err != nil {
			return err
		}
		e.state.Stage = 3
	default:
		if done, err := e.settled(now); err != nil || !done {
			return err
		}
		e.transition(next, now)
	}
	return nil
}

func (e *Engine) idleWait(now time.Time) error {
	if !e.state.PhaseEntered {
		target, err := e.lookup(waypoint.IdleClearance)
		if err != nil {
			return err
		}
		return e.enter(now, target)
	}
	return e.homeThenDwell(now, e.profile.Timing.ProcessWait, func() error {
		e.transition(Purge, now)
		return nil
	})
}

// homeThenDwell issues the home move once the first move stopped, then waits
// d from the moment the arm arrived before calling done.
func (e *Engine) homeThenDwell(now time.Time, d time.Duration, done func() error) error {
	if !e.state.SubStepLatch {
		if ok, err := e.settled(now); err != nil || !ok {
			return err
		}
		home, err := e.lookup(waypoint.Home)
		if err != nil {
			return err
		}
		if err := e.issue(home, now); err != nil {
			return err
		}
		e.state.SubStepLatch = true
		return nil
	}

	if e.state.Stage == 0 {
		if ok, err := e.settled(now); err != nil || !ok {
			return err
		}
		e.state.Stage = 1
		e.state.StepStartedAt = now
		return nil
	}

	if !e.dwelled(now, d) {
		return nil
	}
	return done()
}

func (e *Engine) purge(now time.Time) error {
	if !e.state.PhaseEntered {
		target, err := e.lookup(waypoint.PurgeStart)
		if err != nil {
			return err
		}
		return e.enter(now, target)
	}
	if done, err := e.settled(now); err != nil || !done {
		return err
	}

	if !e.state.SubStepLatch {
		sweep, err := e.lookup(waypoint.PurgeSweep)
		if err != nil {
			return err
		}
		if err := e.setOutput(e.profile.Channels.BlowOff, true, now); err != nil {
			return err
		}
		if err := e.setSpeed(e.profile.Speeds.Purge); err != nil {
			return err
		}
		if err := e.issue(sweep, now); err != nil {
			return err
		}
		e.state.SubStepLatch = true
		return nil
	}

	if err := e.setSpeed(e.profile.Speeds.Normal); err != nil {
		return err
	}
	if err := e.setOutput(e.profile.Channels.BlowOff, false, now); err != nil {
		return err
	}
	e.transition(ApproachUnload, now)
	return nil
}

func (e *Engine) exitUnload(now time.Time) error {
	slot := e.state.Counters.Unloads
	if !e.state.PhaseEntered {
		if err := e.setOutput(e.profile.SlotChannel(slot), e.profile.VacuumLevel(true), now); err != nil {
			return err
		}
		e.state.PhaseEntered = true
		return nil
	}

	if !e.state.SubStepLatch {
		if !e.dwelled(now, e.profile.Timing.GripDwell) {
			return nil
		}
		target, err := e.slotTarget(waypoint.UnloadExit, slot)
		if err != nil {
			return err
		}
		if err := e.issue(target, now); err != nil {
			return err
		}
		e.state.SubStepLatch = true
		return nil
	}

	if done, err := e.settled(now); err != nil || !done {
		return err
	}
	e.state.Counters.Unloads++
	if e.state.Counters.Unloads < e.profile.Slots {
		e.transition(ApproachUnload, now)
	} else {
		e.transition(CycleReset, now)
	}
	return nil
}

func (e *Engine) cycleReset(now time.Time) error {
	if !e.state.PhaseEntered {
		target, err := e.lookup(waypoint.ResetRetreat)
		if err != nil {
			return err
		}
		return e.enter(now, target)
	}
	return e.homeThenDwell(now, e.profile.Timing.ResetDwell, func() error {
		if err := e.applyOutputs(StartOutputs(e.profile), now); err != nil {
			return err
		}
		c := &e.state.Counters
		c.Loads = 0
		c.Unloads = 0
		c.StepCounter = 0
		c.Cycles++
		e.state.ToolFlipped = false
		e.transition(ApproachPick, now)
		return nil
	})
}

// moveThen issues target on entry and moves on to next once the arm stopped.
func (e *Engine) moveThen(now time.Time, target waypoint.Waypoint, next Phase) error {
	if !e.state.PhaseEntered {
		return e.enter(now, target)
	}
	if done, err := e.settled(now); err != nil || !done {
		return err
	}
	e.transition(next, now)
	return nil
}

// enter fires the one-shot entry move and latches the phase.
func (e *Engine) enter(now time.Time, target waypoint.Waypoint) error {
	if err := e.issue(target, now); err != nil {
		return err
	}
	e.state.PhaseEntered = true
	return nil
}

func (e *Engine) issue(target waypoint.Waypoint, now time.Time) error {
	if _, err := e.motion.IssueMove(target, false); err != nil {
		e.failedTarget = target.Name
		return fmt.Errorf("move to %s: %w", target, err)
	}
	e.state.StepStartedAt = now
	return nil
}

// settled polls the arm and trips the motion watchdog while it is moving.
func (e *Engine) settled(now time.Time) (bool, error) {
	moving, err := e.motion.IsMoving()
	if err != nil {
		return false, fmt.Errorf("poll motion: %w", err)
	}
	if !moving {
		return true, nil
	}
	if limit := e.profile.Watchdog.Motion; now.Sub(e.state.StepStartedAt) > limit {
		return false, fmt.Errorf("%w: motion in %s exceeded %s", ErrWatchdog, e.state.Phase, limit)
	}
	return false, nil
}

func (e *Engine) dwelled(now time.Time, d time.Duration) bool {
	return now.Sub(e.state.StepStartedAt) >= d
}

func (e *Engine) setOutput(ch int, value bool, now time.Time) error {
	c := robot.Channel(ch)
	if err := e.outputs.SetOutput(c, value); err != nil {
		return fmt.Errorf("set output %d=%v: %w", ch, value, err)
	}
	e.levels[c] = value
	e.state.StepStartedAt = now
	return nil
}

func (e *Engine) applyOutputs(levels []OutputLevel, now time.Time) error {
	for _, l := range levels {
		if err := e.setOutput(int(l.Channel), l.Value, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) setSpeed(s waypoint.Speed) error {
	if err := e.motion.SetSpeed(s.Joint, s.Linear); err != nil {
		return fmt.Errorf("set speed %.0f/%.0f: %w", s.Joint, s.Linear, err)
	}
	return nil
}

func (e *Engine) lookup(name string) (waypoint.Waypoint, error) {
	return e.profile.Waypoint(name, waypoint.VariantNormal)
}

func (e *Engine) pickTarget(name string) (waypoint.Waypoint, error) {
	wp, err := e.profile.Waypoint(name, e.variant)
	if err != nil {
		return waypoint.Waypoint{}, err
	}
	return wp.WithJointOffset(e.offset), nil
}

func (e *Engine) slotTarget(name string, slot int) (waypoint.Waypoint, error) {
	wp, err := e.lookup(name)
	if err != nil {
		return waypoint.Waypoint{}, err
	}
	return wp.Translate(e.profile.SlotOffset(slot)), nil
}

func (e *Engine) transition(next Phase, now time.Time) {
	from := e.state.Phase
	e.state.Phase = next
	e.state.PhaseEntered = false
	e.state.SubStepLatch = false
	e.state.Stage = 0
	e.state.PhaseStartedAt = now
	e.state.StepStartedAt = now

	if e.callbacks.OnTransition != nil {
		e.callbacks.OnTransition(from, next, e.state)
	}
}

// abort halts the engine. Unless the link is down or the safe waypoint itself
// failed, the active move is stopped and one non-blocking move to the safe
// waypoint is attempted.
func (e *Engine) abort(now time.Time, cause error) error {
	f := &Fault{
		Kind:     classify(cause),
		Phase:    e.state.Phase,
		Counters: e.state.Counters,
		At:       now,
		Err:      cause,
	}

	if f.Kind != FaultConnection && e.failedTarget != waypoint.Safe {
		f.RetreatErr = e.retreat()
	}

	ev := log.Error()
	if f.Kind == FaultStopped {
		ev = log.Warn()
	}
	ev.Err(cause).
		Str("kind", f.Kind.String()).
		Str("phase", f.Phase.String()).
		Int("picks", f.Counters.Picks).
		Int("loads", f.Counters.Loads).
		Int("unloads", f.Counters.Unloads).
		Int("cycles", f.Counters.Cycles).
		AnErr("retreat", f.RetreatErr).
		Msg("Cycle aborted")

	e.fault = f
	if e.callbacks.OnFault != nil {
		e.callbacks.OnFault(f)
	}
	return f
}

// retreat halts the arm, then sends it to the safe waypoint. The controller
// rejects a new move while the previous one still runs.
func (e *Engine) retreat() error {
	safe, err := e.lookup(waypoint.Safe)
	if err != nil {
		return err
	}
	if err := e.motion.Stop(); err != nil {
		return fmt.Errorf("halt before retreat: %w", err)
	}
	if _, err := e.motion.IssueMove(safe, false); err != nil {
		return fmt.Errorf("move to %s: %w", safe, err)
	}
	return nil
}
