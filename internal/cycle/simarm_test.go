package cycle

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/core"
	"github.com/sebastiankruger/cell-sequencer/internal/robot"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

type simClock struct {
	t time.Time
}

func (c *simClock) Now() time.Time          { return c.t }
func (c *simClock) Sleep(d time.Duration)   { c.t = c.t.Add(d) }
func (c *simClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newSimEngine(t *testing.T) (*Engine, *robot.SimArm, *simClock) {
	t.Helper()
	p, err := waypoint.DefaultProfile()
	if err != nil {
		t.Fatal(err)
	}
	clock := &simClock{t: time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)}
	arm := robot.NewSimArm(robot.DefaultSimConfig(),
		robot.WithClock(clock.Now),
		robot.WithSleep(clock.Sleep),
		robot.WithNoise(core.NewSeededNoiseGenerator(1)),
	)
	eng, err := NewEngine(p, arm, arm, clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	return eng, arm, clock
}

func TestSimArmResumeInsideStacking(t *testing.T) {
	eng, arm, clock := newSimEngine(t)
	p := eng.Profile()

	st := CycleState{
		Phase:    PlaceStep,
		Counters: Counters{Picks: 8, Loads: 1, StepCounter: 4},
	}
	if err := eng.Restore(st, StartOutputs(p), clock.Now()); err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(clock.Now()); err != nil {
		t.Fatal(err)
	}

	var err error
	for i := 0; i < 2000 && err == nil && eng.State().Phase != ExitPlace; i++ {
		clock.Advance(tick)
		err = eng.Advance(clock.Now())
	}
	if err != nil {
		t.Fatalf("resume faulted: %v", err)
	}
	if eng.State().Phase != ExitPlace {
		t.Fatalf("phase = %s, want ExitPlace", eng.State().Phase)
	}

	approach, _ := p.Waypoint(waypoint.PlaceApproach, waypoint.VariantNormal)
	want := approach.Pose.Position.Add(p.SlotOffset(1)).Add(p.Place.Nudge.Mul(float64(p.Place.Steps)))
	pose, err := arm.CurrentPose()
	if err != nil {
		t.Fatal(err)
	}
	if d := pose.Position.Distance(want); d > 1e-6 {
		t.Errorf("stacked at %v, want %v", pose.Position, want)
	}
	if c := eng.State().Counters; c.StepCounter != 0 || c.Loads != 1 {
		t.Errorf("counters = %+v", c)
	}
}

func TestSimArmStopMidMove(t *testing.T) {
	eng, arm, clock := newSimEngine(t)
	if err := eng.Start(clock.Now()); err != nil {
		t.Fatal(err)
	}

	clock.Advance(tick)
	if err := eng.Advance(clock.Now()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(tick)
	if moving, err := arm.IsMoving(); err != nil || !moving {
		t.Fatalf("IsMoving = %v, %v; want approach still running", moving, err)
	}
	halted := arm.Joints()

	eng.RequestStop()
	err := eng.Advance(clock.Now())
	var f *Fault
	if !errors.As(err, &f) || !f.Stopped() {
		t.Fatalf("err = %v, want stopped fault", err)
	}
	if f.RetreatErr != nil {
		t.Fatalf("retreat err = %v", f.RetreatErr)
	}

	safe, _ := eng.Profile().Waypoint(waypoint.Safe, waypoint.VariantNormal)
	if j := arm.Joints(); j != halted {
		t.Errorf("joints jumped from %v to %v at halt", halted, j)
	}
	for i := 0; i < 100; i++ {
		clock.Advance(tick)
		if moving, _ := arm.IsMoving(); !moving {
			break
		}
	}
	got := arm.Joints()
	for i := range got {
		if math.Abs(got[i]-safe.Joints[i]) > 1e-6 {
			t.Fatalf("joints = %v, want safe %v", got, safe.Joints)
		}
	}
}
