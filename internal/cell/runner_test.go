package cell

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/checkpoint"
	"github.com/sebastiankruger/cell-sequencer/internal/config"
	"github.com/sebastiankruger/cell-sequencer/internal/core"
	"github.com/sebastiankruger/cell-sequencer/internal/cycle"
	"github.com/sebastiankruger/cell-sequencer/internal/cyclelog"
	"github.com/sebastiankruger/cell-sequencer/internal/erp"
	"github.com/sebastiankruger/cell-sequencer/internal/robot"
	"github.com/sebastiankruger/cell-sequencer/internal/robot/robottest"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

const tick = 100 * time.Millisecond

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	phases []cycle.Phase
}

func (s *recordingSink) Append(_ time.Time, phase cycle.Phase, _ cycle.Counters) error {
	s.phases = append(s.phases, phase)
	return nil
}

func (s *recordingSink) Close() error { return nil }

type recordingReporter struct {
	cycles []erp.CycleReport
	faults []erp.FaultReport
}

func (r *recordingReporter) ReportCycle(rep erp.CycleReport) { r.cycles = append(r.cycles, rep) }
func (r *recordingReporter) ReportFault(rep erp.FaultReport) { r.faults = append(r.faults, rep) }

type fixture struct {
	t        *testing.T
	runner   *Runner
	arm      *robottest.Arm
	clock    *manualClock
	store    *checkpoint.Store
	sink     *recordingSink
	reporter *recordingReporter
}

func testConfig() config.Config {
	return config.Config{
		CellName:        "LoadCell-01",
		OPCUAPort:       4840,
		HealthPort:      8081,
		TickInterval:    50 * time.Millisecond,
		PublishInterval: time.Second,
		SimTimeScale:    1,
		LogLevel:        "info",
	}
}

func newFixture(t *testing.T, cfg config.Config, dbPath string) *fixture {
	t.Helper()
	profile, err := waypoint.DefaultProfile()
	if err != nil {
		t.Fatal(err)
	}
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "cell.db")
	}
	store, err := checkpoint.Open(context.Background(), dbPath, cfg.CellName)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		t:        t,
		arm:      robottest.New(0),
		clock:    &manualClock{t: time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)},
		store:    store,
		sink:     &recordingSink{},
		reporter: &recordingReporter{},
	}
	f.runner, err = NewRunner(Options{
		Config:   cfg,
		Profile:  profile,
		Arm:      f.arm,
		Clock:    f.clock,
		Store:    store,
		Sink:     cyclelog.Multi{f.sink, cyclelog.NewStoreSink(store)},
		Reporter: f.reporter,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) step() error {
	f.clock.Advance(tick)
	return f.runner.Step()
}

func (f *fixture) runUntil(what string, cond func(cycle.CycleState) bool) {
	f.t.Helper()
	for i := 0; i < 20000; i++ {
		if cond(f.runner.CycleState()) {
			return
		}
		if err := f.step(); err != nil {
			f.t.Fatalf("waiting for %s: %v", what, err)
		}
	}
	f.t.Fatalf("%s not reached", what)
}

func TestNewRunnerNeedsArm(t *testing.T) {
	profile, _ := waypoint.DefaultProfile()
	if _, err := NewRunner(Options{Config: testConfig(), Profile: profile}); err == nil {
		t.Error("runner without arm accepted")
	}
	if _, err := NewRunner(Options{Config: testConfig(), Arm: robottest.New(0)}); !errors.Is(err, waypoint.ErrConfig) {
		t.Errorf("nil profile err = %v", err)
	}
}

func TestRunnerStartHomes(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	if f.runner.State() != core.StateIdle {
		t.Fatalf("initial state = %s", f.runner.State())
	}
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.runner.State() != core.StateRunning {
		t.Errorf("state = %s, want Running", f.runner.State())
	}

	move, ok := f.arm.LastMove()
	if !ok || move.Target.Name != waypoint.Home || !move.Blocking {
		t.Errorf("last move = %+v, want blocking home", move)
	}
	p := f.runner.Profile()
	if v, ok := f.arm.Level(robot.Channel(p.Channels.VacuumPrimary)); !ok || v != p.VacuumLevel(false) {
		t.Errorf("primary vacuum level = %v (written %v)", v, ok)
	}
}

func TestRunnerCompletesCycle(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.runUntil("first cycle", func(st cycle.CycleState) bool { return st.Counters.Cycles == 1 })

	m := f.runner.Metrics()
	if m.CyclesCompleted != 1 || m.LastCycleTime <= 0 || m.CyclesPerHour <= 0 {
		t.Errorf("metrics = %+v", m)
	}
	if m.PartsPerHour != m.CyclesPerHour*2 {
		t.Errorf("parts per hour = %v, want two per cycle", m.PartsPerHour)
	}

	if len(f.sink.phases) == 0 || f.sink.phases[len(f.sink.phases)-1] != cycle.ApproachPick {
		t.Errorf("sink phases = %v", f.sink.phases)
	}

	rec, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Phase != cycle.ApproachPick || rec.Counters.Cycles != 1 || rec.Counters.Loads != 0 {
		t.Errorf("checkpoint = %+v", rec)
	}
	if len(rec.Outputs) == 0 {
		t.Error("checkpoint has no output levels")
	}

	if len(f.reporter.cycles) != 1 {
		t.Fatalf("cycle reports = %d", len(f.reporter.cycles))
	}
	rep := f.reporter.cycles[0]
	if rep.Cycle != 1 || rep.Parts != 2 || rep.RunID != f.store.RunID() || rep.CycleTimeSec != m.LastCycleTime {
		t.Errorf("cycle report = %+v", rep)
	}
}

func TestRunnerMotionFault(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	f.arm.FailOn = waypoint.FastenTopInsert
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var err error
	for i := 0; i < 20000 && err == nil; i++ {
		err = f.step()
	}
	var fault *cycle.Fault
	if !errors.As(err, &fault) || fault.Kind != cycle.FaultMotion {
		t.Fatalf("err = %v, want motion fault", err)
	}

	if f.runner.State() != core.StateUnplannedStop {
		t.Errorf("state = %s", f.runner.State())
	}
	if f.runner.CurrentError == nil || f.runner.CurrentError.Code != "C002" {
		t.Errorf("current error = %+v", f.runner.CurrentError)
	}
	if !f.runner.Faulted() {
		t.Error("runner not faulted")
	}

	st := f.runner.Status()
	if st.Fault == nil || st.Fault.Kind != "Motion" || st.Fault.Phase != cycle.FastenTop.String() {
		t.Errorf("status fault = %+v", st.Fault)
	}

	rec, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.FaultKind != "Motion" || rec.Phase != cycle.FastenTop {
		t.Errorf("checkpoint = %+v", rec)
	}

	if len(f.reporter.faults) != 1 || f.reporter.faults[0].Code != "C002" || f.reporter.faults[0].Phase != "FastenTop" {
		t.Errorf("fault reports = %+v", f.reporter.faults)
	}
}

func TestRunnerResumesFromCheckpoint(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cell.db")
	cfg := testConfig()

	first := newFixture(t, cfg, dbPath)
	if err := first.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	first.runUntil("purge", func(st cycle.CycleState) bool { return st.Phase == cycle.Purge })
	saved := first.runner.CycleState()
	if err := first.store.Close(); err != nil {
		t.Fatal(err)
	}

	cfg.Resume = true
	second := newFixture(t, cfg, dbPath)
	if err := second.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := second.runner.CycleState()
	if st.Phase != cycle.Purge || st.Counters != saved.Counters || st.PhaseEntered {
		t.Errorf("resumed state = %+v, want %s with %+v", st, saved.Phase, saved.Counters)
	}
	if second.runner.State() != core.StateRunning {
		t.Errorf("state = %s", second.runner.State())
	}
}

func TestRunnerResumeWithoutCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Resume = true
	f := newFixture(t, cfg, "")
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := f.runner.CycleState(); st.Phase != cycle.ApproachPick || st.Counters != (cycle.Counters{}) {
		t.Errorf("state = %+v", st)
	}
}

func TestRunnerRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = time.Hour
	cfg.PublishInterval = time.Hour
	f := newFixture(t, cfg, "")
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.runner.State() != core.StatePlannedStop {
		t.Errorf("state = %s, want PlannedStop", f.runner.State())
	}
	fault := f.runner.Fault()
	if fault == nil || !fault.Stopped() {
		t.Errorf("fault = %v", fault)
	}
	move, _ := f.arm.LastMove()
	if move.Target.Name != waypoint.Safe {
		t.Errorf("last move = %s, want safe retreat", move.Target.Name)
	}
}

func TestRunnerTelemetry(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	if err := f.runner.SetupOPCUA(4840, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.runUntil("grip", func(st cycle.CycleState) bool { return st.Phase == cycle.LiftPick })

	data := f.runner.GenerateData()
	nodes := f.runner.GetOPCUANodes()
	if len(data) != len(nodes) {
		t.Errorf("data has %d values for %d nodes", len(data), len(nodes))
	}
	for _, n := range nodes {
		if _, ok := data[n.Name]; !ok {
			t.Errorf("no value for node %s", n.Name)
		}
	}

	tests := []struct {
		name string
		want interface{}
	}{
		{"State", int32(core.StateRunning)},
		{"Phase", "LiftPick"},
		{"Picks", int32(0)},
		{"VacuumPrimary", true},
		{"VacuumSecondary", false},
		{"BlowOff", false},
		{"Variant", "normal"},
	}
	for _, tt := range tests {
		if got := data[tt.name]; got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	f.runner.Publish()
	v, ok := f.runner.OPCUAServer().GetNamespaceValue(core.NamespaceCell, "Phase")
	if !ok || v != "LiftPick" {
		t.Errorf("published phase = %v", v)
	}
	if f.runner.OPCUAReady() {
		t.Error("opc ua ready without start")
	}
}

func TestRunnerEvents(t *testing.T) {
	f := newFixture(t, testConfig(), "")
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.runUntil("lift", func(st cycle.CycleState) bool { return st.Phase == cycle.LiftPick })

	events, err := f.runner.Events(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []cycle.Phase{cycle.GripPick, cycle.LiftPick}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, ev := range events {
		if ev.Phase != want[i] || ev.Cell != "LoadCell-01" {
			t.Errorf("event %d = %+v", i, ev)
		}
	}
}
