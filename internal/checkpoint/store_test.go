package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/cycle"
	"github.com/sebastiankruger/cell-sequencer/internal/robot"
)

func newStore(t *testing.T, path, cell string) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, path, cell)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, ctx
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, ctx := newStore(t, filepath.Join(t.TempDir(), "cell.db"), "LoadCell-01")

	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store err = %v, want ErrNotFound", err)
	}

	at := time.Date(2026, 5, 4, 10, 30, 0, 123000000, time.UTC)
	st := cycle.CycleState{
		Phase:        cycle.PlaceStep,
		PhaseEntered: true,
		ToolFlipped:  true,
		Counters:     cycle.Counters{Picks: 41, Loads: 1, StepCounter: 4, Cycles: 20},
	}
	outputs := []cycle.OutputLevel{{Channel: 0, Value: true}, {Channel: robot.Channel(3), Value: false}}
	if err := store.Save(ctx, NewRecord(st, outputs, at)); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Phase != cycle.PlaceStep || rec.PhaseName != "PlaceStep" {
		t.Errorf("phase = %v (%q)", rec.Phase, rec.PhaseName)
	}
	if !rec.ToolFlipped {
		t.Error("tool flip lost")
	}
	if rec.Counters != st.Counters {
		t.Errorf("counters = %+v, want %+v", rec.Counters, st.Counters)
	}
	if !reflect.DeepEqual(rec.Outputs, outputs) {
		t.Errorf("outputs = %+v, want %+v", rec.Outputs, outputs)
	}
	if !rec.SavedAt.Equal(at) {
		t.Errorf("saved at = %s, want %s", rec.SavedAt, at)
	}
	if rec.RunID != store.RunID() || rec.Cell != "LoadCell-01" {
		t.Errorf("run/cell = %s/%s", rec.RunID, rec.Cell)
	}

	restored := rec.State()
	if restored.PhaseEntered || restored.Phase != st.Phase || restored.Counters != st.Counters {
		t.Errorf("State() = %+v", restored)
	}
}

func TestSaveOverwrites(t *testing.T) {
	store, ctx := newStore(t, filepath.Join(t.TempDir(), "cell.db"), "LoadCell-01")

	for picks := 1; picks <= 3; picks++ {
		st := cycle.CycleState{Phase: cycle.LiftPick, Counters: cycle.Counters{Picks: picks}}
		if err := store.Save(ctx, NewRecord(st, nil, time.Now())); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Counters.Picks != 3 {
		t.Errorf("picks = %d, want 3", rec.Counters.Picks)
	}
	if rec.Outputs == nil || len(rec.Outputs) != 0 {
		t.Errorf("outputs = %#v, want empty", rec.Outputs)
	}

	var n int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestFaultRecorded(t *testing.T) {
	store, ctx := newStore(t, filepath.Join(t.TempDir(), "cell.db"), "LoadCell-01")

	f := &cycle.Fault{Kind: cycle.FaultTimeout, Phase: cycle.IdleWait, Err: cycle.ErrWatchdog}
	rec := NewRecord(cycle.CycleState{Phase: cycle.IdleWait}, nil, time.Now()).WithFault(f)
	if err := store.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.FaultKind != "Timeout" || got.FaultMsg == "" {
		t.Errorf("fault = %q / %q", got.FaultKind, got.FaultMsg)
	}
}

func TestCellsAreIndependent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, ctx := newStore(t, path, "cell-a")
	if err := a.Save(ctx, NewRecord(cycle.CycleState{Counters: cycle.Counters{Picks: 7}}, nil, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	b, _ := newStore(t, path, "cell-b")
	if _, err := b.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("cell-b load err = %v, want ErrNotFound", err)
	}
}

func TestCheckpointSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cell.db")
	first, ctx := newStore(t, path, "LoadCell-01")
	st := cycle.CycleState{Phase: cycle.Purge, Counters: cycle.Counters{Picks: 12, Loads: 2, Cycles: 5}}
	if err := first.Save(ctx, NewRecord(st, nil, time.Now())); err != nil {
		t.Fatal(err)
	}
	firstRun := first.RunID()
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, _ := newStore(t, path, "LoadCell-01")
	if second.RunID() == firstRun {
		t.Error("reopen should start a new run")
	}
	rec, err := second.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Phase != cycle.Purge || rec.Counters != st.Counters || rec.RunID != firstRun {
		t.Errorf("reloaded = %+v", rec)
	}
}

func TestClear(t *testing.T) {
	store, ctx := newStore(t, filepath.Join(t.TempDir(), "cell.db"), "LoadCell-01")
	if err := store.Clear(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("clear empty err = %v", err)
	}
	if err := store.Save(ctx, NewRecord(cycle.CycleState{}, nil, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("load after clear err = %v", err)
	}
}

func TestEvents(t *testing.T) {
	store, ctx := newStore(t, filepath.Join(t.TempDir(), "cell.db"), "LoadCell-01")
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	phases := []cycle.Phase{cycle.GripPick, cycle.LiftPick, cycle.ApproachPick, cycle.FlipTool}
	for i, p := range phases {
		c := cycle.Counters{Picks: i / 2}
		if err := store.AppendEvent(ctx, start.Add(time.Duration(i)*time.Second), p, c); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.Events(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != len(phases) {
		t.Fatalf("events = %d, want %d", len(events), len(phases))
	}
	for i, ev := range events {
		if ev.Phase != phases[i] || ev.RunID != store.RunID() || ev.ID == "" {
			t.Errorf("event %d = %+v", i, ev)
		}
	}

	last, err := store.Events(ctx, store.RunID(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[0].Phase != cycle.ApproachPick || last[1].Phase != cycle.FlipTool {
		t.Errorf("last two = %+v", last)
	}

	other, err := store.Events(ctx, "no-such-run", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("foreign run events = %d", len(other))
	}
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	store, ctx := newStore(t, filepath.Join(t.TempDir(), "cell.db"), "x")
	db := store.DB()

	// already applied by Open; applying again is a no-op
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	for _, table := range []string{"checkpoints", "cycle_events"} {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count != 0 {
			t.Errorf("table %s survived rollback", table)
		}
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply after rollback: %v", err)
	}
}
