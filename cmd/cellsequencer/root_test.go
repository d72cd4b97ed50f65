package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sebastiankruger/cell-sequencer/internal/api"
	"github.com/sebastiankruger/cell-sequencer/internal/checkpoint"
	"github.com/sebastiankruger/cell-sequencer/internal/cycle"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWaypointsCommand(t *testing.T) {
	out, err := execute(t, "waypoints")
	if err != nil {
		t.Fatal(err)
	}
	var resp api.WaypointsResponse
	if err := yaml.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode yaml: %v\n%s", err, out)
	}
	if resp.Profile != "bearing-load" || resp.TrayRows != 6 || resp.Slots != 2 {
		t.Errorf("profile = %s rows = %d slots = %d", resp.Profile, resp.TrayRows, resp.Slots)
	}
	if len(resp.Offsets.Even) != 6 {
		t.Errorf("even offsets = %d", len(resp.Offsets.Even))
	}

	out, err = execute(t, "waypoints", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var jresp api.WaypointsResponse
	if err := json.Unmarshal([]byte(out), &jresp); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(jresp.Waypoints) != len(resp.Waypoints) {
		t.Errorf("json waypoints = %d, yaml = %d", len(jresp.Waypoints), len(resp.Waypoints))
	}
}

func TestWaypointsMissingFile(t *testing.T) {
	if _, err := execute(t, "waypoints", "--waypoint-file", filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected error for missing profile")
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := execute(t, "waypoints", "--log-level", "loud"); err == nil {
		t.Error("expected error for bad log level")
	}
}

func TestCheckpointCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cell.db")

	out, err := execute(t, "checkpoint", "show", "--checkpoint-db", db)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "no checkpoint" {
		t.Errorf("empty show = %q", out)
	}

	ctx := context.Background()
	store, err := checkpoint.Open(ctx, db, "LoadCell-01")
	if err != nil {
		t.Fatal(err)
	}
	st := cycle.CycleState{Phase: cycle.Purge, Counters: cycle.Counters{Picks: 1, Loads: 1, Cycles: 3}}
	at := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	if err := store.Save(ctx, checkpoint.NewRecord(st, nil, at)); err != nil {
		t.Fatal(err)
	}
	for _, p := range []cycle.Phase{cycle.IdleWait, cycle.Purge} {
		if err := store.AppendEvent(ctx, at, p, st.Counters); err != nil {
			t.Fatal(err)
		}
	}
	runID := store.RunID()
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	out, err = execute(t, "checkpoint", "show", "--checkpoint-db", db)
	if err != nil {
		t.Fatal(err)
	}
	var rec checkpoint.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode record: %v\n%s", err, out)
	}
	if rec.PhaseName != "Purge" || rec.Counters.Cycles != 3 || rec.RunID != runID {
		t.Errorf("record = %+v", rec)
	}

	out, err = execute(t, "checkpoint", "events", "--checkpoint-db", db)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.Contains(lines[1], "IdleWait") || !strings.Contains(lines[2], "Purge") {
		t.Errorf("events output:\n%s", out)
	}

	out, err = execute(t, "checkpoint", "clear", "--checkpoint-db", db)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "checkpoint cleared" {
		t.Errorf("clear = %q", out)
	}
	out, err = execute(t, "checkpoint", "clear", "--checkpoint-db", db)
	if err != nil || strings.TrimSpace(out) != "no checkpoint" {
		t.Errorf("second clear = %q, %v", out, err)
	}
}
