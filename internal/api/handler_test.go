package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/cell"
	"github.com/sebastiankruger/cell-sequencer/internal/checkpoint"
	"github.com/sebastiankruger/cell-sequencer/internal/config"
	"github.com/sebastiankruger/cell-sequencer/internal/cyclelog"
	"github.com/sebastiankruger/cell-sequencer/internal/robot/robottest"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

func newTestServer(t *testing.T) (*httptest.Server, *cell.Runner) {
	t.Helper()
	profile, err := waypoint.DefaultProfile()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{
		CellName:        "LoadCell-01",
		TickInterval:    50 * time.Millisecond,
		PublishInterval: time.Second,
		SimTimeScale:    1,
	}
	store, err := checkpoint.Open(context.Background(), filepath.Join(t.TempDir(), "cell.db"), cfg.CellName)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &fixedClock{t: time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)}
	runner, err := cell.NewRunner(cell.Options{
		Config:  cfg,
		Profile: profile,
		Arm:     robottest.New(0),
		Clock:   clock,
		Store:   store,
		Sink:    cyclelog.NewStoreSink(store),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// ApproachPick issues, settles, then GripPick issues
	for i := 0; i < 3; i++ {
		if err := runner.Step(); err != nil {
			t.Fatal(err)
		}
	}

	mux := http.NewServeMux()
	NewHandler(runner).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, runner
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestHandleStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	var st cell.Status
	if code := getJSON(t, srv.URL+"/api/status", &st); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if st.Name != "LoadCell-01" || st.State != "Running" || st.Phase != "GripPick" {
		t.Errorf("status = %+v", st)
	}
	if st.Fault != nil || !st.Connected {
		t.Errorf("fault = %+v, connected = %v", st.Fault, st.Connected)
	}

	resp, err := http.Post(srv.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST code = %d", resp.StatusCode)
	}
}

func TestHandleNodes(t *testing.T) {
	srv, runner := newTestServer(t)

	var resp NodesResponse
	if code := getJSON(t, srv.URL+"/api/nodes", &resp); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if len(resp.Nodes) != len(runner.GetOPCUANodes()) || resp.StateName != "Running" {
		t.Errorf("nodes = %d, state = %s", len(resp.Nodes), resp.StateName)
	}
	if resp.Nodes[0].NodeID != "ns=2;s=LoadCell-01.State" {
		t.Errorf("node id = %s", resp.Nodes[0].NodeID)
	}
	if resp.Data["Phase"] != "GripPick" {
		t.Errorf("phase = %v", resp.Data["Phase"])
	}
}

func TestHandleWaypoints(t *testing.T) {
	srv, runner := newTestServer(t)

	var resp WaypointsResponse
	if code := getJSON(t, srv.URL+"/api/waypoints", &resp); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	p := runner.Profile()
	if resp.TrayRows != p.TrayRows || len(resp.Waypoints) != len(p.Waypoints()) {
		t.Errorf("waypoints = %+v", resp)
	}
	if len(resp.Offsets.Even) != p.TrayRows || len(resp.Offsets.Odd) != p.TrayRows {
		t.Errorf("offset rows = %d/%d", len(resp.Offsets.Even), len(resp.Offsets.Odd))
	}
	for _, wp := range resp.Waypoints {
		if wp.Joints == nil && wp.Position == nil {
			t.Errorf("waypoint %s has no target", wp.Name)
		}
	}
}

func TestHandleEvents(t *testing.T) {
	srv, _ := newTestServer(t)

	var resp EventsResponse
	if code := getJSON(t, srv.URL+"/api/events?limit=5", &resp); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if len(resp.Events) != 1 || resp.Events[0].Phase != "GripPick" {
		t.Errorf("events = %+v", resp.Events)
	}

	for _, q := range []string{"limit=0", "limit=abc", "limit=5000"} {
		if code := getJSON(t, srv.URL+"/api/events?"+q, nil); code != http.StatusBadRequest {
			t.Errorf("%s: code = %d", q, code)
		}
	}
}

func TestHandleConfig(t *testing.T) {
	srv, runner := newTestServer(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
		want     ConfigResponse
	}{
		{"time scale", `{"timeScale": 5}`, http.StatusOK, ConfigResponse{TimeScale: 5}},
		{"fault rate", `{"faultRate": 0.1}`, http.StatusOK, ConfigResponse{TimeScale: 5, FaultRate: 0.1}},
		{"scale out of range", `{"timeScale": 1000}`, http.StatusBadRequest, ConfigResponse{}},
		{"rate out of range", `{"faultRate": 0.5}`, http.StatusBadRequest, ConfigResponse{}},
		{"bad json", `{`, http.StatusBadRequest, ConfigResponse{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/config", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var got ConfigResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("config = %+v, want %+v", got, tt.want)
			}
		})
	}

	snap := runner.GetRuntimeConfig().Snapshot()
	if snap.TimeScale != 5 || snap.FaultRate != 0.1 {
		t.Errorf("runtime config = %+v", snap)
	}

	var got ConfigResponse
	if code := getJSON(t, srv.URL+"/api/config", &got); code != http.StatusOK || got.TimeScale != 5 {
		t.Errorf("GET config = %d %+v", code, got)
	}
}
