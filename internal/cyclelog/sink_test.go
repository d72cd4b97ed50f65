package cyclelog

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebastiankruger/cell-sequencer/internal/cycle"
)

var at = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCSVSink(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewCSV(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Append(at, cycle.ExitPlace, cycle.Counters{Picks: 2, Loads: 1, Cycles: 3}); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		csvHeader,
		{"2026-06-01T12:00:00Z", "ExitPlace", "2", "1", "0", "0", "3"},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v", rows)
	}
	for i := range want {
		if strings.Join(rows[i], ",") != strings.Join(want[i], ",") {
			t.Errorf("row %d = %v, want %v", i, rows[i], want[i])
		}
	}
}

func TestOpenCSVAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycles.csv")

	for i := 0; i < 2; i++ {
		sink, err := OpenCSV(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := sink.Append(at, cycle.GripPick, cycle.Counters{Picks: i}); err != nil {
			t.Fatal(err)
		}
		if err := sink.Close(); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q, want header plus two rows", lines)
	}
	if lines[0] != strings.Join(csvHeader, ",") {
		t.Errorf("header = %q", lines[0])
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	if err := sink.Append(at, cycle.Purge, cycle.Counters{Picks: 4, Cycles: 1}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`"phase":"Purge"`, `"picks":4`, `"cycles":1`} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %s", out, want)
		}
	}
}

type fakeStore struct {
	phases []cycle.Phase
	err    error
}

func (f *fakeStore) AppendEvent(_ context.Context, _ time.Time, phase cycle.Phase, _ cycle.Counters) error {
	if f.err != nil {
		return f.err
	}
	f.phases = append(f.phases, phase)
	return nil
}

func TestStoreSink(t *testing.T) {
	store := &fakeStore{}
	sink := NewStoreSink(store)
	if err := sink.Append(at, cycle.FastenTop, cycle.Counters{}); err != nil {
		t.Fatal(err)
	}
	if len(store.phases) != 1 || store.phases[0] != cycle.FastenTop {
		t.Errorf("phases = %v", store.phases)
	}
}

func TestMultiContinuesPastFailure(t *testing.T) {
	boom := errors.New("disk full")
	bad := &fakeStore{err: boom}
	good := &fakeStore{}
	m := Multi{NewStoreSink(bad), NewStoreSink(good)}

	err := m.Append(at, cycle.IdleWait, cycle.Counters{})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if len(good.phases) != 1 {
		t.Error("second sink skipped after first failed")
	}
	if err := m.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
