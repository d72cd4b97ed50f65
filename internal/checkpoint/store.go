// Package checkpoint persists the cycle counters so an interrupted run can
// resume, and keeps an append-only log of phase transitions.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sebastiankruger/cell-sequencer/internal/cycle"
)

// ErrNotFound is returned by Load when no checkpoint exists for the cell.
var ErrNotFound = errors.New("checkpoint not found")

// Record is the persisted subset of the cycle state. Latches and timers are
// not stored: a restored run restarts the interrupted sequence from home.
type Record struct {
	RunID       string              `json:"runId"`
	Cell        string              `json:"cell"`
	Phase       cycle.Phase         `json:"-"`
	PhaseName   string              `json:"phase"`
	ToolFlipped bool                `json:"toolFlipped"`
	Counters    cycle.Counters      `json:"counters"`
	Outputs     []cycle.OutputLevel `json:"outputs"`
	FaultKind   string              `json:"faultKind,omitempty"`
	FaultMsg    string              `json:"faultMessage,omitempty"`
	SavedAt     time.Time           `json:"savedAt"`
}

// NewRecord captures the engine state at the given time.
func NewRecord(st cycle.CycleState, outputs []cycle.OutputLevel, at time.Time) Record {
	return Record{
		Phase:       st.Phase,
		PhaseName:   st.Phase.String(),
		ToolFlipped: st.ToolFlipped,
		Counters:    st.Counters,
		Outputs:     outputs,
		SavedAt:     at,
	}
}

// WithFault annotates the record with the fault that stopped the run.
func (r Record) WithFault(f *cycle.Fault) Record {
	if f == nil {
		return r
	}
	r.FaultKind = f.Kind.String()
	r.FaultMsg = f.Error()
	return r
}

// State converts the record back into a cycle state for Engine.Restore.
func (r Record) State() cycle.CycleState {
	return cycle.CycleState{
		Phase:       r.Phase,
		ToolFlipped: r.ToolFlipped,
		Counters:    r.Counters,
	}
}

// Event is one row of the transition log.
type Event struct {
	ID       string
	RunID    string
	Cell     string
	At       time.Time
	Phase    cycle.Phase
	Counters cycle.Counters
}

// Store persists checkpoints and the transition log of one cell in sqlite.
type Store struct {
	db    *sql.DB
	cell  string
	runID string
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema. Records are keyed by cell name; each Open starts a new run ID.
func Open(ctx context.Context, path, cell string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{db: db, cell: cell, runID: uuid.NewString()}, nil
}

// Close closes the database. It is safe on a nil store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RunID identifies the current process run.
func (s *Store) RunID() string {
	return s.runID
}

// Save upserts the checkpoint of this cell.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	outputs := rec.Outputs
	if outputs == nil {
		outputs = []cycle.OutputLevel{}
	}
	raw, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	c := rec.Counters
	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints(cell, run_id, phase, tool_flipped, picks, loads, unloads, step_counter, cycles, outputs_json, fault_kind, fault_message, saved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(cell) DO UPDATE SET
	run_id=excluded.run_id,
	phase=excluded.phase,
	tool_flipped=excluded.tool_flipped,
	picks=excluded.picks,
	loads=excluded.loads,
	unloads=excluded.unloads,
	step_counter=excluded.step_counter,
	cycles=excluded.cycles,
	outputs_json=excluded.outputs_json,
	fault_kind=excluded.fault_kind,
	fault_message=excluded.fault_message,
	saved_at=excluded.saved_at
`, s.cell, s.runID, rec.Phase.String(), boolToInt(rec.ToolFlipped),
		c.Picks, c.Loads, c.Unloads, c.StepCounter, c.Cycles,
		string(raw), rec.FaultKind, rec.FaultMsg, ts(rec.SavedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint of this cell or ErrNotFound.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	var (
		rec     Record
		phase   string
		flipped int
		raw     string
		savedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT cell, run_id, phase, tool_flipped, picks, loads, unloads, step_counter, cycles, outputs_json, fault_kind, fault_message, saved_at
FROM checkpoints WHERE cell = ?`, s.cell).Scan(
		&rec.Cell, &rec.RunID, &phase, &flipped,
		&rec.Counters.Picks, &rec.Counters.Loads, &rec.Counters.Unloads, &rec.Counters.StepCounter, &rec.Counters.Cycles,
		&raw, &rec.FaultKind, &rec.FaultMsg, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if rec.Phase, err = cycle.ParsePhase(phase); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	rec.PhaseName = phase
	rec.ToolFlipped = flipped != 0
	if err := json.Unmarshal([]byte(raw), &rec.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	if rec.SavedAt, err = parseTS(savedAt); err != nil {
		return nil, fmt.Errorf("parse saved_at: %w", err)
	}
	return &rec, nil
}

// Clear removes the checkpoint of this cell. Clearing a missing checkpoint
// returns ErrNotFound.
func (s *Store) Clear(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE cell = ?`, s.cell)
	if err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent adds a transition to the log under the current run.
func (s *Store) AppendEvent(ctx context.Context, at time.Time, phase cycle.Phase, c cycle.Counters) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cycle_events(event_id, run_id, cell, event_time, phase, picks, loads, unloads, step_counter, cycles)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), s.runID, s.cell, ts(at), phase.String(),
		c.Picks, c.Loads, c.Unloads, c.StepCounter, c.Cycles)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns the most recent events of a run, oldest first. An empty
// runID selects the current run.
func (s *Store) Events(ctx context.Context, runID string, limit int) ([]Event, error) {
	if runID == "" {
		runID = s.runID
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, run_id, cell, event_time, phase, picks, loads, unloads, step_counter, cycles
FROM (
	SELECT rowid AS seq, * FROM cycle_events WHERE run_id = ? ORDER BY seq DESC LIMIT ?
) ORDER BY seq ASC`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev    Event
			at    string
			phase string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Cell, &at, &phase,
			&ev.Counters.Picks, &ev.Counters.Loads, &ev.Counters.Unloads, &ev.Counters.StepCounter, &ev.Counters.Cycles); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.At, err = parseTS(at); err != nil {
			return nil, fmt.Errorf("parse event_time: %w", err)
		}
		if ev.Phase, err = cycle.ParsePhase(phase); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
