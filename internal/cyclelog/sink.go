// Package cyclelog records every phase transition together with the
// counters at that moment.
package cyclelog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebastiankruger/cell-sequencer/internal/cycle"
)

// Sink receives one entry per phase transition.
type Sink interface {
	Append(at time.Time, phase cycle.Phase, c cycle.Counters) error
	Close() error
}

var csvHeader = []string{"timestamp", "phase", "picks", "loads", "unloads", "step_counter", "cycles"}

// CSVSink appends rows to a CSV file.
type CSVSink struct {
	mu     sync.Mutex
	closer io.Closer
	w      *csv.Writer
}

// OpenCSV opens path for appending, writing the header when the file is new.
func OpenCSV(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open cycle log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("stat cycle log: %w", err)
	}

	s := &CSVSink{closer: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.write(csvHeader); err != nil {
			f.Close() //nolint:errcheck
			return nil, err
		}
	}
	return s, nil
}

// NewCSV writes rows (with a header) to w.
func NewCSV(w io.Writer) (*CSVSink, error) {
	s := &CSVSink{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	if err := s.write(csvHeader); err != nil {
		return nil, err
	}
	return s, nil
}

// Append writes one row and flushes it.
func (s *CSVSink) Append(at time.Time, phase cycle.Phase, c cycle.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write([]string{
		at.UTC().Format(time.RFC3339Nano),
		phase.String(),
		strconv.Itoa(c.Picks),
		strconv.Itoa(c.Loads),
		strconv.Itoa(c.Unloads),
		strconv.Itoa(c.StepCounter),
		strconv.Itoa(c.Cycles),
	})
}

// write flushes after every row so a crash loses at most the current entry.
func (s *CSVSink) write(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write cycle log: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush cycle log: %w", err)
	}
	return nil
}

// Close flushes pending rows and closes the underlying writer if it owns one.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	err := s.w.Error()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
		s.closer = nil
	}
	return err
}

// LogSink writes transitions as structured log events.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink that logs through logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Append logs the transition at info level.
func (s *LogSink) Append(at time.Time, phase cycle.Phase, c cycle.Counters) error {
	s.logger.Info().
		Time("at", at).
		Str("phase", phase.String()).
		Int("picks", c.Picks).
		Int("loads", c.Loads).
		Int("unloads", c.Unloads).
		Int("cycles", c.Cycles).
		Msg("Phase entered")
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }

// EventAppender is implemented by checkpoint.Store.
type EventAppender interface {
	AppendEvent(ctx context.Context, at time.Time, phase cycle.Phase, c cycle.Counters) error
}

// StoreSink appends transitions to the checkpoint database. The store is
// owned by the caller and not closed by the sink.
type StoreSink struct {
	store   EventAppender
	timeout time.Duration
}

// NewStoreSink returns a sink that writes to store with a short per-entry timeout.
func NewStoreSink(store EventAppender) *StoreSink {
	return &StoreSink{store: store, timeout: 2 * time.Second}
}

// Append records the transition in the store.
func (s *StoreSink) Append(at time.Time, phase cycle.Phase, c cycle.Counters) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.store.AppendEvent(ctx, at, phase, c)
}

// Close is a no-op; the store outlives the sink.
func (s *StoreSink) Close() error { return nil }

// Multi fans every entry out to all sinks, continuing past failures.
type Multi []Sink

// Append forwards the entry to every sink and joins their errors.
func (m Multi) Append(at time.Time, phase cycle.Phase, c cycle.Counters) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(at, phase, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
