// Package cell supervises one load cell: it drives the cycle engine from a
// ticker, persists checkpoints and publishes telemetry.
package cell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/cell-sequencer/internal/checkpoint"
	"github.com/sebastiankruger/cell-sequencer/internal/config"
	"github.com/sebastiankruger/cell-sequencer/internal/core"
	"github.com/sebastiankruger/cell-sequencer/internal/cycle"
	"github.com/sebastiankruger/cell-sequencer/internal/cyclelog"
	"github.com/sebastiankruger/cell-sequencer/internal/erp"
	"github.com/sebastiankruger/cell-sequencer/internal/opcua"
	"github.com/sebastiankruger/cell-sequencer/internal/robot"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

const storeTimeout = 2 * time.Second

// Reporter receives completed cycles and faults. Calls are made with the
// runner lock held and must not block.
type Reporter interface {
	ReportCycle(erp.CycleReport)
	ReportFault(erp.FaultReport)
}

// Options wires a Runner. Store, Sink and Reporter are optional.
type Options struct {
	Config   config.Config
	Runtime  *config.RuntimeConfig
	Profile  *waypoint.Profile
	Arm      robot.Arm
	Clock    Clock
	Store    *checkpoint.Store
	Sink     cyclelog.Sink
	Reporter Reporter
}

// Runner owns the cycle engine. Only the goroutine calling Start, Step and
// Run advances it; everything else reads through the snapshot methods.
type Runner struct {
	*core.BaseMachine

	config   config.Config
	runtime  *config.RuntimeConfig
	profile  *waypoint.Profile
	arm      robot.Arm
	clock    Clock
	store    *checkpoint.Store
	sink     cyclelog.Sink
	reporter Reporter

	engine  *cycle.Engine
	metrics *MetricsCollector

	opcuaServer *opcua.Server

	mu sync.RWMutex
}

var _ core.Machine = (*Runner)(nil)

// NewRunner creates a runner with its engine in ApproachPick.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Arm == nil {
		return nil, errors.New("cell runner needs an arm")
	}
	if opts.Runtime == nil {
		opts.Runtime = config.NewRuntimeConfig(&opts.Config)
	}
	if opts.Clock == nil {
		opts.Clock = NewScaledClock(opts.Runtime)
	}

	now := opts.Clock.Now()
	engine, err := cycle.NewEngine(opts.Profile, opts.Arm, opts.Arm, now)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		BaseMachine: core.NewBaseMachine(opts.Config.CellName, now),
		config:      opts.Config,
		runtime:     opts.Runtime,
		profile:     opts.Profile,
		arm:         opts.Arm,
		clock:       opts.Clock,
		store:       opts.Store,
		sink:        opts.Sink,
		reporter:    opts.Reporter,
		engine:      engine,
		metrics:     NewMetricsCollector(opts.Profile.Slots, now),
	}

	engine.SetCallbacks(cycle.Callbacks{
		OnTransition: r.onTransition,
		OnFault:      r.onFault,
	})
	r.BaseMachine.SetCallbacks(core.MachineCallbacks{
		OnStateChange: func(from, to core.MachineState) {
			log.Info().
				Str("cell", r.Name()).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Cell state changed")
		},
		OnCycleComplete: func(n int, d time.Duration) {
			r.metrics.RecordCycle(n, d)
			r.reportCycle(n, d)
			log.Info().
				Str("cell", r.Name()).
				Int("cycle", n).
				Dur("duration", d).
				Msg("Cycle completed")
		},
		OnError: func(e *core.ErrorInfo) {
			log.Error().
				Str("cell", r.Name()).
				Str("code", e.Code).
				Str("message", e.Message).
				Msg("Cell error")
		},
	})
	return r, nil
}

// MachineType returns the machine type
func (r *Runner) MachineType() string {
	return "LoadCell"
}

// SetupOPCUA creates the OPC UA server and registers the cell namespace
func (r *Runner) SetupOPCUA(port int, pkiDir string) error {
	var err error
	r.opcuaServer, err = opcua.NewServer(port, r.Name(), pkiDir)
	if err != nil {
		return err
	}
	return r.opcuaServer.RegisterNamespace(
		core.NamespaceCell,
		r.Name(),
		"Robotic load cell",
		r.GetOPCUANodes(),
	)
}

// StartOPCUA starts the OPC UA server
func (r *Runner) StartOPCUA(ctx context.Context) error {
	if r.opcuaServer == nil {
		return errors.New("opc ua server not set up")
	}
	return r.opcuaServer.Start(ctx)
}

// StopOPCUA stops the OPC UA server
func (r *Runner) StopOPCUA(ctx context.Context) error {
	if r.opcuaServer == nil {
		return nil
	}
	return r.opcuaServer.Stop(ctx)
}

// OPCUAReady reports whether the OPC UA endpoint is serving
func (r *Runner) OPCUAReady() bool {
	return r.opcuaServer != nil && r.opcuaServer.Ready()
}

// OPCUAServer returns the OPC UA server, nil before SetupOPCUA
func (r *Runner) OPCUAServer() *opcua.Server {
	return r.opcuaServer
}

// Publish pushes the current telemetry to the OPC UA namespace
func (r *Runner) Publish() {
	if r.opcuaServer == nil {
		return
	}
	r.opcuaServer.UpdateNamespaceValues(core.NamespaceCell, r.GenerateData())
}

// Start restores the checkpoint when resuming, applies the start outputs
// and homes the arm. The home move blocks.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.TransitionTo(core.StateSetup, now)

	if r.config.Resume {
		if err := r.restore(ctx, now); err != nil {
			r.TriggerError(cycle.FaultConfig.Code(), err.Error(), now)
			return err
		}
	}

	if err := r.engine.Start(now); err != nil {
		return err
	}

	now = r.clock.Now()
	r.metrics.Update(core.StateSetup, now)
	r.CycleStartedAt = now
	r.TransitionTo(core.StateRunning, now)
	return nil
}

func (r *Runner) restore(ctx context.Context, now time.Time) error {
	if r.store == nil {
		log.Warn().Msg("Resume requested without a checkpoint store")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	rec, err := r.store.Load(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		log.Info().Str("cell", r.Name()).Msg("No checkpoint found, starting a fresh cycle")
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.engine.Restore(rec.State(), rec.Outputs, now); err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	log.Info().
		Str("cell", r.Name()).
		Str("run", rec.RunID).
		Str("phase", rec.PhaseName).
		Stringer("resumeAt", r.engine.State().Phase).
		Int("picks", rec.Counters.Picks).
		Int("cycles", rec.Counters.Cycles).
		Str("lastFault", rec.FaultKind).
		Time("savedAt", rec.SavedAt).
		Msg("Resuming from checkpoint")
	return nil
}

// Step advances the engine once at the current clock reading.
func (r *Runner) Step() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	err := r.engine.Advance(now)
	r.metrics.Update(r.State(), now)
	return err
}

// Run advances the engine every tick interval and publishes telemetry every
// publish interval until the context is cancelled or the engine faults.
// Cancellation becomes a stop request; a clean stop returns nil.
func (r *Runner) Run(ctx context.Context) error {
	tick := time.NewTicker(r.config.TickInterval)
	defer tick.Stop()
	publish := time.NewTicker(r.config.PublishInterval)
	defer publish.Stop()

	log.Info().
		Str("cell", r.Name()).
		Dur("tick", r.config.TickInterval).
		Dur("publish", r.config.PublishInterval).
		Msg("Cell running")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutdown signal received")
			r.engine.RequestStop()
			err := r.Step()
			r.Publish()
			return ignoreStop(err)

		case <-tick.C:
			if err := r.Step(); err != nil {
				r.Publish()
				return ignoreStop(err)
			}

		case <-publish.C:
			r.Publish()
		}
	}
}

func ignoreStop(err error) error {
	var f *cycle.Fault
	if errors.As(err, &f) && f.Stopped() {
		return nil
	}
	return err
}

// onTransition runs inside Advance with r.mu held
func (r *Runner) onTransition(from, to cycle.Phase, st cycle.CycleState) {
	now := st.PhaseStartedAt

	log.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Int("picks", st.Counters.Picks).
		Msg("Phase transition")

	if r.sink != nil {
		if err := r.sink.Append(now, to, st.Counters); err != nil {
			log.Warn().Err(err).Msg("Failed to append cycle log")
		}
	}
	r.saveCheckpoint(checkpoint.NewRecord(st, r.engine.OutputLevels(), now))

	if from == cycle.CycleReset && to == cycle.ApproachPick {
		r.CompleteCycle(st.Counters.Cycles, now)
	}
}

// onFault runs inside Start or Advance with r.mu held
func (r *Runner) onFault(f *cycle.Fault) {
	if f.Stopped() {
		r.TransitionTo(core.StatePlannedStop, f.At)
	} else {
		r.TriggerError(f.Kind.Code(), f.Error(), f.At)
		r.reportFault(f)
	}
	rec := checkpoint.NewRecord(r.engine.State(), r.engine.OutputLevels(), f.At).WithFault(f)
	r.saveCheckpoint(rec)
}

func (r *Runner) runID() string {
	if r.store == nil {
		return ""
	}
	return r.store.RunID()
}

func (r *Runner) reportCycle(n int, d time.Duration) {
	if r.reporter == nil {
		return
	}
	r.reporter.ReportCycle(erp.CycleReport{
		Cell:         r.Name(),
		RunID:        r.runID(),
		Cycle:        n,
		Parts:        r.profile.Slots,
		CycleTimeSec: d.Seconds(),
		CompletedAt:  r.CycleStartedAt,
	})
}

func (r *Runner) reportFault(f *cycle.Fault) {
	if r.reporter == nil {
		return
	}
	r.reporter.ReportFault(erp.FaultReport{
		Cell:    r.Name(),
		RunID:   r.runID(),
		Code:    f.Kind.Code(),
		Kind:    f.Kind.String(),
		Phase:   f.Phase.String(),
		Message: f.Error(),
		At:      f.At,
	})
}

func (r *Runner) saveCheckpoint(rec checkpoint.Record) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.Save(ctx, rec); err != nil {
		log.Warn().Err(err).Str("phase", rec.PhaseName).Msg("Failed to save checkpoint")
	}
}

// Connected reports whether the arm link is up. Arms without a link state
// are always connected.
func (r *Runner) Connected() bool {
	if c, ok := r.arm.(interface{ Connected() bool }); ok {
		return c.Connected()
	}
	return true
}

// Faulted reports whether the engine has stopped.
func (r *Runner) Faulted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.Fault() != nil
}

// Fault returns the terminal fault of the engine, nil while healthy.
func (r *Runner) Fault() *cycle.Fault {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.Fault()
}

// CycleState returns a copy of the engine state.
func (r *Runner) CycleState() cycle.CycleState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.State()
}

// Profile returns the waypoint profile of the cell
func (r *Runner) Profile() *waypoint.Profile {
	return r.profile
}

// Metrics returns the current cell metrics
func (r *Runner) Metrics() core.CellMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics.Snapshot(r.State())
}

// Events returns the most recent transitions of the current run.
func (r *Runner) Events(ctx context.Context, limit int) ([]checkpoint.Event, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.Events(ctx, "", limit)
}

// GetRuntimeConfig returns the runtime configuration for dynamic adjustments
func (r *Runner) GetRuntimeConfig() *config.RuntimeConfig {
	return r.runtime
}
