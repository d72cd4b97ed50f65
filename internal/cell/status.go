package cell

import (
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/core"
	"github.com/sebastiankruger/cell-sequencer/internal/cycle"
)

// Status is a point-in-time view of the cell for the REST API
type Status struct {
	Name         string              `json:"name"`
	Type         string              `json:"type"`
	State        string              `json:"state"`
	Phase        string              `json:"phase"`
	PhaseElapsed float64             `json:"phaseElapsed"` // seconds
	ToolFlipped  bool                `json:"toolFlipped"`
	Counters     cycle.Counters      `json:"counters"`
	RowIndex     int                 `json:"rowIndex"`
	Variant      string              `json:"variant"`
	Outputs      []cycle.OutputLevel `json:"outputs"`
	Connected    bool                `json:"connected"`
	Fault        *FaultInfo          `json:"fault,omitempty"`
	Metrics      core.CellMetrics    `json:"metrics"`
	Timestamp    time.Time           `json:"timestamp"`
}

// FaultInfo describes the fault that stopped the engine
type FaultInfo struct {
	Code       string    `json:"code"`
	Kind       string    `json:"kind"`
	Phase      string    `json:"phase"`
	Message    string    `json:"message"`
	RetreatErr string    `json:"retreatError,omitempty"`
	At         time.Time `json:"at"`
}

func newFaultInfo(f *cycle.Fault) *FaultInfo {
	if f == nil {
		return nil
	}
	info := &FaultInfo{
		Code:    f.Kind.Code(),
		Kind:    f.Kind.String(),
		Phase:   f.Phase.String(),
		Message: f.Error(),
		At:      f.At,
	}
	if f.RetreatErr != nil {
		info.RetreatErr = f.RetreatErr.Error()
	}
	return info
}

// Status returns the current cell status
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := r.sample()
	return Status{
		Name:         r.Name(),
		Type:         r.MachineType(),
		State:        d.State.String(),
		Phase:        d.Phase.String(),
		PhaseElapsed: d.PhaseElapsed,
		ToolFlipped:  d.ToolFlipped,
		Counters:     d.Counters,
		RowIndex:     d.RowIndex,
		Variant:      d.Variant.String(),
		Outputs:      r.engine.OutputLevels(),
		Connected:    r.Connected(),
		Fault:        newFaultInfo(r.engine.Fault()),
		Metrics:      r.metrics.Snapshot(d.State),
		Timestamp:    time.Now(),
	}
}
