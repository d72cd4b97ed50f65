package cell

import (
	"github.com/sebastiankruger/cell-sequencer/internal/core"
	"github.com/sebastiankruger/cell-sequencer/internal/cycle"
	"github.com/sebastiankruger/cell-sequencer/internal/robot"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

// CellData is one telemetry sample of the cell
type CellData struct {
	State        core.MachineState
	Phase        cycle.Phase
	PhaseElapsed float64 // seconds

	ToolFlipped bool
	Counters    cycle.Counters
	RowIndex    int
	Variant     waypoint.Variant

	// TCP pose
	PositionX, PositionY, PositionZ float64
	Joints                          waypoint.JointVector

	// Tool functions, logical on/off
	VacuumPrimary   bool
	VacuumSecondary bool
	BlowOff         bool
	Fastener        bool

	LastCycleTime    float64 // seconds
	AverageCycleTime float64 // seconds
	CyclesPerHour    float64

	ErrorCode    string
	ErrorMessage string
}

// ToMap converts CellData to a map for OPC UA updates
func (d *CellData) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"State":            int32(d.State),
		"StateName":        d.State.String(),
		"Phase":            d.Phase.String(),
		"PhaseIndex":       int32(d.Phase),
		"PhaseElapsed":     d.PhaseElapsed,
		"ToolFlipped":      d.ToolFlipped,
		"Picks":            int32(d.Counters.Picks),
		"Loads":            int32(d.Counters.Loads),
		"Unloads":          int32(d.Counters.Unloads),
		"StepCounter":      int32(d.Counters.StepCounter),
		"CycleCount":       int32(d.Counters.Cycles),
		"RowIndex":         int32(d.RowIndex),
		"Variant":          d.Variant.String(),
		"PositionX":        d.PositionX,
		"PositionY":        d.PositionY,
		"PositionZ":        d.PositionZ,
		"Joint1":           d.Joints[0],
		"Joint2":           d.Joints[1],
		"Joint3":           d.Joints[2],
		"Joint4":           d.Joints[3],
		"Joint5":           d.Joints[4],
		"Joint6":           d.Joints[5],
		"VacuumPrimary":    d.VacuumPrimary,
		"VacuumSecondary":  d.VacuumSecondary,
		"BlowOff":          d.BlowOff,
		"Fastener":         d.Fastener,
		"LastCycleTime":    d.LastCycleTime,
		"AverageCycleTime": d.AverageCycleTime,
		"CyclesPerHour":    d.CyclesPerHour,
		"ErrorCode":        d.ErrorCode,
		"ErrorMessage":     d.ErrorMessage,
	}
}

// GetOPCUANodes returns the OPC UA node definitions of the cell
func (r *Runner) GetOPCUANodes() []core.NodeDefinition {
	return []core.NodeDefinition{
		{Name: "State", DisplayName: "State", Description: "Cell state (0=Idle,1=Setup,2=Running,3=PlannedStop,4=UnplannedStop)", DataType: core.DataTypeInt32, Unit: "", InitialValue: int32(0)},
		{Name: "StateName", DisplayName: "State Name", Description: "Cell state name", DataType: core.DataTypeString, Unit: "", InitialValue: core.StateIdle.String()},
		{Name: "Phase", DisplayName: "Phase", Description: "Current cycle phase", DataType: core.DataTypeString, Unit: "", InitialValue: cycle.ApproachPick.String()},
		{Name: "PhaseIndex", DisplayName: "Phase Index", Description: "Current cycle phase number", DataType: core.DataTypeInt32, Unit: "", InitialValue: int32(0)},
		{Name: "PhaseElapsed", DisplayName: "Phase Elapsed", Description: "Time spent in the current phase", DataType: core.DataTypeDouble, Unit: "s", InitialValue: 0.0},
		{Name: "ToolFlipped", DisplayName: "Tool Flipped", Description: "Secondary tool face in use", DataType: core.DataTypeBool, Unit: "", InitialValue: false},
		{Name: "Picks", DisplayName: "Picks", Description: "Parts picked since start", DataType: core.DataTypeInt32, Unit: "", InitialValue: int32(0)},
		{Name: "Loads", DisplayName: "Loads", Description: "Slots loaded this cycle", DataType: core.DataTypeInt32, Unit: "", InitialValue: int32(0)},
		{Name: "Unloads", DisplayName: "Unloads", Description: "Slots unloaded this cycle", DataType: core.DataTypeInt32, Unit: "", InitialValue: int32(0)},
		{Name: "StepCounter", DisplayName: "Step Counter", Description: "Nudges in the current stacking loop", DataType: core.DataTypeInt32, Unit: "", InitialValue: int32(0)},
		{Name: "CycleCount", DisplayName: "Cycle Count", Description: "Total cycles completed", DataType: core.DataTypeInt32, Unit: "", InitialValue: int32(0)},
		{Name: "RowIndex", DisplayName: "Row Index", Description: "Tray row of the next pick", DataType: core.DataTypeInt32, Unit: "", InitialValue: int32(0)},
		{Name: "Variant", DisplayName: "Variant", Description: "Contact variant of the next pick", DataType: core.DataTypeString, Unit: "", InitialValue: waypoint.VariantNormal.String()},
		{Name: "PositionX", DisplayName: "Position X", Description: "TCP X position", DataType: core.DataTypeDouble, Unit: "mm", InitialValue: 0.0},
		{Name: "PositionY", DisplayName: "Position Y", Description: "TCP Y position", DataType: core.DataTypeDouble, Unit: "mm", InitialValue: 0.0},
		{Name: "PositionZ", DisplayName: "Position Z", Description: "TCP Z position", DataType: core.DataTypeDouble, Unit: "mm", InitialValue: 0.0},
		{Name: "Joint1", DisplayName: "Joint 1", Description: "Base rotation", DataType: core.DataTypeDouble, Unit: "deg", InitialValue: 0.0},
		{Name: "Joint2", DisplayName: "Joint 2", Description: "Shoulder", DataType: core.DataTypeDouble, Unit: "deg", InitialValue: 0.0},
		{Name: "Joint3", DisplayName: "Joint 3", Description: "Elbow", DataType: core.DataTypeDouble, Unit: "deg", InitialValue: 0.0},
		{Name: "Joint4", DisplayName: "Joint 4", Description: "Wrist 1", DataType: core.DataTypeDouble, Unit: "deg", InitialValue: 0.0},
		{Name: "Joint5", DisplayName: "Joint 5", Description: "Wrist 2", DataType: core.DataTypeDouble, Unit: "deg", InitialValue: 0.0},
		{Name: "Joint6", DisplayName: "Joint 6", Description: "Wrist 3", DataType: core.DataTypeDouble, Unit: "deg", InitialValue: 0.0},
		{Name: "VacuumPrimary", DisplayName: "Vacuum Primary", Description: "Primary face vacuum on", DataType: core.DataTypeBool, Unit: "", InitialValue: false},
		{Name: "VacuumSecondary", DisplayName: "Vacuum Secondary", Description: "Secondary face vacuum on", DataType: core.DataTypeBool, Unit: "", InitialValue: false},
		{Name: "BlowOff", DisplayName: "Blow Off", Description: "Purge air on", DataType: core.DataTypeBool, Unit: "", InitialValue: false},
		{Name: "Fastener", DisplayName: "Fastener", Description: "Fastener tool on", DataType: core.DataTypeBool, Unit: "", InitialValue: false},
		{Name: "LastCycleTime", DisplayName: "Last Cycle Time", Description: "Duration of the last completed cycle", DataType: core.DataTypeDouble, Unit: "s", InitialValue: 0.0},
		{Name: "AverageCycleTime", DisplayName: "Average Cycle Time", Description: "Moving average cycle time", DataType: core.DataTypeDouble, Unit: "s", InitialValue: 0.0},
		{Name: "CyclesPerHour", DisplayName: "Cycles Per Hour", Description: "Throughput", DataType: core.DataTypeDouble, Unit: "1/h", InitialValue: 0.0},
		{Name: "ErrorCode", DisplayName: "Error Code", Description: "Current error code", DataType: core.DataTypeString, Unit: "", InitialValue: ""},
		{Name: "ErrorMessage", DisplayName: "Error Message", Description: "Error description", DataType: core.DataTypeString, Unit: "", InitialValue: ""},
	}
}

// GenerateData samples the current telemetry
func (r *Runner) GenerateData() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data := r.sample()
	return data.ToMap()
}

// sample must be called with r.mu held
func (r *Runner) sample() CellData {
	now := r.clock.Now()
	st := r.engine.State()
	p := r.profile

	data := CellData{
		State:        r.State(),
		Phase:        st.Phase,
		PhaseElapsed: now.Sub(st.PhaseStartedAt).Seconds(),
		ToolFlipped:  st.ToolFlipped,
		Counters:     st.Counters,
		RowIndex:     st.Counters.RowIndex(p.TrayRows),
		Variant:      waypoint.VariantNormal,
	}
	if st.Counters.OrientationOdd() {
		data.Variant = waypoint.VariantFlipped
	}

	if pose, err := r.arm.CurrentPose(); err == nil {
		data.PositionX = pose.Position.X
		data.PositionY = pose.Position.Y
		data.PositionZ = pose.Position.Z
	}
	if jr, ok := r.arm.(robot.JointReader); ok {
		data.Joints = jr.Joints()
	}

	levels := make(map[robot.Channel]bool)
	for _, l := range r.engine.OutputLevels() {
		levels[l.Channel] = l.Value
	}
	ch := p.Channels
	vacuumOn := func(n int) bool {
		v, ok := levels[robot.Channel(n)]
		return ok && v == p.VacuumLevel(true)
	}
	data.VacuumPrimary = vacuumOn(ch.VacuumPrimary)
	data.VacuumSecondary = vacuumOn(ch.VacuumSecondary)
	data.BlowOff = levels[robot.Channel(ch.BlowOff)]
	data.Fastener = levels[robot.Channel(ch.Fastener)]

	m := r.metrics.Snapshot(r.State())
	data.LastCycleTime = m.LastCycleTime
	data.AverageCycleTime = m.AverageCycleTime
	data.CyclesPerHour = m.CyclesPerHour

	if r.CurrentError != nil {
		data.ErrorCode = r.CurrentError.Code
		data.ErrorMessage = r.CurrentError.Message
	}
	return data
}
