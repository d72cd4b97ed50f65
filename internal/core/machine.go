package core

import (
	"time"

	"github.com/awcullen/opcua/ua"
)

// NamespaceCell is the OPC UA namespace index the cell publishes into
const NamespaceCell uint16 = 2

// Machine is implemented by everything that publishes telemetry
type Machine interface {
	Name() string
	MachineType() string
	State() MachineState

	// OPC UA node definitions
	GetOPCUANodes() []NodeDefinition

	// Current values keyed by node name
	GenerateData() map[string]interface{}
}

// NodeDefinition describes an OPC UA node
type NodeDefinition struct {
	Name         string      // Node name (e.g., "Phase")
	DisplayName  string      // Human-readable name
	Description  string      // Description of the node
	DataType     DataType    // Data type (Double, Int32, String, etc.)
	Unit         string      // Engineering unit (deg, mm, s)
	InitialValue interface{} // Initial/default value
}

// DataType represents OPC UA data types
type DataType int

const (
	DataTypeDouble DataType = iota
	DataTypeFloat
	DataTypeInt32
	DataTypeInt64
	DataTypeString
	DataTypeBool
	DataTypeDateTime
)

// OPCUADataType maps a DataType onto the OPC UA built-in type node
func OPCUADataType(dt DataType) ua.NodeID {
	switch dt {
	case DataTypeDouble:
		return ua.DataTypeIDDouble
	case DataTypeFloat:
		return ua.DataTypeIDFloat
	case DataTypeInt32:
		return ua.DataTypeIDInt32
	case DataTypeInt64:
		return ua.DataTypeIDInt64
	case DataTypeString:
		return ua.DataTypeIDString
	case DataTypeBool:
		return ua.DataTypeIDBoolean
	case DataTypeDateTime:
		return ua.DataTypeIDDateTime
	default:
		return ua.DataTypeIDBaseDataType
	}
}

// MachineCallbacks for machine events
type MachineCallbacks struct {
	OnStateChange   func(from, to MachineState)
	OnCycleComplete func(cycle int, duration time.Duration)
	OnError         func(err *ErrorInfo)
}

// BaseMachine provides the supervisory state bookkeeping shared by machines
type BaseMachine struct {
	name      string
	callbacks MachineCallbacks
	state     MachineState

	// Timing
	StateEnteredAt time.Time
	CycleStartedAt time.Time

	// Error state
	CurrentError *ErrorInfo
}

// NewBaseMachine creates a new base machine in the idle state
func NewBaseMachine(name string, now time.Time) *BaseMachine {
	return &BaseMachine{
		name:           name,
		state:          StateIdle,
		StateEnteredAt: now,
		CycleStartedAt: now,
	}
}

// Name returns the machine name
func (bm *BaseMachine) Name() string {
	return bm.name
}

// SetCallbacks sets the event callbacks
func (bm *BaseMachine) SetCallbacks(cb MachineCallbacks) {
	bm.callbacks = cb
}

// State returns the current machine state
func (bm *BaseMachine) State() MachineState {
	return bm.state
}

// TransitionTo changes the machine state
func (bm *BaseMachine) TransitionTo(newState MachineState, now time.Time) {
	if bm.state == newState {
		return
	}

	oldState := bm.state
	bm.state = newState
	bm.StateEnteredAt = now

	if bm.callbacks.OnStateChange != nil {
		bm.callbacks.OnStateChange(oldState, newState)
	}
}

// CompleteCycle reports a finished cycle and starts timing the next one
func (bm *BaseMachine) CompleteCycle(cycle int, now time.Time) {
	duration := now.Sub(bm.CycleStartedAt)
	bm.CycleStartedAt = now

	if bm.callbacks.OnCycleComplete != nil {
		bm.callbacks.OnCycleComplete(cycle, duration)
	}
}

// TriggerError records an error and moves to the unplanned stop state
func (bm *BaseMachine) TriggerError(code, message string, now time.Time) {
	bm.CurrentError = &ErrorInfo{
		Code:       code,
		Message:    message,
		OccurredAt: now,
	}
	bm.TransitionTo(StateUnplannedStop, now)

	if bm.callbacks.OnError != nil {
		bm.callbacks.OnError(bm.CurrentError)
	}
}
