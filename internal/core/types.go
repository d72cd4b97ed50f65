package core

import (
	"time"
)

// MachineState represents the supervisory state of the cell
type MachineState int

const (
	StateIdle          MachineState = iota
	StateSetup                      // connecting and homing
	StateRunning                    // cycle engine is being advanced
	StatePlannedStop                // stopped on request
	StateUnplannedStop              // stopped by a fault
)

func (s MachineState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSetup:
		return "Setup"
	case StateRunning:
		return "Running"
	case StatePlannedStop:
		return "PlannedStop"
	case StateUnplannedStop:
		return "UnplannedStop"
	default:
		return "Unknown"
	}
}

// ErrorInfo contains information about a cell error
type ErrorInfo struct {
	Code       string
	Message    string
	OccurredAt time.Time
}

// CellMetrics holds cell level throughput metrics
type CellMetrics struct {
	CellState        string  `json:"cellState"`
	CyclesCompleted  int     `json:"cyclesCompleted"`
	LastCycleTime    float64 `json:"lastCycleTime"`    // seconds
	AverageCycleTime float64 `json:"averageCycleTime"` // seconds
	CyclesPerHour    float64 `json:"cyclesPerHour"`
	PartsPerHour     float64 `json:"partsPerHour"`
	Availability     float64 `json:"availability"` // running time / total time
	UptimeSeconds    float64 `json:"uptimeSeconds"`
	DowntimeSeconds  float64 `json:"downtimeSeconds"`
}
