package api

import (
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/checkpoint"
	"github.com/sebastiankruger/cell-sequencer/internal/core"
	"github.com/sebastiankruger/cell-sequencer/internal/cycle"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

// NodesResponse is returned by GET /api/nodes
type NodesResponse struct {
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Namespace uint16                 `json:"namespace"`
	State     int                    `json:"state"`
	StateName string                 `json:"stateName"`
	Data      map[string]interface{} `json:"data"`
	Nodes     []NodeInfo             `json:"nodes"`
}

// NodeInfo describes an OPC UA node
type NodeInfo struct {
	Name        string `json:"name"`
	NodeID      string `json:"nodeId"`
	DataType    string `json:"dataType"`
	Unit        string `json:"unit,omitempty"`
	Description string `json:"description,omitempty"`
}

// DataTypeToString converts internal data type to string representation
func DataTypeToString(dt core.DataType) string {
	switch dt {
	case core.DataTypeDouble:
		return "Double"
	case core.DataTypeFloat:
		return "Float"
	case core.DataTypeInt32:
		return "Int32"
	case core.DataTypeInt64:
		return "Int64"
	case core.DataTypeString:
		return "String"
	case core.DataTypeBool:
		return "Boolean"
	case core.DataTypeDateTime:
		return "DateTime"
	default:
		return "Unknown"
	}
}

// WaypointsResponse is returned by GET /api/waypoints and printed by the
// waypoints command
type WaypointsResponse struct {
	Profile   string         `json:"profile" yaml:"profile"`
	TrayRows  int            `json:"trayRows" yaml:"tray_rows"`
	Slots     int            `json:"slots" yaml:"slots"`
	Waypoints []WaypointInfo `json:"waypoints" yaml:"waypoints"`
	Offsets   OffsetsInfo    `json:"offsets" yaml:"offsets"`
}

// WaypointInfo is one taught waypoint
type WaypointInfo struct {
	Name     string      `json:"name" yaml:"name"`
	Variant  string      `json:"variant" yaml:"variant"`
	Kind     string      `json:"kind" yaml:"kind"`
	Joints   []float64   `json:"joints,omitempty" yaml:"joints,omitempty"`
	Position *[3]float64 `json:"position,omitempty" yaml:"position,omitempty"`
	Rotation *[3]float64 `json:"rotation,omitempty" yaml:"rotation,omitempty"`
}

// OffsetsInfo lists the expanded per-row pick offsets
type OffsetsInfo struct {
	Even [][]float64 `json:"even" yaml:"even"`
	Odd  [][]float64 `json:"odd" yaml:"odd"`
}

// NewWaypointsResponse describes a profile
func NewWaypointsResponse(p *waypoint.Profile) WaypointsResponse {
	resp := WaypointsResponse{
		Profile:   p.Name,
		TrayRows:  p.TrayRows,
		Slots:     p.Slots,
		Waypoints: []WaypointInfo{},
	}
	for _, wp := range p.Waypoints() {
		info := WaypointInfo{
			Name:    wp.Name,
			Variant: wp.Variant.String(),
			Kind:    wp.Kind.String(),
		}
		if wp.Kind == waypoint.KindCartesian {
			pos := [3]float64{wp.Pose.Position.X, wp.Pose.Position.Y, wp.Pose.Position.Z}
			rot := [3]float64{wp.Pose.Rotation.X, wp.Pose.Rotation.Y, wp.Pose.Rotation.Z}
			info.Position = &pos
			info.Rotation = &rot
		} else {
			info.Joints = jointSlice(wp.Joints)
		}
		resp.Waypoints = append(resp.Waypoints, info)
	}
	for _, off := range p.OffsetTable(false) {
		resp.Offsets.Even = append(resp.Offsets.Even, jointSlice(off))
	}
	for _, off := range p.OffsetTable(true) {
		resp.Offsets.Odd = append(resp.Offsets.Odd, jointSlice(off))
	}
	return resp
}

func jointSlice(j waypoint.JointVector) []float64 {
	out := make([]float64, len(j))
	copy(out, j[:])
	return out
}

// EventsResponse is returned by GET /api/events
type EventsResponse struct {
	Events []EventInfo `json:"events"`
}

// EventInfo is one logged phase transition
type EventInfo struct {
	ID       string         `json:"id"`
	RunID    string         `json:"runId"`
	At       time.Time      `json:"at"`
	Phase    string         `json:"phase"`
	Counters cycle.Counters `json:"counters"`
}

func newEventInfo(ev checkpoint.Event) EventInfo {
	return EventInfo{
		ID:       ev.ID,
		RunID:    ev.RunID,
		At:       ev.At,
		Phase:    ev.Phase.String(),
		Counters: ev.Counters,
	}
}

// ConfigResponse is returned by GET /api/config
type ConfigResponse struct {
	TimeScale float64 `json:"timeScale"`
	FaultRate float64 `json:"faultRate"`
}

// ConfigUpdateRequest is used for POST /api/config
type ConfigUpdateRequest struct {
	TimeScale *float64 `json:"timeScale,omitempty"`
	FaultRate *float64 `json:"faultRate,omitempty"`
}
