// Package waypoint holds the static target catalog of the cell: named joint
// and Cartesian waypoints per tool orientation, plus the per-row offset
// formula applied to the pick targets.
package waypoint

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// NumJoints is the number of manipulator axes.
const NumJoints = 6

// JointVector holds six joint angles in degrees, base to wrist 3.
type JointVector [NumJoints]float64

// Add returns the componentwise sum.
func (j JointVector) Add(o JointVector) JointVector {
	var out JointVector
	for i := range j {
		out[i] = j[i] + o[i]
	}
	return out
}

// Scale returns every component multiplied by k.
func (j JointVector) Scale(k float64) JointVector {
	var out JointVector
	for i := range j {
		out[i] = j[i] * k
	}
	return out
}

// MaxDelta returns the largest absolute per-joint difference.
func (j JointVector) MaxDelta(o JointVector) float64 {
	var max float64
	for i := range j {
		if d := math.Abs(j[i] - o[i]); d > max {
			max = d
		}
	}
	return max
}

// Pose is a Cartesian tool pose in the robot base frame.
type Pose struct {
	Position r3.Vector // mm
	Rotation r3.Vector // rx, ry, rz in degrees
}

// Kind tells whether a waypoint is a joint-space or Cartesian target
type Kind int

const (
	KindJoint Kind = iota
	KindCartesian
)

func (k Kind) String() string {
	switch k {
	case KindJoint:
		return "joint"
	case KindCartesian:
		return "cartesian"
	default:
		return "unknown"
	}
}

// Variant is the end effector orientation a waypoint was taught for
type Variant int

const (
	VariantNormal Variant = iota
	VariantFlipped
)

func (v Variant) String() string {
	switch v {
	case VariantNormal:
		return "normal"
	case VariantFlipped:
		return "flipped"
	default:
		return "unknown"
	}
}

// ParseVariant converts a profile string into a Variant. An empty string is
// the normal orientation.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "", "normal":
		return VariantNormal, nil
	case "flipped":
		return VariantFlipped, nil
	default:
		return VariantNormal, fmt.Errorf("%w: unknown variant %q", ErrConfig, s)
	}
}

// Waypoint is a named target the manipulator can be commanded to.
type Waypoint struct {
	Name    string
	Kind    Kind
	Variant Variant
	Joints  JointVector
	Pose    Pose
}

// Joint creates a joint-space waypoint.
func Joint(name string, variant Variant, joints JointVector) Waypoint {
	return Waypoint{Name: name, Kind: KindJoint, Variant: variant, Joints: joints}
}

// Cartesian creates a Cartesian waypoint.
func Cartesian(name string, pose Pose) Waypoint {
	return Waypoint{Name: name, Kind: KindCartesian, Pose: pose}
}

// WithJointOffset returns a copy shifted componentwise by off. Cartesian
// waypoints are returned unchanged.
func (w Waypoint) WithJointOffset(off JointVector) Waypoint {
	if w.Kind != KindJoint {
		return w
	}
	w.Joints = w.Joints.Add(off)
	return w
}

// Translate returns a copy moved by d (mm). Joint waypoints are returned
// unchanged.
func (w Waypoint) Translate(d r3.Vector) Waypoint {
	if w.Kind != KindCartesian {
		return w
	}
	w.Pose.Position = w.Pose.Position.Add(d)
	return w
}

func (w Waypoint) String() string {
	if w.Kind == KindCartesian {
		p := w.Pose.Position
		return fmt.Sprintf("%s[%.1f %.1f %.1f]", w.Name, p.X, p.Y, p.Z)
	}
	return fmt.Sprintf("%s(%s)%v", w.Name, w.Variant, w.Joints)
}
