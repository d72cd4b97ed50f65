package robot

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

// DH parameters of a UR5e class arm (mm, radians).
var (
	dhD     = [waypoint.NumJoints]float64{162.5, 0, 0, 133.3, 99.7, 99.6}
	dhA     = [waypoint.NumJoints]float64{0, -425, -392.2, 0, 0, 0}
	dhAlpha = [waypoint.NumJoints]float64{math.Pi / 2, 0, 0, math.Pi / 2, -math.Pi / 2, 0}
)

// DefaultReach is the nominal working radius of the arm in mm.
const DefaultReach = 850.0

type mat4 [4][4]float64

func identity() mat4 {
	return mat4{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

func (m mat4) mul(o mat4) mat4 {
	var out mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			for k := 0; k < 4; k++ {
				out[i][j] += m[i][k] * o[k][j]
			}
		}
	}
	return out
}

func dhLink(theta, d, a, alpha float64) mat4 {
	ct, st := math.Cos(theta), math.Sin(theta)
	ca, sa := math.Cos(alpha), math.Sin(alpha)
	return mat4{
		{ct, -st * ca, st * sa, a * ct},
		{st, ct * ca, -ct * sa, a * st},
		{0, sa, ca, d},
		{0, 0, 0, 1},
	}
}

// ForwardKinematics returns the tool pose for a joint vector in degrees.
// Rotation is reported as roll/pitch/yaw in degrees.
func ForwardKinematics(joints waypoint.JointVector) waypoint.Pose {
	t := identity()
	for i, deg := range joints {
		t = t.mul(dhLink(deg*math.Pi/180, dhD[i], dhA[i], dhAlpha[i]))
	}

	pitch := math.Atan2(-t[2][0], math.Hypot(t[0][0], t[1][0]))
	yaw := math.Atan2(t[1][0], t[0][0])
	roll := math.Atan2(t[2][1], t[2][2])

	return waypoint.Pose{
		Position: r3.Vector{X: t[0][3], Y: t[1][3], Z: t[2][3]},
		Rotation: r3.Vector{X: roll, Y: pitch, Z: yaw}.Mul(180 / math.Pi),
	}
}

// approximateJoints estimates joint angles for a Cartesian position. It is
// only used for telemetry while the simulated arm runs Cartesian moves.
func approximateJoints(pos r3.Vector, reach float64) waypoint.JointVector {
	var j waypoint.JointVector

	// base rotation towards the target in the X-Y plane
	j[0] = math.Atan2(pos.Y, pos.X) * 180 / math.Pi

	xy := math.Hypot(pos.X, pos.Y)
	ratio := xy / (reach * 0.7)
	if ratio > 1 {
		ratio = 1
	}
	j[1] = -(45 + ratio*45)
	j[2] = -(180 - 45 - ratio*45*1.5)

	// keep the tool pointing down
	j[3] = -90 - (j[1] + j[2])
	j[4] = 90
	j[5] = -j[0]
	return j
}
