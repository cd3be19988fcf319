package motion

import "math"

// junctionMaxSpeed returns the maximum speed at which the planner may
// cross the junction between prev and cur without violating the
// centripetal-acceleration bound, per §3/§4.1.
//
// This adopts the Klipper/Smoothieware junction-deviation formula
// referenced in spec.md's Open Questions: the cornering radius is
// derived from the configured deviation and theta, the angle whose
// cosine is the negated dot product of the two move directions (theta
// = pi for a straight continuation, 0 for a full reversal): R =
// deviation * sin(theta/2) / (1 - sin(theta/2)), with v_j^2 = accel *
// R. Collinear continuation (theta ~ pi, where R diverges) is handled
// as the min(v_req_a, v_req_b) special case named in §3.
func junctionMaxSpeed(prev, cur *Move, deviation float64) float64 {
	if prev == nil {
		return 0 // nothing precedes the first move: come from a stop
	}
	if prev.Distance == 0 || cur.Distance == 0 {
		return 0
	}

	cosTheta := -prev.Direction.Dot(cur.Direction)
	// Numerically clamp into [-1, 1]; floating error can push it
	// slightly outside due to the unit-vector normalization above.
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}

	// cosTheta == 1 means the moves reverse direction entirely
	// (theta == 0, a full stop is required); cosTheta == -1 means
	// perfectly collinear continuation (theta == pi).
	if cosTheta >= 1-1e-10 {
		return 0
	}
	if cosTheta <= -1+1e-10 {
		return math.Min(prev.ReqSpeed, cur.ReqSpeed)
	}

	// sin(theta/2) via the half-angle identity, avoiding an acos call.
	sinHalf := math.Sqrt((1 - cosTheta) / 2)
	if sinHalf >= 1-1e-12 {
		return math.Min(prev.ReqSpeed, cur.ReqSpeed)
	}

	accel := math.Min(prev.AccelLimit, cur.AccelLimit)
	radius := deviation * sinHalf / (1 - sinHalf)
	vj := math.Sqrt(accel * radius)

	return math.Min(vj, math.Min(prev.ReqSpeed, cur.ReqSpeed))
}
