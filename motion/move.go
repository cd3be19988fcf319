package motion

import (
	"math"

	"pathctl/perr"
)

// relTol is the relative tolerance used for the tie-break and
// invariant checks in §4.1/§8 (1e-9 of the larger operand).
const relTol = 1e-9

// Move is a single planned straight-line segment in tool-coordinate
// space, per §3. It is created by Toolhead, mutated only while it
// resides in the look-ahead queue, frozen once Flushed, and retired
// once StepCompress has consumed it.
type Move struct {
	Seq   uint64
	Start Vec
	End   Vec

	Distance  float64
	Direction Vec // unit vector, Start -> End

	ReqSpeed   float64 // requested cruise speed (mm/s)
	AccelLimit float64 // move's acceleration bound, projected from per-axis limits

	// Junction speeds, resolved by the look-ahead pass.
	StartSpeed  float64
	EndSpeed    float64
	CruiseSpeed float64

	// Trapezoid decomposition, filled once junction speeds settle.
	AccelDist  float64
	CruiseDist float64
	DecelDist  float64

	AccelTime  float64
	CruiseTime float64
	DecelTime  float64

	Flushed bool
}

// newMove builds a Move from two positions and validates the
// InvalidMove failure cases from §4.1: non-finite coordinates or
// requested speed, a NaN distance, a nonzero distance with a requested
// speed <= 0, or a non-positive acceleration limit. A zero-distance
// move is accepted.
func newMove(seq uint64, start, end Vec, reqSpeed, accelLimit float64) (*Move, error) {
	if !start.IsFinite() || !end.IsFinite() || math.IsNaN(reqSpeed) || math.IsInf(reqSpeed, 0) {
		return nil, perr.ErrInvalidMove
	}
	d := end.Sub(start)
	dist := d.Norm()
	if dist < 0 || math.IsNaN(dist) {
		return nil, perr.ErrInvalidMove
	}
	if dist > 0 && reqSpeed <= 0 {
		return nil, perr.ErrInvalidMove
	}
	if accelLimit <= 0 {
		return nil, perr.ErrInvalidMove
	}

	m := &Move{
		Seq:        seq,
		Start:      start.Clone(),
		End:        end.Clone(),
		Distance:   dist,
		ReqSpeed:   reqSpeed,
		AccelLimit: accelLimit,
	}
	if dist > 0 {
		m.Direction = d.Unit()
	} else {
		m.Direction = make(Vec, len(start))
	}
	return m, nil
}

// solveTrapezoid fills Accel/Cruise/Decel dist and time given the
// move's already-resolved StartSpeed/EndSpeed and its ReqSpeed as the
// requested (not necessarily achievable) cruise speed. It always
// produces a feasible decomposition: d_accel+d_cruise+d_decel==d and
// all three segments are >= 0, per invariant 2 in §8.
func (m *Move) solveTrapezoid() {
	a := m.AccelLimit
	vs, ve, vreq, d := m.StartSpeed, m.EndSpeed, m.ReqSpeed, m.Distance

	if d == 0 {
		m.CruiseSpeed = 0
		m.AccelDist, m.CruiseDist, m.DecelDist = 0, 0, 0
		m.AccelTime, m.CruiseTime, m.DecelTime = 0, 0, 0
		return
	}

	// Distance needed to accelerate vs->vreq and decelerate vreq->ve.
	accelDist := (vreq*vreq - vs*vs) / (2 * a)
	decelDist := (vreq*vreq - ve*ve) / (2 * a)
	if accelDist < 0 {
		accelDist = 0
	}
	if decelDist < 0 {
		decelDist = 0
	}

	if accelDist+decelDist <= d*(1+relTol) {
		// Full trapezoid: reach vreq and cruise.
		m.CruiseSpeed = vreq
		m.AccelDist = accelDist
		m.DecelDist = decelDist
		m.CruiseDist = d - accelDist - decelDist
		if m.CruiseDist < 0 {
			m.CruiseDist = 0
		}
	} else {
		// Triangle: solve for the peak speed reachable within d.
		vc2 := a*d + (vs*vs+ve*ve)/2
		if vc2 < 0 {
			vc2 = 0
		}
		vc := math.Sqrt(vc2)
		if vc < vs {
			vc = vs
		}
		if vc < ve {
			vc = ve
		}
		m.CruiseSpeed = vc
		ad := (vc*vc - vs*vs) / (2 * a)
		if ad < 0 {
			ad = 0
		}
		if ad > d {
			ad = d
		}
		m.AccelDist = ad
		m.CruiseDist = 0
		m.DecelDist = d - ad
		if m.DecelDist < 0 {
			m.DecelDist = 0
		}
	}

	m.AccelTime = speedDelta(m.CruiseSpeed, vs) / a
	m.DecelTime = speedDelta(m.CruiseSpeed, ve) / a
	if m.CruiseSpeed > 0 {
		m.CruiseTime = m.CruiseDist / m.CruiseSpeed
	} else {
		m.CruiseTime = 0
	}
}

func speedDelta(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return 0
	}
	return d
}

// Duration returns the move's total planned time, in seconds.
func (m *Move) Duration() float64 {
	return m.AccelTime + m.CruiseTime + m.DecelTime
}
