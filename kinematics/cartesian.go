package kinematics

import (
	"fmt"
	"math"

	"pathctl/motion"
)

// StepperConfig configures one stepper axis within the Cartesian
// kinematics, mirroring the teacher's standalone.AxisConfig but
// trimmed to what this package's contract needs (GPIO wiring belongs
// to the MCU firmware, out of scope here).
type StepperConfig struct {
	Name       string
	StepsPerMM float64
	MinPos     float64
	MaxPos     float64
	MaxAccel   float64
}

// Cartesian implements a 1:1 XYZ(E) mapping between tool space and
// joint space — the simplest Kinematics plug-in, used as the example
// implementation and by this repository's own tests.
type Cartesian struct {
	axes []StepperConfig
}

// NewCartesian builds a Cartesian kinematics plug-in from one
// StepperConfig per axis, in tool-coordinate order.
func NewCartesian(axes []StepperConfig) (*Cartesian, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("cartesian: at least one axis required")
	}
	for _, a := range axes {
		if a.StepsPerMM <= 0 {
			return nil, fmt.Errorf("cartesian: axis %q has non-positive steps_per_mm", a.Name)
		}
		if a.MaxAccel <= 0 {
			return nil, fmt.Errorf("cartesian: axis %q has non-positive max_accel", a.Name)
		}
	}
	return &Cartesian{axes: axes}, nil
}

func (k *Cartesian) AxisCount() int { return len(k.axes) }

func (k *Cartesian) Limits() []AxisLimit {
	out := make([]AxisLimit, len(k.axes))
	for i, a := range k.axes {
		out[i] = AxisLimit{Name: a.Name, Min: a.MinPos, Max: a.MaxPos, MaxAccel: a.MaxAccel}
	}
	return out
}

func (k *Cartesian) Forward(joint motion.Vec) motion.Vec { return joint.Clone() }

func (k *Cartesian) Inverse(tool motion.Vec) (motion.Vec, error) {
	if err := ValidateAxisCount(len(tool), len(k.axes)); err != nil {
		return nil, err
	}
	for i, a := range k.axes {
		if tool[i] < a.MinPos-1e-9 || tool[i] > a.MaxPos+1e-9 {
			return nil, ErrUnreachable
		}
	}
	return tool.Clone(), nil
}

func (k *Cartesian) CheckLimits(pos motion.Vec) error {
	if err := ValidateAxisCount(len(pos), len(k.axes)); err != nil {
		return err
	}
	for i, a := range k.axes {
		if pos[i] < a.MinPos-1e-9 || pos[i] > a.MaxPos+1e-9 {
			return fmt.Errorf("axis %q position %.4f outside [%.4f, %.4f]", a.Name, pos[i], a.MinPos, a.MaxPos)
		}
	}
	return nil
}

// AxisAccelLimit projects each axis's max acceleration onto the
// direction of travel: the move's scalar acceleration bound is the
// smallest value such that no axis's component of that acceleration
// exceeds its own max_accel. For axis i moving a fraction f_i = |d_i|/|d|
// of the total distance in direction d, the achievable scalar
// acceleration is a_max_i / f_i (when f_i > 0); the move's bound is
// the minimum over all axes with nonzero displacement.
func (k *Cartesian) AxisAccelLimit(start, end motion.Vec) (float64, error) {
	if err := ValidateAxisCount(len(start), len(k.axes)); err != nil {
		return 0, err
	}
	if err := ValidateAxisCount(len(end), len(k.axes)); err != nil {
		return 0, err
	}

	d := end.Sub(start)
	dist := d.Norm()
	if dist == 0 {
		// Zero-length move: acceleration bound is irrelevant, but
		// must stay positive to keep the trapezoid solver well-formed.
		min := math.Inf(1)
		for _, a := range k.axes {
			min = math.Min(min, a.MaxAccel)
		}
		return min, nil
	}

	bound := math.Inf(1)
	for i, a := range k.axes {
		frac := math.Abs(d[i]) / dist
		if frac < 1e-12 {
			continue
		}
		bound = math.Min(bound, a.MaxAccel/frac)
	}
	if math.IsInf(bound, 1) {
		// No axis moves (shouldn't happen given dist > 0 above), fall
		// back to the smallest configured limit.
		for _, a := range k.axes {
			bound = math.Min(bound, a.MaxAccel)
		}
	}
	return bound, nil
}

// StepsFor returns, for each axis, the closed-form step-index
// function implied by the move's trapezoid profile (§4.3's contract
// input): steps accumulate linearly with the move's fractional
// progress along its direction, and the move's progress-vs-time is
// the standard accel/cruise/decel trapezoid.
func (k *Cartesian) StepsFor(m *motion.Move) ([]StepperContribution, error) {
	if err := ValidateAxisCount(len(m.Direction), len(k.axes)); err != nil {
		return nil, err
	}

	duration := m.Duration()
	out := make([]StepperContribution, 0, len(k.axes))

	for i, a := range k.axes {
		disp := m.End[i] - m.Start[i]
		if disp == 0 {
			continue
		}
		stepsPerMM := a.StepsPerMM
		sign := 1.0
		if disp < 0 {
			sign = -1.0
		}
		axisFrac := math.Abs(disp) / m.Distance // this axis's share of travel

		progress := trapezoidProgress(m)
		eval := func(t float64) float64 {
			p := progress(t) // distance traveled along the move, in mm
			return sign * p * axisFrac * stepsPerMM
		}

		out = append(out, StepperContribution{
			Stepper:       a.Name,
			Eval:          eval,
			StartVelocity: sign * m.StartSpeed * axisFrac * stepsPerMM,
			EndVelocity:   sign * m.EndSpeed * axisFrac * stepsPerMM,
			StartAccel:    sign * m.AccelLimit * axisFrac * stepsPerMM,
			EndAccel:      -sign * m.AccelLimit * axisFrac * stepsPerMM,
			Duration:      duration,
		})
	}
	return out, nil
}

// trapezoidProgress returns a function from elapsed time to distance
// traveled along the move, piecewise over the accel/cruise/decel
// segments.
func trapezoidProgress(m *motion.Move) func(t float64) float64 {
	t1 := m.AccelTime
	t2 := t1 + m.CruiseTime
	return func(t float64) float64 {
		switch {
		case t <= 0:
			return 0
		case t < t1:
			return m.StartSpeed*t + 0.5*m.AccelLimit*t*t
		case t < t2:
			return m.AccelDist + m.CruiseSpeed*(t-t1)
		default:
			dt := t - t2
			if dt > m.DecelTime {
				dt = m.DecelTime
			}
			return m.AccelDist + m.CruiseDist + m.CruiseSpeed*dt - 0.5*m.AccelLimit*dt*dt
		}
	}
}
