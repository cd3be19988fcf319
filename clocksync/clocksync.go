// Package clocksync maintains the affine mapping between host wall
// time and MCU clock ticks each session needs to convert planned
// move/step times into tick-domain commands, per §4.5.
package clocksync

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"pathctl/perr"
)

// Sample is one (host_time, mcu_clock) observation, typically taken
// from a get_clock round trip.
type Sample struct {
	HostTime time.Time
	MCUClock uint64
}

// driftTolerance bounds each sample's prediction residual (in ticks);
// a residual above it starts (or continues) the drift window rather
// than being treated as ordinary round-trip jitter.
const driftTolerance = 200

// driftWindow is how long a residual has to stay outside tolerance
// before ClockDrift is declared fatal.
const driftWindow = 5 * time.Second

// Estimator recursively fits mcu_clock = a*(host_time-t0) + b using a
// two-state (a, b) linear Kalman filter over get_clock samples, per
// §4.5. a must stay positive (the MCU clock never runs backward
// relative to host time); sustained excess residual escalates to a
// ClockDrift fatal event.
type Estimator struct {
	t0 time.Time

	// x = [a, b]^T, P is its covariance.
	x *mat.VecDense
	p *mat.SymDense

	processNoise     float64
	measurementNoise float64

	warm          bool
	driftSince    time.Time
	inDriftWindow bool
}

// NewEstimator builds an estimator seeded with a nominal tick
// frequency (ticksPerSecond) around reference time t0, before any
// samples have been observed.
func NewEstimator(t0 time.Time, ticksPerSecond float64) *Estimator {
	x := mat.NewVecDense(2, []float64{ticksPerSecond, 0})
	p := mat.NewSymDense(2, []float64{
		ticksPerSecond * ticksPerSecond * 0.01, 0,
		0, 1e12,
	})
	return &Estimator{
		t0:               t0,
		x:                x,
		p:                p,
		processNoise:      1e-6,
		measurementNoise:  100 * 100,
	}
}

// Update folds a new (host_time, mcu_clock) sample into the estimate.
// It returns a ClockDrift fatal event if the residual has exceeded
// driftTolerance continuously for driftWindow.
func (e *Estimator) Update(session string, s Sample) error {
	t := s.HostTime.Sub(e.t0).Seconds()

	// Measurement model: z = H*x, H = [t, 1].
	pred := e.x.AtVec(0)*t + e.x.AtVec(1)
	residual := float64(s.MCUClock) - pred

	// Process noise grows the covariance each update (a static process,
	// but model uncertainty in a/b drifting slowly over the session).
	var pPredicted mat.SymDense
	pPredicted.AddSym(e.p, scaledIdentity(e.processNoise))

	h := mat.NewVecDense(2, []float64{t, 1})
	var ph mat.VecDense
	ph.MulVec(&pPredicted, h)
	s2 := mat.Dot(h, &ph) + e.measurementNoise

	k := mat.NewVecDense(2, nil)
	k.ScaleVec(1/s2, &ph)

	var xNew mat.VecDense
	xNew.AddScaledVec(e.x, residual, k)
	e.x = &xNew

	var kh mat.Dense
	kh.Outer(1, k, h)
	var iMinusKH mat.Dense
	iMinusKH.Sub(identity2(), &kh)
	var pNew mat.Dense
	pNew.Mul(&iMinusKH, &pPredicted)
	sym := mat.NewSymDense(2, []float64{pNew.At(0, 0), pNew.At(0, 1), pNew.At(1, 0), pNew.At(1, 1)})
	e.p = sym

	if e.x.AtVec(0) <= 0 {
		// a must stay positive; clamp it to 1 rather than accept a
		// nonsensical mapping. Only the residual check below feeds
		// ClockDrift.
		e.x.SetVec(0, 1)
	}

	abs := residual
	if abs < 0 {
		abs = -abs
	}
	if abs > driftTolerance {
		if !e.inDriftWindow {
			e.inDriftWindow = true
			e.driftSince = s.HostTime
		} else if s.HostTime.Sub(e.driftSince) >= driftWindow {
			return perr.ClockDrift(session, fmt.Errorf("residual %.1f ticks sustained for %s", residual, driftWindow))
		}
	} else {
		e.inDriftWindow = false
	}

	e.warm = true
	return nil
}

// Warm reports whether at least one sample has been folded in —
// before this, ToTicks/ToHostTime use the seeded nominal frequency
// only.
func (e *Estimator) Warm() bool { return e.warm }

// ToTicks converts a host-relative time (seconds since t0) into the
// estimated MCU clock tick count.
func (e *Estimator) ToTicks(hostSeconds float64) (int64, error) {
	a, b := e.x.AtVec(0), e.x.AtVec(1)
	if a <= 0 {
		return 0, fmt.Errorf("clocksync: non-positive clock rate estimate")
	}
	return int64(a*hostSeconds + b), nil
}

// ToHostSeconds converts an MCU tick count back to host-relative
// seconds (since t0), the inverse of ToTicks.
func (e *Estimator) ToHostSeconds(ticks int64) (float64, error) {
	a, b := e.x.AtVec(0), e.x.AtVec(1)
	if a <= 0 {
		return 0, fmt.Errorf("clocksync: non-positive clock rate estimate")
	}
	return (float64(ticks) - b) / a, nil
}

func scaledIdentity(v float64) mat.Symmetric {
	return mat.NewSymDense(2, []float64{v, 0, 0, v})
}

func identity2() *mat.Dense {
	return mat.NewDense(2, 2, []float64{1, 0, 0, 1})
}
