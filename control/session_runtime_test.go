package control

import (
	"math"
	"testing"

	"pathctl/kinematics"
)

func TestSampleStepTimesUniformVelocity(t *testing.T) {
	// 100 steps/s over 1 second: steps at t=0.01, 0.02, ..., 1.00.
	c := kinematics.StepperContribution{
		Eval:     func(t float64) float64 { return 100 * t },
		Duration: 1.0,
	}
	times := sampleStepTimes(c)
	if len(times) != 100 {
		t.Fatalf("got %d steps, want 100", len(times))
	}
	for i, tm := range times {
		want := float64(i+1) / 100
		if math.Abs(tm-want) > 1e-6 {
			t.Errorf("step %d: got %.6f, want %.6f", i, tm, want)
		}
	}
}

func TestSampleStepTimesDescending(t *testing.T) {
	// Ideal index decreases from 0 to -5 over 1s (reverse direction).
	c := kinematics.StepperContribution{
		Eval:     func(t float64) float64 { return -5 * t },
		Duration: 1.0,
	}
	times := sampleStepTimes(c)
	if len(times) != 5 {
		t.Fatalf("got %d steps, want 5", len(times))
	}
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			t.Fatalf("step times not increasing: %v", times)
		}
	}
}

func TestSampleStepTimesNoMotion(t *testing.T) {
	c := kinematics.StepperContribution{
		Eval:     func(t float64) float64 { return 0 },
		Duration: 1.0,
	}
	if times := sampleStepTimes(c); len(times) != 0 {
		t.Fatalf("got %d steps for a stationary contribution, want 0", len(times))
	}
}

func TestBisectCrossingAccelerating(t *testing.T) {
	eval := func(t float64) float64 { return 0.5 * 1000 * t * t } // x = 1/2 a t^2
	got := bisectCrossing(eval, 0, 1, 200, true)
	want := math.Sqrt(2 * 200 / 1000.0)
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("bisectCrossing = %.6f, want %.6f", got, want)
	}
}
