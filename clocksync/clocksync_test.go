package clocksync

import (
	"testing"
	"time"
)

func TestEstimatorConvergesToTrueRate(t *testing.T) {
	t0 := time.Unix(0, 0)
	const trueRate = 16_000_000.0 // ticks/sec, typical MCU timer freq
	const trueOffset = 1000.0

	e := NewEstimator(t0, trueRate*0.9) // seed deliberately off
	for i := 1; i <= 50; i++ {
		sampleTime := t0.Add(time.Duration(i) * 100 * time.Millisecond)
		elapsed := sampleTime.Sub(t0).Seconds()
		clock := uint64(trueRate*elapsed + trueOffset)
		if err := e.Update("sess-1", Sample{HostTime: sampleTime, MCUClock: clock}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	ticks, err := e.ToTicks(5.0)
	if err != nil {
		t.Fatalf("ToTicks: %v", err)
	}
	want := trueRate*5.0 + trueOffset
	diff := float64(ticks) - want
	if diff < 0 {
		diff = -diff
	}
	if diff > want*0.01 {
		t.Errorf("ToTicks(5.0) = %d, want close to %.0f", ticks, want)
	}
}

func TestEstimatorDetectsSustainedDrift(t *testing.T) {
	t0 := time.Unix(0, 0)
	const rate = 1_000_000.0
	e := NewEstimator(t0, rate)

	// Settle on a stable estimate first.
	for i := 1; i <= 20; i++ {
		st := t0.Add(time.Duration(i) * 100 * time.Millisecond)
		clock := uint64(rate * st.Sub(t0).Seconds())
		if err := e.Update("sess-1", Sample{HostTime: st, MCUClock: clock}); err != nil {
			t.Fatalf("Update during settle: %v", err)
		}
	}

	// Now inject a sustained large residual (clock jumping ahead) for
	// longer than driftWindow.
	var lastErr error
	for i := 21; i <= 120; i++ {
		st := t0.Add(time.Duration(i) * 100 * time.Millisecond)
		clock := uint64(rate*st.Sub(t0).Seconds()) + 100000
		lastErr = e.Update("sess-1", Sample{HostTime: st, MCUClock: clock})
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected a ClockDrift error after sustained large residual")
	}
}

func TestToTicksRejectsNonPositiveRate(t *testing.T) {
	t0 := time.Unix(0, 0)
	e := NewEstimator(t0, 1000)
	e.x.SetVec(0, 0)
	if _, err := e.ToTicks(1.0); err == nil {
		t.Fatal("expected error for non-positive rate")
	}
}
