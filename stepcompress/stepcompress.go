// Package stepcompress turns a stepper's per-move ideal step times
// into the compact (interval, count, add) triple form the MCU
// firmware executes, per §4.3.
package stepcompress

import (
	"fmt"

	"pathctl/perr"
)

// Triple is one compressed run of steps: count steps whose inter-step
// intervals form an arithmetic progression starting at IntervalTicks
// with common difference Add, matching the queue_step wire command's
// field widths exactly (§6).
type Triple struct {
	IntervalTicks uint32
	Count         uint16
	Add           int16
}

// EndOffset returns the cumulative tick offset (from the reference
// time the triple's first interval is measured against) of the last
// step in the triple.
func (t Triple) EndOffset() int64 {
	var sum int64
	interval := int64(t.IntervalTicks)
	for i := 0; i < int(t.Count); i++ {
		sum += interval
		interval += int64(t.Add)
	}
	return sum
}

// Reconstruct returns the cumulative tick offsets of every step the
// triple encodes, relative to the same reference time EndOffset uses.
// Used by tests checking invariant 3 (strict monotonicity + bounded
// error).
func (t Triple) Reconstruct() []int64 {
	out := make([]int64, t.Count)
	var sum int64
	interval := int64(t.IntervalTicks)
	for i := 0; i < int(t.Count); i++ {
		sum += interval
		out[i] = sum
		interval += int64(t.Add)
	}
	return out
}

// Compress fits ideal (strictly increasing, absolute tick times
// relative to the same origin as ref) into the minimal-length
// sequence of triples such that reconstructed step times differ from
// ideal by at most tolTicks, per §4.3.
//
// The fit at each step reduces to choosing (interval, add) such that
// |interval + k*add - delta_k| <= tolTicks for every k in the
// window, where delta_k is the k-th inter-step interval. This
// implementation extends the window greedily: it fits the candidate
// arithmetic progression through the window's first and last
// intervals (the two points that most determine the progression) and
// verifies every intermediate k against tolerance before accepting
// the extension — a concrete choice of the "near the intersection
// centroid" tie-break the design calls for, since the endpoints'
// candidate sits in the middle of the per-k acceptance bands by
// construction.
func Compress(ref int64, ideal []int64, tolTicks int64) ([]Triple, error) {
	if len(ideal) == 0 {
		return nil, nil
	}
	if tolTicks < 0 {
		return nil, fmt.Errorf("stepcompress: negative tolerance")
	}

	prev := ref
	for i, t := range ideal {
		if t <= prev {
			return nil, perr.StepOrderViolation("", fmt.Errorf("step %d at %d does not strictly follow %d", i, t, prev))
		}
		prev = t
	}

	// r tracks the actual (reconstructed) cumulative time the MCU will
	// be at once it finishes executing the triples emitted so far —
	// not the true ideal time — so each new window's tolerance check
	// measures total drift from ideal, the same quantity the firmware
	// itself accumulates, rather than resetting the error budget at
	// every triple boundary.
	var out []Triple
	r := ref
	i := 0
	for i < len(ideal) {
		w := fitWindow(r, ideal[i:], tolTicks)
		interval, add := fitParams(r, ideal[i:i+w])
		tr := Triple{
			IntervalTicks: uint32(interval),
			Count:         uint16(w),
			Add:           int16(add),
		}
		out = append(out, tr)
		r += tr.EndOffset()
		i += w
	}
	return out, nil
}

// fitWindow returns the length of the longest prefix of targets
// (absolute tick times, measured against reference r) that a single
// arithmetic progression (interval, add) can reproduce, as a
// cumulative sum, within tolTicks of every prefix's last element —
// preferring the maximal count per §4.3.
func fitWindow(r int64, targets []int64, tolTicks int64) int {
	best := 1
	for w := 2; w <= len(targets); w++ {
		interval, add := fitParams(r, targets[:w])
		if !withinTolerance(r, targets[:w], interval, add, tolTicks) {
			break
		}
		best = w
	}
	return best
}

// fitParams chooses (interval, add) so the reconstructed cumulative
// time exactly matches the window's first and last targets — the two
// constraints that most determine the progression — rounding add to
// the nearest integer tick (it is integral in the wire format).
func fitParams(r int64, targets []int64) (interval, add int64) {
	interval = targets[0] - r
	if interval < 1 {
		// r may already sit up to tolTicks past targets[0]; the
		// smallest positive interval keeps the step within tolerance.
		interval = 1
	}
	w := int64(len(targets))
	if w == 1 {
		return interval, 0
	}
	// Cumulative time after w steps: w*interval + add*(w-1)*w/2.
	last := targets[w-1] - r
	num := 2 * (last - w*interval)
	den := (w - 1) * w
	if num >= 0 {
		add = (num + den/2) / den
	} else {
		add = (num - den/2) / den
	}
	return interval, add
}

// withinTolerance checks every prefix's reconstructed cumulative time
// against its target, per §4.3's "reconstructed step k at cumulative
// time Σ(interval+i·add)" definition.
func withinTolerance(r int64, targets []int64, interval, add, tolTicks int64) bool {
	var sum int64
	cur := interval
	for _, target := range targets {
		sum += cur
		diff := (r + sum) - target
		if diff < 0 {
			diff = -diff
		}
		if diff > tolTicks {
			return false
		}
		cur += add
	}
	return true
}
