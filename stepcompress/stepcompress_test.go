package stepcompress

import (
	"math"
	"testing"
)

func TestCompressUniformVelocity(t *testing.T) {
	// S4: 1000 steps at a fixed 250us interval should compress to
	// exactly one triple with add=0.
	const n = 1000
	const interval = int64(250)
	ideal := make([]int64, n)
	for i := range ideal {
		ideal[i] = interval * int64(i+1)
	}

	triples, err := Compress(0, ideal, 0)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(triples) != 1 {
		t.Fatalf("want 1 triple, got %d", len(triples))
	}
	tr := triples[0]
	if tr.Count != n {
		t.Errorf("want count %d, got %d", n, tr.Count)
	}
	if tr.IntervalTicks != uint32(interval) {
		t.Errorf("want interval %d, got %d", interval, tr.IntervalTicks)
	}
	if tr.Add != 0 {
		t.Errorf("want add 0, got %d", tr.Add)
	}
}

func TestCompressAcceleratingMotion(t *testing.T) {
	// S5: t_k = sqrt(2k/a) ticks, a 10000-step accelerating run, should
	// compress to a modest number of triples.
	const n = 10000
	const a = 1e-3 // ticks^-1, chosen so intervals stay in a sane range
	ideal := make([]int64, n)
	for k := 1; k <= n; k++ {
		ideal[k-1] = int64(math.Round(math.Sqrt(2 * float64(k) / a)))
	}
	// Deduplicate any rounding collisions (ensure strict monotonicity,
	// which is an explicit Compress precondition).
	for i := 1; i < len(ideal); i++ {
		if ideal[i] <= ideal[i-1] {
			ideal[i] = ideal[i-1] + 1
		}
	}

	const tol = 5
	triples, err := Compress(0, ideal, tol)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(triples) == 0 {
		t.Fatalf("expected at least one triple")
	}
	if len(triples) > 200 {
		t.Errorf("expected a modest number of triples for a smoothly accelerating run, got %d", len(triples))
	}

	assertReconstruction(t, 0, ideal, triples, tol)
}

func TestCompressEmpty(t *testing.T) {
	triples, err := Compress(0, nil, 10)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if triples != nil {
		t.Fatalf("want nil triples for empty input, got %v", triples)
	}
}

func TestCompressRejectsNonMonotonic(t *testing.T) {
	_, err := Compress(0, []int64{100, 100}, 5)
	if err == nil {
		t.Fatal("expected an error for non-increasing step times")
	}
}

func TestTripleReconstructStrictlyIncreasing(t *testing.T) {
	tr := Triple{IntervalTicks: 300, Count: 50, Add: -2}
	offs := tr.Reconstruct()
	for i := 1; i < len(offs); i++ {
		if offs[i] <= offs[i-1] {
			t.Fatalf("reconstruction not strictly increasing at %d: %d <= %d", i, offs[i], offs[i-1])
		}
	}
	if offs[len(offs)-1] != tr.EndOffset() {
		t.Errorf("EndOffset() = %d, want %d", tr.EndOffset(), offs[len(offs)-1])
	}
}

// assertReconstruction checks invariant 3: every ideal step time is
// reproduced by the triple sequence within tol ticks, in order.
func assertReconstruction(t *testing.T, ref int64, ideal []int64, triples []Triple, tol int64) {
	t.Helper()
	cur := ref
	idx := 0
	for _, tr := range triples {
		for _, off := range tr.Reconstruct() {
			got := cur + off
			want := ideal[idx]
			diff := got - want
			if diff < 0 {
				diff = -diff
			}
			if diff > tol {
				t.Fatalf("step %d: reconstructed %d, ideal %d, diff %d exceeds tol %d", idx, got, want, diff, tol)
			}
			idx++
		}
		cur += tr.EndOffset()
	}
	if idx != len(ideal) {
		t.Fatalf("reconstructed %d steps, want %d", idx, len(ideal))
	}
}
