package ssmgo

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func twoSeriesStore(hData []float64) *Store {
	z := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	d := mat.NewVecDense(2, []float64{0, 0})
	h := mat.NewSymDense(2, hData)
	tr := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	c := mat.NewVecDense(2, []float64{0, 0})
	r := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	q := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	s := NewTimeInvariantStore(z, d, h, tr, c, r, q)
	s.N = 1
	return s
}

func TestFactorizeObservationsDiagonalIsNoOp(t *testing.T) {
	s := twoSeriesStore([]float64{2, 0, 0, 3})
	y := mat.NewDense(2, 1, []float64{10, 20})

	fs, yf, err := FactorizeObservations(s, y)
	if err != nil {
		t.Fatalf("FactorizeObservations: %v", err)
	}
	if !almostEqual(fs.H[0].At(0, 0), 2, 1e-12) || !almostEqual(fs.H[0].At(1, 1), 3, 1e-12) {
		t.Fatalf("diagonal H should pass through unchanged, got %v", mat.Formatted(fs.H[0]))
	}
	if !almostEqual(yf.At(0, 0), 10, 1e-12) || !almostEqual(yf.At(1, 0), 20, 1e-12) {
		t.Fatalf("y should pass through unchanged for diagonal H, got %v", mat.Formatted(yf))
	}
}

func TestFactorizeObservationsCorrelatedReconstructsH(t *testing.T) {
	// H = [[4,2],[2,3]], positive definite (det = 8).
	s := twoSeriesStore([]float64{4, 2, 2, 3})
	y := mat.NewDense(2, 1, []float64{1, 1})

	fs, _, err := FactorizeObservations(s, y)
	if err != nil {
		t.Fatalf("FactorizeObservations: %v", err)
	}

	// H = L D L^T with L = [[1,0],[0.5,1]] and D = diag(4, 2); the factorized
	// H is that D, so L diag(fs.H) L^T must reconstruct the original H for
	// the pattern touching both series.
	l := mat.NewDense(2, 2, []float64{1, 0, 0.5, 1})
	d := mat.NewDense(2, 2, []float64{fs.H[0].At(0, 0), 0, 0, fs.H[0].At(1, 1)})
	var ld mat.Dense
	ld.Mul(l, d)
	var recon mat.Dense
	recon.Mul(&ld, l.T())

	orig := mat.NewSymDense(2, []float64{4, 2, 2, 3})
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if !almostEqual(recon.At(i, j), orig.At(i, j), 1e-9) {
				t.Fatalf("L D L^T != H at (%d,%d): got %v want %v", i, j, recon.At(i, j), orig.At(i, j))
			}
		}
	}
	if !almostEqual(fs.H[0].At(0, 1), 0, 1e-12) {
		t.Fatalf("factorized H must be diagonal, got off-diagonal %v", fs.H[0].At(0, 1))
	}
}

func TestFactorizeObservationsDistinctMissingnessPatterns(t *testing.T) {
	s := twoSeriesStore([]float64{4, 2, 2, 3})
	s.N = 2
	y := mat.NewDense(2, 2, []float64{1, 1, 2, 2})
	y.Set(1, 1, math.NaN())

	fs, yf, err := FactorizeObservations(s, y)
	if err != nil {
		t.Fatalf("FactorizeObservations: %v", err)
	}
	if fs.TauH[0] == fs.TauH[1] {
		t.Fatal("expected distinct patterns for full-observation vs. partial-missing columns")
	}
	if !math.IsNaN(yf.At(1, 1)) {
		t.Fatalf("missing entry must remain NaN after factorization, got %v", yf.At(1, 1))
	}
}

func TestFactorizeObservationsNonPSD(t *testing.T) {
	s := twoSeriesStore([]float64{-1, 0, 0, 1})
	y := mat.NewDense(2, 1, []float64{1, 1})

	_, _, err := FactorizeObservations(s, y)
	if err == nil {
		t.Fatal("expected NonPSDObservationCovError, got nil")
	}
	if _, ok := err.(*NonPSDObservationCovError); !ok {
		t.Fatalf("expected *NonPSDObservationCovError, got %T", err)
	}
}
