package ssmgo

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestInitializeStationaryAR1(t *testing.T) {
	phi := 0.5
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	h := mat.NewSymDense(1, []float64{0.1})
	tr := mat.NewDense(1, 1, []float64{phi})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	q := mat.NewSymDense(1, []float64{1})
	s := NewTimeInvariantStore(z, d, h, tr, c, r, q)

	if err := Initialize(s, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	want := 1.0 / (1 - phi*phi)
	if !almostEqual(s.Q0.At(0, 0), want, 1e-9) {
		t.Fatalf("Q0 = %v, want %v", s.Q0.At(0, 0), want)
	}
	if !almostEqual(s.A0.AtVec(0), 0, 1e-12) {
		t.Fatalf("A0 = %v, want 0", s.A0.AtVec(0))
	}
	pInf := s.PInfinity()
	if !almostEqual(pInf.At(0, 0), 0, 1e-12) {
		t.Fatalf("PInfinity = %v, want 0 (fully stationary)", pInf.At(0, 0))
	}
}

func TestInitializeDiffuseRandomWalk(t *testing.T) {
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	h := mat.NewSymDense(1, []float64{1})
	tr := mat.NewDense(1, 1, []float64{1})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	q := mat.NewSymDense(1, []float64{2})
	s := NewTimeInvariantStore(z, d, h, tr, c, r, q)

	if err := Initialize(s, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	pInf := s.PInfinity()
	if !almostEqual(pInf.At(0, 0), 1, 1e-12) {
		t.Fatalf("PInfinity = %v, want 1 (fully diffuse)", pInf.At(0, 0))
	}
	pStar := s.PStar()
	if !almostEqual(pStar.At(0, 0), 0, 1e-12) {
		t.Fatalf("PStar = %v, want 0", pStar.At(0, 0))
	}
}

func TestInitializeP0Override(t *testing.T) {
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	h := mat.NewSymDense(1, []float64{1})
	tr := mat.NewDense(1, 1, []float64{0.9})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	q := mat.NewSymDense(1, []float64{1})
	s := NewTimeInvariantStore(z, d, h, tr, c, r, q)

	a0 := mat.NewVecDense(1, []float64{5})
	p0 := mat.NewSymDense(1, []float64{7})
	if err := Initialize(s, &InitOptions{A0: a0, P0: p0}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !almostEqual(s.A0.AtVec(0), 5, 1e-12) {
		t.Fatalf("A0 override not honored: %v", s.A0.AtVec(0))
	}
	if !almostEqual(s.PStar().At(0, 0), 7, 1e-12) {
		t.Fatalf("P0 override not honored: %v", s.PStar().At(0, 0))
	}
}

func TestCheckSpectralRadiusExplosive(t *testing.T) {
	ts := mat.NewDense(1, 1, []float64{1.5})
	err := checkSpectralRadius(ts)
	if err == nil {
		t.Fatal("expected NonStationarySectionError, got nil")
	}
	if _, ok := err.(*NonStationarySectionError); !ok {
		t.Fatalf("expected *NonStationarySectionError, got %T", err)
	}
}

func TestSolveDiscreteLyapunovSatisfiesEquation(t *testing.T) {
	ts := mat.NewDense(2, 2, []float64{0.3, 0.1, 0.0, 0.5})
	sigma := mat.NewDense(2, 2, []float64{1, 0, 0, 1})

	q0, err := solveDiscreteLyapunov(ts, sigma)
	if err != nil {
		t.Fatalf("solveDiscreteLyapunov: %v", err)
	}

	var tsq mat.Dense
	tsq.Mul(ts, q0)
	tsq.Mul(&tsq, ts.T())
	var resid mat.Dense
	resid.Sub(q0, &tsq)

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if !almostEqual(resid.At(i, j), sigma.At(i, j), 1e-8) {
				t.Fatalf("Q0 - Ts Q0 Ts^T != Sigma at (%d,%d): got %v want %v", i, j, resid.At(i, j), sigma.At(i, j))
			}
		}
	}
}
