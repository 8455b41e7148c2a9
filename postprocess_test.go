package ssmgo

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestPostprocessEpsMatchesResidualIdentity(t *testing.T) {
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	h := mat.NewSymDense(1, []float64{0.5})
	tr := mat.NewDense(1, 1, []float64{0.4})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	q := mat.NewSymDense(1, []float64{1})
	s := NewTimeInvariantStore(z, d, h, tr, c, r, q)

	y := mat.NewDense(1, 6, []float64{1, 2, 1.5, 0.8, -0.2, 1.1})

	_, sm, out, err := Smooth(context.Background(), s, y, nil)
	if err != nil {
		t.Fatalf("Smooth: %v", err)
	}
	post := Postprocess(s, y, out, sm)

	for tIdx := 1; tIdx <= 6; tIdx++ {
		fitted := sm.Alpha.At(0, tIdx-1)
		want := y.At(0, tIdx-1) - fitted
		if !almostEqual(post.Eps.At(0, tIdx-1), want, 1e-9) {
			t.Fatalf("Eps[:,%d] = %v, want %v", tIdx, post.Eps.At(0, tIdx-1), want)
		}
	}
}

func TestPostprocessMissingEntryNaN(t *testing.T) {
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	h := mat.NewSymDense(1, []float64{0.5})
	tr := mat.NewDense(1, 1, []float64{0.4})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	q := mat.NewSymDense(1, []float64{1})
	s := NewTimeInvariantStore(z, d, h, tr, c, r, q)

	y := mat.NewDense(1, 4, []float64{1, math.NaN(), 1.5, 0.8})

	_, sm, out, err := Smooth(context.Background(), s, y, nil)
	if err != nil {
		t.Fatalf("Smooth: %v", err)
	}
	post := Postprocess(s, y, out, sm)

	if !math.IsNaN(post.Eps.At(0, 1)) {
		t.Fatalf("Eps for missing entry should be NaN, got %v", post.Eps.At(0, 1))
	}
	if !math.IsNaN(post.VarEps.At(0, 1)) {
		t.Fatalf("VarEps for missing entry should be NaN, got %v", post.VarEps.At(0, 1))
	}
}

func TestPostprocessDiffusePhaseEntriesNil(t *testing.T) {
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	h := mat.NewSymDense(1, []float64{2})
	tr := mat.NewDense(1, 1, []float64{1})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	q := mat.NewSymDense(1, []float64{3})
	s := NewTimeInvariantStore(z, d, h, tr, c, r, q)

	y := mat.NewDense(1, 5, []float64{10, 11, 9, 12, 10})

	_, sm, out, err := Smooth(context.Background(), s, y, nil)
	if err != nil {
		t.Fatalf("Smooth: %v", err)
	}
	if out.Dt != 1 {
		t.Fatalf("Dt = %d, want 1", out.Dt)
	}
	post := Postprocess(s, y, out, sm)

	if post.V[0] != nil {
		t.Fatal("expected V[0] (diffuse-phase t=1) to be nil")
	}
	if post.VarEta[0] != nil {
		t.Fatal("expected VarEta[0] (diffuse-phase t=1) to be nil")
	}
	if post.J[0] != nil {
		t.Fatal("expected J[0] (endpoint t=1 diffuse) to be nil")
	}
	if post.V[2] == nil {
		t.Fatal("expected V[2] (standard-phase t=3) to be populated")
	}
}
