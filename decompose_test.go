package ssmgo

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestDecomposeSmoothedReconstructsAlpha(t *testing.T) {
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	h := mat.NewSymDense(1, []float64{0.5})
	tr := mat.NewDense(1, 1, []float64{0.4})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	q := mat.NewSymDense(1, []float64{1})
	s := NewTimeInvariantStore(z, d, h, tr, c, r, q)

	y := mat.NewDense(1, 6, []float64{1, 2, 1.5, 0.8, -0.2, 1.1})
	periods := []int{1, 3, 6}

	alpha, _, _, err := Smooth(context.Background(), s, y, nil)
	if err != nil {
		t.Fatalf("Smooth: %v", err)
	}

	s2 := NewTimeInvariantStore(z, d, h, tr, c, r, q)
	decomp, constContrib, err := DecomposeSmoothed(context.Background(), s2, y, nil, periods)
	if err != nil {
		t.Fatalf("DecomposeSmoothed: %v", err)
	}

	n, p := s.N, s.P
	for k, tgt := range periods {
		recon := constContrib.At(0, k)
		for src := 0; src < n; src++ {
			for j := 0; j < p; j++ {
				recon += decomp[k].At(0, src*p+j) * y.At(j, src)
			}
		}
		want := alpha.At(0, tgt-1)
		if !almostEqual(recon, want, 1e-6) {
			t.Fatalf("period %d: reconstructed alpha = %v, want %v", tgt, recon, want)
		}
	}
}

func TestDecomposeSmoothedMissingEntryHasZeroWeight(t *testing.T) {
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	h := mat.NewSymDense(1, []float64{0.5})
	tr := mat.NewDense(1, 1, []float64{0.4})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	q := mat.NewSymDense(1, []float64{1})
	s := NewTimeInvariantStore(z, d, h, tr, c, r, q)

	y := mat.NewDense(1, 4, []float64{1, math.NaN(), 1.5, 0.8})
	periods := []int{4}

	decomp, _, err := DecomposeSmoothed(context.Background(), s, y, nil, periods)
	if err != nil {
		t.Fatalf("DecomposeSmoothed: %v", err)
	}
	if w := decomp[0].At(0, 1); w != 0 {
		t.Fatalf("weight for the missing source period should stay zero, got %v", w)
	}
}

func TestDecomposeSmoothedRejectsOutOfRangePeriod(t *testing.T) {
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	h := mat.NewSymDense(1, []float64{0.5})
	tr := mat.NewDense(1, 1, []float64{0.4})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	q := mat.NewSymDense(1, []float64{1})
	s := NewTimeInvariantStore(z, d, h, tr, c, r, q)

	y := mat.NewDense(1, 3, []float64{1, 2, 3})
	_, _, err := DecomposeSmoothed(context.Background(), s, y, nil, []int{0})
	if err == nil {
		t.Fatal("expected an out-of-range period error, got nil")
	}
}
