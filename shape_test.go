package ssmgo

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func localLevelStore() *Store {
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	h := mat.NewSymDense(1, []float64{1})
	tr := mat.NewDense(1, 1, []float64{1})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	q := mat.NewSymDense(1, []float64{1})
	return NewTimeInvariantStore(z, d, h, tr, c, r, q)
}

func TestValidateSuccess(t *testing.T) {
	s := localLevelStore()
	y := mat.NewDense(1, 10, nil)
	if err := Validate(s, y); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.N != 10 {
		t.Fatalf("s.N = %d, want 10", s.N)
	}
}

func TestValidateShapeMismatchRows(t *testing.T) {
	s := localLevelStore()
	y := mat.NewDense(2, 10, nil)
	err := Validate(s, y)
	if err == nil {
		t.Fatal("expected shape mismatch error, got nil")
	}
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestValidateTauRangeOutOfBounds(t *testing.T) {
	s := localLevelStore()
	s.TauZ = []int{0, 1, 0}
	y := mat.NewDense(1, 3, nil)
	err := Validate(s, y)
	if err == nil {
		t.Fatal("expected tau range error, got nil")
	}
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestValidateUnknownParameter(t *testing.T) {
	s := localLevelStore()
	s.Z[0].Set(0, 0, math.NaN())
	y := mat.NewDense(1, 5, nil)
	err := Validate(s, y)
	if err == nil {
		t.Fatal("expected unknown parameter error, got nil")
	}
	if !errors.Is(err, ErrUnknownParameter) {
		t.Fatalf("expected ErrUnknownParameter, got %v", err)
	}
}

func TestValidateMissingDataNotFlagged(t *testing.T) {
	s := localLevelStore()
	y := mat.NewDense(1, 3, []float64{1, math.NaN(), 3})
	if err := Validate(s, y); err != nil {
		t.Fatalf("missing entries in y must not fail validation: %v", err)
	}
}
