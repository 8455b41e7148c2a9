package matx

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestKronSmall(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	b := mat.NewDense(2, 2, []float64{0, 5, 6, 7})

	got := Kron(a, b)
	want := mat.NewDense(4, 4, []float64{
		0, 5, 0, 10,
		6, 7, 12, 14,
		0, 15, 0, 20,
		18, 21, 24, 28,
	})

	r, c := got.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !almostEqual(got.At(i, j), want.At(i, j), 1e-12) {
				t.Fatalf("Kron mismatch at (%d,%d): got %v want %v", i, j, got.At(i, j), want.At(i, j))
			}
		}
	}
}

func TestCommutationMatchesVecTranspose(t *testing.T) {
	a := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	m, n := a.Dims()

	vecA := make([]float64, m*n)
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			vecA[i+j*m] = a.At(i, j)
		}
	}

	at := a.T()
	vecAT := make([]float64, m*n)
	for j := 0; j < m; j++ {
		for i := 0; i < n; i++ {
			vecAT[i+j*n] = at.At(i, j)
		}
	}

	k := Commutation(m, n)
	var got mat.VecDense
	got.MulVec(k, mat.NewVecDense(m*n, vecA))

	for i := 0; i < m*n; i++ {
		if !almostEqual(got.AtVec(i), vecAT[i], 1e-12) {
			t.Fatalf("commutation mismatch at %d: got %v want %v", i, got.AtVec(i), vecAT[i])
		}
	}
}

func TestPseudoInverseFullRank(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{4, 0, 0, 2})
	pinv := PseudoInverse(a, 1e-12)

	var identity mat.Dense
	identity.Mul(a, pinv)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if !almostEqual(identity.At(i, j), want, 1e-9) {
				t.Fatalf("A*pinv(A) not identity at (%d,%d): got %v", i, j, identity.At(i, j))
			}
		}
	}
}

func TestPseudoInverseSingular(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	pinv := PseudoInverse(a, 1e-10)

	// pinv of [[1,1],[1,1]] is [[0.25,0.25],[0.25,0.25]]
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if !almostEqual(pinv.At(i, j), 0.25, 1e-9) {
				t.Fatalf("pinv mismatch at (%d,%d): got %v want 0.25", i, j, pinv.At(i, j))
			}
		}
	}
}

func TestIsZero(t *testing.T) {
	z := mat.NewDense(2, 2, nil)
	if !IsZero(z) {
		t.Fatal("expected zero matrix to report IsZero")
	}
	z.Set(1, 1, 1e-300)
	if IsZero(z) {
		t.Fatal("expected nonzero entry to break IsZero")
	}
}

func TestSymmetrizeInPlace(t *testing.T) {
	d := mat.NewDense(2, 2, []float64{1, 2, 2.0001, 3})
	SymmetrizeInPlace(d)
	if d.At(0, 1) != d.At(1, 0) {
		t.Fatalf("expected symmetric result, got %v vs %v", d.At(0, 1), d.At(1, 0))
	}
}
