// Package matx collects small gonum/mat helpers the core filter, smoother,
// and gradient recursions need but mat does not provide directly: Kronecker
// products, the vec-commutation matrix, and a tolerance-gated pseudoinverse.
package matx

import (
	"gonum.org/v1/gonum/mat"
)

// Kron returns the Kronecker product A ⊗ B.
func Kron(a, b mat.Matrix) *mat.Dense {
	ra, ca := a.Dims()
	rb, cb := b.Dims()

	out := mat.NewDense(ra*rb, ca*cb, nil)
	for i := 0; i < ra; i++ {
		for j := 0; j < ca; j++ {
			aij := a.At(i, j)
			if aij == 0 {
				continue
			}
			block := out.Slice(i*rb, (i+1)*rb, j*cb, (j+1)*cb).(*mat.Dense)
			for p := 0; p < rb; p++ {
				for q := 0; q < cb; q++ {
					block.Set(p, q, aij*b.At(p, q))
				}
			}
		}
	}
	return out
}

// Commutation returns the m*n x m*n permutation matrix K_{m,n} satisfying
// K_{m,n} vec(A) = vec(A^T) for any m x n matrix A.
func Commutation(m, n int) *mat.Dense {
	k := mat.NewDense(m*n, m*n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			// vec(A) index of A(i,j) is i + j*m (column-major vec).
			// vec(A^T) index of A(i,j), viewed in A^T at (j,i), is j + i*n.
			row := j + i*n
			col := i + j*m
			k.Set(row, col, 1)
		}
	}
	return k
}

// PseudoInverse returns the Moore-Penrose pseudoinverse of A via SVD,
// treating singular values below tol*sigmaMax as zero. Used wherever H or Q
// may be singular, matching the rank tolerance the teacher's OLS fallback
// used for its own SVD-based least squares.
func PseudoInverse(a mat.Matrix, tol float64) *mat.Dense {
	var svd mat.SVD
	ok := svd.Factorize(a, mat.SVDFull)
	if !ok {
		r, c := a.Dims()
		return mat.NewDense(r, c, nil)
	}

	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	sigmaMax := 0.0
	for _, s := range values {
		if s > sigmaMax {
			sigmaMax = s
		}
	}
	thresh := tol * sigmaMax

	r, c := a.Dims()
	sInvData := make([]float64, len(values))
	for i, s := range values {
		if s > thresh {
			sInvData[i] = 1.0 / s
		}
	}
	sInv := mat.NewDiagDense(len(values), sInvData)

	// pinv(A) = V * Sigma^+ * U^T, shaped c x r.
	var vs mat.Dense
	vs.Mul(v.Slice(0, c, 0, len(values)), sInv)

	var out mat.Dense
	out.Mul(&vs, u.Slice(0, r, 0, len(values)).T())
	return &out
}

// IsZero reports whether every entry of m is exactly zero, used to detect
// the collapse of the diffuse covariance Pd during the filter's diffuse
// phase (spec calls for "the zero matrix", not an approximate check).
func IsZero(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

// SymmetrizeInPlace forces d to be exactly symmetric by averaging with its
// transpose, guarding against asymmetric floating point drift accumulated
// across a long recursion.
func SymmetrizeInPlace(d *mat.Dense) {
	r, c := d.Dims()
	for i := 0; i < r; i++ {
		for j := i + 1; j < c; j++ {
			avg := (d.At(i, j) + d.At(j, i)) / 2
			d.Set(i, j, avg)
			d.Set(j, i, avg)
		}
	}
}
