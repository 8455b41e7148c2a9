package ssmgo

import (
	"fmt"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"github.com/dsetiawan/ssmgo/matx"
)

// sparseLyapunovThreshold gates the dispatch to the size-limited direct
// solve the spec calls a "sparse fallback" (see DESIGN.md open question 3):
// above this many stationary states, (I - T_s ⊗ T_s) is assembled block by
// block in place instead of via a separate Kron product; the system is still
// dense (s^2 x s^2) and solved with the same dense solver.
const sparseLyapunovThreshold = 40

// InitOptions carries optional user overrides for the initial mean and
// covariance (spec.md §4.3 point 4). A nil field means "compute the
// default".
type InitOptions struct {
	A0 *mat.VecDense
	P0 *mat.SymDense // entries of +Inf mark the diffuse block
}

// Initialize computes the stationary/diffuse partition and the initial
// mean/covariance entities (R0, A0Sel, Q0, and s.A0) on s, using slice 1 of
// T and c per spec.md's timing convention. Filter calls it itself when s.A0
// is unset.
func Initialize(s *Store, opts *InitOptions) error {
	t1 := s.TAt(1)
	m := s.M

	stationary, nonstationary, err := partitionStates(t1)
	if err != nil {
		return err
	}

	r0 := selectorMatrix(m, stationary)
	a0sel := selectorMatrix(m, nonstationary)
	s.R0 = r0
	s.A0Sel = a0sel

	if opts != nil && opts.P0 != nil {
		return applyP0Override(s, opts, stationary, nonstationary)
	}

	ts := submatrix(t1, stationary, stationary)
	if err := checkSpectralRadius(ts); err != nil {
		return err
	}

	rg := submatrix(s.RAt(1), stationary, nil)
	q1 := s.QAt(1)
	var rqr mat.Dense
	rqr.Mul(rg, q1)
	rqr.Mul(&rqr, rg.T())

	q0, err := solveDiscreteLyapunov(ts, &rqr)
	if err != nil {
		return err
	}
	s.Q0 = mat.NewSymDense(len(stationary), symData(q0, len(stationary)))

	if opts != nil && opts.A0 != nil {
		s.A0 = opts.A0
		return nil
	}
	return computeDefaultA0(s, ts, stationary, nonstationary)
}

// partitionStates eigendecomposes T's first slice and marks any state whose
// eigenvector loads on an eigenvalue with modulus >= 1 as nonstationary;
// the remainder are stationary (spec.md §4.3 point 1).
func partitionStates(t1 *mat.Dense) (stationary, nonstationary []int, err error) {
	m, _ := t1.Dims()
	var eig mat.Eigen
	if !eig.Factorize(t1, mat.EigenRight) {
		return nil, nil, fmt.Errorf("eigendecomposition of T[:,:,1] failed")
	}
	values := eig.Values(nil)
	var vectors mat.CDense
	eig.VectorsTo(&vectors)

	nonstationaryCol := make(map[int]bool)
	for col, lambda := range values {
		if cmplx.Abs(lambda) >= 1-1e-9 {
			for row := 0; row < m; row++ {
				if cmplx.Abs(vectors.At(row, col)) > 1e-8 {
					nonstationaryCol[row] = true
				}
			}
		}
	}

	for i := 0; i < m; i++ {
		if nonstationaryCol[i] {
			nonstationary = append(nonstationary, i)
		} else {
			stationary = append(stationary, i)
		}
	}
	return stationary, nonstationary, nil
}

// selectorMatrix builds the m x len(cols) matrix whose columns are the
// standard-basis vectors named by cols, used for R0 and A0.
func selectorMatrix(m int, cols []int) *mat.Dense {
	out := mat.NewDense(m, len(cols), nil)
	for j, c := range cols {
		out.Set(c, j, 1)
	}
	return out
}

// submatrix extracts rows (and, if cols != nil, columns) named by the given
// index lists from a, used to restrict T, R to the stationary block.
func submatrix(a mat.Matrix, rows, cols []int) *mat.Dense {
	_, fullCols := a.Dims()
	if cols == nil {
		cols = make([]int, fullCols)
		for i := range cols {
			cols[i] = i
		}
	}
	out := mat.NewDense(len(rows), len(cols), nil)
	for i, r := range rows {
		for j, c := range cols {
			out.Set(i, j, a.At(r, c))
		}
	}
	return out
}

func checkSpectralRadius(ts *mat.Dense) error {
	var eig mat.Eigen
	if !eig.Factorize(ts, mat.EigenNone) {
		return fmt.Errorf("eigendecomposition of stationary block failed")
	}
	maxRadius := 0.0
	for _, lambda := range eig.Values(nil) {
		if r := cmplx.Abs(lambda); r > maxRadius {
			maxRadius = r
		}
	}
	if maxRadius >= 1 {
		return &NonStationarySectionError{SpectralRadius: maxRadius}
	}
	return nil
}

// solveDiscreteLyapunov solves Q0 - Ts Q0 Ts^T = Sigma for Q0 via the
// vectorized form vec(Q0) = (I - Ts ⊗ Ts)^-1 vec(Sigma) (spec.md §4.3
// point 3), falling back to a size-gated direct solve above
// sparseLyapunovThreshold stationary states.
func solveDiscreteLyapunov(ts *mat.Dense, sigma *mat.Dense) (*mat.Dense, error) {
	s, _ := ts.Dims()
	if s == 0 {
		return mat.NewDense(0, 0, nil), nil
	}

	if s > sparseLyapunovThreshold {
		return solveDiscreteLyapunovBanded(ts, sigma)
	}

	tsKron := matx.Kron(ts, ts)
	lhs := mat.NewDense(s*s, s*s, nil)
	lhs.Scale(-1, tsKron)
	for i := 0; i < s*s; i++ {
		lhs.Set(i, i, lhs.At(i, i)+1)
	}

	vecSigma := vec(sigma)
	var vecQ mat.VecDense
	if err := vecQ.SolveVec(lhs, vecSigma); err != nil {
		return nil, &LyapunovFailureError{Reason: err.Error()}
	}

	q0 := mat.NewDense(s, s, nil)
	for j := 0; j < s; j++ {
		for i := 0; i < s; i++ {
			q0.Set(i, j, vecQ.AtVec(i+j*s))
		}
	}
	return q0, nil
}

// solveDiscreteLyapunovBanded solves the same vectorized Lyapunov system as
// solveDiscreteLyapunov but without a separate Kronecker product: it writes
// (I - Ts⊗Ts) into one dense s^2 x s^2 matrix block by block, skipping zero
// entries of Ts. Mathematically identical to the dense path and solved the
// same way; it saves only the second s^2 x s^2 allocation, since no
// sparse-matrix package was retrieved to ground a real sparse solver on.
func solveDiscreteLyapunovBanded(ts *mat.Dense, sigma *mat.Dense) (*mat.Dense, error) {
	s, _ := ts.Dims()
	lhs := mat.NewDense(s*s, s*s, nil)
	for i := 0; i < s*s; i++ {
		lhs.Set(i, i, 1)
	}
	// Assemble I - Ts ⊗ Ts one Ts(bi,bj) block at a time instead of
	// materializing the full Kronecker product in one allocation: each
	// nonzero Ts(bi,bj) contributes a scaled copy of -Ts to block (bi,bj)
	// of the result, which is exactly Kron's own definition applied
	// incrementally.
	for bj := 0; bj < s; bj++ {
		for bi := 0; bi < s; bi++ {
			scale := ts.At(bi, bj)
			if scale == 0 {
				continue
			}
			for j := 0; j < s; j++ {
				for i := 0; i < s; i++ {
					row := i + bi*s
					col := j + bj*s
					lhs.Set(row, col, lhs.At(row, col)-scale*ts.At(i, j))
				}
			}
		}
	}
	vecSigma := vec(sigma)
	var vecQ mat.VecDense
	if err := vecQ.SolveVec(lhs, vecSigma); err != nil {
		return nil, &LyapunovFailureError{Reason: "sparse fallback: " + err.Error()}
	}
	q0 := mat.NewDense(s, s, nil)
	for j := 0; j < s; j++ {
		for i := 0; i < s; i++ {
			q0.Set(i, j, vecQ.AtVec(i+j*s))
		}
	}
	return q0, nil
}

func vec(a *mat.Dense) *mat.VecDense {
	r, c := a.Dims()
	data := make([]float64, r*c)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			data[i+j*r] = a.At(i, j)
		}
	}
	return mat.NewVecDense(r*c, data)
}

func symData(a *mat.Dense, n int) []float64 {
	data := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			data[i*n+j] = a.At(i, j)
		}
	}
	return data
}

// computeDefaultA0 solves (I - Ts) a0_s = c_s on the stationary block and
// zeroes the nonstationary block (spec.md §4.3 point 2).
func computeDefaultA0(s *Store, ts *mat.Dense, stationary, nonstationary []int) error {
	m := s.M
	a0 := mat.NewVecDense(m, nil)

	if len(stationary) > 0 {
		cs := mat.NewVecDense(len(stationary), nil)
		c1 := s.CAt(1)
		for i, idx := range stationary {
			cs.SetVec(i, c1.AtVec(idx))
		}

		lhs := mat.NewDense(len(stationary), len(stationary), nil)
		for i := 0; i < len(stationary); i++ {
			for j := 0; j < len(stationary); j++ {
				v := -ts.At(i, j)
				if i == j {
					v += 1
				}
				lhs.Set(i, j, v)
			}
		}

		var a0s mat.VecDense
		if err := a0s.SolveVec(lhs, cs); err != nil {
			return &LyapunovFailureError{Reason: "default a0 solve: " + err.Error()}
		}
		for i, idx := range stationary {
			a0.SetVec(idx, a0s.AtVec(i))
		}
	}
	for _, idx := range nonstationary {
		a0.SetVec(idx, 0)
	}
	s.A0 = a0
	return nil
}

// applyP0Override honors a user-supplied P0, reading +Inf entries on the
// diagonal as marking the diffuse block (spec.md §4.3 point 4). Off-diagonal
// structure of the stationary block is taken from P0 directly; R0/A0Sel are
// rebuilt to match which coordinates are marked diffuse. Without an A0
// override the default a0 is computed on the eigen-partition's stationary
// block, as in Initialize.
func applyP0Override(s *Store, opts *InitOptions, stationary, nonstationary []int) error {
	m := s.M
	diffuse := make(map[int]bool)
	for i := 0; i < m; i++ {
		if v := opts.P0.At(i, i); v > 1e300 {
			diffuse[i] = true
		}
	}
	var statCols, diffCols []int
	for i := 0; i < m; i++ {
		if diffuse[i] {
			diffCols = append(diffCols, i)
		} else {
			statCols = append(statCols, i)
		}
	}
	s.R0 = selectorMatrix(m, statCols)
	s.A0Sel = selectorMatrix(m, diffCols)

	q0 := mat.NewSymDense(len(statCols), nil)
	for i, ri := range statCols {
		for j, rj := range statCols {
			if j < i {
				continue
			}
			q0.SetSym(i, j, opts.P0.At(ri, rj))
		}
	}
	s.Q0 = q0

	if opts.A0 != nil {
		s.A0 = opts.A0
		return nil
	}
	if len(stationary) == 0 {
		s.A0 = mat.NewVecDense(m, nil)
		return nil
	}
	return computeDefaultA0(s, submatrix(s.TAt(1), stationary, stationary), stationary, nonstationary)
}

// PInfinity returns P∞ = A0Sel A0Sel^T, the diffuse-block prior covariance.
func (s *Store) PInfinity() *mat.Dense {
	var out mat.Dense
	out.Mul(s.A0Sel, s.A0Sel.T())
	return &out
}

// PStar returns P* = R0 Q0 R0^T, the stationary-block prior covariance.
func (s *Store) PStar() *mat.Dense {
	var rq mat.Dense
	rq.Mul(s.R0, s.Q0)
	var out mat.Dense
	out.Mul(&rq, s.R0.T())
	return &out
}
