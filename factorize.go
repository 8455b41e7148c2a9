package ssmgo

import (
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

const ldlPivotTolerance = 1e-12

// observationPattern identifies a unique (tau_H(t), missingness(t)) pair;
// every t sharing a pattern shares one LDL factorization.
type observationPattern struct {
	tauH int
	mask string // one byte per series: 'o' observed, 'm' missing
}

// ldlFactorization is C4's cached per-pattern result: C = L (unit lower
// triangular over the observed rows) and the diagonal D it produces.
type ldlFactorization struct {
	obsIdx []int
	l      *mat.Dense // k x k unit lower triangular
	d      []float64  // length k
}

// FactorizeObservations reduces s/y to an equivalent system with diagonal H
// at every (re-keyed) slice, per spec.md §4.4. It returns a new Store
// sharing s's transition parameters (T, c, R, Q untouched) but with fresh
// Z/d/H tensors and tau_Z/tau_d/tau_H re-keyed to the distinct patterns
// found, plus the correspondingly transformed observation matrix. If H is
// already diagonal at every original slice and no series is ever missing,
// it still runs (a diagonal H produces an L = I, D = diag(H) factorization
// per pattern and is therefore a semantic no-op, matching spec.md's "no-op
// when H is already diagonal" guarantee without a special case).
func FactorizeObservations(s *Store, y *mat.Dense) (*Store, *mat.Dense, error) {
	n := s.N
	patternAt := make([]observationPattern, n)
	obsMaskAt := make([][]bool, n)

	for t := 1; t <= n; t++ {
		mask := make([]byte, s.P)
		obs := make([]bool, s.P)
		for j := 0; j < s.P; j++ {
			if math.IsNaN(y.At(j, t-1)) {
				mask[j] = 'm'
				obs[j] = false
			} else {
				mask[j] = 'o'
				obs[j] = true
			}
		}
		patternAt[t-1] = observationPattern{tauH: sliceIndex(s.TauH, t), mask: string(mask)}
		obsMaskAt[t-1] = obs
	}

	uniquePatterns := make([]observationPattern, 0)
	patternIndexOf := make(map[observationPattern]int)
	patternIndexAt := make([]int, n)
	for t := 0; t < n; t++ {
		p := patternAt[t]
		idx, ok := patternIndexOf[p]
		if !ok {
			idx = len(uniquePatterns)
			patternIndexOf[p] = idx
			uniquePatterns = append(uniquePatterns, p)
		}
		patternIndexAt[t] = idx
	}

	factorizations := make([]*ldlFactorization, len(uniquePatterns))
	ferrs := make([]error, len(uniquePatterns))

	numWorkers := runtime.NumCPU()
	if numWorkers > len(uniquePatterns) {
		numWorkers = len(uniquePatterns)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	worker := func() {
		defer wg.Done()
		for idx := range jobs {
			p := uniquePatterns[idx]
			hSlice := s.H[p.tauH]
			var obsIdx []int
			for j := 0; j < s.P; j++ {
				if p.mask[j] == 'o' {
					obsIdx = append(obsIdx, j)
				}
			}
			f, err := factorizeLDL(hSlice, obsIdx, idx)
			factorizations[idx] = f
			ferrs[idx] = err
		}
	}
	for w := 0; w < numWorkers; w++ {
		go worker()
	}
	go func() {
		for idx := range uniquePatterns {
			jobs <- idx
		}
		close(jobs)
	}()
	wg.Wait()

	for _, err := range ferrs {
		if err != nil {
			return nil, nil, err
		}
	}

	out := &Store{
		P: s.P, M: s.M, G: s.G, N: s.N,
		T: s.T, C: s.C, R: s.R, Q: s.Q,
		TauT: s.TauT, TauC: s.TauC, TauR: s.TauR, TauQ: s.TauQ,
		A0: s.A0, R0: s.R0, A0Sel: s.A0Sel, Q0: s.Q0,
	}
	out.Z = make([]*mat.Dense, len(uniquePatterns))
	out.D = make([]*mat.VecDense, len(uniquePatterns))
	out.H = make([]*mat.SymDense, len(uniquePatterns))
	out.TauZ = make([]int, n)
	out.TauD = make([]int, n)
	out.TauH = make([]int, n)

	yOut := mat.DenseCopyOf(y)

	builtForPattern := make(map[int]bool)
	for t := 1; t <= n; t++ {
		patIdx := patternIndexAt[t-1]
		out.TauZ[t-1] = patIdx
		out.TauD[t-1] = patIdx
		out.TauH[t-1] = patIdx

		zOrig := s.ZAt(t)
		dOrig := s.DAt(t)
		f := factorizations[patIdx]

		if !builtForPattern[patIdx] {
			zNew, dNew, hNew := applyFactorization(f, zOrig, dOrig, s.P, s.M)
			out.Z[patIdx] = zNew
			out.D[patIdx] = dNew
			out.H[patIdx] = hNew
			builtForPattern[patIdx] = true
		}

		transformObservationColumn(f, yOut, t-1)
	}

	return out, yOut, nil
}

// factorizeLDL computes A = L D L^T over the observed-row submatrix of h,
// with L unit lower triangular and D diagonal, failing with
// NonPSDObservationCovError if a pivot is negative. A pivot within
// ldlPivotTolerance of zero (a PSD but singular H, e.g. H = 0) is recorded as
// an exact zero with a zero L column below it.
func factorizeLDL(h *mat.SymDense, obsIdx []int, patternIdx int) (*ldlFactorization, error) {
	k := len(obsIdx)
	l := mat.NewDense(k, k, nil)
	d := make([]float64, k)

	a := func(i, j int) float64 { return h.At(obsIdx[i], obsIdx[j]) }

	for j := 0; j < k; j++ {
		sum := 0.0
		for sidx := 0; sidx < j; sidx++ {
			sum += l.At(j, sidx) * l.At(j, sidx) * d[sidx]
		}
		d[j] = a(j, j) - sum
		if d[j] < -ldlPivotTolerance {
			return nil, &NonPSDObservationCovError{PatternIndex: patternIdx, PivotIndex: j, PivotValue: d[j]}
		}
		l.Set(j, j, 1)
		if d[j] <= ldlPivotTolerance {
			d[j] = 0
			continue
		}
		for i := j + 1; i < k; i++ {
			sum := 0.0
			for sidx := 0; sidx < j; sidx++ {
				sum += l.At(i, sidx) * l.At(j, sidx) * d[sidx]
			}
			l.Set(i, j, (a(i, j)-sum)/d[j])
		}
	}
	return &ldlFactorization{obsIdx: obsIdx, l: l, d: d}, nil
}

// forwardSolveUnitLower solves L x = b for x given unit lower triangular L.
func forwardSolveUnitLower(l *mat.Dense, b []float64) []float64 {
	k := len(b)
	x := make([]float64, k)
	for i := 0; i < k; i++ {
		sum := b[i]
		for j := 0; j < i; j++ {
			sum -= l.At(i, j) * x[j]
		}
		x[i] = sum // L is unit lower triangular, diagonal is 1
	}
	return x
}

// applyFactorization builds the transformed Z, d, H for one pattern: rows in
// obsIdx are premultiplied by C^-1 = L^-1 via forward substitution, rows not
// observed are left untouched (the filter never reads them for this
// pattern), and H becomes diagonal with D on the observed rows.
func applyFactorization(f *ldlFactorization, zOrig *mat.Dense, dOrig *mat.VecDense, p, m int) (*mat.Dense, *mat.VecDense, *mat.SymDense) {
	zNew := mat.DenseCopyOf(zOrig)
	dNew := mat.VecDenseCopyOf(dOrig)
	hNew := mat.NewSymDense(p, nil)

	k := len(f.obsIdx)
	for col := 0; col < m; col++ {
		b := make([]float64, k)
		for i, row := range f.obsIdx {
			b[i] = zOrig.At(row, col)
		}
		x := forwardSolveUnitLower(f.l, b)
		for i, row := range f.obsIdx {
			zNew.Set(row, col, x[i])
		}
	}

	b := make([]float64, k)
	for i, row := range f.obsIdx {
		b[i] = dOrig.AtVec(row)
	}
	x := forwardSolveUnitLower(f.l, b)
	for i, row := range f.obsIdx {
		dNew.SetVec(row, x[i])
	}

	for i, row := range f.obsIdx {
		hNew.SetSym(row, row, f.d[i])
	}
	return zNew, dNew, hNew
}

// transformObservationColumn applies C^-1 to the observed entries of y's
// column t in place.
func transformObservationColumn(f *ldlFactorization, y *mat.Dense, t int) {
	k := len(f.obsIdx)
	b := make([]float64, k)
	for i, row := range f.obsIdx {
		b[i] = y.At(row, t)
	}
	x := forwardSolveUnitLower(f.l, b)
	for i, row := range f.obsIdx {
		y.Set(row, t, x[i])
	}
}
