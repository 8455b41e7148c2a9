package ssmgo

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SmootherOutput carries the univariate smoother's products (spec.md §4.6):
// the smoothed state means Alpha (m x n), the smoothed state-shock means Eta
// (g x n), the standard-phase smoothing residual R and its variance-type
// companion N (its own backward recursion)
// (nil for diffuse-phase t, per the open question recorded in DESIGN.md),
// the diffuse-phase residuals R0/R1 (nil for standard-phase t), the
// per-period gain-adjusted transition LAgg (nil for diffuse-phase t) used to
// recover the lag-one smoothed cross-covariance in gradient.go/postprocess.go,
// the initial-state smoother A0Tilde and N0 (its paired information matrix,
// nil when the diffuse prefix is nonempty), and the pass-through
// log-likelihood.
type SmootherOutput struct {
	Alpha    *mat.Dense
	Eta      *mat.Dense
	R        *mat.Dense   // m x n, standard phase only (columns for t <= Dt are zero)
	N        []*mat.Dense // length n, nil entries for t <= Dt
	LAgg     []*mat.Dense // length n, nil entries for t <= Dt
	R0, R1   *mat.Dense   // m x n, diffuse phase only (columns for t > Dt are zero)
	A0Tilde  *mat.VecDense
	N0       *mat.Dense // m x m, nil unless the diffuse prefix is empty
	LogL     float64
}

// Smooth runs Filter followed by the backward univariate smoother (spec.md
// §4.6), returning the smoothed state means alongside the smoother and
// filter outputs.
func Smooth(ctx context.Context, s *Store, y *mat.Dense, initOpts *InitOptions) (*mat.Dense, *SmootherOutput, *FilterOutput, error) {
	_, _, out, err := Filter(ctx, s, y, initOpts)
	if err != nil {
		return nil, nil, nil, err
	}
	// Filter runs FactorizeObservations internally against a copy of s;
	// the smoother needs the same factorized system (diagonal H, C4's
	// rotated Z/d/y) that produced `out`, so refactorize here (s is already
	// validated and initialized by Filter) rather than threading the
	// factorized store back out of Filter's signature.
	fs, yf, ferr := FactorizeObservations(s, y)
	if ferr != nil {
		return nil, nil, nil, ferr
	}

	sm, err := runSmoother(ctx, fs, yf, out)
	if err != nil {
		return nil, nil, nil, err
	}
	return sm.Alpha, sm, out, nil
}

func runSmoother(ctx context.Context, s *Store, y *mat.Dense, out *FilterOutput) (*SmootherOutput, error) {
	n, m, p, g, dt := s.N, s.M, s.P, s.G, out.Dt

	sm := &SmootherOutput{
		Alpha: mat.NewDense(m, n, nil),
		Eta:   mat.NewDense(g, n, nil),
		R:     mat.NewDense(m, n, nil),
		N:     make([]*mat.Dense, n),
		LAgg:  make([]*mat.Dense, n),
		R0:    mat.NewDense(m, n, nil),
		R1:    mat.NewDense(m, n, nil),
	}

	rCur := mat.NewVecDense(m, nil)
	nCur := mat.NewDense(m, m, nil)

	for t := n; t > dt; t-- {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		zCur := s.ZAt(t)
		kCur := out.K[t-1]

		lAgg := mat.NewDense(m, m, nil)
		for i := 0; i < m; i++ {
			lAgg.Set(i, i, 1)
		}

		for j := p - 1; j >= 0; j-- {
			fj := out.F.At(j, t-1)
			if math.IsNaN(fj) {
				continue
			}
			zj := zCur.RowView(j)
			kj := mat.NewVecDense(m, mat.Col(nil, j, kCur))

			l := identityMinusOuter(m, kj, zj, 1/fj)

			// lAgg accumulates l_{p-1}...l_0, the per-period (intra-t) product
			// of the per-series filtering updates; with T(t+1) folded in this
			// is the gain-adjusted transition the lag-one smoothed
			// cross-covariance needs (DESIGN.md's C7/C8 entries).
			var lAggNext mat.Dense
			lAggNext.Mul(lAgg, l)
			lAgg = &lAggNext

			var term mat.VecDense
			term.ScaleVec(out.V.At(j, t-1)/fj, zj)
			var lr mat.VecDense
			lr.MulVec(l.T(), rCur)
			term.AddVec(&term, &lr)
			rCur = &term

			zz := outer(zj, zj)
			zz.Scale(1/fj, zz)
			var lnl mat.Dense
			lnl.Mul(l.T(), nCur)
			lnl.Mul(&lnl, l)
			zz.Add(zz, &lnl)
			nCur = zz
		}

		sm.R.SetCol(t-1, rCur.RawVector().Data)
		nCopy := mat.DenseCopyOf(nCur)
		sm.N[t-1] = nCopy
		sm.LAgg[t-1] = lAgg

		pCur := out.P[t-1]
		var alphaT mat.VecDense
		alphaT.MulVec(pCur, rCur)
		alphaT.AddVec(&alphaT, out.A[t-1])
		sm.Alpha.SetCol(t-1, alphaT.RawVector().Data)

		rNext := s.RAt(t + 1)
		qNext := s.QAt(t + 1)
		var rq mat.Dense
		rq.Mul(qNext, rNext.T())
		var etaT mat.VecDense
		etaT.MulVec(&rq, rCur)
		sm.Eta.SetCol(t-1, etaT.RawVector().Data)

		tAtT := s.TAt(t)
		var rPrev mat.VecDense
		rPrev.MulVec(tAtT.T(), rCur)
		rCur = &rPrev

		var nPrev mat.Dense
		nPrev.Mul(tAtT.T(), nCur)
		nPrev.Mul(&nPrev, tAtT)
		nCur = &nPrev
	}

	// nCur at this point sits at the same level as PStar0 (the prior,
	// pre-transition stationary covariance) only when there is no diffuse
	// prefix; the diffuse-phase backward pass below does not carry N, so
	// N0 has no closed form once dt > 0 (DESIGN.md open question 1).
	var n0 *mat.Dense
	if dt == 0 {
		n0 = mat.DenseCopyOf(nCur)
	}

	r0 := mat.NewVecDense(m, nil)
	r1 := mat.NewVecDense(m, nil)
	if dt > 0 {
		r0 = rCur
	}

	for t := dt; t >= 1; t-- {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		zCur := s.ZAt(t)
		kCur := out.K[t-1]
		kdCur := out.Kd[t-1]

		for j := p - 1; j >= 0; j-- {
			fj := out.F.At(j, t-1)
			if math.IsNaN(fj) {
				continue
			}
			fdj := out.Fd.At(j, t-1)
			zj := zCur.RowView(j)
			kj := mat.NewVecDense(m, mat.Col(nil, j, kCur))
			kdj := mat.NewVecDense(m, mat.Col(nil, j, kdCur))
			vj := out.V.At(j, t-1)

			if !math.IsNaN(fdj) && fdj != 0 {
				ld := identityMinusOuter(m, kdj, zj, 1/fdj)

				var scaledKdK mat.VecDense
				scaledKdK.ScaleVec(fj/fdj, kdj)
				scaledKdK.AddVec(&scaledKdK, kj)
				l0 := outer(&scaledKdK, zj)
				l0.Scale(1/fdj, l0)

				var term mat.VecDense
				term.ScaleVec(vj/fdj, zj)
				var l0tr0 mat.VecDense
				l0tr0.MulVec(l0.T(), r0)
				term.SubVec(&term, &l0tr0)
				var ldtr1 mat.VecDense
				ldtr1.MulVec(ld.T(), r1)
				term.AddVec(&term, &ldtr1)
				r1 = &term

				var r0Next mat.VecDense
				r0Next.MulVec(ld.T(), r0)
				r0 = &r0Next
			} else {
				lStar := identityMinusOuter(m, kj, zj, 1/fj)
				var term mat.VecDense
				term.ScaleVec(vj/fj, zj)
				var ltr0 mat.VecDense
				ltr0.MulVec(lStar.T(), r0)
				term.AddVec(&term, &ltr0)
				r0 = &term
			}
		}

		sm.R0.SetCol(t-1, r0.RawVector().Data)
		sm.R1.SetCol(t-1, r1.RawVector().Data)

		pStarCur := out.P[t-1]
		pdCur := out.Pd[t-1]
		var alphaT mat.VecDense
		alphaT.MulVec(pStarCur, r0)
		var pdr1 mat.VecDense
		pdr1.MulVec(pdCur, r1)
		alphaT.AddVec(&alphaT, &pdr1)
		alphaT.AddVec(&alphaT, out.A[t-1])
		sm.Alpha.SetCol(t-1, alphaT.RawVector().Data)

		rNext := s.RAt(t + 1)
		qNext := s.QAt(t + 1)
		var rq mat.Dense
		rq.Mul(qNext, rNext.T())
		var etaT mat.VecDense
		etaT.MulVec(&rq, r0)
		sm.Eta.SetCol(t-1, etaT.RawVector().Data)

		tAtT := s.TAt(t)
		var r0Prev, r1Prev mat.VecDense
		r0Prev.MulVec(tAtT.T(), r0)
		r1Prev.MulVec(tAtT.T(), r1)
		r0, r1 = &r0Prev, &r1Prev
	}

	a0Tilde := mat.NewVecDense(m, nil)
	a0Tilde.CopyVec(s.A0)
	pStar0 := s.PStar()
	if dt > 0 {
		var term mat.VecDense
		term.MulVec(pStar0, r0)
		a0Tilde.AddVec(a0Tilde, &term)
		pInf0 := s.PInfinity()
		var term2 mat.VecDense
		term2.MulVec(pInf0, r1)
		a0Tilde.AddVec(a0Tilde, &term2)
	} else {
		var term mat.VecDense
		term.MulVec(pStar0, rCur)
		a0Tilde.AddVec(a0Tilde, &term)
	}
	sm.A0Tilde = a0Tilde
	sm.N0 = n0
	sm.LogL = out.LogL
	return sm, nil
}

// identityMinusOuter returns I - scale * k * z^T for an m-vector k and an
// m-length row view z, the L matrix used throughout spec.md §4.6.
func identityMinusOuter(m int, k, z mat.Vector, scale float64) *mat.Dense {
	l := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		l.Set(i, i, 1)
	}
	kz := outer(k, z)
	kz.Scale(scale, kz)
	l.Sub(l, kz)
	return l
}
