package ssmgo

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/dsetiawan/ssmgo/matx"
)

// FilterOutput retains every per-time quantity the smoother (C6) and
// gradient (C7) passes need, read-only, per spec.md §4.5's "Outputs
// retained" list. Index 0 of A/P/Pd corresponds to t=1 (spec's a[:,1]);
// index n corresponds to t=n+1. V, F, Fd are p x n; K, Kd are length-n
// slices of m x p matrices, one column per series.
type FilterOutput struct {
	A      []*mat.VecDense
	P, Pd  []*mat.Dense
	V, F, Fd *mat.Dense
	K, Kd  []*mat.Dense
	Dt     int
	LogL   float64
}

// Filter runs the exact-diffuse univariate forward recursion (spec.md
// §4.5) on s against y (missing entries marked NaN). It validates shapes,
// initializes the stationary/diffuse partition if s.A0 is unset, factorizes
// H to diagonal form, and returns the filtered mean trajectory, the exact
// log-likelihood, and the full FilterOutput the smoother consumes.
func Filter(ctx context.Context, s *Store, y *mat.Dense, initOpts *InitOptions) (*mat.Dense, float64, *FilterOutput, error) {
	if err := Validate(s, y); err != nil {
		return nil, 0, nil, err
	}
	if s.A0 == nil {
		if err := Initialize(s, initOpts); err != nil {
			return nil, 0, nil, err
		}
	}

	fs, yf, err := FactorizeObservations(s, y)
	if err != nil {
		return nil, 0, nil, err
	}

	out, err := runFilter(ctx, fs, yf)
	if err != nil {
		return nil, 0, nil, err
	}

	a := mat.NewDense(s.M, s.N+1, nil)
	for t := 0; t <= s.N; t++ {
		for i := 0; i < s.M; i++ {
			a.Set(i, t, out.A[t].AtVec(i))
		}
	}
	return a, out.LogL, out, nil
}

func runFilter(ctx context.Context, s *Store, y *mat.Dense) (*FilterOutput, error) {
	n, m, p := s.N, s.M, s.P

	out := &FilterOutput{
		A:  make([]*mat.VecDense, n+1),
		P:  make([]*mat.Dense, n+1),
		Pd: make([]*mat.Dense, n+1),
		V:  mat.NewDense(p, n, nanFilled(p*n)),
		F:  mat.NewDense(p, n, nanFilled(p*n)),
		Fd: mat.NewDense(p, n, nanFilled(p*n)),
		K:  make([]*mat.Dense, n),
		Kd: make([]*mat.Dense, n),
	}

	t1 := s.TAt(1)
	c1 := s.CAt(1)
	r1 := s.RAt(1)
	q1 := s.QAt(1)

	a1 := mat.NewVecDense(m, nil)
	a1.MulVec(t1, s.A0)
	a1.AddVec(a1, c1)
	out.A[0] = a1

	pStar0 := s.PStar()
	var pStar1 mat.Dense
	pStar1.Mul(t1, pStar0)
	pStar1.Mul(&pStar1, t1.T())
	var rqr mat.Dense
	rqr.Mul(r1, q1)
	rqr.Mul(&rqr, r1.T())
	pStar1.Add(&pStar1, &rqr)
	out.P[0] = &pStar1

	pInf0 := s.PInfinity()
	var pd1 mat.Dense
	pd1.Mul(t1, pInf0)
	pd1.Mul(&pd1, t1.T())
	out.Pd[0] = &pd1

	diffuseActive := true
	dt := 0
	sumContrib := 0.0
	nFinite := 0

	for t := 1; t <= n; t++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		aPred := out.A[t-1]
		pStarPred := out.P[t-1]
		pdPred := out.Pd[t-1]

		if diffuseActive && matx.IsZero(pdPred) {
			diffuseActive = false
			dt = t - 1
		}
		periodDiffuse := diffuseActive

		aCur := mat.VecDenseCopyOf(aPred)
		pStarCur := mat.DenseCopyOf(pStarPred)
		pdCur := mat.DenseCopyOf(pdPred)

		zCur := s.ZAt(t)
		dCur := s.DAt(t)
		hCur := s.HAt(t)

		kCols := mat.NewDense(m, p, nil)
		kdCols := mat.NewDense(m, p, nil)

		for j := 0; j < p; j++ {
			yj := y.At(j, t-1)
			if math.IsNaN(yj) {
				continue
			}

			zj := zCur.RowView(j)
			v := yj - mat.Dot(zj, aCur) - dCur.AtVec(j)

			kStar := mat.NewVecDense(m, nil)
			kStar.MulVec(pStarCur, zj)
			fStar := mat.Dot(zj, kStar) + hCur.At(j, j)

			var fd float64
			kd := mat.NewVecDense(m, nil)
			usedDiffuseNonsingular := false

			if periodDiffuse {
				kd.MulVec(pdCur, zj)
				fd = mat.Dot(zj, kd)

				if fd != 0 {
					usedDiffuseNonsingular = true
					var delta mat.VecDense
					delta.ScaleVec(v/fd, kd)
					aCur.AddVec(aCur, &delta)

					kdkd := outer(kd, kd)
					kdkd.Scale(fStar/(fd*fd), kdkd)
					cross := outer(kStar, kd)
					crossT := outer(kd, kStar)
					cross.Add(cross, crossT)
					cross.Scale(1/fd, cross)

					pStarCur.Add(pStarCur, kdkd)
					pStarCur.Sub(pStarCur, cross)

					kdOuter := outer(kd, kd)
					kdOuter.Scale(1/fd, kdOuter)
					pdCur.Sub(pdCur, kdOuter)

					sumContrib += math.Log(fd)
				}
			}

			if !usedDiffuseNonsingular {
				var delta mat.VecDense
				delta.ScaleVec(v/fStar, kStar)
				aCur.AddVec(aCur, &delta)

				ksks := outer(kStar, kStar)
				ksks.Scale(1/fStar, ksks)
				pStarCur.Sub(pStarCur, ksks)

				sumContrib += math.Log(fStar) + v*v/fStar
			}

			nFinite++
			out.V.Set(j, t-1, v)
			out.F.Set(j, t-1, fStar)
			if periodDiffuse {
				out.Fd.Set(j, t-1, fd)
			}
			kCols.SetCol(j, kStar.RawVector().Data)
			if periodDiffuse {
				kdCols.SetCol(j, kd.RawVector().Data)
			}
		}

		matx.SymmetrizeInPlace(pStarCur)
		matx.SymmetrizeInPlace(pdCur)

		// The diffuse block can collapse to exactly zero while processing
		// period t itself (e.g. a diffuse random walk observed for exactly
		// its state dimension in periods); check pdCur here too, not only
		// via the next iteration's pdPred, since t=n has no next iteration
		// left to notice the collapse.
		if diffuseActive && matx.IsZero(pdCur) {
			diffuseActive = false
			dt = t
		}

		out.K[t-1] = kCols
		out.Kd[t-1] = kdCols

		tNext := s.TAt(t + 1)
		cNext := s.CAt(t + 1)
		rNext := s.RAt(t + 1)
		qNext := s.QAt(t + 1)

		aNext := mat.NewVecDense(m, nil)
		aNext.MulVec(tNext, aCur)
		aNext.AddVec(aNext, cNext)
		out.A[t] = aNext

		var pStarNext mat.Dense
		pStarNext.Mul(tNext, pStarCur)
		pStarNext.Mul(&pStarNext, tNext.T())
		var rqrNext mat.Dense
		rqrNext.Mul(rNext, qNext)
		rqrNext.Mul(&rqrNext, rNext.T())
		pStarNext.Add(&pStarNext, &rqrNext)
		out.P[t] = &pStarNext

		var pdNext mat.Dense
		pdNext.Mul(tNext, pdCur)
		pdNext.Mul(&pdNext, tNext.T())
		out.Pd[t] = &pdNext
	}

	if diffuseActive {
		return nil, &DegenerateDiffuseInitError{Periods: n}
	}

	out.Dt = dt
	out.LogL = -0.5*float64(nFinite)*math.Log(2*math.Pi) - 0.5*sumContrib
	return out, nil
}

func outer(x, y mat.Vector) *mat.Dense {
	var d mat.Dense
	d.Outer(1, x, y)
	return &d
}

func nanFilled(n int) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = math.NaN()
	}
	return data
}
