package ssmgo

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// PostprocessOutput carries the error and variance recoveries spec.md §4.8
// names: smoothed observation disturbances Eps (p x n, NaN where y was
// missing) and their variances VarEps, the state-shock disturbance
// variances VarEta, the smoothed state variance V (one m x m matrix per t),
// and the lag-one smoothed cross-covariance
// J[t-1] = Cov(alpha_{t+1}, alpha_t | y).
type PostprocessOutput struct {
	Eps    *mat.Dense   // p x n
	VarEps *mat.Dense   // p x n, Var(eps_j,t | y); NaN where missing or diffuse-phase
	VarEta []*mat.Dense // length n, g x g; nil for diffuse-phase t
	V      []*mat.Dense // length n, m x m smoothed state variance; nil for diffuse-phase t
	J      []*mat.Dense // length n-1, m x m; nil where either endpoint is diffuse-phase
}

// Postprocess recovers ε, η's variance, V, and J from a completed filter and
// smoother pass (spec.md §4.8). Missing y entries produce NaN-marked Eps/
// VarEps columns rather than an error, matching the filter's own
// missing-data convention. Quantities at diffuse-phase t are left nil/NaN,
// matching the limitation already documented for the gradient (DESIGN.md).
func Postprocess(s *Store, y *mat.Dense, out *FilterOutput, sm *SmootherOutput) *PostprocessOutput {
	n, p := s.N, s.P

	po := &PostprocessOutput{
		Eps:    mat.NewDense(p, n, nanFilled(p*n)),
		VarEps: mat.NewDense(p, n, nanFilled(p*n)),
		VarEta: make([]*mat.Dense, n),
		V:      make([]*mat.Dense, n),
		J:      make([]*mat.Dense, n-1),
	}

	for t := 1; t <= n; t++ {
		if sm.N[t-1] == nil {
			continue // diffuse-phase t: see DESIGN.md's gradient/postprocess limitation
		}

		zCur := s.ZAt(t)
		dCur := s.DAt(t)
		nCur := sm.N[t-1]
		pCur := out.P[t-1]

		alphahat := colVecDense(sm.Alpha, t-1)

		var fitted mat.VecDense
		fitted.MulVec(zCur, alphahat)
		fitted.AddVec(&fitted, dCur)

		var pn mat.Dense
		pn.Mul(pCur, nCur)
		var v mat.Dense
		v.Mul(&pn, pCur)
		v.Sub(pCur, &v)
		po.V[t-1] = &v

		// Var(eps_t|y) = Z_t V_t Z_t^T: with y_t observed, eps_t - epshat_t
		// = -Z_t (alpha_t - alphahat_t), the same identity gradient.go's
		// dl/dH term uses for E(eps eps^T).
		var zvz mat.Dense
		zvz.Mul(zCur, &v)
		zvz.Mul(&zvz, zCur.T())

		for j := 0; j < p; j++ {
			yj := y.At(j, t-1)
			if math.IsNaN(yj) {
				continue
			}
			po.Eps.Set(j, t-1, yj-fitted.AtVec(j))
			po.VarEps.Set(j, t-1, zvz.At(j, j))
		}

		rCur := s.RAt(t + 1)
		qCur := s.QAt(t + 1)
		var rn mat.Dense
		rn.Mul(rCur.T(), nCur)
		var rnr mat.Dense
		rnr.Mul(&rn, rCur)
		var qrnrq mat.Dense
		qrnrq.Mul(qCur, &rnr)
		qrnrq.Mul(&qrnrq, qCur)
		var varEta mat.Dense
		varEta.Sub(qCur, &qrnrq)
		po.VarEta[t-1] = &varEta
	}

	for t := 1; t < n; t++ {
		if sm.N[t-1] == nil || sm.LAgg[t-1] == nil {
			continue
		}
		pCur := out.P[t-1] // P_{t|t-1}
		pNext := out.P[t]  // P_{t+1|t}
		tNext := s.TAt(t + 1)
		nCur := sm.N[t-1]

		// Cov(alpha_{t+1}, alpha_t | y) = P_{t+1|t} L_t^T (I - N_t P_{t|t-1}),
		// L_t = T(t+1) * LAgg_t (Durbin & Koopman 2012 §4.7), matching the
		// formula gradient.go's cross-moment term uses.
		var lDK mat.Dense
		lDK.Mul(tNext, sm.LAgg[t-1])

		var nP mat.Dense
		nP.Mul(nCur, pCur)
		m, _ := nP.Dims()
		idMinusNP := mat.NewDense(m, m, nil)
		for i := 0; i < m; i++ {
			idMinusNP.Set(i, i, 1)
		}
		idMinusNP.Sub(idMinusNP, &nP)

		var jMat mat.Dense
		jMat.Mul(pNext, lDK.T())
		jMat.Mul(&jMat, idMinusNP)
		po.J[t-1] = &jMat
	}

	return po
}
