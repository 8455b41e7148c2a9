package ssmgo

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
)

// localLevelEMStore builds the scalar local-level system (Z=1, d=0, T=1,
// c=0, R=1, H and Q free) EMStep is scoped to (spec.md §8 scenario 6).
func localLevelEMStore(h, q float64) *Store {
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	hm := mat.NewSymDense(1, []float64{h})
	tr := mat.NewDense(1, 1, []float64{1})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	qm := mat.NewSymDense(1, []float64{q})
	return NewTimeInvariantStore(z, d, hm, tr, c, r, qm)
}

// EMStep runs one EM iteration for the scalar local-level model (test/demo
// scaffolding for spec.md §8 scenario 6's EM-vs-ML log-likelihood agreement
// check; not a general StateSpaceEstimation replacement — spec.md §1 keeps
// optimization drivers out of the module's external interface).
//
// The E-step runs Smooth/Postprocess at the current (h, q) to recover the
// smoothed observation/state disturbances and their variances. The M-step
// updates H and Q from their complete-data sufficient statistics, the
// closed-form Gaussian variance MLE Durbin & Koopman (2012) §2.12 derives
// directly from the disturbance smoother:
//
//	H_new = mean_t [ epshat_t^2 + Var(eps_t|y) ]
//	Q_new = mean_t [ etahat_t^2 + Var(eta_t|y) ]
//
// diffuse-phase periods (where Var(eta_t|y) has no closed form here, per
// the C6/C7 limitation DESIGN.md records) are excluded from the Q_new
// average rather than contributing a fabricated value. logL is the
// log-likelihood at the (h, q) this step started from, the standard EM
// reporting convention.
func EMStep(ctx context.Context, h, q float64, y *mat.Dense) (hNew, qNew, logL float64, err error) {
	s := localLevelEMStore(h, q)
	_, sm, out, err := Smooth(ctx, s, y, nil)
	if err != nil {
		return 0, 0, 0, err
	}
	post := Postprocess(s, y, out, sm)

	_, n := y.Dims()
	sumH, nH := 0.0, 0
	sumQ, nQ := 0.0, 0
	for t := 0; t < n; t++ {
		eps := post.Eps.At(0, t)
		if !math.IsNaN(eps) {
			sumH += eps*eps + post.VarEps.At(0, t)
			nH++
		}
		if post.VarEta[t] != nil {
			eta := sm.Eta.At(0, t)
			sumQ += eta*eta + post.VarEta[t].At(0, 0)
			nQ++
		}
	}

	hNew = sumH / float64(nH)
	qNew = sumQ / float64(nQ)
	return hNew, qNew, out.LogL, nil
}
