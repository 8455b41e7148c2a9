package ssmgo

import (
	"context"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/dsetiawan/ssmgo/matx"
)

// pseudoInverseTolerance matches matx.PseudoInverse's grounding in
// functions.go's SVD-rank cutoff (DESIGN.md).
const pseudoInverseTolerance = 1e-12

// Jacobians carries the caller-supplied derivative of each parameter tensor
// with respect to the free parameter vector theta (spec.md §4.7's "ThetaMap",
// kept external to this module). A nil slice means that block contributes
// no gradient (its parameters are held fixed, or the caller has no use for
// that block). Jacobians[k] is d(block)/d(theta_k), shaped like the block
// itself (p x m for GZ, p x p for GH, and so on). Ga0 (m x 1) and GP0 (m x m)
// project the initial-mean/initial-covariance blocks spec.md §6 names
// alongside the seven time-varying ones; GP0's contribution is only
// populated when the model has no diffuse prefix (see Gradient).
type Jacobians struct {
	GZ, GH, GT, GR, GQ []mat.Matrix
	Gd, Gc             []mat.Matrix
	Ga0, GP0           []mat.Matrix
}

// GradientDiffuseWarning documents the open question recorded in DESIGN.md:
// every gradient block is accumulated only over the standard-phase periods
// (t = Dt+1..n); the diffuse prefix contributes nothing because its
// smoothed variance (N) has no closed form in this module. For most blocks
// that is a minor truncation when Dt is small relative to n, but it is
// called out specifically for R because spec.md leaves the diffuse-phase
// R gradient as an explicit open question. The same truncation silences
// dl/dP0: a nonempty diffuse prefix also leaves the initial-covariance
// gradient at exactly zero, since its own smoothed information matrix (N0)
// is undefined whenever Dt > 0.
type GradientDiffuseWarning struct {
	DiffusePeriods int
}

func (w *GradientDiffuseWarning) Error() string {
	return "gradient: diffuse phase periods excluded from the score accumulation; " +
		"the R-block and initial-covariance (P0) gradients in particular have not " +
		"been independently verified there"
}

// GradientOutput holds the log-likelihood and its gradient with respect to
// theta, plus the diffuse-phase warning when the diffuse prefix is nonempty.
type GradientOutput struct {
	LogL    float64
	Grad    []float64
	Warning *GradientDiffuseWarning
}

// Gradient computes the analytic gradient of the exact-diffuse Kalman
// log-likelihood with respect to theta (spec.md §4.7) via Fisher's identity:
// the expected complete-data score, evaluated at the smoothed state and
// disturbance moments, equals the incomplete-data score at the true
// parameter. It runs the filter and smoother, accumulates per-t closed-form
// derivative blocks dl/dZ, dl/dd, dl/dH, dl/dT, dl/dc, dl/dR, dl/dQ over the
// standard phase, and projects each block onto theta via the corresponding
// Jacobian.
func Gradient(ctx context.Context, s *Store, y *mat.Dense, initOpts *InitOptions, j *Jacobians, numTheta int) (*GradientOutput, error) {
	_, sm, out, err := Smooth(ctx, s, y, initOpts)
	if err != nil {
		return nil, err
	}

	fs, yf, ferr := FactorizeObservations(s, y)
	if ferr != nil {
		return nil, ferr
	}

	blocks, err := accumulateGradientBlocks(ctx, fs, yf, out, sm)
	if err != nil {
		return nil, err
	}

	grad := make([]float64, numTheta)
	project := func(block *mat.Dense, jac []mat.Matrix) {
		if jac == nil || block == nil {
			return
		}
		for k := 0; k < numTheta && k < len(jac); k++ {
			if jac[k] != nil {
				grad[k] += frobeniusDot(block, jac[k])
			}
		}
	}
	project(blocks.dlZ, j.GZ)
	project(blocks.dld, j.Gd)
	project(blocks.dlH, j.GH)
	project(blocks.dlT, j.GT)
	project(blocks.dlc, j.Gc)
	project(blocks.dlR, j.GR)
	project(blocks.dlQ, j.GQ)

	dla0, dlP0 := initialStateGradientBlocks(s, sm)
	project(dla0, j.Ga0)
	project(dlP0, j.GP0)

	result := &GradientOutput{LogL: out.LogL, Grad: grad}
	if out.Dt > 0 {
		result.Warning = &GradientDiffuseWarning{DiffusePeriods: out.Dt}
	}
	return result, nil
}

// initialStateGradientBlocks computes dl/da0 (m x 1) and dl/dP0 (m x m) from
// Fisher's identity applied to the Gaussian initial-state prior alpha_1 ~
// N(a0, P*0): the complete-data log density contributes a term
// -1/2 log|P0| - 1/2 (alpha_1-a0)^T P0^-1 (alpha_1-a0), and its expectation
// under the smoothed distribution of alpha_1 gives exactly the same
// score/Wishart-derivative shape already used for dl/dH and dl/dQ. Both
// blocks are nil whenever the model has a nonempty diffuse prefix: P*0 then
// only covers the stationary block and sm.N0 (the smoothed information
// matrix paired with it) is not computed, since the diffuse block's prior
// variance is conceptually infinite and carries no finite score (DESIGN.md
// open question 1; callers needing it should treat theta's a0/P0 slots as
// unidentified from this gradient and fall back to finite differences).
func initialStateGradientBlocks(s *Store, sm *SmootherOutput) (dla0, dlP0 *mat.Dense) {
	if sm.N0 == nil {
		return nil, nil
	}

	pStar0 := s.PStar()
	pStar0Inv := matx.PseudoInverse(pStar0, pseudoInverseTolerance)

	var diff mat.VecDense
	diff.SubVec(sm.A0Tilde, s.A0)

	var dla0Vec mat.VecDense
	dla0Vec.MulVec(pStar0Inv, &diff)
	dla0 = colMat(&dla0Vec)

	var pn mat.Dense
	pn.Mul(pStar0, sm.N0)
	var v mat.Dense
	v.Mul(&pn, pStar0)
	v.Sub(pStar0, &v) // Var(alpha_1|y) = P*0 - P*0 N0 P*0

	diffOuter := outer(&diff, &diff)
	var moment mat.Dense
	moment.Add(&v, diffOuter)

	// P*0 is not generally diagonal (it is R0 Q0 R0^T), unlike H's
	// diagonal-only residual shortcut (H is diagonal after C4), so subtract
	// the full matrix.
	var resid mat.Dense
	resid.Sub(pStar0, &moment)
	var block mat.Dense
	block.Mul(pStar0Inv, &resid)
	block.Mul(&block, pStar0Inv)
	block.Scale(-0.5, &block)
	dlP0 = &block

	return dla0, dlP0
}

type gradientBlocks struct {
	dlZ, dlT      *mat.Dense
	dld, dlc      *mat.Dense
	dlH, dlR, dlQ *mat.Dense
}

// accumulateGradientBlocks sums the closed-form per-t contributions over
// t=Dt+1..n, dispatching disjoint time ranges to a worker pool and reducing
// the per-worker partial sums once all workers finish, mirroring the
// teacher's BootstrapGrangerMatrix job/aggregator shape.
func accumulateGradientBlocks(ctx context.Context, s *Store, y *mat.Dense, out *FilterOutput, sm *SmootherOutput) (*gradientBlocks, error) {
	m, p, g := s.M, s.P, s.G
	start, end := out.Dt+1, s.N

	numWorkers := runtime.NumCPU()
	span := end - start + 1
	if span < 1 {
		span = 1
	}
	if numWorkers > span {
		numWorkers = span
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	partials := make([]*gradientBlocks, numWorkers)
	errs := make([]error, numWorkers)

	chunk := (span + numWorkers - 1) / numWorkers
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wStart := start + w*chunk
		wEnd := wStart + chunk - 1
		if wEnd > end {
			wEnd = end
		}
		if wStart > end {
			continue
		}
		wg.Add(1)
		go func(w, wStart, wEnd int) {
			defer wg.Done()
			acc := newGradientBlocks(p, m, g)
			for t := wStart; t <= wEnd; t++ {
				select {
				case <-ctx.Done():
					errs[w] = ctx.Err()
					return
				default:
				}
				accumulatePeriod(acc, s, y, out, sm, t)
			}
			partials[w] = acc
		}(w, wStart, wEnd)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return nil, e
		}
	}

	total := newGradientBlocks(p, m, g)
	for _, part := range partials {
		if part == nil {
			continue
		}
		total.dlZ.Add(total.dlZ, part.dlZ)
		total.dld.Add(total.dld, part.dld)
		total.dlH.Add(total.dlH, part.dlH)
		total.dlT.Add(total.dlT, part.dlT)
		total.dlc.Add(total.dlc, part.dlc)
		total.dlR.Add(total.dlR, part.dlR)
		total.dlQ.Add(total.dlQ, part.dlQ)
	}
	return total, nil
}

func newGradientBlocks(p, m, g int) *gradientBlocks {
	return &gradientBlocks{
		dlZ: mat.NewDense(p, m, nil),
		dld: mat.NewDense(p, 1, nil),
		dlH: mat.NewDense(p, p, nil),
		dlT: mat.NewDense(m, m, nil),
		dlc: mat.NewDense(m, 1, nil),
		dlR: mat.NewDense(m, g, nil),
		dlQ: mat.NewDense(g, g, nil),
	}
}

// accumulatePeriod adds period t's contribution to acc, following Fisher's
// identity: the expected complete-data score equals the incomplete-data
// score, with the smoothed first and second moments of alpha_t and eta_t
// standing in for their unobserved true values.
//
//   dl/dZ += H^-1 [ (y_t-d_t) alphahat_t^T - Z_t (V_t + alphahat_t alphahat_t^T) ]
//   dl/dd += H^-1 [ y_t - Z_t alphahat_t - d_t ]
//   dl/dH += -1/2 H^-1 [ H_t - E(eps eps^T) ] H^-1,  E(eps eps^T) = eps eps^T + Z_t V_t Z_t^T
//   dl/dQ += -1/2 Q^-1 [ Q_t - E(eta eta^T) ] Q^-1,  E(eta eta^T) = etahat etahat^T + Var(eta|y)
//           Var(eta_t|y) = Q_t - Q_t R_t^T N_t R_t Q_t  (Durbin & Koopman disturbance smoother)
//
// dl/dT, dl/dc, dl/dR use the exact lag-one smoothed cross moment
// E(alpha_{t+1} alpha_t^T|y) = alphahat_{t+1} alphahat_t^T +
// Cov(alpha_{t+1}, alpha_t|y), with the covariance term recovered from
// sm.LAgg (see smoother.go) via
// Cov(alpha_{t+1}, alpha_t|y) = P_{t+1|t} L_t^T (I - N_t P_{t|t-1}),
// L_t = T(t+1) * LAgg_t, the standard Kalman-smoother lag-one covariance
// identity (Durbin & Koopman 2012 §4.7) expressed through the per-period
// gain-adjusted transition this univariate implementation already builds.
func accumulatePeriod(acc *gradientBlocks, s *Store, y *mat.Dense, out *FilterOutput, sm *SmootherOutput, t int) {
	zCur := s.ZAt(t)
	dCur := s.DAt(t)
	hCur := s.HAt(t)
	p, _ := zCur.Dims()

	alphahat := colVecDense(sm.Alpha, t-1)
	n := sm.N[t-1]
	pCur := out.P[t-1]

	var pn mat.Dense
	pn.Mul(pCur, n)
	var v mat.Dense
	v.Mul(&pn, pCur)
	v.Sub(pCur, &v)

	var fitted mat.VecDense
	fitted.MulVec(zCur, alphahat)
	fitted.AddVec(&fitted, dCur)
	var eps mat.VecDense
	eps.SubVec(colVecDense(y, t-1), &fitted)

	hInv := matx.PseudoInverse(hCur, pseudoInverseTolerance)

	var alphaOuter mat.Dense
	aat := outer(alphahat, alphahat)
	alphaOuter.Add(&v, aat)

	var zTerm mat.Dense
	zTerm.Mul(colMat(&eps), rowMat(alphahat))
	// eps already carries -Z_t alphahat_t alphahat_t^T, so only Z_t V_t
	// remains to subtract.
	var zCorrection mat.Dense
	zCorrection.Mul(zCur, &v)
	zTerm.Sub(&zTerm, &zCorrection)
	var dlZ mat.Dense
	dlZ.Mul(hInv, &zTerm)
	acc.dlZ.Add(acc.dlZ, &dlZ)

	var dld mat.Dense
	dld.Mul(hInv, colMat(&eps))
	acc.dld.Add(acc.dld, &dld)

	var zvz mat.Dense
	zvz.Mul(zCur, &v)
	zvz.Mul(&zvz, zCur.T())
	epsOuter := outer(&eps, &eps)
	var epsMoment mat.Dense
	epsMoment.Add(epsOuter, &zvz)

	var hResid mat.Dense
	hResid.Scale(-1, &epsMoment)
	for i := 0; i < p; i++ {
		hResid.Set(i, i, hResid.At(i, i)+hCur.At(i, i))
	}
	var hBlock mat.Dense
	hBlock.Mul(hInv, &hResid)
	hBlock.Mul(&hBlock, hInv)
	hBlock.Scale(-0.5, &hBlock)
	acc.dlH.Add(acc.dlH, &hBlock)

	etahat := colVecDense(sm.Eta, t-1)
	rCur := s.RAt(t + 1)
	qCur := s.QAt(t + 1)

	var rn mat.Dense
	rn.Mul(rCur.T(), n)
	var rnr mat.Dense
	rnr.Mul(&rn, rCur)
	var qrnrq mat.Dense
	qrnrq.Mul(qCur, &rnr)
	qrnrq.Mul(&qrnrq, qCur)
	var varEta mat.Dense
	varEta.Sub(qCur, &qrnrq)

	etaOuter := outer(etahat, etahat)
	var etaMoment mat.Dense
	etaMoment.Add(etaOuter, &varEta)

	var qResid mat.Dense
	qResid.Sub(qCur, &etaMoment)
	qInv := matx.PseudoInverse(qCur, pseudoInverseTolerance)
	var qBlock mat.Dense
	qBlock.Mul(qInv, &qResid)
	qBlock.Mul(&qBlock, qInv)
	qBlock.Scale(-0.5, &qBlock)
	acc.dlQ.Add(acc.dlQ, &qBlock)

	if t < s.N {
		alphahatNext := colVecDense(sm.Alpha, t)
		tNext := s.TAt(t + 1)
		cNext := s.CAt(t + 1)

		var rq mat.Dense
		rq.Mul(rCur, qCur)
		var sigmaU mat.Dense
		sigmaU.Mul(&rq, rCur.T())
		sigmaUInv := matx.PseudoInverse(&sigmaU, pseudoInverseTolerance)

		var crossMoment mat.Dense
		crossMoment.Mul(colMat(alphahatNext), rowMat(alphahat))
		if lAgg := sm.LAgg[t-1]; lAgg != nil {
			var lDK mat.Dense
			lDK.Mul(tNext, lAgg)

			var nP mat.Dense
			nP.Mul(n, pCur)
			mDim, _ := nP.Dims()
			idMinusNP := mat.NewDense(mDim, mDim, nil)
			for i := 0; i < mDim; i++ {
				idMinusNP.Set(i, i, 1)
			}
			idMinusNP.Sub(idMinusNP, &nP)

			pNext := out.P[t]
			var cov mat.Dense
			cov.Mul(pNext, lDK.T())
			cov.Mul(&cov, idMinusNP)
			crossMoment.Add(&crossMoment, &cov)
		}
		var tTerm mat.Dense
		tTerm.Mul(tNext, &alphaOuter)
		var cTerm mat.Dense
		cTerm.Mul(colMat(cNext), rowMat(alphahat))
		crossMoment.Sub(&crossMoment, &tTerm)
		crossMoment.Sub(&crossMoment, &cTerm)

		var dlT mat.Dense
		dlT.Mul(sigmaUInv, &crossMoment)
		acc.dlT.Add(acc.dlT, &dlT)

		var meanResid mat.VecDense
		meanResid.MulVec(tNext, alphahat)
		meanResid.AddVec(&meanResid, cNext)
		var cResid mat.VecDense
		cResid.SubVec(alphahatNext, &meanResid)
		var dlc mat.Dense
		dlc.Mul(sigmaUInv, colMat(&cResid))
		acc.dlc.Add(acc.dlc, &dlc)

		// dl/dR follows the same Wishart-type derivative as dl/dQ, applied
		// to Sigma_u = R Q R^T (the covariance of the state shock u_t = R
		// eta_t): dl/dSigma_u = -1/2 Sigma_u^-1 (Sigma_u - E(uu^T|y))
		// Sigma_u^-1, and dl/dR = 2 dl/dSigma_u R Q by the chain rule
		// through Sigma_u = R Q R^T.
		var uMoment mat.Dense
		uMoment.Mul(rCur, &etaMoment)
		uMoment.Mul(&uMoment, rCur.T())
		var uResid mat.Dense
		uResid.Sub(&sigmaU, &uMoment)
		var dSigmaU mat.Dense
		dSigmaU.Mul(sigmaUInv, &uResid)
		dSigmaU.Mul(&dSigmaU, sigmaUInv)
		dSigmaU.Scale(-0.5, &dSigmaU)
		var dlR mat.Dense
		dlR.Mul(&dSigmaU, &rq)
		dlR.Scale(2, &dlR)
		acc.dlR.Add(acc.dlR, &dlR)
	}
}

func colVecDense(d *mat.Dense, col int) *mat.VecDense {
	r, _ := d.Dims()
	data := make([]float64, r)
	for i := 0; i < r; i++ {
		data[i] = d.At(i, col)
	}
	return mat.NewVecDense(r, data)
}

func colMat(v *mat.VecDense) *mat.Dense {
	data := make([]float64, v.Len())
	copy(data, v.RawVector().Data)
	return mat.NewDense(v.Len(), 1, data)
}

func rowMat(v *mat.VecDense) *mat.Dense {
	data := make([]float64, v.Len())
	copy(data, v.RawVector().Data)
	return mat.NewDense(1, v.Len(), data)
}

func frobeniusDot(a, b mat.Matrix) float64 {
	r, c := a.Dims()
	sum := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sum += a.At(i, j) * b.At(i, j)
		}
	}
	return sum
}
