package ssmgo

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DecomposeSmoothed recovers the linear data-contribution decomposition
// spec.md §6 names: alpha[:,t] = sum_s W(s,t) y(:,s) + const(t), restricted
// to the requested effect periods. Because the filter/smoother gain
// sequence (P, K, N, Z, T) never depends on the values in y, only on its
// missingness pattern and the parameters, the map from y to the smoothed
// state is exactly affine. const(t) is alpha(t) evaluated at the
// zero-valued (but same-missingness) series; each W(s,t) column is read off
// by perturbing one observed entry of y to a unit impulse and re-running
// the smoother, the same impulse-response idea the teacher's
// RunIRFAnalysis uses to trace a shock's propagation through a VAR, applied
// here to a single data point's propagation through the smoother instead of
// a structural shock.
//
// decomp[k] is m x (n*p): columns [s*p : s*p+p] hold W(s+1, periods[k]),
// the m x p weight matrix mapping y(:,s+1) onto alpha(:,periods[k]).
// constContrib is m x len(periods): column k holds const(periods[k]).
func DecomposeSmoothed(ctx context.Context, s *Store, y *mat.Dense, initOpts *InitOptions, periods []int) ([]*mat.Dense, *mat.Dense, error) {
	zeroY := zeroedObservations(y)
	alphaZero, _, _, err := Smooth(ctx, s, zeroY, initOpts)
	if err != nil {
		return nil, nil, err
	}

	n, p, m := s.N, s.P, s.M
	for _, t := range periods {
		if t < 1 || t > n {
			return nil, nil, fmt.Errorf("decompose_smoothed: period %d out of range [1,%d]", t, n)
		}
	}

	decomp := make([]*mat.Dense, len(periods))
	for k := range periods {
		decomp[k] = mat.NewDense(m, n*p, nil)
	}
	constContrib := mat.NewDense(m, len(periods), nil)
	for k, t := range periods {
		for i := 0; i < m; i++ {
			constContrib.Set(i, k, alphaZero.At(i, t-1))
		}
	}

	for src := 1; src <= n; src++ {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		for j := 0; j < p; j++ {
			if math.IsNaN(y.At(j, src-1)) {
				continue // missing entries contribute nothing, weight stays zero
			}

			impulseY := mat.DenseCopyOf(zeroY)
			impulseY.Set(j, src-1, 1)

			alphaImpulse, _, _, err := Smooth(ctx, s, impulseY, initOpts)
			if err != nil {
				return nil, nil, err
			}

			col := (src-1)*p + j
			for k, t := range periods {
				for i := 0; i < m; i++ {
					w := alphaImpulse.At(i, t-1) - alphaZero.At(i, t-1)
					decomp[k].Set(i, col, w)
				}
			}
		}
	}

	return decomp, constContrib, nil
}

// zeroedObservations copies y's missingness pattern (NaN entries stay NaN)
// but zeroes every observed entry, giving the baseline series whose
// smoothed state is the decomposition's constant term.
func zeroedObservations(y *mat.Dense) *mat.Dense {
	r, c := y.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(y.At(i, j)) {
				out.Set(i, j, math.NaN())
			}
		}
	}
	return out
}
