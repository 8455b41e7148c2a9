package main

import (
	"context"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/dsetiawan/ssmgo"
)

// This is the main function that runs the filter/smoother/gradient/
// decomposition demo for a local-level or VAR-companion state-space model
// built from a CSV observation matrix. The function expects two
// command-line arguments: the CSV path and the model kind ("local-level" or
// "var"). There are 8 steps: load the CSV, build the state-space system,
// filter, smooth, post-process the disturbances, take the analytic gradient,
// decompose, and write the filtered/smoothed trajectories to CSV.

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run main.go <csv_path> <model_kind>")
		fmt.Println("  model_kind: local-level | var")
		return
	}
	csvPath := os.Args[1]
	modelKind := os.Args[2]
	fmt.Println("Running ssmgo demo for model kind:", modelKind)

	// 1. Load CSV into an observation matrix.
	y, seriesNames, err := ssmgo.LoadObservationCSV(csvPath)
	if err != nil {
		panic(err)
	}
	p, n := y.Dims()
	fmt.Println("Loaded series with", n, "time points and", p, "variables:", seriesNames)

	// 2. Build the state-space system. A local-level model only tracks the
	// first loaded series; the VAR-companion demo uses every loaded series.
	var store *ssmgo.Store
	var jac *ssmgo.Jacobians
	var numTheta int
	switch modelKind {
	case "local-level":
		store, jac, numTheta = buildLocalLevel()
		y = firstSeries(y)
	case "var":
		store, jac, numTheta = buildVARCompanion(p)
	default:
		panic("unsupported model kind: " + modelKind + ". Options: local-level, var")
	}

	ctx := context.Background()

	// 3. Filter.
	a, logL, filterOut, err := ssmgo.Filter(ctx, store, y, nil)
	if err != nil {
		panic(err)
	}
	ssmgo.PrintFilterSummary(store, a, logL, filterOut)

	// 4. Smooth.
	alpha, sm, _, err := ssmgo.Smooth(ctx, store, y, nil)
	if err != nil {
		panic(err)
	}
	fmt.Println("\n=== Smoothed State Trajectory ===")
	fmt.Printf("%v\n", mat.Formatted(alpha, mat.Prefix("  ")))

	// 5. Post-process: recover observation/disturbance variances.
	post := ssmgo.Postprocess(store, y, filterOut, sm)
	fmt.Println("\n=== Smoothed Observation Disturbances (eps) ===")
	fmt.Printf("%v\n", mat.Formatted(post.Eps, mat.Prefix("  ")))

	// 6. Gradient.
	grad, err := ssmgo.Gradient(ctx, store, y, nil, jac, numTheta)
	if err != nil {
		panic(err)
	}
	ssmgo.PrintGradientSummary(grad)

	// 7. Decompose the smoothed state at the first, middle, and last period
	// into its per-source-period data contributions.
	periods := []int{1, n / 2, n}
	decomp, constContrib, err := ssmgo.DecomposeSmoothed(ctx, store, y, nil, periods)
	if err != nil {
		panic(err)
	}
	fmt.Println("\n=== Data-Contribution Decomposition ===")
	for k, t := range periods {
		fmt.Printf("period %d: const contribution\n", t)
		fmt.Printf("%v\n", mat.Formatted(constContrib.ColView(k), mat.Prefix("  ")))
		fmt.Printf("period %d: per-source-period weight matrix (m x n*p)\n", t)
		fmt.Printf("%v\n", mat.Formatted(decomp[k], mat.Prefix("  ")))
	}

	// 8. Write the filtered and smoothed trajectories to CSV.
	if err := ssmgo.WriteFilterSummaryCSV("filtered_state.csv", a, nil); err != nil {
		panic(err)
	}
	fmt.Println("\nFiltered state written to filtered_state.csv")
	if err := ssmgo.WriteFilterSummaryCSV("smoothed_state.csv", alpha, nil); err != nil {
		panic(err)
	}
	fmt.Println("Smoothed state written to smoothed_state.csv")
}

// firstSeries returns the first row of y as a standalone 1 x n matrix, the
// single series a local-level model tracks.
func firstSeries(y *mat.Dense) *mat.Dense {
	_, n := y.Dims()
	series := mat.NewDense(1, n, nil)
	for t := 0; t < n; t++ {
		series.Set(0, t, y.At(0, t))
	}
	return series
}

// buildLocalLevel builds a univariate local-level model (random walk plus
// noise) with a diffuse initial state: Z=1, d=0, T=1, c=0, R=1, and H, Q
// free parameters exposed via theta=[H,Q].
func buildLocalLevel() (*ssmgo.Store, *ssmgo.Jacobians, int) {
	z := mat.NewDense(1, 1, []float64{1})
	d := mat.NewVecDense(1, []float64{0})
	h := mat.NewSymDense(1, []float64{1})
	tr := mat.NewDense(1, 1, []float64{1})
	c := mat.NewVecDense(1, []float64{0})
	r := mat.NewDense(1, 1, []float64{1})
	q := mat.NewSymDense(1, []float64{1})

	store := ssmgo.NewTimeInvariantStore(z, d, h, tr, c, r, q)
	jac, numTheta := diagonalVarianceJacobians(1)
	return store, jac, numTheta
}

// buildVARCompanion builds a p-dimensional stationary own-lag model (T a
// mild diagonal persistence, not an estimated VAR) as a simple multivariate
// demo; estimating VAR coefficients from data is StateSpaceEstimation's job
// and stays out of this module per spec.md §1.
func buildVARCompanion(p int) (*ssmgo.Store, *ssmgo.Jacobians, int) {
	z := mat.NewDense(p, p, nil)
	tr := mat.NewDense(p, p, nil)
	r := mat.NewDense(p, p, nil)
	hData := make([]float64, p*p)
	qData := make([]float64, p*p)
	for i := 0; i < p; i++ {
		z.Set(i, i, 1)
		tr.Set(i, i, 0.5)
		r.Set(i, i, 1)
		hData[i*p+i] = 0.5
		qData[i*p+i] = 1
	}
	d := mat.NewVecDense(p, nil)
	c := mat.NewVecDense(p, nil)
	h := mat.NewSymDense(p, hData)
	q := mat.NewSymDense(p, qData)

	store := ssmgo.NewTimeInvariantStore(z, d, h, tr, c, r, q)
	jac, numTheta := diagonalVarianceJacobians(p)
	return store, jac, numTheta
}

// diagonalVarianceJacobians exposes each diagonal entry of H and Q as an
// independent free parameter: theta[0..p-1] are H's diagonal, theta[p..2p-1]
// are Q's diagonal, every other parameter block held fixed.
func diagonalVarianceJacobians(p int) (*ssmgo.Jacobians, int) {
	numTheta := 2 * p
	gh := make([]mat.Matrix, numTheta)
	gq := make([]mat.Matrix, numTheta)
	for i := 0; i < p; i++ {
		hJac := mat.NewDense(p, p, nil)
		hJac.Set(i, i, 1)
		gh[i] = hJac

		qJac := mat.NewDense(p, p, nil)
		qJac.Set(i, i, 1)
		gq[p+i] = qJac
	}
	return &ssmgo.Jacobians{GH: gh, GQ: gq}, numTheta
}
