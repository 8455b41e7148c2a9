package ssmgo

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// LoadObservationCSV loads a CSV file into a p x n observation matrix for
// Filter/Smooth/Gradient, the direct analog of the teacher's
// LoadCSVToTimeSeries for a plain observation matrix rather than a model-
// construction TimeSeries. The header row names each series; each
// subsequent row is one time period with one column per series. An empty
// field or the literal "NA"/"NaN" (case-insensitive) marks a missing
// observation and becomes NaN in y, matching the filter's own missing-data
// convention.
func LoadObservationCSV(path string) (*mat.Dense, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 {
		return nil, nil, fmt.Errorf("empty header in %s", path)
	}
	p := len(header)

	var rows [][]float64
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %d: %w", len(rows)+2, err)
		}
		if len(record) == 1 && record[0] == "" {
			continue
		}
		if len(record) != p {
			return nil, nil, fmt.Errorf("row %d: expected %d columns, got %d", len(rows)+2, p, len(record))
		}

		row := make([]float64, p)
		for j, field := range record {
			trimmed := strings.TrimSpace(field)
			if trimmed == "" || strings.EqualFold(trimmed, "NA") || strings.EqualFold(trimmed, "NaN") {
				row[j] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(trimmed, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("parse float at row %d col %d (%q): %w", len(rows)+2, j+1, field, err)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}

	n := len(rows)
	if n == 0 {
		return nil, nil, fmt.Errorf("no data rows in %s", path)
	}

	// y is p x n: series as rows, time as columns, transposed from the CSV's
	// time-as-rows layout.
	y := mat.NewDense(p, n, nil)
	for t, row := range rows {
		for j, v := range row {
			y.Set(j, t, v)
		}
	}
	return y, header, nil
}

// WriteFilterSummaryCSV writes a state trajectory (m x n or m x (n+1), as
// returned by Filter/Smooth) to CSV in the teacher's OutputForecastsToCSV
// layout: one row per time period, one column per state dimension. stateNames
// supplies column headers when its length matches the state dimension;
// otherwise columns are named State1, State2, ....
func WriteFilterSummaryCSV(path string, a *mat.Dense, stateNames []string) error {
	m, n := a.Dims()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := make([]string, m)
	for i := 0; i < m; i++ {
		if len(stateNames) == m {
			header[i] = stateNames[i]
		} else {
			header[i] = fmt.Sprintf("State%d", i+1)
		}
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for t := 0; t < n; t++ {
		record := make([]string, m)
		for i := 0; i < m; i++ {
			record[i] = fmt.Sprintf("%f", a.At(i, t))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// PrintFilterSummary narrates a completed filter pass the way the teacher's
// Summary prints a VAR model: basic dimensions, the diffuse cutoff, the
// final log-likelihood, and the filtered state trajectory.
func PrintFilterSummary(s *Store, a *mat.Dense, logL float64, out *FilterOutput) {
	fmt.Println("         Exact-Diffuse Kalman Filter Summary      ")
	fmt.Printf("Series count (p):       %d\n", s.P)
	fmt.Printf("State dimension (m):    %d\n", s.M)
	fmt.Printf("Shock dimension (g):    %d\n", s.G)
	fmt.Printf("Time points (n):        %d\n", s.N)
	fmt.Printf("Diffuse cutoff (dt):    %d\n", out.Dt)
	fmt.Printf("Log-likelihood:         %f\n", logL)
	fmt.Println()
	fmt.Println("Filtered state trajectory a[:,1..n+1]:")
	fmt.Printf("%v\n", mat.Formatted(a, mat.Prefix("  ")))
	fmt.Println("=======================================")
}

// PrintGradientSummary prints the gradient vector and, when present, the
// diffuse-phase warning, the way the teacher's PrintCoefficients prints a
// VAR's coefficient blocks.
func PrintGradientSummary(g *GradientOutput) {
	fmt.Println("\n=== Log-Likelihood Gradient ===")
	for k, v := range g.Grad {
		fmt.Printf("  theta[%d] = %f\n", k, v)
	}
	if g.Warning != nil {
		fmt.Println(g.Warning.Error())
	}
}
