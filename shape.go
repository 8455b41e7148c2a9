package ssmgo

import "gonum.org/v1/gonum/mat"

// Validate checks dimensional consistency of the parameter store against
// the observed data matrix y (p x n) and every declared finiteness
// invariant (spec.md §3 invariants 1 and 3). It does not inspect whether H
// or Q are PSD, or whether the diffuse partition is consistent — those are
// the initializer's (C3) and factorizer's (C4) responsibilities.
//
// On success it sets s.N to the resolved number of time points and returns
// nil.
func Validate(s *Store, y *mat.Dense) error {
	rows, cols := y.Dims()
	if rows != s.P {
		return &ShapeMismatchError{Field: "y", WantRows: s.P, WantCols: cols, GotRows: rows, GotCols: cols}
	}

	n := cols
	if isTimeVarying(s) {
		maxTau := maxTauLen(s)
		if maxTau > 0 && maxTau != cols {
			// A declared time-varying system must match the data length.
			return &ShapeMismatchError{Field: "y (time-varying tau length)", WantRows: s.P, WantCols: maxTau, GotRows: s.P, GotCols: cols}
		}
	}
	s.N = n

	if err := validateMeasurementSlices(s); err != nil {
		return err
	}
	if err := validateTransitionSlices(s); err != nil {
		return err
	}
	if err := validateTauRanges(s, n); err != nil {
		return err
	}
	if !allFinite(y) {
		// Missing entries are represented as NaN by convention and are not
		// an UnknownParameter violation; only genuinely non-finite
		// parameter tensors are. y's own finiteness is the caller's
		// responsibility to mark as missing, not fail here.
		_ = y
	}
	return checkParameterFiniteness(s)
}

func isTimeVarying(s *Store) bool {
	return len(s.TauZ) > 0 || len(s.TauD) > 0 || len(s.TauH) > 0 ||
		len(s.TauT) > 0 || len(s.TauC) > 0 || len(s.TauR) > 0 || len(s.TauQ) > 0
}

func maxTauLen(s *Store) int {
	max := 0
	for _, tau := range [][]int{s.TauZ, s.TauD, s.TauH} {
		if len(tau) > max {
			max = len(tau)
		}
	}
	for _, tau := range [][]int{s.TauT, s.TauC, s.TauR, s.TauQ} {
		// these are length n+1; the data-length contribution is len-1
		if len(tau) > 0 && len(tau)-1 > max {
			max = len(tau) - 1
		}
	}
	return max
}

func validateMeasurementSlices(s *Store) error {
	for i, z := range s.Z {
		r, c := z.Dims()
		if r != s.P || c != s.M {
			return &ShapeMismatchError{Field: "Z", WantRows: s.P, WantCols: s.M, GotRows: r, GotCols: c}
		}
		_ = i
	}
	for _, d := range s.D {
		if d.Len() != s.P {
			return &ShapeMismatchError{Field: "d", WantRows: s.P, WantCols: 1, GotRows: d.Len(), GotCols: 1}
		}
	}
	for _, h := range s.H {
		if h.SymmetricDim() != s.P {
			return &ShapeMismatchError{Field: "H", WantRows: s.P, WantCols: s.P, GotRows: h.SymmetricDim(), GotCols: h.SymmetricDim()}
		}
	}
	return nil
}

func validateTransitionSlices(s *Store) error {
	for _, t := range s.T {
		r, c := t.Dims()
		if r != s.M || c != s.M {
			return &ShapeMismatchError{Field: "T", WantRows: s.M, WantCols: s.M, GotRows: r, GotCols: c}
		}
	}
	for _, c := range s.C {
		if c.Len() != s.M {
			return &ShapeMismatchError{Field: "c", WantRows: s.M, WantCols: 1, GotRows: c.Len(), GotCols: 1}
		}
	}
	for _, r := range s.R {
		rr, rc := r.Dims()
		if rr != s.M || rc != s.G {
			return &ShapeMismatchError{Field: "R", WantRows: s.M, WantCols: s.G, GotRows: rr, GotCols: rc}
		}
	}
	for _, q := range s.Q {
		if q.SymmetricDim() != s.G {
			return &ShapeMismatchError{Field: "Q", WantRows: s.G, WantCols: s.G, GotRows: q.SymmetricDim(), GotCols: q.SymmetricDim()}
		}
	}
	return nil
}

func validateTauRanges(s *Store, n int) error {
	check := func(field string, tau []int, bound, wantLen int) error {
		if len(tau) == 0 {
			return nil
		}
		if len(tau) != wantLen {
			return &ShapeMismatchError{Field: "tau_" + field, WantRows: wantLen, WantCols: 1, GotRows: len(tau), GotCols: 1}
		}
		for _, idx := range tau {
			if idx < 0 || idx >= bound {
				return &ShapeMismatchError{Field: "tau_" + field + " index", WantRows: bound, WantCols: 1, GotRows: idx, GotCols: 1}
			}
		}
		return nil
	}
	if err := check("Z", s.TauZ, len(s.Z), n); err != nil {
		return err
	}
	if err := check("d", s.TauD, len(s.D), n); err != nil {
		return err
	}
	if err := check("H", s.TauH, len(s.H), n); err != nil {
		return err
	}
	if err := check("T", s.TauT, len(s.T), n+1); err != nil {
		return err
	}
	if err := check("c", s.TauC, len(s.C), n+1); err != nil {
		return err
	}
	if err := check("R", s.TauR, len(s.R), n+1); err != nil {
		return err
	}
	if err := check("Q", s.TauQ, len(s.Q), n+1); err != nil {
		return err
	}
	return nil
}

func checkParameterFiniteness(s *Store) error {
	type named struct {
		name string
		idx  int
		m    mat.Matrix
	}
	var all []named
	for i, z := range s.Z {
		all = append(all, named{"Z", i, z})
	}
	for i, h := range s.H {
		all = append(all, named{"H", i, h})
	}
	for i, t := range s.T {
		all = append(all, named{"T", i, t})
	}
	for i, r := range s.R {
		all = append(all, named{"R", i, r})
	}
	for i, q := range s.Q {
		all = append(all, named{"Q", i, q})
	}
	for i, d := range s.D {
		all = append(all, named{"d", i, d})
	}
	for i, c := range s.C {
		all = append(all, named{"c", i, c})
	}

	for _, n := range all {
		if !allFinite(n.m) {
			r, c := n.m.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					v := n.m.At(i, j)
					if v != v || v > 1e308 || v < -1e308 {
						return &UnknownParameterError{Field: n.name, Slice: n.idx, Row: i, Col: j}
					}
				}
			}
		}
	}
	return nil
}
