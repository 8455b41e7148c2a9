package ssmgo

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Store holds the parameterized observation and transition system: Z, d, H,
// T, c, R, Q, each possibly time-varying via a tau index map, plus the
// initial-condition entities a0, R0, A0, Q0. It owns the tau mapping and
// guarantees O(1) slice access; a time-invariant parameter is represented
// by a single-element tensor whose tau map is empty (every t resolves to
// slice 0).
//
// Parameter tensors are immutable across a filter/smoother/gradient call;
// Store itself performs no mutation once constructed.
type Store struct {
	P, M, G int // p: series count, m: state dim, g: shock dim

	Z []*mat.Dense    // p x m slices
	D []*mat.VecDense // p slices
	H []*mat.SymDense // p x p slices

	T []*mat.Dense    // m x m slices
	C []*mat.VecDense // m slices
	R []*mat.Dense    // m x g slices
	Q []*mat.SymDense // g x g slices

	TauZ, TauD, TauH []int // length n, governs measurement at t (0-based index into Z/D/H)
	TauT, TauC, TauR, TauQ []int // length n+1, governs transition into t (index 1 used for t=1)

	A0 *mat.VecDense // initial mean, length m
	R0 *mat.Dense    // m x s, stationary selector columns
	A0Sel *mat.Dense // m x (m-s), nonstationary selector columns
	Q0 *mat.SymDense // s x s, initial covariance on stationary block

	N int // number of time points, set by Validate
}

// sliceIndex resolves a tau map at time t (1-based as in spec.md, t=1..n or
// t=1..n+1 depending on the map) to a tensor index, treating an empty map as
// "always slice 0" for a time-invariant parameter.
func sliceIndex(tau []int, t int) int {
	if len(tau) == 0 {
		return 0
	}
	return tau[t-1]
}

// ZAt returns the p x m measurement loading in effect at time t (1-based).
func (s *Store) ZAt(t int) *mat.Dense { return s.Z[sliceIndex(s.TauZ, t)] }

// DAt returns the p measurement intercept in effect at time t (1-based).
func (s *Store) DAt(t int) *mat.VecDense { return s.D[sliceIndex(s.TauD, t)] }

// HAt returns the p x p observation noise covariance in effect at time t.
func (s *Store) HAt(t int) *mat.SymDense { return s.H[sliceIndex(s.TauH, t)] }

// TAt returns the m x m transition matrix governing the transition into t
// (t=1 uses slice 1, i.e. tau index at position 0 of a length n+1 map).
func (s *Store) TAt(t int) *mat.Dense { return s.T[sliceIndex(s.TauT, t)] }

// CAt returns the m transition intercept governing the transition into t.
func (s *Store) CAt(t int) *mat.VecDense { return s.C[sliceIndex(s.TauC, t)] }

// RAt returns the m x g state-shock selector governing the transition into t.
func (s *Store) RAt(t int) *mat.Dense { return s.R[sliceIndex(s.TauR, t)] }

// QAt returns the g x g state-shock covariance governing the transition into t.
func (s *Store) QAt(t int) *mat.SymDense { return s.Q[sliceIndex(s.TauQ, t)] }

// NewTimeInvariantStore builds a Store whose seven parameter blocks are all
// constant across time, the common case for a stationary linear Gaussian
// model. Initial-condition entities are left nil; run Initialize (or let
// Filter run it) to populate them.
func NewTimeInvariantStore(z *mat.Dense, d *mat.VecDense, h *mat.SymDense, t *mat.Dense, c *mat.VecDense, r *mat.Dense, q *mat.SymDense) *Store {
	p, m := z.Dims()
	_, g := r.Dims()
	return &Store{
		P: p, M: m, G: g,
		Z: []*mat.Dense{z}, D: []*mat.VecDense{d}, H: []*mat.SymDense{h},
		T: []*mat.Dense{t}, C: []*mat.VecDense{c}, R: []*mat.Dense{r}, Q: []*mat.SymDense{q},
	}
}

// allFinite reports whether every entry of m is finite, used by the
// validator's UnknownParameter check (invariant 1 of spec.md §3).
func allFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
