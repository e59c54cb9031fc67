package se3

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

func TestExpSO3LogSO3RoundTrip(t *testing.T) {
	cases := []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 0.01, Y: 0, Z: 0},
		{X: 0.3, Y: -0.4, Z: 0.1},
		{X: 1.0, Y: 1.0, Z: 1.0},
	}
	for _, w := range cases {
		q := ExpSO3(w)
		got := LogSO3(q)
		if d := got.Sub(w).Norm(); d > 1e-7 {
			t.Errorf("LogSO3(ExpSO3(%v)) = %v, want %v (d=%g)", w, got, w, d)
		}
	}
}

func TestQuatRotatePreservesNorm(t *testing.T) {
	q := ExpSO3(r3.Vector{X: 0.2, Y: -0.5, Z: 0.9})
	v := r3.Vector{X: 3, Y: -4, Z: 5}
	rotated := q.Rotate(v)
	if d := math.Abs(rotated.Norm() - v.Norm()); d > 1e-9 {
		t.Fatalf("rotation changed vector norm: %g vs %g", rotated.Norm(), v.Norm())
	}
}

func TestQuatConjugateIsInverse(t *testing.T) {
	q := ExpSO3(r3.Vector{X: 0.4, Y: 0.1, Z: -0.2})
	id := q.Mul(q.Conjugate())
	if math.Abs(id.W-1) > 1e-9 || id.X*id.X+id.Y*id.Y+id.Z*id.Z > 1e-18 {
		t.Fatalf("q*conj(q) != identity: %+v", id)
	}
}

func TestSE3InverseRoundTrip(t *testing.T) {
	s := SE3{R: ExpSO3(r3.Vector{X: 0.1, Y: 0.2, Z: -0.3}), T: r3.Vector{X: 1, Y: 2, Z: 3}}
	id := s.Mul(s.Inverse())
	if d := id.T.Norm(); d > 1e-9 {
		t.Fatalf("s*s^-1 translation not zero: %v", id.T)
	}
	relErr := LogSO3(id.R)
	if relErr.Norm() > 1e-9 {
		t.Fatalf("s*s^-1 rotation not identity: residual angle %g", relErr.Norm())
	}
}
