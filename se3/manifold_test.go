package se3

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

func TestExpLogDecoupledRoundTrip(t *testing.T) {
	base := SE3{R: Quat{W: 0.9689124, X: 0.0, Y: 0.0, Z: 0.2474040}.Normalize(), T: r3.Vector{X: 1, Y: -2, Z: 0.5}}
	target := SE3{R: Quat{W: 0.8775826, X: 0.2193778, Y: 0.2193778, Z: 0.3604234}.Normalize(), T: r3.Vector{X: 3, Y: 1, Z: -0.5}}

	xi := LogDecoupled(base, target)
	got := ExpDecoupled(base, xi)

	if d := got.T.Sub(target.T).Norm(); d > 1e-9 {
		t.Fatalf("translation mismatch: %v vs %v (d=%g)", got.T, target.T, d)
	}
	relErr := LogSO3(got.R.Mul(target.R.Conjugate()))
	if relErr.Norm() > 1e-9 {
		t.Fatalf("rotation mismatch: residual angle %g", relErr.Norm())
	}
}

func TestExpDecoupledZeroIsIdentityUpdate(t *testing.T) {
	base := SE3{R: Quat{W: 0.7071068, X: 0, Y: 0, Z: 0.7071068}, T: r3.Vector{X: 1, Y: 2, Z: 3}}
	got := ExpDecoupled(base, make([]float64, 6))
	if got.T.Sub(base.T).Norm() > 1e-12 {
		t.Fatalf("zero tangent moved translation: %v vs %v", got.T, base.T)
	}
	relErr := LogSO3(got.R.Mul(base.R.Conjugate()))
	if relErr.Norm() > 1e-9 {
		t.Fatalf("zero tangent rotated pose: residual angle %g", relErr.Norm())
	}
}

func TestExpDecoupledApplyRollbackIdempotence(t *testing.T) {
	base := SE3{R: Quat{W: 0.8, X: 0.1, Y: 0.2, Z: 0.3}.Normalize(), T: r3.Vector{X: 2, Y: -1, Z: 0.3}}
	xi := []float64{0.05, -0.02, 0.1, 0.2, -0.15, 0.05}

	forward := ExpDecoupled(base, xi)
	neg := make([]float64, 6)
	for i, v := range xi {
		neg[i] = -v
	}
	back := ExpDecoupled(forward, neg)

	if d := back.T.Sub(base.T).Norm(); d > 1e-9 {
		t.Fatalf("translation did not round-trip: d=%g", d)
	}
	relErr := LogSO3(back.R.Mul(base.R.Conjugate()))
	if relErr.Norm() > 1e-9 {
		t.Fatalf("rotation did not round-trip: residual angle %g", relErr.Norm())
	}
}

func TestJacobianCentralOnKnownLinearMap(t *testing.T) {
	// f(x) = A*x for a fixed A; the central-difference Jacobian should
	// recover A to high precision regardless of x0.
	a := [][]float64{{2, 0, 1}, {0, 3, -1}}
	f := func(y, x []float64) {
		y[0] = a[0][0]*x[0] + a[0][1]*x[1] + a[0][2]*x[2]
		y[1] = a[1][0]*x[0] + a[1][1]*x[1] + a[1][2]*x[2]
	}
	j := JacobianCentral(2, 3, f, []float64{1, -2, 0.5})
	for i := range a {
		for k := range a[i] {
			if got := j.At(i, k); math.Abs(got-a[i][k]) > 1e-6 {
				t.Fatalf("J[%d][%d] = %g, want %g", i, k, got, a[i][k])
			}
		}
	}
}
