package camera

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/se3"
)

func testCamera() Camera {
	return Camera{
		Intrinsics: Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240, K1: 0, K2: 0},
		Tvs:        se3.Identity(),
	}
}

func TestTransfer3dKnownPoint(t *testing.T) {
	c := testCamera()
	worldPoint := r3.Vector{X: 0.2, Y: 0.1, Z: 5}
	proj, err := c.Transfer3d(se3.Identity(), worldPoint)
	if err != nil {
		t.Fatalf("Transfer3d: %v", err)
	}
	wantU, wantV := 340.0, 250.0
	if math.Abs(proj.X-wantU) > 1e-9 || math.Abs(proj.Y-wantV) > 1e-9 {
		t.Fatalf("proj = (%g, %g), want (%g, %g)", proj.X, proj.Y, wantU, wantV)
	}
}

func TestTransfer3dBehindCamera(t *testing.T) {
	c := testCamera()
	_, err := c.Transfer3d(se3.Identity(), r3.Vector{X: 0, Y: 0, Z: -1})
	if err == nil {
		t.Fatal("expected an error for a point behind the focal plane")
	}
}

func TestUnprojectInvertsTransfer3dDirection(t *testing.T) {
	c := testCamera()
	worldPoint := r3.Vector{X: 0.3, Y: -0.2, Z: 4}
	proj, err := c.Transfer3d(se3.Identity(), worldPoint)
	if err != nil {
		t.Fatalf("Transfer3d: %v", err)
	}
	ray := c.Unproject(r3.Vector{X: proj.X, Y: proj.Y})
	want := worldPoint.Normalize()
	if d := ray.Sub(want).Norm(); d > 1e-6 {
		t.Fatalf("Unproject ray %v, want direction %v (d=%g)", ray, want, d)
	}
}

func TestUnprojectWithDistortionRoundTrips(t *testing.T) {
	c := testCamera()
	c.Intrinsics.K1 = -0.1
	c.Intrinsics.K2 = 0.02
	worldPoint := r3.Vector{X: 0.4, Y: 0.25, Z: 3}
	proj, err := c.Transfer3d(se3.Identity(), worldPoint)
	if err != nil {
		t.Fatalf("Transfer3d: %v", err)
	}
	ray := c.Unproject(r3.Vector{X: proj.X, Y: proj.Y})
	want := worldPoint.Normalize()
	if d := ray.Sub(want).Norm(); d > 1e-4 {
		t.Fatalf("Unproject with distortion: ray %v, want %v (d=%g)", ray, want, d)
	}
}

func TestDzDPoseMatchesFiniteDifferenceOfSelf(t *testing.T) {
	c := testCamera()
	worldPoint := r3.Vector{X: 0.2, Y: -0.1, Z: 4}
	base := se3.SE3{R: se3.ExpSO3(r3.Vector{X: 0.1, Y: -0.05, Z: 0.2}), T: r3.Vector{X: 0.5, Y: -0.2, Z: 0.1}}

	j := c.DzDPose(base, worldPoint)
	r, cl := j.Dims()
	if r != 2 || cl != 6 {
		t.Fatalf("DzDPose dims = (%d,%d), want (2,6)", r, cl)
	}

	eps := 1e-5
	for k := 0; k < 6; k++ {
		xi := make([]float64, 6)
		xi[k] = eps
		plus := se3.ExpDecoupled(base, xi)
		xi[k] = -eps
		minus := se3.ExpDecoupled(base, xi)
		pp, err := c.Transfer3d(plus, worldPoint)
		if err != nil {
			t.Fatalf("Transfer3d(plus): %v", err)
		}
		pm, err := c.Transfer3d(minus, worldPoint)
		if err != nil {
			t.Fatalf("Transfer3d(minus): %v", err)
		}
		du := (pp.X - pm.X) / (2 * eps)
		dv := (pp.Y - pm.Y) / (2 * eps)
		if math.Abs(j.At(0, k)-du) > 1e-3 || math.Abs(j.At(1, k)-dv) > 1e-3 {
			t.Fatalf("column %d: J=(%g,%g), finite diff=(%g,%g)", k, j.At(0, k), j.At(1, k), du, dv)
		}
	}
}
