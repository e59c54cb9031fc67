package project

import (
	"errors"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/alongqiyue/ba/camera"
	"github.com/alongqiyue/ba/se3"
)

// Ray is one camera's observation of a landmark, used to triangulate its
// initial world position.
type Ray struct {
	Pose  se3.SE3
	Cam   camera.Camera
	Pixel r3.Vector // Z ignored
}

var errIntersectionFailed = errors.New("project: space intersection did not converge")

// TriangulateWorldPoint recovers a landmark's initial world position from
// two or more rays, the same space-intersection recipe as insec/main.go's
// standalone tool (Gauss-Newton on the collinearity residual, normal
// equations via J^T*J) — generalized from a fixed pinhole collinearity model
// to the full camera.Camera projection (so it shares distortion coefficients
// with the rest of the adjuster) and from the mean of the two camera centers
// to any starting guess.
//
// Used to seed new landmarks' Xw before AddLandmark hands them to
// ba.Problem, the same bootstrapping role space intersection plays ahead of
// a batch bundle adjustment.
func TriangulateWorldPoint(rays []Ray, initialGuess r3.Vector, maxIter int) (r3.Vector, error) {
	if len(rays) < 2 {
		return r3.Vector{}, errors.New("project: triangulation needs at least 2 rays")
	}
	point := initialGuess

	residual := func(p r3.Vector) []float64 {
		out := make([]float64, 2*len(rays))
		for i, ray := range rays {
			proj, err := ray.Cam.Transfer3d(ray.Pose, p)
			if err != nil {
				out[2*i], out[2*i+1] = 1e6, 1e6
				continue
			}
			out[2*i] = ray.Pixel.X - proj.X
			out[2*i+1] = ray.Pixel.Y - proj.Y
		}
		return out
	}

	for iter := 0; iter < maxIter; iter++ {
		r := residual(point)
		j := se3.JacobianCentral(len(r), 3, func(y, xi []float64) {
			copy(y, residual(r3.Vector{X: point.X + xi[0], Y: point.Y + xi[1], Z: point.Z + xi[2]}))
		}, make([]float64, 3))

		jt := mat.DenseCopyOf(j.T())
		n := mat.NewDense(3, 3, nil)
		n.Mul(jt, j)
		rv := mat.NewVecDense(len(r), r)
		u := mat.NewDense(3, 1, nil)
		u.Mul(jt, rv)

		sym := mat.NewSymDense(3, nil)
		for a := 0; a < 3; a++ {
			for b := a; b < 3; b++ {
				sym.SetSym(a, b, n.At(a, b))
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(sym) {
			return r3.Vector{}, errIntersectionFailed
		}
		delta := mat.NewVecDense(3, nil)
		if err := chol.SolveVecTo(delta, mat.NewVecDense(3, u.RawMatrix().Data)); err != nil {
			return r3.Vector{}, errIntersectionFailed
		}

		step := r3.Vector{X: -delta.AtVec(0), Y: -delta.AtVec(1), Z: -delta.AtVec(2)}
		point = point.Add(step)

		if n := step.Norm(); n*n < 1e-12 {
			break
		}
	}
	return point, nil
}
