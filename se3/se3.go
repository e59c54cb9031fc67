package se3

import "github.com/golang/geo/r3"

// SE3 is a rigid body pose: rotation composed with translation, so that
// Transform(p) = R*p + T.
type SE3 struct {
	R Quat
	T r3.Vector
}

// Identity returns the identity pose.
func Identity() SE3 { return SE3{R: IdentityQuat()} }

// Inverse returns the pose that undoes s.
func (s SE3) Inverse() SE3 {
	rInv := s.R.Conjugate()
	return SE3{R: rInv, T: rInv.Rotate(s.T).Mul(-1)}
}

// Mul composes two poses: (s.Mul(o)) applies o first, then s.
func (s SE3) Mul(o SE3) SE3 {
	return SE3{
		R: s.R.Mul(o.R),
		T: s.R.Rotate(o.T).Add(s.T),
	}
}

// Transform applies the pose to a point: R*p + T.
func (s SE3) Transform(p r3.Vector) r3.Vector {
	return s.R.Rotate(p).Add(s.T)
}

// Matrix returns the 4x4 homogeneous transform, row-major.
func (s SE3) Matrix() [4][4]float64 {
	r := s.R.Matrix()
	return [4][4]float64{
		{r[0][0], r[0][1], r[0][2], s.T.X},
		{r[1][0], r[1][1], r[1][2], s.T.Y},
		{r[2][0], r[2][1], r[2][2], s.T.Z},
		{0, 0, 0, 1},
	}
}
