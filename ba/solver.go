package ba

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// CalculateGn factorizes S (via Cholesky, the symmetric-positive-definite
// case the regularized reduced system guarantees) and solves S*x = b,
// splitting the result into pose/calibration deltas. When
// calculate_calibration_marginals is set, it additionally resolves S*x=e_i
// for each calibration basis vector and returns the bottom-right Dc x Dc
// block of S^-1, exactly the loop CalculateGn performs in the original
// source (lines 771-784/808-820).
func (pr *Problem) CalculateGn(sys *System) (deltaP, deltaK []float64, marginals *mat.Dense, err error) {
	n, _ := sys.S.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, sys.S.At(i, j))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, nil, nil, errFactorization
	}

	x := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(x, sys.BReduced); err != nil {
		return nil, nil, nil, errSolve
	}

	deltaP = make([]float64, sys.Np*sys.Dp)
	deltaK = make([]float64, sys.Dc)
	for i := 0; i < sys.Np*sys.Dp; i++ {
		deltaP[i] = x.AtVec(i)
	}
	for i := 0; i < sys.Dc; i++ {
		deltaK[i] = x.AtVec(sys.Np*sys.Dp + i)
	}

	if pr.Options.CalculateCalibrationMarginals && sys.Dc > 0 {
		marginals = mat.NewDense(sys.Dc, sys.Dc, nil)
		basis := mat.NewVecDense(n, nil)
		col := mat.NewVecDense(n, nil)
		for ii := 0; ii < sys.Dc; ii++ {
			for i := 0; i < n; i++ {
				basis.SetVec(i, 0)
			}
			basis.SetVec(sys.Np*sys.Dp+ii, 1)
			if err := chol.SolveVecTo(col, basis); err != nil {
				return deltaP, deltaK, nil, nil
			}
			for row := 0; row < sys.Dc; row++ {
				marginals.Set(row, ii, col.AtVec(sys.Np*sys.Dp+row))
			}
		}
	}

	return deltaP, deltaK, marginals, nil
}

type solverError string

func (e solverError) Error() string { return string(e) }

const (
	errFactorization = solverError("ba: S factorization failed")
	errSolve         = solverError("ba: triangular solve failed")
)

// GetLandmarkDelta back-substitutes delta_l for every eliminated landmark:
// delta_l := V^-1 * (b_l - W^T*delta_p - J_kpr_l^T*delta_k).
func (pr *Problem) GetLandmarkDelta(sys *System, deltaP, deltaK []float64) []float64 {
	out := make([]float64, pr.NumActiveLandmarks()*pr.Params.LmDim)
	for idx, lmID := range sys.landmarkOptIDs {
		lm := pr.landmarks[lmID]
		ld := pr.Params.LmDim
		rhs := mat.NewDense(ld, 1, nil)
		for i := 0; i < ld; i++ {
			rhs.Set(i, 0, sys.bl[idx].At(i, 0))
		}
		for optID, wBlock := range sys.w[idx] {
			base := optID * sys.Dp
			seg := deltaP[base : base+wBlock.RawMatrix().Cols]
			segVec := mat.NewDense(len(seg), 1, seg)
			contrib := mat.NewDense(ld, 1, nil)
			contrib.Mul(wBlock, segVec)
			rhs.Sub(rhs, contrib)
		}
		if sys.jkprL[idx] != nil && sys.Dc > 0 {
			kv := mat.NewDense(sys.Dc, 1, deltaK)
			contrib := mat.NewDense(ld, 1, nil)
			contrib.Mul(sys.jkprL[idx], kv)
			rhs.Sub(rhs, contrib)
		}
		result := mat.NewDense(ld, 1, nil)
		result.Mul(sys.vInv[idx], rhs)
		base := lm.OptID * ld
		for i := 0; i < ld; i++ {
			out[base+i] = result.At(i, 0)
		}
	}
	return out
}

// steepestDescentStep computes the Cauchy point delta_sd = alpha*(bp,bk,bl)
// per step 1 of the dogleg algorithm.
func (pr *Problem) steepestDescentStep(sys *System, deltaLForB []float64) (Delta, float64) {
	bpNorm2 := vecNorm2(sys.bp.RawMatrix().Data)
	bkNorm2 := vecNorm2(sys.bk.RawMatrix().Data)
	blNorm2 := vecNorm2(deltaLForB)

	denom := jacobianEnergyDenominator(pr, sys)
	var alpha float64
	if denom > 1e-18 {
		alpha = (bpNorm2 + bkNorm2 + blNorm2) / denom
	}

	d := Delta{
		P: scaleVec(sys.bp.RawMatrix().Data, alpha),
		K: scaleVec(bkSlice(sys), alpha),
		L: scaleVec(deltaLForB, alpha),
	}
	n := l2Norm(d.P) + l2Norm(d.K) + l2Norm(d.L)
	return d, n
}

func bkSlice(sys *System) []float64 {
	if sys.bk == nil {
		return nil
	}
	return sys.bk.RawMatrix().Data
}

// jacobianEnergyDenominator computes the denominator of the Cauchy
// step-length, b^T*S*b, per spec §4.5 step 1 (‖J*b‖^2 summed over families
// collapses to b^T*(J^T*J)*b = b^T*S*b, since S already carries every
// family's J^T*J contribution).
func jacobianEnergyDenominator(pr *Problem, sys *System) float64 {
	n, _ := sys.S.Dims()
	b := sys.BReduced
	tmp := mat.NewVecDense(n, nil)
	tmp.MulVec(sys.S, b)
	return mat.Dot(b, tmp)
}

func vecNorm2(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return sum
}

func scaleVec(v []float64, s float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * s
	}
	return out
}

// combineDogleg picks beta in (0,1] solving a*beta^2 + b*beta + c = 0 using
// the standard trust-region intersection root, NOT the literal
// `(-(b*b)+sqrt(...))/(2a)` expression found in the source this module was
// derived from — that expression squares b before negating it, which is
// not a root of the stated quadratic.
func combineDogleg(deltaSd, deltaGn Delta, radius float64) (Delta, bool) {
	diffP := subVec(deltaGn.P, deltaSd.P)
	diffK := subVec(deltaGn.K, deltaSd.K)
	diffL := subVec(deltaGn.L, deltaSd.L)

	a := vecNorm2(diffP) + vecNorm2(diffK) + vecNorm2(diffL)
	if a < 1e-10 {
		return deltaSd, false
	}
	b := 2 * (dot(diffP, deltaSd.P) + dot(diffK, deltaSd.K) + dot(diffL, deltaSd.L))
	sdNorm2 := vecNorm2(deltaSd.P) + vecNorm2(deltaSd.K) + vecNorm2(deltaSd.L)
	c := sdNorm2 - radius*radius

	disc := b*b - 4*a*c
	if disc <= 0 {
		return deltaSd, false
	}
	sq := math.Sqrt(disc)
	beta := (-b + sq) / (2 * a)
	if beta < 0 {
		beta = (-b - sq) / (2 * a)
	}
	if beta <= 0 || beta > 1 || math.IsNaN(beta) {
		return deltaSd, false
	}

	out := Delta{
		P: addScaled(deltaSd.P, diffP, beta),
		K: addScaled(deltaSd.K, diffK, beta),
		L: addScaled(deltaSd.L, diffL, beta),
	}
	return out, true
}

func subVec(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		bi := 0.0
		if i < len(b) {
			bi = b[i]
		}
		out[i] = a[i] - bi
	}
	return out
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		if i < len(b) {
			sum += a[i] * b[i]
		}
	}
	return sum
}

func addScaled(base, delta []float64, s float64) []float64 {
	out := make([]float64, len(base))
	for i := range base {
		d := 0.0
		if i < len(delta) {
			d = delta[i]
		}
		out[i] = base[i] + s*d
	}
	return out
}
