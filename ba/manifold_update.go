package ba

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/se3"
)

// gravityInCalib, camParamsInCalib, camParamsSize and totalCalibSize
// interpret Params.CalibDim as "gravity (2, if any) + intrinsics (N)", with
// T_vs (6) appended to the tail only when DoTvs is set — so the actual
// length of a calibration delta is CalibDim + (DoTvs ? 6 : 0), and
// kTvsOffset (the start of the T_vs slice) is always CalibDim.
func gravityInCalib(p Params) bool   { return p.CalibDim > 0 }
func camParamsInCalib(p Params) bool { return p.CalibDim > 2 }
func camParamsSize(p Params) int {
	if p.CalibDim > 2 {
		return p.CalibDim - 2
	}
	return 0
}
func totalCalibSize(p Params) int {
	n := p.CalibDim
	if p.DoTvs {
		n += 6
	}
	return n
}
func tvsOffset(p Params) int { return p.CalibDim }

// ApplyUpdate applies coef*delta to every piece of state the problem owns,
// where coef = (rollback ? -1 : +1) * damping. Every component is
// *subtracted*, not added, matching ApplyUpdate in
// original_source/src/BundleAdjuster.cpp. Pose/T_vs retraction goes through
// the decoupled exponential so translation and rotation tangents act
// independently.
func (pr *Problem) ApplyUpdate(delta Delta, rollback bool, damping float64) {
	coef := damping
	if rollback {
		coef = -damping
	}

	if totalCalibSize(pr.Params) > 0 {
		pr.applyCalibUpdate(delta.K, coef)
	}

	pd := pr.Params.PoseDim
	for _, p := range pr.poses {
		p.invalidateCache()
		if !p.IsActive {
			continue
		}
		base := p.OptID * pd
		if base+pd > len(delta.P) {
			continue
		}
		pr.applyPoseUpdate(p, delta.P[base:base+pd], coef)
	}

	if pr.Params.LmDim > 0 {
		for _, lm := range pr.landmarks {
			if !lm.IsActive {
				continue
			}
			base := lm.OptID * pr.Params.LmDim
			if base+pr.Params.LmDim > len(delta.L) {
				continue
			}
			pr.applyLandmarkUpdate(lm, delta.L[base:base+pr.Params.LmDim], coef)
		}
	}

	pr.lastDeltaNorm = l2Norm(delta.P) + l2Norm(delta.L)
}

func l2Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func (pr *Problem) applyCalibUpdate(deltaK []float64, coef float64) {
	if len(deltaK) == 0 {
		return
	}
	offset := 0
	if gravityInCalib(pr.Params) {
		g := pr.Imu.GravityParam
		g[0] -= coef * deltaK[0]
		g[1] -= coef * deltaK[1]
		pr.Imu.GravityParam = g
		offset += 2
	}
	if camParamsInCalib(pr.Params) && len(pr.Rig.Cameras) > 0 {
		n := camParamsSize(pr.Params)
		cur := pr.Rig.Cameras[0].Intrinsics.Params()
		if n > len(cur) {
			n = len(cur)
		}
		for i := 0; i < n && offset+i < len(deltaK); i++ {
			cur[i] -= coef * deltaK[offset+i]
		}
		pr.Rig.Cameras[0].Intrinsics.SetParams(cur)

		if pr.Params.LmDim == 1 {
			cam := pr.Rig.Cameras[0]
			for _, lm := range pr.landmarks {
				ray := cam.Unproject(r3.Vector{X: lm.ZRef[0], Y: lm.ZRef[1], Z: 1})
				scale := r3.Vector{X: lm.Xs[0], Y: lm.Xs[1], Z: lm.Xs[2]}.Norm()
				lm.Xs[0] = ray.X * scale
				lm.Xs[1] = ray.Y * scale
				lm.Xs[2] = ray.Z * scale
			}
		}
	}
	if pr.Params.DoTvs && len(pr.Rig.Cameras) > 0 {
		off := tvsOffset(pr.Params)
		if off+6 <= len(deltaK) {
			tvsDelta := make([]float64, 6)
			for i := 0; i < 6; i++ {
				tvsDelta[i] = -coef * deltaK[off+i]
			}
			pr.Rig.Cameras[0].Tvs = se3.ExpDecoupled(pr.Rig.Cameras[0].Tvs, tvsDelta)
		}
	}
}

func (pr *Problem) applyPoseUpdate(p *Pose, deltaP []float64, coef float64) {
	xi := make([]float64, 6)
	for i := 0; i < 6; i++ {
		xi[i] = -coef * deltaP[i]
	}
	p.Twp = se3.ExpDecoupled(p.Twp, xi)

	if pr.Params.velInState() {
		p.V.X -= coef * deltaP[6]
		p.V.Y -= coef * deltaP[7]
		p.V.Z -= coef * deltaP[8]
	}
	if pr.Params.biasInState() {
		p.Bg.X -= coef * deltaP[9]
		p.Bg.Y -= coef * deltaP[10]
		p.Bg.Z -= coef * deltaP[11]
		p.Ba.X -= coef * deltaP[12]
		p.Ba.Y -= coef * deltaP[13]
		p.Ba.Z -= coef * deltaP[14]
	}
	p.invalidateCache()
}

func (pr *Problem) applyLandmarkUpdate(lm *Landmark, deltaL []float64, coef float64) {
	switch pr.Params.LmDim {
	case 1:
		prev := lm.Xs[3]
		next := prev - coef*deltaL[0]
		if next < 0 {
			lm.IsReliable = false
			return
		}
		lm.Xs[3] = next
	case 3:
		lm.Xw[0] -= coef * deltaL[0]
		lm.Xw[1] -= coef * deltaL[1]
		lm.Xw[2] -= coef * deltaL[2]
	}
}
