package ba

import (
	"gonum.org/v1/gonum/mat"

	"github.com/alongqiyue/ba/sparseblock"
)

// System is the reduced normal-equation system after Schur-eliminating
// landmarks: S * [delta_p; delta_k] = bReduced. It also keeps what the
// trust-region driver needs to back-substitute landmark deltas.
type System struct {
	S         *mat.Dense
	BReduced  *mat.VecDense
	Dp, Dc    int
	Np        int

	// Per-landmark blocks needed for back-substitution of delta_l.
	landmarkOptIDs []int
	vInv           []*mat.Dense // LmDim x LmDim
	bl             []*mat.Dense // LmDim x 1
	w              []map[int]*mat.Dense // landmark -> pose opt id -> LmDim x PrPoseDim block (W^T layout)
	jkprL          []*mat.Dense         // LmDim x Dc, calibration-landmark coupling

	// Raw (unreduced) terms kept for the steepest-descent step and
	// diagnostics.
	bp *mat.Dense // Np*Dp x 1 stacked
	bk *mat.Dense // Dc x 1
}

// AssembleNormalEquations builds U, b_p, b_k, V^-1, W, and reduces them into
// S and bReduced. U is accumulated block-sparsely (sparseblock.Matrix) since
// most pose pairs never interact, then materialized to one dense block right
// before the Cholesky solve path in reduce.
func (pr *Problem) AssembleNormalEquations() *System {
	pd := pr.Params.PoseDim
	prd := pr.Params.prPoseDim()
	np := pr.NumActivePoses()
	dc := totalCalibSize(pr.Params)
	ld := pr.Params.LmDim

	poseDims := make([]int, np)
	for i := range poseDims {
		poseDims[i] = pd
	}
	// U, the pose-pose block of the Hessian, is genuinely block-sparse: most
	// pose pairs never share a residual. sparseblock.Matrix stores only the
	// (optID, optID) diagonal blocks plus whatever off-diagonal couplings
	// binary/inertial residuals introduce between two distinct poses,
	// materialized into one dense block at the end for the Cholesky solve.
	uBlocks := sparseblock.New(poseDims, poseDims)
	bp := mat.NewDense(np*pd, 1, nil)
	skk, bk := &mat.Dense{}, &mat.Dense{}
	var spk *mat.Dense
	if dc > 0 {
		skk = mat.NewDense(dc, dc, nil)
		bk = mat.NewDense(dc, 1, nil)
		spk = mat.NewDense(np*pd, dc, nil)
	}

	// addPoseBlock accumulates b_p += jtW*r and U_ii += jtW*jRaw for one
	// residual's contribution to one pose, where jtW is the already
	// weighted J^T (J^T*w or J^T*CovInv) and jRaw is the plain J — so the
	// Hessian term comes out as J^T*W*J rather than the wrong
	// (J^T*W)*(J^T*W)^T.
	addPoseBlock := func(optID int, dim int, jtW, jRaw *mat.Dense, r []float64) {
		if optID < 0 {
			return
		}
		rr, _ := jtW.Dims()
		jv := mat.NewVecDense(len(r), r)
		contrib := mat.NewDense(rr, 1, nil)
		contrib.Mul(jtW, jv)
		base := optID * pd
		for i := 0; i < dim && i < rr; i++ {
			bp.Set(base+i, 0, bp.At(base+i, 0)+contrib.At(i, 0))
		}
		jtj := mat.NewDense(rr, rr, nil)
		jtj.Mul(jtW, jRaw)
		uBlocks.AddTo(optID, optID, jtj)
	}

	// addCrossBlock accumulates the off-diagonal U_12 = jtW1*jRaw2 coupling
	// a two-pose residual introduces, plus its transpose into U_21 (the
	// couplings binary and inertial residuals were previously missing
	// entirely, since only their diagonal contributions were folded in).
	addCrossBlock := func(opt1, opt2 int, jtW1, jRaw2 *mat.Dense) {
		if opt1 < 0 || opt2 < 0 || opt1 == opt2 {
			return
		}
		cross := &mat.Dense{}
		cross.Mul(jtW1, jRaw2)
		uBlocks.AddTo(opt1, opt2, cross)
		uBlocks.AddTo(opt2, opt1, mat.DenseCopyOf(cross.T()))
	}

	// Binary residuals: full PoseDim block (rotation+translation only, the
	// rest of PoseDim stays zero-contribution).
	for _, res := range pr.binaryResiduals {
		p1 := pr.poses[res.X1ID]
		p2 := pr.poses[res.X2ID]
		j1 := denseFromRef(res.DzDx1)
		j2 := denseFromRef(res.DzDx2)
		sw1 := scaledTranspose(j1, res.Weight)
		sw2 := scaledTranspose(j2, res.Weight)
		r := res.Residual[:]
		addPoseBlock(p1.OptID, pd, sw1, j1, r)
		addPoseBlock(p2.OptID, pd, sw2, j2, r)
		addCrossBlock(p1.OptID, p2.OptID, sw1, j2)
	}
	// Unary residuals.
	for _, res := range pr.unaryResiduals {
		pose := pr.poses[res.PoseID]
		j := denseFromRef(res.DzDx)
		sw := weightedJtMat(j, res.CovInv, pd)
		addPoseBlock(pose.OptID, pd, sw, j, res.Residual[:])
	}
	// Inertial residuals.
	for _, res := range pr.inertialResiduals {
		p1 := pr.poses[res.Pose1ID]
		p2 := pr.poses[res.Pose2ID]
		j1 := denseFromRef(res.DzDx1)
		j2 := denseFromRef(res.DzDx2)
		sw1 := weightedJtMatN(j1, res.CovInv, pd)
		sw2 := weightedJtMatN(j2, res.CovInv, pd)
		addPoseBlock(p1.OptID, pd, sw1, j1, res.Residual)
		addPoseBlock(p2.OptID, pd, sw2, j2, res.Residual)
		addCrossBlock(p1.OptID, p2.OptID, sw1, j2)

		if dc > 0 {
			jg := denseFromRef(res.DzDg)
			jgt := mat.DenseCopyOf(jg.T())
			contrib := mat.NewDense(2, 1, nil)
			rv := mat.NewVecDense(len(res.Residual), res.Residual)
			cv := mat.NewDense(len(res.Residual), 1, nil)
			applyCovInv(cv, res.CovInv, rv)
			contrib.Mul(jgt, cv)
			if gravityInCalib(pr.Params) {
				for i := 0; i < 2; i++ {
					bk.Set(i, 0, bk.At(i, 0)+contrib.At(i, 0))
				}
				jtj := mat.NewDense(2, 2, nil)
				weighted := mat.NewDense(len(res.Residual), 2, nil)
				applyCovInvMat(weighted, res.CovInv, jg)
				jtj.Mul(jgt, weighted)
				for i := 0; i < 2; i++ {
					for j := 0; j < 2; j++ {
						skk.Set(i, j, skk.At(i, j)+jtj.At(i, j))
					}
				}
			}
		}
	}

	// Projection residuals touch PrPoseDim columns of the pose block and,
	// when present, landmark/calibration blocks.
	type lmAccum struct {
		vInv  *mat.Dense
		v     *mat.Dense
		bl    *mat.Dense
		w     map[int]*mat.Dense
		jkprL *mat.Dense
	}
	lmData := make(map[int]*lmAccum)
	for _, res := range pr.projResiduals {
		lm := pr.landmarks[res.LandmarkID]
		measPose := pr.poses[res.XMeasID]
		j := denseFromRef(res.DzDxMeas) // 2 x prPoseDim
		w := res.Weight
		jt := mat.DenseCopyOf(j.T())
		scaled := mat.NewDense(prd, prd, nil)
		scaled.Mul(jt, j)
		scaled.Scale(w, scaled)
		rvec := mat.NewVecDense(2, res.Residual[:])
		contrib := mat.NewDense(prd, 1, nil)
		wr := mat.NewVecDense(2, []float64{w * res.Residual[0], w * res.Residual[1]})
		contrib.Mul(jt, wr)
		_ = rvec
		if measPose.OptID >= 0 {
			base := measPose.OptID * pd
			for i := 0; i < prd; i++ {
				bp.Set(base+i, 0, bp.At(base+i, 0)+contrib.At(i, 0))
			}
			uBlocks.AddTo(measPose.OptID, measPose.OptID, scaled)
			if spk != nil {
				if camParamsInCalib(pr.Params) && res.DzDcam != nil {
					jk := denseFromRef(res.DzDcam)
					block := mat.NewDense(prd, camParamsSize(pr.Params), nil)
					block.Mul(jt, jk)
					block.Scale(w, block)
					for i := 0; i < prd; i++ {
						for jx := 0; jx < camParamsSize(pr.Params); jx++ {
							spk.Set(base+i, 2+jx, spk.At(base+i, 2+jx)+block.At(i, jx))
						}
					}
				}
				if pr.Params.DoTvs && res.DzDtvs != nil {
					jtv := denseFromRef(res.DzDtvs)
					block := mat.NewDense(prd, 6, nil)
					block.Mul(jt, jtv)
					block.Scale(w, block)
					off := tvsOffset(pr.Params)
					for i := 0; i < prd; i++ {
						for jx := 0; jx < 6; jx++ {
							spk.Set(base+i, off+jx, spk.At(base+i, off+jx)+block.At(i, jx))
						}
					}
				}
			}
		}

		if ld == 0 || res.DzDlm == nil {
			continue
		}
		acc, ok := lmData[lm.ID]
		if !ok {
			acc = &lmAccum{
				vInv: mat.NewDense(ld, ld, nil),
				bl:   mat.NewDense(ld, 1, nil),
				w:    make(map[int]*mat.Dense),
			}
			if dc > 0 {
				acc.jkprL = mat.NewDense(ld, dc, nil)
			}
			lmData[lm.ID] = acc
		}
		jl := denseFromRef(res.DzDlm) // 2 x ld
		jlt := mat.DenseCopyOf(jl.T())
		vContrib := mat.NewDense(ld, ld, nil)
		vContrib.Mul(jlt, jl)
		vContrib.Scale(w, vContrib)
		acc.vInv.Add(acc.vInv, vContrib)

		blContrib := mat.NewDense(ld, 1, nil)
		blContrib.Mul(jlt, wr)
		acc.bl.Add(acc.bl, blContrib)

		if measPose.OptID >= 0 {
			wBlock := mat.NewDense(ld, prd, nil)
			wBlock.Mul(jlt, j)
			wBlock.Scale(w, wBlock)
			if existing, ok := acc.w[measPose.OptID]; ok {
				existing.Add(existing, wBlock)
			} else {
				acc.w[measPose.OptID] = wBlock
			}
		}

		if dc > 0 && camParamsInCalib(pr.Params) && res.DzDcam != nil {
			jk := denseFromRef(res.DzDcam)
			contribK := mat.NewDense(ld, camParamsSize(pr.Params), nil)
			contribK.Mul(jlt, jk)
			contribK.Scale(w, contribK)
			for i := 0; i < ld; i++ {
				for jx := 0; jx < camParamsSize(pr.Params); jx++ {
					acc.jkprL.Set(i, 2+jx, acc.jkprL.At(i, 2+jx)+contribK.At(i, jx))
				}
			}
		}
	}

	sys := &System{Dp: pd, Dc: dc, Np: np, bp: bp, bk: bk}
	for id, acc := range lmData {
		invBlock := invertRegularized(acc.vInv)
		sys.landmarkOptIDs = append(sys.landmarkOptIDs, id)
		sys.vInv = append(sys.vInv, invBlock)
		sys.bl = append(sys.bl, acc.bl)
		sys.w = append(sys.w, acc.w)
		if acc.jkprL != nil {
			sys.jkprL = append(sys.jkprL, acc.jkprL)
		} else {
			sys.jkprL = append(sys.jkprL, nil)
		}
	}

	offsets := sparseblock.Offsets(poseDims)
	u := uBlocks.Dense(offsets, offsets, np*pd, np*pd)
	sys.reduce(u, bp, skk, bk, spk)
	sys.applyParamMaskRegularization(pr)
	return sys
}

// applyParamMaskRegularization pins every masked pose parameter by setting
// its diagonal entry in S to a large constant, the "strong soft pin" the
// design calls for instead of deleting rows/columns from a still-generic
// solve path.
func (s *System) applyParamMaskRegularization(pr *Problem) {
	for _, p := range pr.poses {
		if !p.IsActive || !p.IsParamMaskUsed {
			continue
		}
		base := p.OptID * s.Dp
		for i, on := range p.ParamMask {
			if !on {
				s.S.Set(base+i, base+i, 1e6)
			}
		}
	}
}

// reduce computes S_pp = U - W*Vinv*W^T, b_p_sc = b_p - W*Vinv*b_l, and
// assembles the Dc calibration tail into one combined S/b.
func (s *System) reduce(u, bp, skk, bk, spk *mat.Dense) {
	np, pd, dc := s.Np, s.Dp, s.Dc
	total := np*pd + dc
	sDense := mat.NewDense(total, total, nil)
	b := mat.NewDense(total, 1, nil)

	for i := 0; i < np*pd; i++ {
		b.Set(i, 0, bp.At(i, 0))
		for j := 0; j < np*pd; j++ {
			sDense.Set(i, j, u.At(i, j))
		}
	}
	for i := 0; i < dc; i++ {
		b.Set(np*pd+i, 0, bk.At(i, 0))
		for j := 0; j < dc; j++ {
			sDense.Set(np*pd+i, np*pd+j, skk.At(i, j))
		}
	}
	if spk != nil {
		for i := 0; i < np*pd; i++ {
			for j := 0; j < dc; j++ {
				sDense.Set(i, np*pd+j, spk.At(i, j))
				sDense.Set(np*pd+j, i, spk.At(i, j))
			}
		}
	}

	for idx := range s.vInv {
		vInv := s.vInv[idx]
		w := s.w[idx]
		bl := s.bl[idx]
		jkprL := s.jkprL[idx]

		if jkprL != nil && dc > 0 {
			vInvJkprLt := mat.NewDense(vInv.RawMatrix().Rows, dc, nil)
			jkprLt := mat.DenseCopyOf(jkprL.T())
			vInvJkprLt.Mul(vInv, jkprLt)

			// b_k -= jkprL * Vinv * bl
			bkContrib := mat.NewDense(dc, 1, nil)
			tmp := mat.NewDense(vInv.RawMatrix().Rows, 1, nil)
			tmp.Mul(vInv, bl)
			bkContrib.Mul(jkprL, tmp)
			for i := 0; i < dc; i++ {
				b.Set(np*pd+i, 0, b.At(np*pd+i, 0)-bkContrib.At(i, 0))
			}

			// S_kk -= jkprL * Vinv * jkprL^T
			skkContrib := mat.NewDense(dc, dc, nil)
			skkContrib.Mul(jkprL, vInvJkprLt)
			for i := 0; i < dc; i++ {
				for j := 0; j < dc; j++ {
					sDense.Set(np*pd+i, np*pd+j, sDense.At(np*pd+i, np*pd+j)-skkContrib.At(i, j))
				}
			}

			// S_pk -= W * Vinv * jkprL^T
			for optI, wBlockI := range w {
				term := mat.NewDense(wBlockI.RawMatrix().Cols, dc, nil)
				wit := mat.DenseCopyOf(wBlockI.T())
				term.Mul(wit, vInvJkprLt)
				baseI := optI * pd
				tr, tc := term.Dims()
				for r := 0; r < tr; r++ {
					for c := 0; c < tc; c++ {
						sDense.Set(baseI+r, np*pd+c, sDense.At(baseI+r, np*pd+c)-term.At(r, c))
						sDense.Set(np*pd+c, baseI+r, sDense.At(np*pd+c, baseI+r)-term.At(r, c))
					}
				}
			}
		}

		for optI, wBlockI := range w {
			wit := mat.DenseCopyOf(wBlockI.T()) // prPoseDim x ld
			wTilde := mat.NewDense(wit.RawMatrix().Rows, vInv.RawMatrix().Cols, nil)
			wTilde.Mul(wit, vInv)

			// b_p_sc -= wTilde * bl
			contrib := mat.NewDense(wTilde.RawMatrix().Rows, 1, nil)
			contrib.Mul(wTilde, bl)
			baseI := optI * pd
			rr, _ := contrib.Dims()
			for r := 0; r < rr; r++ {
				b.Set(baseI+r, 0, b.At(baseI+r, 0)-contrib.At(r, 0))
			}

			for optJ, wBlockJ := range w {
				term := mat.NewDense(wTilde.RawMatrix().Rows, wBlockJ.RawMatrix().Cols, nil)
				term.Mul(wTilde, wBlockJ)
				baseJ := optJ * pd
				tr, tc := term.Dims()
				for r := 0; r < tr; r++ {
					for c := 0; c < tc; c++ {
						sDense.Set(baseI+r, baseJ+c, sDense.At(baseI+r, baseJ+c)-term.At(r, c))
					}
				}
			}
		}
	}

	s.S = sDense
	s.BReduced = mat.NewVecDense(total, nil)
	for i := 0; i < total; i++ {
		s.BReduced.SetVec(i, b.At(i, 0))
	}
}

func invertRegularized(v *mat.Dense) *mat.Dense {
	r, _ := v.Dims()
	if r == 1 {
		val := v.At(0, 0)
		if val < 1e-6 {
			val += 1e-6
		}
		out := mat.NewDense(1, 1, nil)
		out.Set(0, 0, 1/val)
		return out
	}
	reg := mat.DenseCopyOf(v)
	for i := 0; i < r; i++ {
		reg.Set(i, i, reg.At(i, i)+1e-6)
	}
	out := mat.NewDense(r, r, nil)
	if err := out.Inverse(reg); err != nil {
		return mat.NewDense(r, r, nil)
	}
	return out
}

func denseFromRef(m *matrixRef) *mat.Dense {
	if m == nil {
		return mat.NewDense(0, 0, nil)
	}
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(i, j))
		}
	}
	return out
}

// scaledTranspose returns weight*J^T for a scalar-weighted residual (binary
// residuals carry one scalar weight rather than a full covariance), so that
// addPoseBlock's J^T*W*J / J^T*W*r pattern holds uniformly across families.
func scaledTranspose(j *mat.Dense, weight float64) *mat.Dense {
	out := mat.DenseCopyOf(j.T())
	out.Scale(weight, out)
	return out
}

func weightedJtMat(j *mat.Dense, covInv [6][6]float64, poseDim int) *mat.Dense {
	r, c := j.Dims()
	weighted := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for k := 0; k < c; k++ {
			var sum float64
			for m := 0; m < r; m++ {
				sum += covInv[i][m] * j.At(m, k)
			}
			weighted.Set(i, k, sum)
		}
	}
	return mat.DenseCopyOf(weighted.T())
}

func weightedJtMatN(j *mat.Dense, covInv [][]float64, poseDim int) *mat.Dense {
	r, c := j.Dims()
	weighted := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for k := 0; k < c; k++ {
			var sum float64
			for m := 0; m < r && m < len(covInv); m++ {
				if i < len(covInv[m]) {
					sum += covInv[m][i] * j.At(m, k)
				}
			}
			weighted.Set(i, k, sum)
		}
	}
	return mat.DenseCopyOf(weighted.T())
}

func applyCovInv(dst *mat.Dense, covInv [][]float64, r *mat.VecDense) {
	n := r.Len()
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < n && j < len(covInv[i]); j++ {
			sum += covInv[i][j] * r.AtVec(j)
		}
		dst.Set(i, 0, sum)
	}
}

func applyCovInvMat(dst *mat.Dense, covInv [][]float64, j *mat.Dense) {
	r, c := j.Dims()
	for i := 0; i < r; i++ {
		for k := 0; k < c; k++ {
			var sum float64
			for m := 0; m < r && m < len(covInv[i]); m++ {
				sum += covInv[i][m] * j.At(m, k)
			}
			dst.Set(i, k, sum)
		}
	}
}
