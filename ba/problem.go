package ba

import (
	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/camera"
	"github.com/alongqiyue/ba/imu"
	"github.com/alongqiyue/ba/se3"
)

// Options mirrors the configuration surface of the original adjuster.
type Options struct {
	UseDogleg                        bool
	UseSparseSolver                   bool
	UseTriangularMatrices             bool
	UseRobustNormForProjResiduals     bool
	UseRobustNormForInertialResiduals bool
	UsePerPoseCamParams               bool
	EnableAutoRegularization          bool
	RegularizeBiasesInBatch           bool

	ProjectionOutlierThreshold float64
	ErrorChangeThreshold       float64
	ParamChangeThreshold       float64
	DoglegMaxInnerIterations   int

	CalculateCalibrationMarginals bool
	WriteReducedCameraMatrix      bool
	ApplyResults                  bool
}

// DefaultOptions matches the original's defaults closely enough to converge
// on the scenarios in the test suite.
func DefaultOptions() Options {
	return Options{
		UseDogleg:                         true,
		UseRobustNormForProjResiduals:      true,
		UseRobustNormForInertialResiduals:  true,
		EnableAutoRegularization:           true,
		RegularizeBiasesInBatch:            true,
		ProjectionOutlierThreshold:         10,
		ErrorChangeThreshold:               1e-6,
		ParamChangeThreshold:               1e-8,
		DoglegMaxInnerIterations:           10,
		ApplyResults:                       true,
	}
}

// Problem owns every pose, landmark and residual in one optimization run. It
// is the index-graph described in the design notes: poses and landmarks
// reference each other only by integer id.
type Problem struct {
	Params  Params
	Options Options

	Rig Rig
	Imu Imu

	poses     []*Pose
	landmarks []*Landmark

	projResiduals     []*ProjectionResidual
	binaryResiduals   []*BinaryResidual
	unaryResiduals    []*UnaryResidual
	inertialResiduals []*ImuResidual

	conditioningProjResiduals     []int
	conditioningInertialResiduals []int

	rootPoseID int
	lastTvs    se3.SE3
	lastTvsSet bool
	translationErrorsEnabled bool

	// dogleg trust-region radius carried across outer iterations.
	trustRegionRadius float64
	radiusInitialized bool

	lastDeltaNorm            float64
	lastPreCost, lastPostCost float64

	// lastSystem is the most recently assembled reduced system, kept around
	// purely for DumpReducedCameraMatrix diagnostics after Solve returns.
	lastSystem *System
}

func vec3(x, y, z float64) r3.Vector { return r3.Vector{X: x, Y: y, Z: z} }

// NewProblem constructs an empty problem for the given compile-time shape.
func NewProblem(p Params, opts Options) *Problem {
	return &Problem{
		Params:  p,
		Options: opts,
	}
}

// AddPose inserts a pose and returns its id.
func (pr *Problem) AddPose(twp se3.SE3, active bool, v r3.Vector, bg, ba r3.Vector, camParams []float64) int {
	p := newPose()
	p.ID = len(pr.poses)
	p.IsActive = active
	p.Twp = twp
	p.V = v
	p.Bg = bg
	p.Ba = ba
	if camParams != nil {
		p.CamParams = append([]float64(nil), camParams...)
		p.hasCamParams = true
	}
	p.ParamMask = make([]bool, pr.Params.PoseDim)
	for i := range p.ParamMask {
		p.ParamMask[i] = true
	}
	pr.poses = append(pr.poses, p)
	pr.reindexPoses()
	return p.ID
}

// AddLandmark inserts a landmark and returns its id.
func (pr *Problem) AddLandmark(xw r3.Vector, refPoseID, refCamID int, zRef [2]float64, active bool) int {
	lm := &Landmark{
		ID:         len(pr.landmarks),
		IsActive:   active,
		IsReliable: true,
		RefPoseID:  refPoseID,
		RefCamID:   refCamID,
		ZRef:       zRef,
		Xw:         [4]float64{xw.X, xw.Y, xw.Z, 1},
	}
	pr.landmarks = append(pr.landmarks, lm)
	pr.reindexLandmarks()
	return lm.ID
}

// AddProjectionResidual records an observation of a landmark from a pose.
func (pr *Problem) AddProjectionResidual(landmarkID, refPoseID, measPoseID, camID int, z [2]float64, weight float64, isConditioning bool) int {
	res := &ProjectionResidual{
		ResidualID:     len(pr.projResiduals),
		LandmarkID:     landmarkID,
		XMeasID:        measPoseID,
		XRefID:         refPoseID,
		CamID:          camID,
		Z:              z,
		Weight:         weight,
		OrigWeight:     weight,
		IsConditioning: isConditioning,
	}
	pr.projResiduals = append(pr.projResiduals, res)
	id := res.ResidualID
	lm := pr.landmarks[landmarkID]
	lm.ProjResiduals = append(lm.ProjResiduals, id)
	pr.poses[measPoseID].ProjResiduals = append(pr.poses[measPoseID].ProjResiduals, id)
	if isConditioning {
		pr.conditioningProjResiduals = append(pr.conditioningProjResiduals, id)
	}
	return id
}

// AddBinaryResidual constrains the relative pose between x1 and x2.
func (pr *Problem) AddBinaryResidual(x1, x2 int, t12 se3.SE3, covInv [6][6]float64, useRotation bool, weight float64) int {
	res := &BinaryResidual{X1ID: x1, X2ID: x2, T12: t12, CovInv: covInv, UseRotation: useRotation, Weight: weight}
	id := len(pr.binaryResiduals)
	pr.binaryResiduals = append(pr.binaryResiduals, res)
	pr.poses[x1].BinaryResiduals = append(pr.poses[x1].BinaryResiduals, id)
	pr.poses[x2].BinaryResiduals = append(pr.poses[x2].BinaryResiduals, id)
	return id
}

// AddUnaryResidual pins poseID to twpTarget.
func (pr *Problem) AddUnaryResidual(poseID int, twpTarget se3.SE3, covInv [6][6]float64, useRotation bool) int {
	res := &UnaryResidual{PoseID: poseID, Twp: twpTarget, CovInv: covInv, UseRotation: useRotation}
	id := len(pr.unaryResiduals)
	pr.unaryResiduals = append(pr.unaryResiduals, res)
	pr.poses[poseID].UnaryResiduals = append(pr.poses[poseID].UnaryResiduals, id)
	return id
}

// AddImuResidual ties pose1 to pose2 via preintegrated measurements.
func (pr *Problem) AddImuResidual(pose1, pose2 int, pre imu.Preintegrated, covInv [][]float64) int {
	res := &ImuResidual{Pose1ID: pose1, Pose2ID: pose2, Preintegrated: pre, CovInv: covInv}
	res.IsConditioning = !pr.poses[pose1].IsActive && pr.poses[pose2].IsActive
	id := len(pr.inertialResiduals)
	pr.inertialResiduals = append(pr.inertialResiduals, res)
	pr.poses[pose1].InertialResiduals = append(pr.poses[pose1].InertialResiduals, id)
	pr.poses[pose2].InertialResiduals = append(pr.poses[pose2].InertialResiduals, id)
	if res.IsConditioning {
		pr.conditioningInertialResiduals = append(pr.conditioningInertialResiduals, id)
	}
	return id
}

// SetGravity installs the 2-DoF gravity parameterization.
func (pr *Problem) SetGravity(g [2]float64) {
	pr.Imu.GravityParam = g
}

// SetTvs stores the sensor-to-body extrinsic in Imu.Tvs. Projections, the
// DoTvs calibration update and the T_vs stability gate read the cameras'
// own Rig.Cameras[i].Tvs instead, so this value does not reach them.
func (pr *Problem) SetTvs(tvs se3.SE3) {
	pr.Imu.Tvs = tvs
}

// SetRig installs the camera rig.
func (pr *Problem) SetRig(rig Rig) {
	pr.Rig = rig
}

// Pose returns a read-only copy of the pose with the given id.
func (pr *Problem) Pose(id int) Pose { return *pr.poses[id] }

// Landmark returns a read-only copy of the landmark with the given id.
func (pr *Problem) Landmark(id int) Landmark { return *pr.landmarks[id] }

// NumPoses returns the total number of poses, active or not.
func (pr *Problem) NumPoses() int { return len(pr.poses) }

// NumLandmarks returns the total number of landmarks, active or not.
func (pr *Problem) NumLandmarks() int { return len(pr.landmarks) }

// NumActivePoses returns N_p.
func (pr *Problem) NumActivePoses() int {
	n := 0
	for _, p := range pr.poses {
		if p.IsActive {
			n++
		}
	}
	return n
}

// NumActiveLandmarks returns N_l.
func (pr *Problem) NumActiveLandmarks() int {
	n := 0
	for _, l := range pr.landmarks {
		if l.IsActive {
			n++
		}
	}
	return n
}

func (pr *Problem) reindexPoses() {
	opt := 0
	for _, p := range pr.poses {
		if p.IsActive {
			p.OptID = opt
			opt++
		} else {
			p.OptID = -1
		}
	}
}

func (pr *Problem) reindexLandmarks() {
	opt := 0
	for _, l := range pr.landmarks {
		if l.IsActive {
			l.OptID = opt
			opt++
		} else {
			l.OptID = -1
		}
	}
}

// cameraFor returns the camera.Camera to use for this pose/camID pair,
// installing per-pose intrinsics when the option is enabled, and returns a
// restore function that must be called before any other pose uses the rig.
func (pr *Problem) cameraFor(p *Pose, camID int) (camera.Camera, func()) {
	cam := pr.Rig.Cameras[camID]
	if pr.Options.UsePerPoseCamParams && p.hasCamParams {
		backup := cam.Intrinsics.Params()
		cam.Intrinsics.SetParams(p.CamParams)
		return cam, func() { pr.Rig.Cameras[camID].Intrinsics.SetParams(backup) }
	}
	return cam, func() {}
}

// tsw returns (and caches) the sensor-from-world transform for pose p under
// camera camID.
func (pr *Problem) tsw(p *Pose, camID int) se3.SE3 {
	if t, ok := p.tSwCache[camID]; ok {
		return t
	}
	cam := pr.Rig.Cameras[camID]
	t := p.Twp.Mul(cam.Tvs).Inverse()
	p.tSwCache[camID] = t
	return t
}
