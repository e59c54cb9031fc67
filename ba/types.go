// Package ba implements the visual-inertial bundle adjustment core: the
// manifold update layer, residual evaluator, problem builder, Schur
// complement reduction and Powell's-dogleg trust-region solver described in
// the design documents alongside this module. It is grounded on
// hhyanyanGitHub-uf-oritention-go/bba/bba_engine (solver.go's
// RunBundleAdjustment/CalcPartials for the overall Schur/GN shape, math.go
// for the block linear algebra it generalizes) and on
// original_source/src/BundleAdjuster.cpp for the exact update/residual/
// solve semantics the photogrammetric-only bba_engine solver does not need
// (IMU, gravity, calibration, dogleg).
package ba

import (
	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/camera"
	"github.com/alongqiyue/ba/imu"
	"github.com/alongqiyue/ba/se3"
)

// Params are the four compile-time knobs of the original template,
// promoted to runtime fields per the design notes: codegen benefits of
// monomorphization are traded for the simplicity of one Go binary handling
// every configuration.
type Params struct {
	LmDim    int // 0 disables landmarks, 1 = inverse depth, 3 = world XYZ
	PoseDim  int // 6 or 15
	CalibDim int // 0, 5, 6, or 11
	DoTvs    bool
}

func (p Params) velInState() bool       { return p.PoseDim >= 9 }
func (p Params) biasInState() bool      { return p.PoseDim >= 15 }
func (p Params) prPoseDim() int {
	if p.PoseDim < 6 {
		return p.PoseDim
	}
	return 6
}

// kResSizeImu returns the inertial residual dimension: 9, plus 6 more when
// biases are part of the state.
func (p Params) kResSizeImu() int {
	if p.biasInState() {
		return 15
	}
	return 9
}

const kProjResSize = 2
const kPoseResSize = 6

// Pose is one optimized camera/body pose, with velocity and IMU biases when
// PoseDim calls for them.
type Pose struct {
	ID       int
	OptID    int
	IsActive bool

	Twp se3.SE3
	V   r3.Vector
	Bg  r3.Vector
	Ba  r3.Vector

	// CamParams is the optional per-pose intrinsics override, active only
	// when use_per_pose_cam_params is set.
	CamParams []float64
	hasCamParams bool

	// tSwCache holds, per camera id, the cached sensor-from-world transform;
	// invalidated on every ApplyUpdate.
	tSwCache map[int]se3.SE3

	// ParamMask has PoseDim bits; false entries are frozen (regularized).
	ParamMask      []bool
	IsParamMaskUsed bool

	ProjResiduals     []int
	BinaryResiduals   []int
	UnaryResiduals    []int
	InertialResiduals []int
}

func newPose() *Pose {
	return &Pose{tSwCache: make(map[int]se3.SE3)}
}

// invalidateCache clears the per-camera sensor-from-world cache.
func (p *Pose) invalidateCache() { p.tSwCache = make(map[int]se3.SE3) }

// Landmark is one optimized 3D point, in world XYZ (LmDim=3) or inverse
// depth in its reference sensor frame (LmDim=1).
type Landmark struct {
	ID       int
	OptID    int
	IsActive bool
	IsReliable bool

	RefPoseID int
	RefCamID  int
	ZRef      [2]float64

	// Xw is the homogeneous world point [x,y,z,1].
	Xw [4]float64
	// Xs is the homogeneous inverse-depth ray in the reference sensor
	// frame: [dir.x, dir.y, dir.z, inverse_depth].
	Xs [4]float64

	NumOutlierResiduals int
	ProjResiduals       []int
}

// ProjectionResidual ties one landmark observation in one pose/camera to a
// measurement.
type ProjectionResidual struct {
	ResidualID int
	LandmarkID int
	XMeasID    int // pose id the landmark is observed from
	XRefID     int // pose id of the landmark's reference frame
	CamID      int
	Z          [2]float64

	Weight     float64
	OrigWeight float64

	IsConditioning bool

	Residual           [2]float64
	MahalanobisDistance float64

	DzDxMeas *matrixRef // 2 x PrPoseDim
	DzDxRef  *matrixRef // 2 x PrPoseDim
	DzDlm    *matrixRef // 2 x LmDim
	DzDcam   *matrixRef // 2 x camera.CalibDim (intrinsics)
	DzDtvs   *matrixRef // 2 x 6

	ResidualOffset int
}

// BinaryResidual constrains the relative pose between two poses to a target
// SE(3) transform.
type BinaryResidual struct {
	X1ID, X2ID int
	T12        se3.SE3
	CovInv     [6][6]float64
	CovInvSqrt [6][6]float64
	UseRotation bool
	Weight      float64

	Residual [6]float64
	DzDx1    *matrixRef
	DzDx2    *matrixRef
}

// UnaryResidual pins one pose to a target SE(3) value.
type UnaryResidual struct {
	PoseID      int
	Twp         se3.SE3
	CovInv      [6][6]float64
	CovInvSqrt  [6][6]float64
	UseRotation bool

	Residual [6]float64
	DzDx     *matrixRef
}

// ImuResidual ties two poses together through preintegrated IMU
// measurements.
type ImuResidual struct {
	Pose1ID, Pose2ID int
	Preintegrated    imu.Preintegrated

	CovInv     [][]float64
	CovInvSqrt [][]float64

	Residual []float64
	DzDx1    *matrixRef // kResSizeImu x PoseDim
	DzDx2    *matrixRef // kResSizeImu x PoseDim
	DzDg     *matrixRef // kResSizeImu x 2

	IsConditioning bool
}

// Imu is the shared inertial/calibration state.
type Imu struct {
	imu.Imu
}

// Rig is the set of cameras available to the problem.
type Rig struct {
	Cameras []camera.Camera
}

// Delta is one tangent-space update: pose block, calibration block,
// landmark block, laid out exactly as described in the data model.
type Delta struct {
	P []float64 // length PoseDim * N_p
	K []float64 // length CalibDim, plus 6 when DoTvs
	L []float64 // length LmDim * N_l
}

// Result enumerates the outer-loop termination reasons.
type Result int

const (
	Success Result = iota
	FactorizationError
	SolverError
	ErrorIncreased
	ErrorChangeBelowThreshold
	ParamChangeBelowThreshold
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case FactorizationError:
		return "FactorizationError"
	case SolverError:
		return "SolverError"
	case ErrorIncreased:
		return "ErrorIncreased"
	case ErrorChangeBelowThreshold:
		return "ErrorChangeBelowThreshold"
	case ParamChangeBelowThreshold:
		return "ParamChangeBelowThreshold"
	default:
		return "Unknown"
	}
}

// Summary reports the outcome of a Solve call.
type Summary struct {
	Result Result

	PreSolveNorm, PostSolveNorm float64
	DeltaNorm                   float64

	ProjError, BinaryError, UnaryError, InertialError float64
	CondProjError, CondInertialError                  float64

	NumProjResiduals, NumBinaryResiduals, NumUnaryResiduals, NumInertialResiduals int

	CalibrationMarginals *matrixRef
}

// matrixRef is a small row-major dense matrix carried on residuals, so this
// file does not import gonum; fromDense (jacobians.go) and denseFromRef
// (schur.go) convert to and from *mat.Dense.
type matrixRef struct {
	rows, cols int
	data       []float64
}

func newMatrixRef(rows, cols int) *matrixRef {
	return &matrixRef{rows: rows, cols: cols, data: make([]float64, rows*cols)}
}

func (m *matrixRef) At(i, j int) float64    { return m.data[i*m.cols+j] }
func (m *matrixRef) Set(i, j int, v float64) { m.data[i*m.cols+j] = v }
func (m *matrixRef) Dims() (int, int)       { return m.rows, m.cols }

// Row returns row i as a fresh slice.
func (m *matrixRef) Row(i int) []float64 {
	out := make([]float64, m.cols)
	copy(out, m.data[i*m.cols:(i+1)*m.cols])
	return out
}
