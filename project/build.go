package project

import (
	"fmt"
	"path/filepath"

	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/ba"
	"github.com/alongqiyue/ba/camera"
	"github.com/alongqiyue/ba/imu"
)

// Dataset is every project.json table, loaded and parsed.
type Dataset struct {
	Poses        []PoseRecord
	Landmarks    []LandmarkRecord
	Observations []ObservationRecord
	ImuEdges     []ImuEdgeRecord
	Rig          []camera.Camera
}

// Load reads project.json and every table it points at, resolving paths
// relative to the config file's directory the same way bba_engine/io.go's
// LoadProject does, generalized to the visual-inertial table set.
func Load(projectPath string) (Dataset, error) {
	cfg, dir, err := LoadConfig(projectPath)
	if err != nil {
		return Dataset{}, err
	}
	poses, err := LoadPoses(filepath.Join(dir, cfg.CameraFile))
	if err != nil {
		return Dataset{}, err
	}
	landmarks, err := LoadLandmarks(filepath.Join(dir, cfg.PointFile))
	if err != nil {
		return Dataset{}, err
	}
	obs, err := LoadObservations(filepath.Join(dir, cfg.ObservationFile))
	if err != nil {
		return Dataset{}, err
	}
	var imuEdges []ImuEdgeRecord
	if cfg.ImuFile != "" {
		imuEdges, err = LoadImuEdges(filepath.Join(dir, cfg.ImuFile))
		if err != nil {
			return Dataset{}, err
		}
	}
	var rig []camera.Camera
	if cfg.RigFile != "" {
		rig, err = LoadRig(filepath.Join(dir, cfg.RigFile))
		if err != nil {
			return Dataset{}, err
		}
	}
	return Dataset{Poses: poses, Landmarks: landmarks, Observations: obs, ImuEdges: imuEdges, Rig: rig}, nil
}

// BuildProblem populates a ba.Problem from a loaded project, wiring poses,
// landmarks, projection residuals and (when imu.csv is present) inertial
// residuals, mirroring how bba_engine/main.go's RunBundleAdjustment consumes
// LoadProject's output directly rather than through an intermediate model.
func BuildProblem(pr *ba.Problem, ds Dataset) error {
	if len(ds.Rig) > 0 {
		pr.SetRig(ba.Rig{Cameras: ds.Rig})
	}

	poseIndex := make(map[int]int, len(ds.Poses))
	for _, p := range ds.Poses {
		id := pr.AddPose(p.Twp, p.Active, r3.Vector{}, r3.Vector{}, r3.Vector{}, nil)
		poseIndex[p.ID] = id
	}

	lmIndex := make(map[int]int, len(ds.Landmarks))
	for _, l := range ds.Landmarks {
		refPose, ok := poseIndex[l.RefPoseID]
		if !ok {
			return fmt.Errorf("project: landmark %d references unknown pose %d", l.ID, l.RefPoseID)
		}
		id := pr.AddLandmark(l.World, refPose, l.RefCamID, l.ZRef, l.Active)
		lmIndex[l.ID] = id
	}

	for _, o := range ds.Observations {
		lmID, ok := lmIndex[o.LandmarkID]
		if !ok {
			return fmt.Errorf("project: observation references unknown landmark %d", o.LandmarkID)
		}
		poseID, ok := poseIndex[o.PoseID]
		if !ok {
			return fmt.Errorf("project: observation references unknown pose %d", o.PoseID)
		}
		lm := pr.Landmark(lmID)
		pr.AddProjectionResidual(lmID, lm.RefPoseID, poseID, o.CamID, o.Z, o.Weight, o.IsConditioning)
	}

	resSize := 9
	if pr.Params.PoseDim >= 15 {
		resSize = 15
	}
	for _, e := range ds.ImuEdges {
		p1, ok := poseIndex[e.Pose1ID]
		if !ok {
			return fmt.Errorf("project: imu edge references unknown pose %d", e.Pose1ID)
		}
		p2, ok := poseIndex[e.Pose2ID]
		if !ok {
			return fmt.Errorf("project: imu edge references unknown pose %d", e.Pose2ID)
		}
		pre := imu.Preintegrated{
			DeltaR:    e.DeltaR,
			DeltaV:    e.DeltaV,
			DeltaP:    e.DeltaP,
			Dt:        e.Dt,
			GyroBias:  e.GyroBias,
			AccelBias: e.AccelBias,
		}
		pr.AddImuResidual(p1, p2, pre, diagCovInv(resSize, e.SigmaRot, e.SigmaVel, e.SigmaPos))
	}
	return nil
}

// diagCovInv builds a diagonal inverse-covariance matrix from per-block
// sigmas: rotation rows [0:3), position [3:6), velocity [6:9), the order of
// ba's inertial residual; bias rows
// (when resSize is 15) are left at zero, matching an unregularized
// random-walk prior that auto-regularization takes over instead.
func diagCovInv(resSize int, sigmaRot, sigmaVel, sigmaPos float64) [][]float64 {
	cov := make([][]float64, resSize)
	for i := range cov {
		cov[i] = make([]float64, resSize)
	}
	set := func(lo, hi int, sigma float64) {
		if sigma <= 0 {
			sigma = 1
		}
		for i := lo; i < hi && i < resSize; i++ {
			cov[i][i] = 1 / (sigma * sigma)
		}
	}
	set(0, 3, sigmaRot)
	set(3, 6, sigmaPos)
	set(6, 9, sigmaVel)
	return cov
}
