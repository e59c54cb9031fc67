package ba

import (
	"github.com/alongqiyue/ba/camera"
	"github.com/alongqiyue/ba/se3"
)

// snapshot is a deep copy of every piece of mutable state ApplyUpdate can
// touch, taken before a trust-region inner-loop step and restored bit-
// exactly on rejection.
type snapshot struct {
	poses     []Pose
	landmarks []Landmark
	imu       Imu
	cam0      camera.Intrinsics
	tvs0      se3.SE3
	hasCam0   bool
}

func (pr *Problem) takeSnapshot() snapshot {
	s := snapshot{imu: pr.Imu}
	s.poses = make([]Pose, len(pr.poses))
	for i, p := range pr.poses {
		s.poses[i] = Pose{
			ID: p.ID, OptID: p.OptID, IsActive: p.IsActive,
			Twp: p.Twp, V: p.V, Bg: p.Bg, Ba: p.Ba,
			CamParams:       append([]float64(nil), p.CamParams...),
			hasCamParams:    p.hasCamParams,
			ParamMask:       append([]bool(nil), p.ParamMask...),
			IsParamMaskUsed: p.IsParamMaskUsed,
		}
	}
	s.landmarks = make([]Landmark, len(pr.landmarks))
	for i, l := range pr.landmarks {
		s.landmarks[i] = *l
	}
	if len(pr.Rig.Cameras) > 0 {
		s.cam0 = pr.Rig.Cameras[0].Intrinsics
		s.tvs0 = pr.Rig.Cameras[0].Tvs
		s.hasCam0 = true
	}
	return s
}

func (pr *Problem) restoreSnapshot(s snapshot) {
	for i, sp := range s.poses {
		p := pr.poses[i]
		p.Twp, p.V, p.Bg, p.Ba = sp.Twp, sp.V, sp.Bg, sp.Ba
		p.CamParams = append([]float64(nil), sp.CamParams...)
		p.invalidateCache()
	}
	for i, sl := range s.landmarks {
		*pr.landmarks[i] = sl
	}
	pr.Imu = s.imu
	if s.hasCam0 && len(pr.Rig.Cameras) > 0 {
		pr.Rig.Cameras[0].Intrinsics = s.cam0
		pr.Rig.Cameras[0].Tvs = s.tvs0
	}
}
