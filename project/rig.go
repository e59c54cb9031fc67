package project

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/camera"
	"github.com/alongqiyue/ba/se3"
)

// cameraEntry is one rig.json array element on the wire.
type cameraEntry struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
	Tvs struct {
		Qw float64 `json:"qw"`
		Qx float64 `json:"qx"`
		Qy float64 `json:"qy"`
		Qz float64 `json:"qz"`
		Tx float64 `json:"tx"`
		Ty float64 `json:"ty"`
		Tz float64 `json:"tz"`
	} `json:"tvs"`
}

// LoadRig reads rig.json, the camera-array file the visual-inertial project
// format adds next to bba_engine/io.go's per-row CSV camera table (a rig can
// hold more than one camera, each with its own T_vs, so JSON replaces CSV
// here).
func LoadRig(path string) ([]camera.Camera, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("project: read rig: %w", err)
	}
	var entries []cameraEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("project: parse rig: %w", err)
	}
	cams := make([]camera.Camera, len(entries))
	for i, e := range entries {
		cams[i] = camera.Camera{
			Intrinsics: camera.Intrinsics{Fx: e.Fx, Fy: e.Fy, Cx: e.Cx, Cy: e.Cy, K1: e.K1, K2: e.K2},
			Tvs: se3.SE3{
				R: se3.Quat{W: e.Tvs.Qw, X: e.Tvs.Qx, Y: e.Tvs.Qy, Z: e.Tvs.Qz},
				T: r3.Vector{X: e.Tvs.Tx, Y: e.Tvs.Ty, Z: e.Tvs.Tz},
			},
		}
	}
	return cams, nil
}
