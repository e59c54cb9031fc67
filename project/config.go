// Package project loads and writes the on-disk project format the bundle
// adjuster consumes: a small JSON pointer file plus sibling CSV/JSON tables,
// generalizing hhyanyanGitHub-uf-oritention-go's bba/bba_engine/io.go
// (LoadProject's map[string]string config, loadCameras/loadPoints/
// loadObservations CSV readers) to the visual-inertial case by adding an
// imu.csv table and a rig.json camera-rig file alongside the original
// cameras/points/observations trio.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the project.json pointer file: paths are relative to the
// directory project.json lives in, exactly as bba_engine/io.go's
// LoadProject resolves them.
type Config struct {
	CameraFile      string `json:"camera_file"`
	PointFile       string `json:"point_file"`
	ObservationFile string `json:"obs_file"`
	ImuFile         string `json:"imu_file"`
	RigFile         string `json:"rig_file"`
}

// LoadConfig reads project.json and returns it with the directory its
// relative paths are to be resolved against; the paths in Config are
// returned as written.
func LoadConfig(path string) (Config, string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, "", fmt.Errorf("project: read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, "", fmt.Errorf("project: parse config: %w", err)
	}
	return cfg, filepath.Dir(path), nil
}
