package project

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/se3"
)

// PoseRecord is one row of poses.csv: id, active flag, world position and
// orientation quaternion. Velocity and biases are not part of the row, and
// no other table sets them: BuildProblem adds every pose with zero velocity
// and zero biases.
type PoseRecord struct {
	ID     int
	Active bool
	Twp    se3.SE3
}

// LandmarkRecord is one row of landmarks.csv.
type LandmarkRecord struct {
	ID        int
	Active    bool
	World     r3.Vector
	RefPoseID int
	RefCamID  int
	ZRef      [2]float64
}

// ObservationRecord is one row of observations.csv: a landmark seen from a
// pose through a camera, generalizing bba_engine/io.go's
// Observation{CamID, PtID, X, Y} with a per-observation weight and
// conditioning flag.
type ObservationRecord struct {
	LandmarkID     int
	PoseID         int
	CamID          int
	Z              [2]float64
	Weight         float64
	IsConditioning bool
}

// ImuEdgeRecord is one row of imu.csv: a preintegrated summary between two
// consecutive poses plus the diagonal measurement sigmas used to build
// CovInv.
type ImuEdgeRecord struct {
	Pose1ID, Pose2ID int
	Dt               float64
	DeltaR           se3.Quat
	DeltaV, DeltaP   r3.Vector
	GyroBias, AccelBias r3.Vector
	SigmaRot, SigmaVel, SigmaPos float64
}

// LoadPoses reads poses.csv.
func LoadPoses(path string) ([]PoseRecord, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	out := make([]PoseRecord, 0, len(rows))
	for i, l := range rows {
		if i == 0 {
			continue
		}
		id, err := strconv.Atoi(l[0])
		if err != nil {
			return nil, fmt.Errorf("project: poses.csv row %d: %w", i, err)
		}
		active := l[1] == "1"
		x, _ := strconv.ParseFloat(l[2], 64)
		y, _ := strconv.ParseFloat(l[3], 64)
		z, _ := strconv.ParseFloat(l[4], 64)
		qw, _ := strconv.ParseFloat(l[5], 64)
		qx, _ := strconv.ParseFloat(l[6], 64)
		qy, _ := strconv.ParseFloat(l[7], 64)
		qz, _ := strconv.ParseFloat(l[8], 64)
		out = append(out, PoseRecord{
			ID:     id,
			Active: active,
			Twp: se3.SE3{
				R: se3.Quat{W: qw, X: qx, Y: qy, Z: qz},
				T: r3.Vector{X: x, Y: y, Z: z},
			},
		})
	}
	return out, nil
}

// LoadLandmarks reads landmarks.csv.
func LoadLandmarks(path string) ([]LandmarkRecord, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	out := make([]LandmarkRecord, 0, len(rows))
	for i, l := range rows {
		if i == 0 {
			continue
		}
		id, err := strconv.Atoi(l[0])
		if err != nil {
			return nil, fmt.Errorf("project: landmarks.csv row %d: %w", i, err)
		}
		active := l[1] == "1"
		x, _ := strconv.ParseFloat(l[2], 64)
		y, _ := strconv.ParseFloat(l[3], 64)
		z, _ := strconv.ParseFloat(l[4], 64)
		refPose, _ := strconv.Atoi(l[5])
		refCam, _ := strconv.Atoi(l[6])
		zrx, _ := strconv.ParseFloat(l[7], 64)
		zry, _ := strconv.ParseFloat(l[8], 64)
		out = append(out, LandmarkRecord{
			ID:        id,
			Active:    active,
			World:     r3.Vector{X: x, Y: y, Z: z},
			RefPoseID: refPose,
			RefCamID:  refCam,
			ZRef:      [2]float64{zrx, zry},
		})
	}
	return out, nil
}

// LoadObservations reads observations.csv.
func LoadObservations(path string) ([]ObservationRecord, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	out := make([]ObservationRecord, 0, len(rows))
	for i, l := range rows {
		if i == 0 {
			continue
		}
		lmID, err := strconv.Atoi(l[0])
		if err != nil {
			return nil, fmt.Errorf("project: observations.csv row %d: %w", i, err)
		}
		poseID, _ := strconv.Atoi(l[1])
		camID, _ := strconv.Atoi(l[2])
		x, _ := strconv.ParseFloat(l[3], 64)
		y, _ := strconv.ParseFloat(l[4], 64)
		weight, _ := strconv.ParseFloat(l[5], 64)
		cond := len(l) > 6 && l[6] == "1"
		out = append(out, ObservationRecord{
			LandmarkID: lmID,
			PoseID:     poseID,
			CamID:      camID,
			Z:          [2]float64{x, y},
			Weight:     weight,
			IsConditioning: cond,
		})
	}
	return out, nil
}

// LoadImuEdges reads imu.csv, the new table the visual-inertial project
// format adds alongside the three photogrammetric tables bba_engine/io.go
// loads (cameras, points, observations).
func LoadImuEdges(path string) ([]ImuEdgeRecord, error) {
	rows, err := readCSV(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]ImuEdgeRecord, 0, len(rows))
	for i, l := range rows {
		if i == 0 {
			continue
		}
		if len(l) < 21 {
			return nil, fmt.Errorf("project: imu.csv row %d: expected at least 21 columns, got %d", i, len(l))
		}
		p1, _ := strconv.Atoi(l[0])
		p2, _ := strconv.Atoi(l[1])
		vals := make([]float64, len(l)-2)
		for k, s := range l[2:] {
			vals[k], _ = strconv.ParseFloat(s, 64)
		}
		out = append(out, ImuEdgeRecord{
			Pose1ID: p1,
			Pose2ID: p2,
			Dt:      vals[0],
			DeltaR:  se3.Quat{W: vals[1], X: vals[2], Y: vals[3], Z: vals[4]},
			DeltaV:  r3.Vector{X: vals[5], Y: vals[6], Z: vals[7]},
			DeltaP:  r3.Vector{X: vals[8], Y: vals[9], Z: vals[10]},
			GyroBias:  r3.Vector{X: vals[11], Y: vals[12], Z: vals[13]},
			AccelBias: r3.Vector{X: vals[14], Y: vals[15], Z: vals[16]},
			SigmaRot: vals[17],
			SigmaVel: vals[18],
		})
		// A 20th value after the two pose ids sets SigmaPos; without it
		// SigmaPos stays zero and is defaulted below.
		if len(vals) > 19 {
			out[len(out)-1].SigmaPos = vals[19]
		}
	}
	for i := range out {
		// position sigma defaults to the velocity sigma's value when not
		// separately provided.
		if out[i].SigmaPos == 0 {
			out[i].SigmaPos = out[i].SigmaVel
		}
	}
	return out, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("project: %s: %w", path, err)
	}
	return rows, nil
}
