package project

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alongqiyue/ba/ba"
)

// ExportReport writes a human-readable adjustment report and a CSV point
// cloud next to project.json, the same two-file shape as bba_engine/io.go's
// ExportReport (Adjustment_Report.txt + Adjusted_Points.csv), generalized
// from a single sigma-0 line to the per-family error breakdown
// ba.Summary carries.
func ExportReport(projectPath string, pr *ba.Problem, summary ba.Summary) error {
	dir := filepath.Dir(projectPath)

	reportPath := filepath.Join(dir, "Adjustment_Report.txt")
	f, err := os.Create(reportPath)
	if err != nil {
		return fmt.Errorf("project: write report: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "====================================================\n")
	fmt.Fprintf(f, "          Visual-Inertial Bundle Adjustment Report\n")
	fmt.Fprintf(f, "====================================================\n")
	fmt.Fprintf(f, "Result                : %s\n", summary.Result)
	fmt.Fprintf(f, "Pre-solve norm        : %.6f\n", summary.PreSolveNorm)
	fmt.Fprintf(f, "Delta norm            : %.6f\n", summary.DeltaNorm)
	fmt.Fprintf(f, "Projection error      : %.6f (%d residuals)\n", summary.ProjError, summary.NumProjResiduals)
	fmt.Fprintf(f, "Binary error          : %.6f (%d residuals)\n", summary.BinaryError, summary.NumBinaryResiduals)
	fmt.Fprintf(f, "Unary error           : %.6f (%d residuals)\n", summary.UnaryError, summary.NumUnaryResiduals)
	fmt.Fprintf(f, "Inertial error        : %.6f (%d residuals)\n", summary.InertialError, summary.NumInertialResiduals)
	fmt.Fprintf(f, "Conditioning proj err : %.6f\n", summary.CondProjError)
	fmt.Fprintf(f, "Conditioning imu err  : %.6f\n", summary.CondInertialError)
	fmt.Fprintf(f, "----------------------------------------------------\n\n")

	fmt.Fprintf(f, "%-5s %10s %10s %10s | %8s %8s %8s %8s\n", "PoseID", "X", "Y", "Z", "Qw", "Qx", "Qy", "Qz")
	for id := 0; id < pr.NumPoses(); id++ {
		pose := pr.Pose(id)
		fmt.Fprintf(f, "%-5d %10.4f %10.4f %10.4f | %8.4f %8.4f %8.4f %8.4f\n",
			id, pose.Twp.T.X, pose.Twp.T.Y, pose.Twp.T.Z,
			pose.Twp.R.W, pose.Twp.R.X, pose.Twp.R.Y, pose.Twp.R.Z)
	}

	csvPath := filepath.Join(dir, "Adjusted_Points.csv")
	fCsv, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("project: write points csv: %w", err)
	}
	defer fCsv.Close()
	w := csv.NewWriter(fCsv)
	defer w.Flush()
	w.Write([]string{"LandmarkID", "X", "Y", "Z", "OutlierRatio"})
	for id := 0; id < pr.NumLandmarks(); id++ {
		lm := pr.Landmark(id)
		w.Write([]string{
			fmt.Sprintf("%d", id),
			fmt.Sprintf("%.4f", lm.Xw[0]),
			fmt.Sprintf("%.4f", lm.Xw[1]),
			fmt.Sprintf("%.4f", lm.Xw[2]),
			fmt.Sprintf("%.4f", pr.LandmarkOutlierRatio(id)),
		})
	}
	return w.Error()
}
