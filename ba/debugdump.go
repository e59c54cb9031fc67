package ba

import (
	"encoding/csv"
	"fmt"
	"os"
)

// DumpLastReducedCameraMatrix dumps the reduced system from the most recent
// Solve iteration, so callers outside this package (cmd/viba) don't need to
// reach into a *System themselves.
func (pr *Problem) DumpLastReducedCameraMatrix(dir string) error {
	if pr.lastSystem == nil {
		return nil
	}
	return pr.DumpReducedCameraMatrix(dir, pr.lastSystem)
}

// DumpReducedCameraMatrix writes S (S.csv), the reduced RHS (rhs_p_sc.csv)
// and the projection residuals with their weights (r_pr.csv) to CSV files
// under dir; no Jacobian matrices are written. It runs only when
// Options.WriteReducedCameraMatrix is set. Grounded on bba_engine/io.go's
// encoding/csv usage (ExportReport writes the same way, one CSV per logical
// table).
func (pr *Problem) DumpReducedCameraMatrix(dir string, sys *System) error {
	if !pr.Options.WriteReducedCameraMatrix {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeDenseCSV(dir+"/S.csv", sys.S); err != nil {
		return err
	}
	if err := writeVecCSV(dir+"/rhs_p_sc.csv", sys.BReduced); err != nil {
		return err
	}
	if err := pr.writeProjectionTables(dir); err != nil {
		return err
	}
	return nil
}

func (pr *Problem) writeProjectionTables(dir string) error {
	f, err := os.Create(dir + "/r_pr.csv")
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	for _, res := range pr.projResiduals {
		record := []string{
			fmt.Sprintf("%d", res.ResidualID),
			fmt.Sprintf("%g", res.Residual[0]),
			fmt.Sprintf("%g", res.Residual[1]),
			fmt.Sprintf("%g", res.Weight),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return w.Error()
}

func writeDenseCSV(path string, m interface {
	Dims() (int, int)
	At(i, j int) float64
}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		record := make([]string, cols)
		for j := 0; j < cols; j++ {
			record[j] = fmt.Sprintf("%g", m.At(i, j))
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return w.Error()
}

func writeVecCSV(path string, v interface {
	Len() int
	AtVec(int) float64
}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	n := v.Len()
	record := make([]string, n)
	for i := 0; i < n; i++ {
		record[i] = fmt.Sprintf("%g", v.AtVec(i))
	}
	if err := w.Write(record); err != nil {
		return err
	}
	return w.Error()
}
