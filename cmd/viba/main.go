// Command viba runs the visual-inertial bundle adjuster over a project
// directory, the CLI entry point generalizing
// hhyanyanGitHub-uf-oritention-go's bba/bba_engine/main.go (flag-based
// -proj path, load, solve, report) to the visual-inertial parameter set.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/alongqiyue/ba/ba"
	"github.com/alongqiyue/ba/internal/balog"
	"github.com/alongqiyue/ba/project"
)

func main() {
	projPath := flag.String("proj", "", "path to the project.json file")
	maxIter := flag.Int("iters", 15, "maximum outer iterations")
	lmDim := flag.Int("lm_dim", 3, "landmark parameterization: 0 (off), 1 (inverse depth), 3 (world XYZ)")
	poseDim := flag.Int("pose_dim", 15, "pose state size: 6, 9, or 15")
	calibDim := flag.Int("calib_dim", 2, "calibration vector size: gravity(2) plus intrinsics")
	doTvs := flag.Bool("do_tvs", false, "optimize the shared sensor-to-body extrinsic")
	debugLevel := flag.Int("debug_level", 1, "logging verbosity")
	dumpDir := flag.String("dump_dir", "", "directory to dump the reduced camera matrix to, empty disables")
	flag.Parse()

	balog.SetLevel(*debugLevel)

	if *projPath == "" {
		fmt.Fprintln(os.Stderr, "usage: viba -proj ./dataset/project.json")
		os.Exit(1)
	}

	fmt.Printf("loading project: %s\n", *projPath)
	ds, err := project.Load(*projPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("loaded: %d poses, %d landmarks, %d observations, %d imu edges, %d cameras\n",
		len(ds.Poses), len(ds.Landmarks), len(ds.Observations), len(ds.ImuEdges), len(ds.Rig))

	params := ba.Params{LmDim: *lmDim, PoseDim: *poseDim, CalibDim: *calibDim, DoTvs: *doTvs}
	opts := ba.DefaultOptions()
	opts.WriteReducedCameraMatrix = *dumpDir != ""

	pr := ba.NewProblem(params, opts)
	if err := project.BuildProblem(pr, ds); err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	summary := pr.Solve(*maxIter, 1.0, false)
	elapsed := time.Since(start)

	fmt.Printf(">>> solve finished in %v: %s\n", elapsed, summary.Result)

	if *dumpDir != "" {
		if err := pr.DumpLastReducedCameraMatrix(*dumpDir); err != nil {
			fmt.Fprintf(os.Stderr, "reduced camera matrix dump failed: %v\n", err)
		}
	}

	if err := project.ExportReport(*projPath, pr, summary); err != nil {
		fmt.Fprintf(os.Stderr, "report export failed: %v\n", err)
		os.Exit(1)
	}
}
