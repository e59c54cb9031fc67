// Package balog provides the small leveled logger Solve gates its
// per-iteration progress line on, replacing bba_engine's bare fmt.Printf progress
// lines (bba/bba_engine/solver.go: " [Iter %2d] ... S0 = %.6f") with a
// slog.Logger backend while keeping the same "print at a verbosity level"
// idiom as the original's StreamMessage(debug_level) macro.
package balog

import (
	"log/slog"
	"os"
	"sync/atomic"
)

// level is the process-wide debug level gating verbosity, mirroring the
// design notes' "Global mutable state": thread-safe read-only during
// Solve, set once at startup.
var level int32

// SetLevel installs the process-wide debug level.
func SetLevel(l int) { atomic.StoreInt32(&level, int32(l)) }

// Level returns the current debug level.
func Level() int { return int(atomic.LoadInt32(&level)) }

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// At logs msg with args at the given verbosity level, if the process-wide
// debug level is at least minLevel.
func At(minLevel int, msg string, args ...any) {
	if Level() < minLevel {
		return
	}
	logger.Info(msg, args...)
}

// Iteration logs one outer-loop iteration's summary line, the Go analogue
// of bba_engine/solver.go's "[Iter %2d] ... S0 = %.6f" print.
func Iteration(iter int, preCost, postCost float64) {
	At(1, "bundle adjustment iteration", "iter", iter, "pre_cost", preCost, "post_cost", postCost)
}
