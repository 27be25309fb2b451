// Package solver wraps the external MIP/QP solver behind an explicit
// SolverFactory and a tagged Result type, replacing the process-wide
// solver-selection globals and exception-based failure handling that a
// straight port would carry over.
package solver

import (
	"context"
	"fmt"
	"time"

	"github.com/lanl/highs"

	"github.com/gridcoord/scuc/pkg/circuit"
)

// Settings configures every solve a factory produces.
type Settings struct {
	MIPGap  float64
	Threads int
	Seed    int64
	Verbose bool
}

// SolverFactory constructs solve requests with a consistent configuration;
// no entry point reaches into global solver state.
type SolverFactory struct {
	settings Settings
	breakers *circuit.BreakerGroup
}

// NewSolverFactory builds a factory backed by a breaker group so a solver
// crash in one zone can't cascade into another zone's calls.
func NewSolverFactory(settings Settings) *SolverFactory {
	return &SolverFactory{
		settings: settings,
		breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 3,
			Timeout:     30 * time.Second,
			HalfOpenMax: 1,
		}),
	}
}

// Solution is the subset of highs.Solution the coordinator and screening
// callback actually read.
type Solution struct {
	Objective    float64
	ColumnPrimal []float64
}

// Solve runs model under breaker protection with a wall-clock budget of
// maxTime, enforced by racing the blocking call against ctx rather than a
// solver-side cancellation hook (the retrieved bindings expose no such
// hook). A timeout produces Warn(StatusTimedOut, lastKnownValue); any
// non-optimal solver status produces Warn(StatusOtherError, lastKnownValue),
// since solver statuses are not mapped onto finer Status values here (Solve
// never returns StatusNumericalIssue); a
// transport/process failure (breaker trips, panic-free error from Solve)
// also produces Warn so the ADMM loop can keep iterating on stale values.
func (f *SolverFactory) Solve(ctx context.Context, zoneName string, model *highs.Model, maxTime time.Duration, lastKnown Solution) Result[Solution] {
	ctx, cancel := context.WithTimeout(ctx, maxTime)
	defer cancel()

	type outcome struct {
		sol *highs.Solution
		err error
	}
	done := make(chan outcome, 1)

	breakerErr := f.breakers.Execute(ctx, zoneName, func() error {
		go func() {
			sol, err := model.Solve()
			done <- outcome{sol: sol, err: err}
		}()
		select {
		case o := <-done:
			return o.err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if breakerErr != nil {
		select {
		case o := <-done:
			if o.err == nil && o.sol != nil {
				return classify(o.sol, lastKnown)
			}
		default:
		}
		if ctx.Err() != nil {
			return Warn(StatusTimedOut, lastKnown)
		}
		return Warn(StatusSolverFailure, lastKnown)
	}

	select {
	case o := <-done:
		if o.err != nil {
			return Warn(StatusSolverFailure, lastKnown)
		}
		return classify(o.sol, lastKnown)
	default:
		return Warn(StatusSolverFailure, lastKnown)
	}
}

func classify(sol *highs.Solution, lastKnown Solution) Result[Solution] {
	if sol.Status == highs.Optimal {
		return Ok(Solution{Objective: sol.Objective, ColumnPrimal: sol.ColumnPrimal})
	}
	// Any non-optimal status, including the solver's "successful but
	// flagged" outcome, is a Warn — never promoted to Ok.
	return Warn(StatusOtherError, lastKnown)
}

// Settings returns the gap/threads/seed the factory was built with. Solve
// does not apply them to the model, and no package in this module calls
// Settings.
func (f *SolverFactory) Settings() Settings {
	return f.settings
}

// DescribeFailure renders a Result's non-Ok state for logging.
func DescribeFailure(status Status, kind FatalKind, isFatal bool) string {
	if isFatal {
		return fmt.Sprintf("fatal: %s", kind)
	}
	return fmt.Sprintf("warn: %s", status)
}
