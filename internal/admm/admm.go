// Package admm implements the sharing-ADMM coordinator each worker runs
// against its own zone: repeated local mixed-integer solves, penalized by
// the current consensus dual and quadratic terms, followed by the global
// reductions that update the consensus target, the dual variables, and the
// penalty weight. The generic consensus math — target averaging, dual
// update, penalty-weight bookkeeping, and the MIQP/QP dual-mode switch — is
// kept as small package-private functions with their own tests, so it can
// be exercised without a live NATS broker or an actual HiGHS solve;
// Coordinator wires that math to internal/comm, internal/solver,
// internal/subproblem, and internal/screening for a real zone.
package admm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lanl/highs"

	"github.com/gridcoord/scuc/internal/comm"
	"github.com/gridcoord/scuc/internal/screening"
	"github.com/gridcoord/scuc/internal/solver"
	"github.com/gridcoord/scuc/internal/subproblem"
	"github.com/gridcoord/scuc/internal/uccollab"
	"github.com/gridcoord/scuc/shared/model"
)

// Mode is which family of local subproblem the coordinator is currently
// solving: MIQP keeps the zone's original binary commitment variables; QP
// has temporarily rounded and fixed them so the local solve is a pure
// quadratic program.
type Mode int

const (
	ModeMIQP Mode = iota
	ModeQP
)

func (m Mode) String() string {
	if m == ModeQP {
		return "qp"
	}
	return "miqp"
}

// Options configures one coordinator run. Field names mirror
// internal/config's AdmmConfig so cmd/scuc can pass it straight through.
type Options struct {
	MaxTime               time.Duration
	MaxIterations         int
	MinIterations         int
	MinFeasibility        float64
	ObjChangeTolerance    float64
	InfeasImprovTolerance float64
	RhoInit               float64
	RhoMax                float64
	RhoMultiplier         float64
	RhoUpdateInterval     int
	SecurityMode          bool
	NumZones              int

	// StopRequested is polled once at the top of every iteration, never
	// mid-solve; a true return ends the run the same way hitting the
	// iteration cap does, with whatever Result the last completed
	// iteration produced. Left nil, the loop stops only on the deadline,
	// the iteration cap, convergence, or an error. cmd/scuc wires this to
	// internal/httpapi's admin-cancel flag.
	StopRequested func() bool
}

// Result summarizes one worker's completed run, in the shape cmd/scuc's
// exit-summary line reads from.
type Result struct {
	Objective     float64
	Infeasibility float64
	Iterations    int
	WallTime      time.Duration
	Mode          Mode
	Converged     bool
	Violations    []model.Violation
}

// Coordinator drives one zone's ADMM loop. Exactly one per worker process;
// nothing here reaches across zones except through co's collectives.
type Coordinator struct {
	co      *comm.Coordinator
	factory *solver.SolverFactory
	sp      *subproblem.AdmmSubproblem
	screen  *screening.State
	zone    *model.Zone
	inst    *model.UnitCommitmentInstance
	opts    Options

	lambda []float64
	target []float64
	rho    float64
	mode   Mode

	origLower map[int]float64
	origUpper map[int]float64

	lastKnown  solver.Solution
	violations []model.Violation
}

// New builds a coordinator for one zone. Both TCUC and SCUC runs pass a
// non-nil screen — TCUC enforces only pre-contingency line limits
// (securityMode false), SCUC additionally searches N-1 contingencies
// (securityMode true). screen is nil only for a run that skips lazy
// transmission-constraint generation entirely; the loop simply skips the
// screening step in that case.
//
// Security mode is only exercised for 2-zone instances in every retrieved
// trace, even though the link_outage machinery looks general enough for
// more; this guard preserves that observed restriction rather than
// inferring a 3-zone security implementation nothing here has been checked
// against.
func New(co *comm.Coordinator, factory *solver.SolverFactory, sp *subproblem.AdmmSubproblem, screen *screening.State, zone *model.Zone, inst *model.UnitCommitmentInstance, opts Options) (*Coordinator, error) {
	if opts.SecurityMode && opts.NumZones > 2 {
		return nil, fmt.Errorf("admm: security mode is only supported for 2-zone runs, got %d zones", opts.NumZones)
	}
	c := &Coordinator{
		co:        co,
		factory:   factory,
		sp:        sp,
		screen:    screen,
		zone:      zone,
		inst:      inst,
		opts:      opts,
		lambda:    make([]float64, len(sp.BoundaryVars)),
		target:    make([]float64, len(sp.BoundaryVars)),
		rho:       opts.RhoInit,
		mode:      ModeMIQP,
		origLower: map[int]float64{},
		origUpper: map[int]float64{},
	}
	m := sp.Bundle.Model
	for _, col := range sp.IntegerColumns {
		c.origLower[col] = m.ColLower[col]
		c.origUpper[col] = m.ColUpper[col]
	}
	return c, nil
}

// Run executes the ADMM loop until the wall-clock budget is exhausted, the
// iteration cap is hit, or the minimum-iterations-and-feasibility stopping
// criterion is met.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	deadline := time.Now().Add(c.opts.MaxTime)
	start := time.Now()

	var prevObj, prevInfeas float64
	haveHistory := false
	iteration := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if iteration >= c.opts.MaxIterations {
			break
		}
		if c.opts.StopRequested != nil && c.opts.StopRequested() {
			break
		}

		iterCtx, cancel := context.WithDeadline(ctx, deadline)
		obj, err := c.solveOne(iterCtx, remaining)
		cancel()
		if err != nil {
			return Result{}, err
		}

		localBoundary := make([]float64, len(c.sp.BoundaryVars))
		for i, bv := range c.sp.BoundaryVars {
			localBoundary[i] = c.boundaryWeight(bv) * c.lastKnown.ColumnPrimal[bv.Column]
		}
		summed, err := c.co.AllReduce(ctx, "admm.boundary", localBoundary)
		if err != nil {
			return Result{}, fmt.Errorf("admm: boundary all-reduce: %w", err)
		}
		for i := range c.target {
			c.target[i] = summed[i] / float64(c.opts.NumZones)
		}
		if hasNaN(c.target) {
			return Result{}, fmt.Errorf("admm: consensus target contains NaN at iteration %d", iteration)
		}

		objSummed, err := c.co.AllReduce(ctx, "admm.objective", []float64{obj})
		if err != nil {
			return Result{}, fmt.Errorf("admm: objective all-reduce: %w", err)
		}
		globalObj := objSummed[0]
		infeas := vecNorm(c.target)

		for i := range c.lambda {
			c.lambda[i] += c.rho * c.target[i]
		}

		if _, err := c.co.AllReduceMax(ctx, "admm.solvetime", []float64{time.Since(start).Seconds()}); err != nil {
			return Result{}, fmt.Errorf("admm: solve-time all-reduce: %w", err)
		}

		// Errors inside the per-iteration screening callback are logged and
		// only that iteration's screening is skipped; the coordinator keeps
		// iterating rather than aborting the whole run.
		if err := c.runScreening(ctx); err != nil {
			fmt.Printf("admm: zone %d: screening iteration %d skipped: %v\n", c.zone.Index, iteration, err)
		}

		iteration++
		converged := iteration >= c.opts.MinIterations && infeas <= c.opts.MinFeasibility

		if haveHistory {
			switch c.mode {
			case ModeMIQP:
				if relativeChange(prevObj, globalObj) < c.opts.ObjChangeTolerance {
					c.switchToQP()
				}
			case ModeQP:
				if relativeChange(prevInfeas, infeas) < c.opts.InfeasImprovTolerance {
					c.switchToMIQP()
				}
			}
		}
		if c.opts.RhoUpdateInterval > 0 && iteration%c.opts.RhoUpdateInterval == 0 {
			c.rho = math.Min(c.opts.RhoMax, c.rho*c.opts.RhoMultiplier)
		}

		prevObj, prevInfeas = globalObj, infeas
		haveHistory = true

		if converged {
			return Result{Objective: globalObj, Infeasibility: infeas, Iterations: iteration, WallTime: time.Since(start), Mode: c.mode, Converged: true, Violations: c.violations}, nil
		}
	}

	return Result{Objective: prevObj, Infeasibility: prevInfeas, Iterations: iteration, WallTime: time.Since(start), Mode: c.mode, Converged: false, Violations: c.violations}, nil
}

// LastSolution returns the most recent solve's column primal values, for
// cmd/scuc to decode a commitment schedule out of via the Bundle's column
// accessors once Run returns.
func (c *Coordinator) LastSolution() solver.Solution {
	return c.lastKnown
}

// solveOne overlays the current dual/penalty terms onto the zone's model,
// solves it, and reverts the overlay before returning, so the model's base
// costs stay clean between iterations regardless of columns/rows the
// screening callback appends afterward.
func (c *Coordinator) solveOne(ctx context.Context, remaining time.Duration) (float64, error) {
	revert := c.applyPenalty()
	res := c.factory.Solve(ctx, fmt.Sprintf("zone-%d", c.zone.Index), c.sp.Bundle.Model, remaining, c.lastKnown)
	revert()

	var objective float64
	var fatalErr error
	res.Match(
		func(sol solver.Solution) {
			c.lastKnown = sol
			objective = uccollab.RecomputeCost(c.sp.Bundle, sol.ColumnPrimal).Float64()
		},
		func(status solver.Status, sol solver.Solution) {
			c.lastKnown = sol
			objective = uccollab.RecomputeCost(c.sp.Bundle, sol.ColumnPrimal).Float64()
		},
		func(kind solver.FatalKind) {
			fatalErr = fmt.Errorf("admm: zone %d solve failed fatally: %s", c.zone.Index, kind)
		},
	)
	return objective, fatalErr
}

// applyPenalty adds the sharing-ADMM penalty L(x)-f(x) = Σ w_g λ_g x_g +
// (ρ/2) Σ w_g (x_g-target_g)² to the zone's model in place, and returns a
// closure that undoes exactly that overlay.
func (c *Coordinator) applyPenalty() func() {
	m := c.sp.Bundle.Model

	type delta struct {
		col  int
		cost float64
	}
	var deltas []delta
	var hessian []highs.Nonzero
	offset := 0.0

	for i, bv := range c.sp.BoundaryVars {
		w := c.boundaryWeight(bv)
		if w == 0 {
			continue
		}
		costDelta := w*c.lambda[i] - c.rho*w*c.target[i]
		m.ColCosts[bv.Column] += costDelta
		deltas = append(deltas, delta{bv.Column, costDelta})
		hessian = append(hessian, highs.Nonzero{Row: bv.Column, Col: bv.Column, Val: c.rho * w})
		offset += 0.5 * c.rho * w * c.target[i] * c.target[i]
	}

	prevHessian, prevOffset := m.Hessian, m.Offset
	m.Hessian = hessian
	m.Offset = offset

	return func() {
		for _, d := range deltas {
			m.ColCosts[d.col] -= d.cost
		}
		m.Hessian = prevHessian
		m.Offset = prevOffset
	}
}

// boundaryWeight applies the QP-mode weight collapse: once binaries are
// rounded and fixed, every boundary variable is weighted uniformly rather
// than by the zone-size heuristic subproblem.Build assigned it.
func (c *Coordinator) boundaryWeight(bv subproblem.BoundaryVar) float64 {
	if c.mode == ModeQP {
		return 1.0
	}
	return bv.Weight
}

// switchToQP rounds and fixes every binary column at its current solved
// value, then relabels it continuous, collapsing the local solve to a pure
// QP for as long as the objective keeps failing to move.
func (c *Coordinator) switchToQP() {
	m := c.sp.Bundle.Model
	for _, col := range c.sp.IntegerColumns {
		v := math.Round(c.lastKnown.ColumnPrimal[col])
		m.ColLower[col] = v
		m.ColUpper[col] = v
		m.VarTypes[col] = highs.ContinuousType
	}
	c.mode = ModeQP
}

// switchToMIQP restores every binary column's original bounds and integer
// type, once infeasibility stalls under the fixed-binary QP.
func (c *Coordinator) switchToMIQP() {
	m := c.sp.Bundle.Model
	for _, col := range c.sp.IntegerColumns {
		m.ColLower[col] = c.origLower[col]
		m.ColUpper[col] = c.origUpper[col]
		m.VarTypes[col] = highs.IntegerType
	}
	c.mode = ModeMIQP
}

// runScreening all-reduces the network's per-bus injection vector for every
// timestep, then hands the result to the contingency screening state as
// plain data — the callback itself never issues a collective, so every
// worker's collective sequence stays identical regardless of what the
// callback finds.
func (c *Coordinator) runScreening(ctx context.Context) error {
	if c.screen == nil {
		return nil
	}

	numBuses := c.inst.NumBuses()
	injIntByT := make(map[int][]float64, c.sp.Horizon)
	injBndByT := make(map[int][]float64, c.sp.Horizon)
	injExtByT := make(map[int][]float64, c.sp.Horizon)

	for t := 1; t <= c.sp.Horizon; t++ {
		global := make([]float64, numBuses)
		for _, b := range c.zone.BI {
			if col, ok := c.sp.Bundle.InjColumn(b, t); ok {
				global[b-1] = c.lastKnown.ColumnPrimal[col]
			}
		}
		reduced, err := c.co.AllReduce(ctx, fmt.Sprintf("admm.inj.%d", t), global)
		if err != nil {
			return fmt.Errorf("injection all-reduce at t=%d: %w", t, err)
		}

		injInt := make([]float64, len(c.zone.BI))
		for i, b := range c.zone.BI {
			if col, ok := c.sp.Bundle.InjColumn(b, t); ok {
				injInt[i] = c.lastKnown.ColumnPrimal[col]
			}
		}
		injBnd := make([]float64, len(c.zone.BIN))
		for i, b := range c.zone.BIN {
			if col, ok := c.sp.WColumn(c.zone.Index, b, t); ok {
				injBnd[i] = c.lastKnown.ColumnPrimal[col]
			}
		}
		injExt := make([]float64, len(c.zone.BE))
		for i, b := range c.zone.BE {
			injExt[i] = reduced[b-1]
		}

		injIntByT[t] = injInt
		injBndByT[t] = injBnd
		injExtByT[t] = injExt
	}

	if err := c.screen.UpdateSafetyBand(c.sp, injExtByT); err != nil {
		return fmt.Errorf("safety band update: %w", err)
	}
	for t := 1; t <= c.sp.Horizon; t++ {
		v, err := c.screen.FindAndAddConstraint(c.sp, t, injIntByT[t], injBndByT[t])
		if err != nil {
			return fmt.Errorf("contingency screening at t=%d: %w", t, err)
		}
		if v != nil {
			c.violations = append(c.violations, *v)
		}
	}
	return nil
}

func hasNaN(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}

func vecNorm(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// relativeChange computes |prev-cur|/|cur|, matching the dual-mode switch
// conditions verbatim. A zero denominator is defined as "no change" only
// when prev is also zero, so a genuine jump away from zero never reads as a
// stall.
func relativeChange(prev, cur float64) float64 {
	if cur == 0 {
		if prev == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(prev-cur) / math.Abs(cur)
}
