// Command scuc is the per-worker entry point for one zone of a distributed
// SCUC/TCUC run. One process per zone: each is launched with an identical
// CLI invocation and instance directory, discovers its rank and the run's
// world size through internal/registry, computes the same deterministic
// zone partition and sensitivity matrices every other worker computes, then
// drives its own zone's ADMM coordinator to convergence.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridcoord/scuc/internal/admm"
	"github.com/gridcoord/scuc/internal/cache"
	"github.com/gridcoord/scuc/internal/comm"
	"github.com/gridcoord/scuc/internal/config"
	"github.com/gridcoord/scuc/internal/httpapi"
	"github.com/gridcoord/scuc/internal/instanceio"
	"github.com/gridcoord/scuc/internal/metrics"
	"github.com/gridcoord/scuc/internal/partition"
	"github.com/gridcoord/scuc/internal/registry"
	"github.com/gridcoord/scuc/internal/runlog"
	"github.com/gridcoord/scuc/internal/screening"
	"github.com/gridcoord/scuc/internal/sensitivity"
	"github.com/gridcoord/scuc/internal/solver"
	"github.com/gridcoord/scuc/internal/subproblem"
	"github.com/gridcoord/scuc/internal/uccollab"
	"github.com/gridcoord/scuc/internal/zoneextract"
	"github.com/gridcoord/scuc/pkg/messaging"
	"github.com/gridcoord/scuc/shared/model"
)

// runArgs is the parsed CLI contract: `scuc <algorithm> <instance>
// <demand_scale> <limit_scale> <careful?>`.
type runArgs struct {
	Algorithm   string
	InstanceDir string
	DemandScale float64
	LimitScale  float64
	Careful     bool

	TransmissionFlag bool
	SecurityFlag     bool
}

// applyCareful tightens numerical caution for a run expected to be harder
// to converge: a stricter MIP gap, a higher minimum-iteration floor before
// convergence is even considered, and slower thresholds for switching
// between the MIQP and QP dual modes so the coordinator doesn't thrash on
// borderline progress. No retrieved instance format, CLI reference, or
// original-language implementation documents what this flag should do
// beyond its name; this is a recorded judgment call (see DESIGN.md), not a
// grounded behavior.
func applyCareful(cfg *config.Config) {
	cfg.Solver.MIPGap /= 5
	cfg.Partition.MIPGap /= 5
	cfg.Admm.MinIterations *= 2
	cfg.Admm.ObjChangeTolerance /= 10
	cfg.Admm.InfeasImprovTolerance /= 10
}

func parseArgs(args []string) (runArgs, error) {
	if len(args) != 4 && len(args) != 5 {
		return runArgs{}, fmt.Errorf("usage: scuc <algorithm> <instance> <demand_scale> <limit_scale> [careful]")
	}
	ra := runArgs{Algorithm: args[0], InstanceDir: args[1]}

	demandScale, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return runArgs{}, fmt.Errorf("demand_scale %q: %w", args[2], err)
	}
	limitScale, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return runArgs{}, fmt.Errorf("limit_scale %q: %w", args[3], err)
	}
	ra.DemandScale, ra.LimitScale = demandScale, limitScale

	if len(args) == 5 {
		careful, err := strconv.ParseBool(args[4])
		if err != nil {
			return runArgs{}, fmt.Errorf("careful %q: %w", args[4], err)
		}
		ra.Careful = careful
	}

	// Both TCUC and SCUC runs enforce transmission limits (TCUC only
	// pre-contingency, SCUC also N-1); the *-central and *-theta variants
	// name algorithm families this coordinator never implements — a
	// centralized single-MIP solve and a bus-angle DC-flow formulation —
	// so they are rejected here as a configuration error, per the
	// unsupported-algorithm clause in the CLI's own error taxonomy.
	switch ra.Algorithm {
	case "tcuc-isf":
		ra.TransmissionFlag, ra.SecurityFlag = true, false
	case "scuc-isf":
		ra.TransmissionFlag, ra.SecurityFlag = true, true
	case "tcuc-central", "scuc-central", "tcuc-theta":
		return runArgs{}, fmt.Errorf("unsupported algorithm %q: only tcuc-isf and scuc-isf are implemented", ra.Algorithm)
	default:
		return runArgs{}, fmt.Errorf("unrecognized algorithm %q", ra.Algorithm)
	}
	return ra, nil
}

func main() {
	ra, err := parseArgs(os.Args[1:])
	if err != nil {
		// Configuration errors are fatal at startup with a clear message.
		log.Fatalf("scuc: %v", err)
	}

	cfg := config.Load()
	if ra.Careful {
		applyCareful(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := instanceio.ReadInstance(ra.InstanceDir)
	if err != nil {
		log.Fatalf("scuc: reading instance %s: %v", ra.InstanceDir, err)
	}

	runID := cfg.Comm.RunID
	if runID == "" {
		runID = fmt.Sprintf("%s-%s", inst.Name, ra.Algorithm)
	}
	workerID := cfg.Comm.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	reg, err := registry.New(cfg.Comm.EtcdEndpoints, runID, cfg.Comm.ConnectTimeout)
	if err != nil {
		log.Fatalf("scuc: connecting to registry: %v", err)
	}
	defer reg.Close()

	rank, worldSize, err := reg.Join(ctx, workerID, cfg.Comm.WorldSize, cfg.Comm.PollInterval)
	if err != nil {
		log.Fatalf("scuc: joining run %s: %v", runID, err)
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reg.Leave(leaveCtx, workerID); err != nil {
			log.Printf("scuc: leaving registry: %v", err)
		}
	}()

	// Zone partitioning is a deterministic function of the instance and
	// these options, so every worker derives the identical zoning locally
	// rather than one worker computing it and broadcasting the result.
	partResult, err := partition.Partition(inst, partition.Options{
		Epsilon: cfg.Partition.Epsilon,
		MIPGap:  cfg.Partition.MIPGap,
		MaxSize: cfg.Partition.MaxSize,
	})
	if err != nil {
		log.Fatalf("scuc: partitioning instance %s: %v", inst.Name, err)
	}
	numZones := partResult.NumZones
	if numZones != worldSize {
		log.Fatalf("scuc: wrong zone count: partitioning produced %d zones but %d workers joined run %s", numZones, worldSize, runID)
	}
	zoneIndex := rank + 1

	net := sensitivity.BuildNetwork(inst)
	isf, err := net.BuildISF()
	if err != nil {
		log.Fatalf("scuc: building ISF: %v", err)
	}
	lodf, err := net.BuildLODF(isf)
	if err != nil {
		log.Fatalf("scuc: building LODF: %v", err)
	}

	linkCache := cache.New(cfg.Cache.DiskRoot, cfg.Cache.RedisURL)

	// subproblem.Build needs every zone's boundary partition and link
	// matrices, not just this worker's own zone, since the cross-zone link
	// constraint reads a neighbor's LinkBase directly. Only rank 0 writes
	// newly computed link-outage matrices back to the shared cache so
	// concurrent workers never race on the same cache entry.
	zones := make([]*model.Zone, numZones)
	for z := 1; z <= numZones; z++ {
		zone, err := zoneextract.Extract(ctx, inst, net, isf, lodf, z, zoneextract.Options{
			SecurityMode:          ra.SecurityFlag,
			CacheMinExternalLines: cfg.Cache.MinExternalLinesForCache,
			IsCacheWriter:         rank == 0,
		}, linkCache)
		if err != nil {
			log.Fatalf("scuc: extracting zone %d: %v", z, err)
		}
		zones[z-1] = zone
	}
	zone := zones[zoneIndex-1]

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.Comm.NATSUrl,
		Name:           fmt.Sprintf("scuc-zone-%d", zoneIndex),
		ReconnectWait:  time.Second,
		MaxReconnects:  10,
		ConnectTimeout: cfg.Comm.ConnectTimeout,
	})
	if err != nil {
		log.Fatalf("scuc: connecting to NATS: %v", err)
	}
	defer msgClient.Close()

	co, err := comm.New(msgClient, rank, worldSize, runID, cfg.Comm.Timeout)
	if err != nil {
		log.Fatalf("scuc: building collective coordinator: %v", err)
	}

	ucOpts := uccollab.Options{
		ReserveFraction: cfg.UC.ReserveFraction,
		DemandScale:     ra.DemandScale,
		LimitScale:      ra.LimitScale,
	}
	sp, err := subproblem.Build(inst, zones, zoneIndex, ucOpts, false)
	if err != nil {
		// Errors inside the external UC model build abort the worker.
		log.Fatalf("scuc: building zone %d subproblem: %v", zoneIndex, err)
	}

	factory := solver.NewSolverFactory(solver.Settings{
		MIPGap:  cfg.Solver.MIPGap,
		Threads: cfg.Solver.Threads,
		Seed:    cfg.Solver.Seed,
		Verbose: cfg.Solver.Verbose,
	})

	// Both TCUC and SCUC pass a real screening state — TCUC only ever
	// enforces pre-contingency limits (securityMode false); SCUC also
	// searches N-1 contingencies.
	screen := screening.NewState(inst, zone, isf, lodf, ra.SecurityFlag)

	var httpSrv *httpapi.Server
	if cfg.HTTP.Addr != "" && rank == 0 {
		httpSrv = httpapi.New(cfg.HTTP.JWTSecret)
		go func() {
			if err := httpSrv.Run(cfg.HTTP.Addr); err != nil {
				log.Printf("scuc: http api stopped: %v", err)
			}
		}()
	}

	var metricsSink *metrics.Sink
	if cfg.Metrics.InfluxURL != "" {
		metricsSink, err = metrics.NewSink(cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket)
		if err != nil {
			log.Printf("scuc: metrics sink disabled: %v", err)
			metricsSink = nil
		} else {
			defer metricsSink.Close()
		}
	}

	var runLogger *runlog.Logger
	if cfg.Runlog.DSN != "" {
		runLogger, err = runlog.Open(cfg.Runlog.DSN)
		if err != nil {
			log.Printf("scuc: run log disabled: %v", err)
			runLogger = nil
		} else {
			defer runLogger.Close()
			if err := runLogger.EnsureSchema(ctx); err != nil {
				log.Printf("scuc: run log schema: %v", err)
			}
		}
	}

	admmOpts := admm.Options{
		MaxTime:               cfg.Admm.MaxTime,
		MaxIterations:         cfg.Admm.MaxIterations,
		MinIterations:         cfg.Admm.MinIterations,
		MinFeasibility:        cfg.Admm.MinFeasibility,
		ObjChangeTolerance:    cfg.Admm.ObjChangeTolerance,
		InfeasImprovTolerance: cfg.Admm.InfeasImprovTolerance,
		RhoInit:               cfg.Admm.RhoInit,
		RhoMax:                cfg.Admm.RhoMax,
		RhoMultiplier:         cfg.Admm.RhoMultiplier,
		RhoUpdateInterval:     cfg.Admm.RhoUpdateInterval,
		SecurityMode:          ra.SecurityFlag,
		NumZones:              numZones,
	}
	if httpSrv != nil {
		admmOpts.StopRequested = httpSrv.CancelRequested
	}

	coordinator, err := admm.New(co, factory, sp, screen, zone, inst, admmOpts)
	if err != nil {
		log.Fatalf("scuc: building zone %d coordinator: %v", zoneIndex, err)
	}

	start := time.Now()
	result, err := coordinator.Run(ctx)
	if err != nil {
		// A numerical error (singular Laplacian, NaN target) has already
		// been reported at its source; there is no stable result left to
		// fall back to once Run itself returns an error, so this worker
		// exits non-zero.
		log.Fatalf("scuc: zone %d run failed: %v", zoneIndex, err)
	}
	wallTime := time.Since(start)

	if httpSrv != nil {
		httpSrv.Push(httpapi.Status{
			RunID:         runID,
			Zone:          zoneIndex,
			Iteration:     result.Iterations,
			Objective:     result.Objective,
			Infeasibility: result.Infeasibility,
			Mode:          result.Mode.String(),
			Converged:     result.Converged,
			UpdatedAt:     time.Now(),
		})
	}
	if metricsSink != nil {
		metricsSink.WriteIteration(metrics.IterationPoint{
			RunID:     runID,
			Zone:      zoneIndex,
			Iteration: result.Iterations,
			Objective: result.Objective,
			Infeas:    result.Infeasibility,
			Rho:       cfg.Admm.RhoInit,
			Mode:      result.Mode.String(),
			Timestamp: time.Now(),
		})
		metricsSink.Flush()
	}
	if runLogger != nil {
		summary := runlog.Summary{
			RunID:         runUUID(runID),
			Zone:          zoneIndex,
			Algorithm:     ra.Algorithm,
			Instance:      inst.Name,
			Mode:          result.Mode.String(),
			Objective:     result.Objective,
			Infeasibility: result.Infeasibility,
			Iterations:    result.Iterations,
			WallTime:      wallTime,
			Converged:     result.Converged,
			Violations:    len(result.Violations),
		}
		insertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := runLogger.Insert(insertCtx, summary); err != nil {
			log.Printf("scuc: run log insert: %v", err)
		}
		cancel()
	}

	timePerIter := 0.0
	if result.Iterations > 0 {
		timePerIter = wallTime.Seconds() / float64(result.Iterations)
	}
	// User-visible summary line, one per worker: instance, algorithm,
	// demand_scale, limit_scale, transmission_flag, security_flag, obj,
	// infeas, iterations, wall_time, time_per_iter.
	fmt.Printf("%s, %s, %g, %g, %t, %t, %g, %g, %d, %s, %.4fs\n",
		inst.Name, ra.Algorithm, ra.DemandScale, ra.LimitScale,
		ra.TransmissionFlag, ra.SecurityFlag,
		result.Objective, result.Infeasibility, result.Iterations,
		wallTime, timePerIter)

	// Every worker participates in the same collective gather regardless of
	// rank, since internal/comm's all-reduce must be called symmetrically;
	// only rank 0 appends the merged row to the solution file.
	sol, err := gatherSolution(ctx, co, inst, zones, sp, zoneIndex, ra, result, coordinator.LastSolution().ColumnPrimal)
	if err != nil {
		log.Fatalf("scuc: gathering global solution: %v", err)
	}
	if rank == 0 {
		outPath := filepath.Join(ra.InstanceDir, "solution.csv")
		if err := instanceio.WriteSolution(outPath, sol); err != nil {
			log.Printf("scuc: writing solution: %v", err)
		}
	}

	// Exit code 0 on convergence or on hitting any other stopping criterion
	// cleanly; Run only returns an error on an uncaught numerical failure,
	// already handled by the log.Fatalf above.
}

func runUUID(runID string) uuid.UUID {
	if id, err := uuid.Parse(runID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID))
}

// gatherSolution reconstructs the full-network commitment schedule from
// every zone's local view, following the same zero-pad-then-all-reduce-sum
// idiom internal/admm.Coordinator.runScreening uses to assemble a global
// injection vector from per-zone contributions: generators belong to
// exactly one zone so their zero-padded columns never collide, and a
// boundary bus's injection is reported by exactly one zone (the lowest-
// indexed zone that carries it in BIN) so its zero-padded column doesn't
// get double-counted by the sum either.
func gatherSolution(ctx context.Context, co *comm.Coordinator, inst *model.UnitCommitmentInstance, zones []*model.Zone, sp *subproblem.AdmmSubproblem, zoneIndex int, ra runArgs, result admm.Result, solvedPrimal []float64) (instanceio.Solution, error) {
	g, t, b := inst.NumGenerators(), inst.Horizon, inst.NumBuses()

	localIsOn := make([]float64, g*t)
	localProd := make([]float64, g*t)
	localReserve := make([]float64, g*t)
	localInj := make([]float64, b*t)

	boundaryOwner := make(map[int]int, b)
	for _, z := range zones {
		for _, bus := range z.BIN {
			if cur, ok := boundaryOwner[bus]; !ok || z.Index < cur {
				boundaryOwner[bus] = z.Index
			}
		}
	}

	for _, gen := range inst.GeneratorsInZone(zoneIndex) {
		for step := 1; step <= t; step++ {
			idx := (gen.Index-1)*t + (step - 1)
			if col, ok := sp.Bundle.IsOnColumn(gen.Index, step); ok {
				localIsOn[idx] = solvedPrimal[col]
			}
			if col, ok := sp.Bundle.ProdColumn(gen.Index, step); ok {
				localProd[idx] = solvedPrimal[col]
			}
			if col, ok := sp.Bundle.ReserveColumn(gen.Index, step); ok {
				localReserve[idx] = solvedPrimal[col]
			}
		}
	}

	zone := zones[zoneIndex-1]
	reportBuses := append(append([]int{}, zone.BI...), zone.BIN...)
	for _, bus := range reportBuses {
		if owner, isBoundary := boundaryOwner[bus]; isBoundary && owner != zoneIndex {
			continue
		}
		for step := 1; step <= t; step++ {
			idx := (bus-1)*t + (step - 1)
			if col, ok := sp.Bundle.InjColumn(bus, step); ok {
				localInj[idx] = solvedPrimal[col]
			}
		}
	}

	globalIsOn, err := co.AllReduce(ctx, "solution.is_on", localIsOn)
	if err != nil {
		return instanceio.Solution{}, err
	}
	globalProd, err := co.AllReduce(ctx, "solution.prod", localProd)
	if err != nil {
		return instanceio.Solution{}, err
	}
	globalReserve, err := co.AllReduce(ctx, "solution.reserve", localReserve)
	if err != nil {
		return instanceio.Solution{}, err
	}
	globalInj, err := co.AllReduce(ctx, "solution.inj", localInj)
	if err != nil {
		return instanceio.Solution{}, err
	}

	cost := uccollab.RecomputeCost(sp.Bundle, solvedPrimal)
	costDecimal, err := decimal.NewFromString(cost.String())
	if err != nil {
		return instanceio.Solution{}, fmt.Errorf("gatherSolution: parsing recomputed cost: %w", err)
	}

	sol := instanceio.Solution{
		Instance:   inst.Name,
		Variation:  fmt.Sprintf("%s-d%g-l%g", ra.Algorithm, ra.DemandScale, ra.LimitScale),
		Cost:       costDecimal,
		IsOn:       make([][]bool, g),
		Prod:       make([][]float64, g),
		Reserve:    make([][]float64, g),
		Inj:        make([][]float64, b),
		Violations: result.Violations,
	}
	for gi := 0; gi < g; gi++ {
		sol.IsOn[gi] = make([]bool, t)
		sol.Prod[gi] = make([]float64, t)
		sol.Reserve[gi] = make([]float64, t)
		for ti := 0; ti < t; ti++ {
			idx := gi*t + ti
			sol.IsOn[gi][ti] = globalIsOn[idx] > 0.5
			sol.Prod[gi][ti] = globalProd[idx]
			sol.Reserve[gi][ti] = globalReserve[idx]
		}
	}
	for bi := 0; bi < b; bi++ {
		sol.Inj[bi] = make([]float64, t)
		for ti := 0; ti < t; ti++ {
			sol.Inj[bi][ti] = globalInj[bi*t+ti]
		}
	}
	return sol, nil
}
