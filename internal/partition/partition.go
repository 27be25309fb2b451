// Package partition splits a network's bus/line graph into balanced zones
// with a small boundary, via a recursive sequence of small binary MIPs
// rather than a single global partitioning problem.
package partition

import (
	"fmt"
	"sort"

	"github.com/gridcoord/scuc/shared/model"
)

// Options configures both the auxiliary MIP and the recursive splitting
// loop that repeatedly calls it.
type Options struct {
	// Epsilon bounds the interior-line balance: (0.5-Epsilon)*L <= sum
	// is_int_line <= (0.5+Epsilon)*L. Must be in (0, 0.5).
	Epsilon float64
	MIPGap  float64
	// MaxSize is the line-count threshold below which a work item is
	// finalized as a zone instead of split further.
	MaxSize int
}

// Result carries the fully zoned instance and the number of zones. It holds
// no per-zone bus lists; internal/zoneextract derives those from the zoned
// instance.
type Result struct {
	Instance *model.UnitCommitmentInstance
	NumZones int
}

// Partition mutates inst's Bus.Zone and TransmissionLine.Zone fields in
// place, recursively splitting the network with the auxiliary MIP described
// in the design notes. A single-zone request (MaxSize >= line count) skips
// decomposition entirely, per the boundary-case requirement.
func Partition(inst *model.UnitCommitmentInstance, opts Options) (*Result, error) {
	if opts.Epsilon <= 0 || opts.Epsilon >= 0.5 {
		return nil, fmt.Errorf("partition: epsilon %v out of (0, 0.5)", opts.Epsilon)
	}

	allLines := make([]int, inst.NumLines())
	for i := range allLines {
		allLines[i] = i + 1
	}

	if len(allLines) <= opts.MaxSize {
		for i := range inst.Lines {
			inst.Lines[i].Zone = 1
		}
		for i := range inst.Buses {
			inst.Buses[i].Zone = 1
		}
		return &Result{Instance: inst, NumZones: 1}, nil
	}

	genBuses := make(map[int]bool)
	for _, g := range inst.Generators {
		genBuses[g.Bus] = true
	}

	lineZone := make(map[int]int, len(allLines))
	boundaryBuses := make(map[int]bool)
	forcedInterior := make(map[int]bool)

	type workItem struct {
		zoneID int
		lines  []int
	}

	stack := []workItem{{zoneID: 1, lines: allLines}}
	nextZone := 2

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if len(item.lines) <= opts.MaxSize {
			for _, l := range item.lines {
				lineZone[l] = item.zoneID
			}
			continue
		}

		split, err := splitOnce(inst, item.lines, genBuses, forcedInterior, opts)
		if err != nil {
			return nil, err
		}

		extZone := nextZone
		nextZone++

		for _, l := range split.interior {
			lineZone[l] = item.zoneID
		}
		for _, l := range split.exterior {
			lineZone[l] = extZone
		}
		for b := range split.boundaryBuses {
			boundaryBuses[b] = true
			forcedInterior[b] = true
		}

		if len(split.exterior) > opts.MaxSize {
			stack = append(stack, workItem{zoneID: extZone, lines: split.exterior})
		}
		if len(split.interior) > opts.MaxSize {
			stack = append(stack, workItem{zoneID: item.zoneID, lines: split.interior})
		}
	}

	for i := range inst.Lines {
		z, ok := lineZone[inst.Lines[i].Index]
		if !ok {
			return nil, fmt.Errorf("partition: line %d never assigned a zone", inst.Lines[i].Index)
		}
		inst.Lines[i].Zone = z
	}

	busZones := make(map[int]map[int]bool)
	for _, l := range inst.Lines {
		for _, b := range []int{l.Source, l.Target} {
			if busZones[b] == nil {
				busZones[b] = make(map[int]bool)
			}
			busZones[b][l.Zone] = true
		}
	}
	for i := range inst.Buses {
		b := inst.Buses[i].Index
		zones := busZones[b]
		if len(zones) == 0 {
			inst.Buses[i].Zone = 1
			continue
		}
		sorted := make([]int, 0, len(zones))
		for z := range zones {
			sorted = append(sorted, z)
		}
		sort.Ints(sorted)
		inst.Buses[i].Zone = sorted[0]
		if boundaryBuses[b] {
			inst.Buses[i].Demand = make([]float64, inst.Horizon)
		}
	}

	numZones := 0
	for _, l := range inst.Lines {
		if l.Zone > numZones {
			numZones = l.Zone
		}
	}
	return &Result{Instance: inst, NumZones: numZones}, nil
}
