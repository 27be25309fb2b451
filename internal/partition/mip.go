package partition

import (
	"fmt"

	"github.com/lanl/highs"

	"github.com/gridcoord/scuc/shared/model"
)

type splitResult struct {
	interior      []int
	exterior      []int
	boundaryBuses map[int]bool
}

// splitOnce builds and solves the auxiliary MIP over the subgraph induced
// by lineIndices, returning the interior/external line split and the newly
// discovered boundary buses.
func splitOnce(inst *model.UnitCommitmentInstance, lineIndices []int, genBuses, forcedInterior map[int]bool, opts Options) (*splitResult, error) {
	localLines := lineIndices
	lineVar := make(map[int]int, len(localLines)) // line index -> column
	for i, l := range localLines {
		lineVar[l] = i
	}

	localBuses := make([]int, 0)
	busSeen := make(map[int]bool)
	busIncidence := make(map[int][]int) // bus index -> local line indices touching it
	for _, l := range localLines {
		line := &inst.Lines[l-1]
		for _, b := range []int{line.Source, line.Target} {
			if !busSeen[b] {
				busSeen[b] = true
				localBuses = append(localBuses, b)
			}
			busIncidence[b] = append(busIncidence[b], l)
		}
	}

	numLineVars := len(localLines)
	numBusVars := len(localBuses)
	busVar := make(map[int]int, numBusVars) // bus index -> local bus slot
	for i, b := range localBuses {
		busVar[b] = i
	}

	// Column layout: [0, numLineVars) is_int_line
	//                [numLineVars, numLineVars+numBusVars) is_int_bus
	//                [numLineVars+numBusVars, numLineVars+2*numBusVars) is_bnd_bus
	numVars := numLineVars + 2*numBusVars
	intLineCol := func(l int) int { return lineVar[l] }
	intBusCol := func(b int) int { return numLineVars + busVar[b] }
	bndBusCol := func(b int) int { return numLineVars + numBusVars + busVar[b] }

	lp := new(highs.Model)
	lp.VarTypes = make([]highs.VariableType, numVars)
	lp.ColLower = make([]float64, numVars)
	lp.ColUpper = make([]float64, numVars)
	lp.ColCosts = make([]float64, numVars)
	for i := 0; i < numVars; i++ {
		lp.VarTypes[i] = highs.IntegerType
		lp.ColUpper[i] = 1
	}
	for _, b := range localBuses {
		lp.ColCosts[bndBusCol(b)] = 1 // minimize number of boundary buses
	}

	// Generator-bearing buses cannot be boundary.
	for _, b := range localBuses {
		if genBuses[b] {
			lp.ColUpper[bndBusCol(b)] = 0
		}
		if forcedInterior[b] {
			lp.ColLower[intBusCol(b)] = 1
			lp.ColUpper[bndBusCol(b)] = 0
		}
	}

	addRow := func(lower float64, coeffs map[int]float64, upper float64) {
		row := len(lp.RowLower)
		lp.RowLower = append(lp.RowLower, lower)
		lp.RowUpper = append(lp.RowUpper, upper)
		for col, val := range coeffs {
			if val != 0 {
				lp.ConstMatrix = append(lp.ConstMatrix, highs.Nonzero{Row: row, Col: col, Val: val})
			}
		}
	}

	// (a) Lines disagreeing on is_int_line force their shared bus boundary.
	for _, b := range localBuses {
		lines := busIncidence[b]
		for i := 0; i < len(lines); i++ {
			for j := i + 1; j < len(lines); j++ {
				l1, l2 := lines[i], lines[j]
				addRow(-1e18, map[int]float64{
					intLineCol(l1): 1,
					intLineCol(l2): -1,
					bndBusCol(b):   -1,
				}, 0)
				addRow(-1e18, map[int]float64{
					intLineCol(l2): 1,
					intLineCol(l1): -1,
					bndBusCol(b):   -1,
				}, 0)
			}
		}
	}

	// (b) A bus incident to an interior line cannot be purely external; a
	// purely interior bus can only touch interior lines.
	for _, b := range localBuses {
		for _, l := range busIncidence[b] {
			addRow(0, map[int]float64{
				intBusCol(b):   1,
				bndBusCol(b):   1,
				intLineCol(l):  -1,
			}, 1e18)
			addRow(0, map[int]float64{
				intLineCol(l): 1,
				intBusCol(b):  -1,
			}, 1e18)
		}
	}

	// (c) Balance.
	balanceCoeffs := make(map[int]float64, numLineVars)
	for _, l := range localLines {
		balanceCoeffs[intLineCol(l)] = 1
	}
	lTotal := float64(numLineVars)
	addRow((0.5-opts.Epsilon)*lTotal, balanceCoeffs, (0.5+opts.Epsilon)*lTotal)

	solution, err := lp.Solve()
	if err != nil {
		return nil, fmt.Errorf("partition: auxiliary MIP solve error: %w", err)
	}
	if solution.Status != highs.Optimal {
		return nil, fmt.Errorf("partition: auxiliary MIP infeasible (status %v)", solution.Status)
	}

	result := &splitResult{boundaryBuses: make(map[int]bool)}
	for _, l := range localLines {
		if solution.ColumnPrimal[intLineCol(l)] > 0.5 {
			result.interior = append(result.interior, l)
		} else {
			result.exterior = append(result.exterior, l)
		}
	}
	for _, b := range localBuses {
		if solution.ColumnPrimal[bndBusCol(b)] > 0.5 {
			result.boundaryBuses[b] = true
		}
	}
	return result, nil
}
