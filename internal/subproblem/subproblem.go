// Package subproblem builds one zone's mixed-integer program for the
// sharing-ADMM coordinator: it delegates generator-level modeling to
// internal/uccollab, neutralizes that model's centralized balance rows, and
// wires in the virtual injection variables, boundary-aggregation and
// cross-zone link constraints, and contingency safety-band placeholders
// that let a zone's local solve stay consistent with its neighbors'.
package subproblem

import (
	"fmt"

	"github.com/lanl/highs"

	"github.com/gridcoord/scuc/internal/uccollab"
	"github.com/gridcoord/scuc/shared/model"
)

type wKey struct {
	Zone, Bus, T int
}

type lineT struct {
	Line, T int
}

// BoundaryVar is one column the ADMM coordinator consensus-exchanges: a
// w[k,b,t] belief or a transfer[t] variable, together with the weight
// spec.md §4.4 step 8 assigns it.
type BoundaryVar struct {
	Zone       int // the k this w-variable predicts; 0 for a transfer[t] entry
	Bus        int // 0 for a transfer[t] entry
	T          int
	Column     int
	Weight     float64
	IsTransfer bool
}

// AdmmSubproblem is the capability set spec.md §9 describes in place of
// polymorphism over variable providers: a model handle, a cost objective
// already baked into the model's ColCosts, and a sequence of boundary
// variables with weights. It is a concrete struct, not an interface:
// internal/admm's coordinator takes *AdmmSubproblem directly.
type AdmmSubproblem struct {
	ZoneIndex int
	Horizon   int
	NumZones  int
	Bundle    *uccollab.Bundle

	W        map[wKey]int
	Transfer map[int]int
	EMax     map[lineT]int
	EMin     map[lineT]int

	// IntegerColumns lists every column that started out integer, before
	// any linear relaxation — the coordinator's MIQP<->QP mode switch reads
	// this list to know which columns to round-and-fix or restore.
	IntegerColumns []int

	BoundaryVars []BoundaryVar
}

// Build constructs zone zoneIndex's subproblem. zones must be indexed 1..N
// (zones[k-1] is zone k) and fully populated by internal/zoneextract,
// including neighbors' BIN/LinkBase, since the cross-zone link constraint
// reads a neighbor's own link matrix directly.
func Build(inst *model.UnitCommitmentInstance, zones []*model.Zone, zoneIndex int, ucOpts uccollab.Options, relax bool) (*AdmmSubproblem, error) {
	z := zones[zoneIndex-1]
	if z.Index != zoneIndex {
		return nil, fmt.Errorf("subproblem: zones[%d] has index %d, want %d", zoneIndex-1, z.Index, zoneIndex)
	}

	gens := inst.GeneratorsInZone(zoneIndex)
	buses := zoneBuses(inst, z)

	bundle, err := uccollab.Build(gens, buses, inst.Horizon, ucOpts)
	if err != nil {
		return nil, fmt.Errorf("subproblem: zone %d: %w", zoneIndex, err)
	}

	m := bundle.Model
	sp := &AdmmSubproblem{
		ZoneIndex: zoneIndex,
		Horizon:   inst.Horizon,
		NumZones:  len(zones),
		Bundle:    bundle,
		W:         map[wKey]int{},
		Transfer:  map[int]int{},
		EMax:      map[lineT]int{},
		EMin:      map[lineT]int{},
	}
	for i, vt := range m.VarTypes {
		if vt == highs.IntegerType {
			sp.IntegerColumns = append(sp.IntegerColumns, i)
		}
	}

	// Step 2: neutralize the collaborator's centralized balance rows —
	// HiGHS's binding exposes no row-delete call, so the row is made
	// non-binding by unbounding it instead.
	for _, row := range bundle.BalanceRows {
		m.RowLower[row] = negInf
		m.RowUpper[row] = posInf
	}

	addCol := func(lower, upper, cost float64) int {
		col := len(m.ColLower)
		m.ColLower = append(m.ColLower, lower)
		m.ColUpper = append(m.ColUpper, upper)
		m.ColCosts = append(m.ColCosts, cost)
		m.VarTypes = append(m.VarTypes, highs.ContinuousType)
		return col
	}
	addRow := func(lower float64, coeffs map[int]float64, upper float64) int {
		row := len(m.RowLower)
		m.RowLower = append(m.RowLower, lower)
		m.RowUpper = append(m.RowUpper, upper)
		for col, val := range coeffs {
			if val != 0 {
				m.ConstMatrix = append(m.ConstMatrix, highs.Nonzero{Row: row, Col: col, Val: val})
			}
		}
		return row
	}

	// Step 3: w[k,b,t] for every zone k, every boundary bus of k, every t.
	for _, k := range zones {
		for _, b := range k.BIN {
			for t := 1; t <= inst.Horizon; t++ {
				sp.W[wKey{k.Index, b, t}] = addCol(negInf, posInf, 0)
			}
		}
	}
	for t := 1; t <= inst.Horizon; t++ {
		sp.Transfer[t] = addCol(negInf, posInf, 0)
	}

	// Step 4: zonal balance, Σ_{b∈BI(z)} inj[b,t] + transfer[t] = 0.
	for t := 1; t <= inst.Horizon; t++ {
		coeffs := map[int]float64{sp.Transfer[t]: 1}
		for _, bus := range z.BI {
			col, ok := bundle.InjColumn(bus, t)
			if !ok {
				return nil, fmt.Errorf("subproblem: zone %d bus %d missing inj column at t=%d", zoneIndex, bus, t)
			}
			coeffs[col] = 1
		}
		addRow(0, coeffs, 0)
	}

	// Step 5: boundary aggregation, Σ_{b∈BIN(z)} w[z,b,t] = transfer[t].
	for t := 1; t <= inst.Horizon; t++ {
		coeffs := map[int]float64{sp.Transfer[t]: -1}
		for _, b := range z.BIN {
			coeffs[sp.W[wKey{zoneIndex, b, t}]] = 1
		}
		addRow(0, coeffs, 0)
	}

	// Step 6: cross-zone link.
	for _, k := range zones {
		if k.Index == zoneIndex {
			continue
		}
		for _, b := range k.BIN {
			for t := 1; t <= inst.Horizon; t++ {
				col := sp.W[wKey{k.Index, b, t}]
				if !z.IsNeighbor(k.Index) {
					addRow(0, map[int]float64{col: 1}, 0)
					continue
				}
				coeffs := map[int]float64{col: 1}
				bRow, ok := k.BINIndex[b]
				if !ok {
					return nil, fmt.Errorf("subproblem: zone %d bus %d missing from zone %d's BINIndex", zoneIndex, b, k.Index)
				}
				for _, c := range z.BI {
					if cCol, ok := k.BEIndex[c]; ok {
						injCol, ok := bundle.InjColumn(c, t)
						if !ok {
							return nil, fmt.Errorf("subproblem: zone %d bus %d missing inj column at t=%d", zoneIndex, c, t)
						}
						coeffs[injCol] += k.LinkBase.At(bRow, cCol)
					}
				}
				for _, c := range z.BIN {
					if k.IsBoundary(c) {
						continue
					}
					if cCol, ok := k.BEIndex[c]; ok {
						coeffs[sp.W[wKey{zoneIndex, c, t}]] += k.LinkBase.At(bRow, cCol)
					}
				}
				addRow(0, coeffs, 0)
			}
		}
	}

	// Step 7: contingency safety band, fixed to 0 until the screening
	// callback loosens them.
	for _, l := range z.InternalLines {
		for t := 1; t <= inst.Horizon; t++ {
			sp.EMax[lineT{l, t}] = addCol(0, 0, 0)
			sp.EMin[lineT{l, t}] = addCol(0, 0, 0)
		}
	}

	// Step 8: boundary exchange vars, weighted per the size heuristic.
	crossZoneWeight := 1.0
	if len(z.InternalLines) >= 100 {
		crossZoneWeight = 0.0
	}
	for wk, col := range sp.W {
		weight := crossZoneWeight
		if wk.Zone == zoneIndex {
			weight = 1.0
		}
		sp.BoundaryVars = append(sp.BoundaryVars, BoundaryVar{Zone: wk.Zone, Bus: wk.Bus, T: wk.T, Column: col, Weight: weight})
	}
	for t, col := range sp.Transfer {
		sp.BoundaryVars = append(sp.BoundaryVars, BoundaryVar{T: t, Column: col, Weight: 1.0, IsTransfer: true})
	}

	if relax {
		Relax(sp)
	}

	return sp, nil
}

// EMaxColumn and EMinColumn expose the contingency safety-band columns for
// a given internal line and timestep, for internal/screening to update
// without depending on the unexported key type.
func (sp *AdmmSubproblem) EMaxColumn(line, t int) (int, bool) {
	col, ok := sp.EMax[lineT{line, t}]
	return col, ok
}

func (sp *AdmmSubproblem) EMinColumn(line, t int) (int, bool) {
	col, ok := sp.EMin[lineT{line, t}]
	return col, ok
}

// WColumn exposes a virtual injection variable's column for a given
// predicting zone, boundary bus, and timestep, for internal/admm to read a
// zone's own w[zoneIndex,b,t] belief without depending on the unexported
// key type.
func (sp *AdmmSubproblem) WColumn(zone, bus, t int) (int, bool) {
	col, ok := sp.W[wKey{zone, bus, t}]
	return col, ok
}

// Relax unsets binary/integer restrictions on every originally-integer
// column, per spec.md §4.4's linear-relaxation mode.
func Relax(sp *AdmmSubproblem) {
	m := sp.Bundle.Model
	for _, col := range sp.IntegerColumns {
		m.VarTypes[col] = highs.ContinuousType
		lower := 0.0
		if m.ColLower[col] > 0 {
			lower = m.ColLower[col]
		}
		m.ColLower[col] = lower
		m.ColUpper[col] = 1
	}
}

func zoneBuses(inst *model.UnitCommitmentInstance, z *model.Zone) []model.Bus {
	var out []model.Bus
	include := make(map[int]bool, len(z.BI)+len(z.BIN))
	for _, b := range z.BI {
		include[b] = true
	}
	for _, b := range z.BIN {
		include[b] = true
	}
	for _, bus := range inst.Buses {
		if include[bus.Index] {
			out = append(out, bus)
		}
	}
	return out
}

const (
	negInf = -1e18
	posInf = 1e18
)
