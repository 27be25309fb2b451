// Package uccollab builds the generator-level unit commitment model that
// every zonal subproblem starts from: on/off state, segment production,
// reserve, and bus injection variables, plus the original (non-zonal) cost
// objective and a single centralized power-balance row per timestep.
// internal/subproblem calls Build once per zone, then neutralizes the
// centralized balance rows (unbounding them) and adds the zonal balance and
// cross-zone link constraints spec.md §4.4 describes.
package uccollab

import (
	"fmt"

	"github.com/lanl/highs"

	pdecimal "github.com/gridcoord/scuc/pkg/decimal"
	"github.com/gridcoord/scuc/shared/model"
)

// key identifies a (generator, timestep) pair, 1-based on both axes to
// match instance indexing.
type key struct {
	Index int
	T     int
}

type segKey struct {
	Index int
	Seg   int
	T     int
}

type busKey struct {
	Bus int
	T   int
}

// Bundle is the output contract spec.md §6 names: a model handle, its
// per-generator/per-time/per-bus variable columns, and the balance row
// handles C4 deletes.
type Bundle struct {
	Model      *highs.Model
	Horizon    int
	Generators []model.Generator
	Buses      []int

	IsOn      map[key]int
	SwitchOn  map[key]int
	SwitchOff map[key]int
	SegProd   map[segKey]int
	Prod      map[key]int
	Reserve   map[key]int
	Inj       map[busKey]int

	// BalanceRows[t-1] is the row index of the centralized
	// Σ_b inj[b,t] = 0 constraint for timestep t; C4 deletes these by
	// relaxing their bounds to [-inf, inf] once the zonal balance takes over
	// (HiGHS has no row-delete API in the confirmed binding, so a
	// centralized balance row is neutralized rather than physically removed).
	BalanceRows []int
}

// Options configures the reserve requirement and instance scaling the
// collaborator applies while building columns.
type Options struct {
	ReserveFraction float64
	DemandScale     float64
	LimitScale      float64
}

// Build constructs the UC model restricted to gens and buses (a zone's
// generators and interior+boundary buses, or the full instance in
// centralized mode), returning the Bundle for the caller to extend.
func Build(gens []model.Generator, buses []model.Bus, horizon int, opts Options) (*Bundle, error) {
	b := &Bundle{
		Model:      new(highs.Model),
		Horizon:    horizon,
		Generators: gens,
		IsOn:       map[key]int{},
		SwitchOn:   map[key]int{},
		SwitchOff:  map[key]int{},
		SegProd:    map[segKey]int{},
		Prod:       map[key]int{},
		Reserve:    map[key]int{},
		Inj:        map[busKey]int{},
	}
	for _, bus := range buses {
		b.Buses = append(b.Buses, bus.Index)
	}

	m := b.Model
	addCol := func(varType highs.VariableType, lower, upper, cost float64) int {
		col := len(m.ColLower)
		m.ColLower = append(m.ColLower, lower)
		m.ColUpper = append(m.ColUpper, upper)
		m.ColCosts = append(m.ColCosts, cost)
		m.VarTypes = append(m.VarTypes, varType)
		return col
	}

	for _, g := range gens {
		for t := 1; t <= horizon; t++ {
			k := key{g.Index, t}
			b.IsOn[k] = addCol(highs.IntegerType, 0, boolIf(g.AlwaysOn, 1, 1), 0)
			if g.AlwaysOn {
				m.ColLower[b.IsOn[k]] = 1
			}
			b.SwitchOn[k] = addCol(highs.IntegerType, 0, 1, pdecimal.FromDecimal(g.StartupCost).Float64())
			b.SwitchOff[k] = addCol(highs.IntegerType, 0, 1, 0)
			b.Prod[k] = addCol(highs.ContinuousType, 0, g.MaxPower, 0)
			b.Reserve[k] = addCol(highs.ContinuousType, 0, g.MaxPower, 0)
			for s, seg := range g.Segments {
				sk := segKey{g.Index, s, t}
				b.SegProd[sk] = addCol(highs.ContinuousType, 0, seg.OfferSize*opts.LimitScale, seg.MarginalPrice.InexactFloat64())
			}
			// No-load cost is paid whenever the unit is on, independent of
			// output level, so it enters the objective through isOn's cost
			// coefficient.
			m.ColCosts[b.IsOn[k]] += pdecimal.FromDecimal(g.NoLoadCost).Float64()
		}
	}

	for _, bus := range buses {
		for t := 1; t <= horizon; t++ {
			b.Inj[busKey{bus.Index, t}] = addCol(highs.ContinuousType, negInf, posInf, 0)
		}
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

	genByBus := map[int][]model.Generator{}
	for _, g := range gens {
		genByBus[g.Bus] = append(genByBus[g.Bus], g)
	}

	for _, g := range gens {
		initialOn := boolIf(g.InitialState > 0, 1, 0)
		for t := 1; t <= horizon; t++ {
			k := key{g.Index, t}

			// prod[g,t] = MinPower*isOn[g,t] + Σ_s segProd[g,s,t]
			coeffs := map[int]float64{b.Prod[k]: 1, b.IsOn[k]: -g.MinPower}
			for s := range g.Segments {
				coeffs[b.SegProd[segKey{g.Index, s, t}]] = -1
			}
			addRow(0, coeffs, 0)

			// segment production requires the unit on.
			for s, seg := range g.Segments {
				addRow(negInf, map[int]float64{
					b.SegProd[segKey{g.Index, s, t}]: 1,
					b.IsOn[k]:                        -seg.OfferSize,
				}, 0)
			}

			// switchOn - switchOff = isOn[t] - isOn[t-1]
			var prevOnCol int
			var prevOnConst float64
			if t == 1 {
				prevOnConst = float64(initialOn)
			} else {
				prevOnCol = b.IsOn[key{g.Index, t - 1}]
			}
			rowCoeffs := map[int]float64{
				b.SwitchOn[k]:  1,
				b.SwitchOff[k]: -1,
				b.IsOn[k]:      -1,
			}
			if t > 1 {
				rowCoeffs[prevOnCol] = 1
				addRow(0, rowCoeffs, 0)
			} else {
				addRow(-prevOnConst, rowCoeffs, -prevOnConst)
			}

			// A unit can't switch on and off in the same period.
			addRow(negInf, map[int]float64{b.SwitchOn[k]: 1, b.SwitchOff[k]: 1}, 1)

			// Ramping, expressed against the previous period's production;
			// no ramping row is added at t=1, since there is no history to
			// ramp from.
			if t > 1 {
				prevK := key{g.Index, t - 1}
				addRow(negInf, map[int]float64{
					b.Prod[k]:     1,
					b.Prod[prevK]: -1,
					b.IsOn[prevK]: -g.RampUp,
					b.SwitchOn[k]: -g.StartupRamp,
				}, 0)
				addRow(negInf, map[int]float64{
					b.Prod[prevK]:  1,
					b.Prod[k]:      -1,
					b.IsOn[k]:      -g.RampDown,
					b.SwitchOff[k]: -g.ShutdownRamp,
				}, 0)
			}

			// Reserve availability: reserve <= MaxPower*isOn - prod.
			addRow(negInf, map[int]float64{
				b.Reserve[k]: 1,
				b.Prod[k]:    1,
				b.IsOn[k]:    -g.MaxPower,
			}, 0)
		}

		if err := addMinUpDownTime(m, b, g, horizon, addRow); err != nil {
			return nil, err
		}
	}

	// inj[b,t] = Σ_{g at b} prod[g,t] - demand[b,t]*demandScale
	for _, bus := range buses {
		for t := 1; t <= horizon; t++ {
			coeffs := map[int]float64{b.Inj[busKey{bus.Index, t}]: 1}
			for _, g := range genByBus[bus.Index] {
				coeffs[b.Prod[key{g.Index, t}]] -= 1
			}
			demand := 0.0
			if t-1 < len(bus.Demand) {
				demand = bus.Demand[t-1] * opts.DemandScale
			}
			addRow(-demand, coeffs, -demand)
		}
	}

	// Reserve requirement per timestep, scoped to the generators/buses given.
	if opts.ReserveFraction > 0 {
		for t := 1; t <= horizon; t++ {
			coeffs := map[int]float64{}
			totalDemand := 0.0
			for _, g := range gens {
				coeffs[b.Reserve[key{g.Index, t}]] = 1
			}
			for _, bus := range buses {
				if t-1 < len(bus.Demand) {
					totalDemand += bus.Demand[t-1] * opts.DemandScale
				}
			}
			addRow(opts.ReserveFraction*totalDemand, coeffs, posInf)
		}
	}

	// Centralized balance: Σ_b inj[b,t] = 0. C4 neutralizes these rows once
	// the zonal balance/transfer constraint takes over.
	b.BalanceRows = make([]int, horizon)
	for t := 1; t <= horizon; t++ {
		coeffs := map[int]float64{}
		for _, bus := range buses {
			coeffs[b.Inj[busKey{bus.Index, t}]] = 1
		}
		b.BalanceRows[t-1] = addRow(0, coeffs, 0)
	}

	return b, nil
}

// addMinUpDownTime enforces the standard rolling-window formulation: once a
// unit switches on, it must stay on for MinUpTime periods, and symmetrically
// for MinDownTime after switching off.
func addMinUpDownTime(m *highs.Model, b *Bundle, g model.Generator, horizon int, addRow func(float64, map[int]float64, float64) int) error {
	if g.MinUpTime < 0 || g.MinDownTime < 0 {
		return fmt.Errorf("uccollab: generator %d has negative min up/down time", g.Index)
	}
	for t := 1; t <= horizon; t++ {
		if g.MinUpTime > 1 {
			coeffs := map[int]float64{b.IsOn[key{g.Index, t}]: -1}
			window := 0
			for s := t - g.MinUpTime + 1; s <= t; s++ {
				if s < 1 {
					continue
				}
				coeffs[b.SwitchOn[key{g.Index, s}]] += 1
				window++
			}
			if window > 0 {
				addRow(negInf, coeffs, 0)
			}
		}
		if g.MinDownTime > 1 {
			coeffs := map[int]float64{b.IsOn[key{g.Index, t}]: 1}
			window := 0
			for s := t - g.MinDownTime + 1; s <= t; s++ {
				if s < 1 {
					continue
				}
				coeffs[b.SwitchOff[key{g.Index, s}]] += 1
				window++
			}
			if window > 0 {
				addRow(negInf, coeffs, 1)
			}
		}
	}
	return nil
}

// InjColumn returns the column index of bus b's injection variable at time
// t, for callers outside the package (internal/subproblem) that need to
// reference it without depending on the unexported key types.
func (b *Bundle) InjColumn(bus, t int) (int, bool) {
	col, ok := b.Inj[busKey{bus, t}]
	return col, ok
}

// IsOnColumn, ProdColumn, and ReserveColumn expose the remaining
// per-generator/per-time columns for cmd/scuc's solution-CSV writer, which
// needs to read a solved commitment schedule back out of a Bundle without
// depending on the unexported key type.
func (b *Bundle) IsOnColumn(gen, t int) (int, bool) {
	col, ok := b.IsOn[key{gen, t}]
	return col, ok
}

func (b *Bundle) ProdColumn(gen, t int) (int, bool) {
	col, ok := b.Prod[key{gen, t}]
	return col, ok
}

func (b *Bundle) ReserveColumn(gen, t int) (int, bool) {
	col, ok := b.Reserve[key{gen, t}]
	return col, ok
}

// RecomputeCost derives the exact dollar cost of a solved column vector from
// the generators' decimal price fields, rather than trusting HiGHS's own
// float64 objective value — the same exactness concern that led pkg/decimal
// to exist in the first place.
func RecomputeCost(b *Bundle, columnPrimal []float64) pdecimal.Cost {
	total := pdecimal.Zero()
	for _, g := range b.Generators {
		for t := 1; t <= b.Horizon; t++ {
			k := key{g.Index, t}
			if columnPrimal[b.IsOn[k]] > 0.5 {
				total = total.Add(pdecimal.FromDecimal(g.NoLoadCost))
			}
			if columnPrimal[b.SwitchOn[k]] > 0.5 {
				total = total.Add(pdecimal.FromDecimal(g.StartupCost))
			}
			for s, seg := range g.Segments {
				mw := columnPrimal[b.SegProd[segKey{g.Index, s, t}]]
				total = total.Add(pdecimal.FromDecimal(seg.MarginalPrice).MulPower(mw))
			}
		}
	}
	return total
}

const (
	negInf = -1e18
	posInf = 1e18
)

func boolIf(cond bool, ifTrue, ifFalse float64) float64 {
	if cond {
		return ifTrue
	}
	return ifFalse
}
