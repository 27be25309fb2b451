// Package screening implements the post-solve contingency screening
// callback each ADMM worker runs against its own zone: refresh the
// contingency safety band from the network's full injection vector, search
// for the worst transmission-limit violation, and lazily add a flow-limit
// constraint to the zone's subproblem when one is found. It is invoked
// synchronously by internal/admm after the collective that gathers the full
// injection vector; nothing here issues a collective of its own, matching
// the callback-injection design that keeps every worker's collective
// sequence identical.
package screening

import (
	"fmt"
	"math"

	"github.com/lanl/highs"
	"gonum.org/v1/gonum/mat"

	"github.com/gridcoord/scuc/internal/subproblem"
	"github.com/gridcoord/scuc/shared/model"
)

const (
	safetyBandRefreshThreshold = 10.0
	violationThreshold         = 1e-3
	negInf                     = -1e18
	posInf                     = 1e18
)

type dedupKey struct {
	T, Monitored, Outage int
}

// State holds one zone's screening-relevant submatrices and the
// across-iteration memory (previous safety band basis, the dedup set) that
// must survive from one ADMM iteration to the next.
type State struct {
	inst         *model.UnitCommitmentInstance
	zone         *model.Zone
	securityMode bool

	isfInt *mat.Dense // rows: zone.InternalLines, cols: zone.BI
	isfBnd *mat.Dense // rows: zone.InternalLines, cols: zone.BIN
	lodf   *mat.Dense // full network LODF, sliced on demand

	normalLimit map[int]float64 // global line index -> capacity, for zone.InternalLines only

	prevWBase map[int][]float64 // t -> previous w_base vector, len(BIN)
	seen      map[dedupKey]bool
}

// NewState builds the fixed submatrices once per zone; isf/lodf are the
// full-network sensitivity matrices every worker already holds a copy of.
func NewState(inst *model.UnitCommitmentInstance, zone *model.Zone, isf, lodf *mat.Dense, securityMode bool) *State {
	s := &State{
		inst:         inst,
		zone:         zone,
		securityMode: securityMode,
		lodf:         lodf,
		normalLimit:  make(map[int]float64, len(zone.InternalLines)),
		prevWBase:    make(map[int][]float64),
		seen:         make(map[dedupKey]bool),
	}
	s.isfInt = sliceRowsCols(isf, zone.InternalLines, zone.BI)
	s.isfBnd = sliceRowsCols(isf, zone.InternalLines, zone.BIN)
	for _, l := range zone.InternalLines {
		s.normalLimit[l] = inst.Lines[l-1].NormalCapacity
	}
	return s
}

// UpdateSafetyBand implements spec section 4.6's safety-band update: it
// only runs in security mode, and only recomputes the band when the
// boundary-injection basis has moved by more than the refresh threshold
// since the last recompute.
func (s *State) UpdateSafetyBand(sp *subproblem.AdmmSubproblem, injExtByT map[int][]float64) error {
	if !s.securityMode || len(s.zone.BE) == 0 {
		return nil
	}
	for t, injExt := range injExtByT {
		wBase := matVec(s.zone.LinkBase, injExt)
		prev := s.prevWBase[t]
		if prev != nil && vecDist(wBase, prev) <= safetyBandRefreshThreshold {
			continue
		}
		s.prevWBase[t] = wBase

		var keptDiffs [][]float64
		for _, outage := range s.zone.ExternalLines {
			linkOutage := s.zone.LinkOutage[outage]
			if linkOutage == nil {
				continue
			}
			wOutage := matVec(linkOutage, injExt)
			diff := subVec(wBase, wOutage)
			if vecNorm(diff) > safetyBandRefreshThreshold {
				keptDiffs = append(keptDiffs, diff)
			}
		}

		eMax := make([]float64, len(s.zone.InternalLines))
		eMin := make([]float64, len(s.zone.InternalLines))
		if len(keptDiffs) > 0 {
			for _, diff := range keptDiffs {
				col := matVec(s.isfBnd, diff)
				for i, v := range col {
					if v > eMax[i] {
						eMax[i] = v
					}
					if v < eMin[i] {
						eMin[i] = v
					}
				}
			}
		}

		m := sp.Bundle.Model
		for i, l := range s.zone.InternalLines {
			maxCol, ok := sp.EMaxColumn(l, t)
			if !ok {
				return fmt.Errorf("screening: zone %d line %d missing e_max column at t=%d", s.zone.Index, l, t)
			}
			minCol, ok := sp.EMinColumn(l, t)
			if !ok {
				return fmt.Errorf("screening: zone %d line %d missing e_min column at t=%d", s.zone.Index, l, t)
			}
			m.ColLower[maxCol] = eMax[i]
			m.ColUpper[maxCol] = eMax[i]
			m.ColLower[minCol] = eMin[i]
			m.ColUpper[minCol] = eMin[i]
		}
	}
	return nil
}

// FindAndAddConstraint implements the violation search and lazy constraint
// generation. It returns the violation added, if any.
func (s *State) FindAndAddConstraint(sp *subproblem.AdmmSubproblem, t int, injInt, injBnd []float64) (*model.Violation, error) {
	preFlow := addVec(matVec(s.isfInt, injInt), matVec(s.isfBnd, injBnd))

	var best model.Violation
	bestAmount := 0.0
	for i, l := range s.zone.InternalLines {
		eMax := s.currentEMax(sp, l, t)
		eMin := s.currentEMin(sp, l, t)
		limit := s.normalLimit[l]
		amount := math.Max(0, math.Max(preFlow[i]-limit+eMax, -preFlow[i]-limit-eMin))
		if amount > bestAmount {
			bestAmount = amount
			best = model.Violation{Time: t, MonitoredLine: l, OutageLine: l, Amount: amount, Limit: limit}
		}
	}

	if s.securityMode {
		for _, c := range s.zone.InternalLines {
			if !s.inst.Lines[c-1].Vulnerable {
				continue
			}
			postFlow := s.postContingencyFlow(preFlow, c)
			for i, l := range s.zone.InternalLines {
				limit := s.normalLimit[l]
				amount := math.Max(0, math.Max(postFlow[i]-limit, -postFlow[i]-limit))
				if amount > bestAmount {
					bestAmount = amount
					best = model.Violation{Time: t, MonitoredLine: l, OutageLine: c, Amount: amount, Limit: limit}
				}
			}
		}
	}

	if bestAmount <= violationThreshold {
		return nil, nil
	}
	key := dedupKey{T: best.Time, Monitored: best.MonitoredLine, Outage: best.OutageLine}
	if s.seen[key] {
		return nil, nil
	}
	s.seen[key] = true

	if err := s.addConstraint(sp, best); err != nil {
		return nil, err
	}
	return &best, nil
}

func (s *State) currentEMax(sp *subproblem.AdmmSubproblem, line, t int) float64 {
	col, ok := sp.EMaxColumn(line, t)
	if !ok {
		return 0
	}
	return sp.Bundle.Model.ColLower[col]
}

func (s *State) currentEMin(sp *subproblem.AdmmSubproblem, line, t int) float64 {
	col, ok := sp.EMinColumn(line, t)
	if !ok {
		return 0
	}
	return sp.Bundle.Model.ColLower[col]
}

// postContingencyFlow applies the LODF redistribution formula for a single
// internal-line outage c, restricted to this zone's own internal lines.
func (s *State) postContingencyFlow(preFlow []float64, outageLine int) []float64 {
	out := make([]float64, len(preFlow))
	copy(out, preFlow)
	outageLocal := indexOfInt(s.zone.InternalLines, outageLine)
	if outageLocal < 0 {
		return out
	}
	preAtOutage := preFlow[outageLocal]
	for i, l := range s.zone.InternalLines {
		out[i] += s.lodf.At(l-1, outageLine-1) * preAtOutage
	}
	return out
}

// addConstraint introduces a fresh flow_monitored variable (and, for a
// post-contingency violation, a flow_outage variable) and the flow-limit
// rows spec.md §4.6 describes.
func (s *State) addConstraint(sp *subproblem.AdmmSubproblem, v model.Violation) error {
	m := sp.Bundle.Model
	monLocal := indexOfInt(s.zone.InternalLines, v.MonitoredLine)
	if monLocal < 0 {
		return fmt.Errorf("screening: monitored line %d is not internal to zone %d", v.MonitoredLine, s.zone.Index)
	}

	addCol := func() int {
		col := len(m.ColLower)
		m.ColLower = append(m.ColLower, negInf)
		m.ColUpper = append(m.ColUpper, posInf)
		m.ColCosts = append(m.ColCosts, 0)
		m.VarTypes = append(m.VarTypes, highs.ContinuousType)
		return col
	}
	addRow := func(lower float64, coeffs map[int]float64, upper float64) {
		row := len(m.RowLower)
		m.RowLower = append(m.RowLower, lower)
		m.RowUpper = append(m.RowUpper, upper)
		for col, val := range coeffs {
			if val != 0 {
				m.ConstMatrix = append(m.ConstMatrix, highs.Nonzero{Row: row, Col: col, Val: val})
			}
		}
	}

	flowMonitored := addCol()
	if err := s.defineFlow(sp, addRow, flowMonitored, v.MonitoredLine, v.Time); err != nil {
		return err
	}

	eMaxCol, ok := sp.EMaxColumn(v.MonitoredLine, v.Time)
	if !ok {
		return fmt.Errorf("screening: monitored line %d missing e_max column at t=%d", v.MonitoredLine, v.Time)
	}
	eMinCol, ok := sp.EMinColumn(v.MonitoredLine, v.Time)
	if !ok {
		return fmt.Errorf("screening: monitored line %d missing e_min column at t=%d", v.MonitoredLine, v.Time)
	}

	if v.IsPreContingency() {
		addRow(negInf, map[int]float64{flowMonitored: 1, eMaxCol: 1}, v.Limit)
		addRow(-v.Limit, map[int]float64{flowMonitored: 1, eMinCol: 1}, posInf)
		return nil
	}

	flowOutage := addCol()
	if err := s.defineFlow(sp, addRow, flowOutage, v.OutageLine, v.Time); err != nil {
		return err
	}
	lodfCoeff := s.lodf.At(v.MonitoredLine-1, v.OutageLine-1)
	addRow(-v.Limit, map[int]float64{flowMonitored: 1, flowOutage: lodfCoeff}, v.Limit)
	return nil
}

// defineFlow adds the equality row pinning a fresh variable to
// isf_int[line,:]*inj_int + isf_bnd[line,:]*inj_bnd for the given global
// line index and timestep.
func (s *State) defineFlow(sp *subproblem.AdmmSubproblem, addRow func(float64, map[int]float64, float64), flowCol, line, t int) error {
	local := indexOfInt(s.zone.InternalLines, line)
	if local < 0 {
		return fmt.Errorf("screening: line %d is not internal to zone %d", line, s.zone.Index)
	}
	coeffs := map[int]float64{flowCol: -1}
	for j, b := range s.zone.BI {
		if v := s.isfInt.At(local, j); v != 0 {
			col, ok := sp.Bundle.InjColumn(b, t)
			if !ok {
				return fmt.Errorf("screening: bus %d missing inj column at t=%d", b, t)
			}
			coeffs[col] += v
		}
	}
	for j, b := range s.zone.BIN {
		if v := s.isfBnd.At(local, j); v != 0 {
			col, ok := sp.Bundle.InjColumn(b, t)
			if !ok {
				return fmt.Errorf("screening: bus %d missing inj column at t=%d", b, t)
			}
			coeffs[col] += v
		}
	}
	addRow(0, coeffs, 0)
	return nil
}

func indexOfInt(xs []int, v int) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}

func sliceRowsCols(m *mat.Dense, rows, cols []int) *mat.Dense {
	out := mat.NewDense(len(rows), len(cols), nil)
	for r, rl := range rows {
		for c, cb := range cols {
			out.Set(r, c, m.At(rl-1, cb-1))
		}
	}
	return out
}

func matVec(m *mat.Dense, v []float64) []float64 {
	if m == nil {
		return nil
	}
	rows, cols := m.Dims()
	out := make([]float64, rows)
	for r := 0; r < rows; r++ {
		sum := 0.0
		for c := 0; c < cols; c++ {
			sum += m.At(r, c) * v[c]
		}
		out[r] = sum
	}
	return out
}

func subVec(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

func addVec(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func vecNorm(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func vecDist(a, b []float64) float64 {
	return vecNorm(subVec(a, b))
}
