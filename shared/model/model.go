// Package model holds the domain types shared across every worker: buses,
// lines, generators, the instance they belong to, and the zone partition
// derived from them. Every worker process constructs its own copy from the
// same instance file, so these types carry no back-pointers into any
// solver or communicator state — only plain data and index-based
// references, per the cyclic-dependency note in the design notes.
package model

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Bus is a network node identified by a dense 1..B index.
type Bus struct {
	Index  int
	Demand []float64 // length T
	Zone   int
}

// TransmissionLine connects two buses and carries N-1 vulnerability status.
type TransmissionLine struct {
	Index             int
	Source            int
	Target            int
	Reactance         float64
	Susceptance       float64 // (100*pi/180) / Reactance
	NormalCapacity    float64
	EmergencyCapacity float64
	Vulnerable        bool
	Zone              int
}

// SusceptanceFromReactance implements the fixed conversion in spec.md §3.
func SusceptanceFromReactance(reactance float64) float64 {
	return (100.0 * math.Pi / 180.0) / reactance
}

// CostSegment is one piece of a generator's piecewise-linear cost curve.
type CostSegment struct {
	OfferSize      float64
	MarginalPrice  decimal.Decimal
}

// Generator is bound to exactly one bus.
type Generator struct {
	Index           int
	Bus             int
	MinPower        float64
	MaxPower        float64 // recomputed as MinPower + sum(offer segments)
	RampUp          float64
	RampDown        float64
	StartupRamp     float64
	ShutdownRamp    float64
	InitialState    int // hours on(+)/off(-) at t=0
	MinUpTime       int
	MinDownTime     int
	AlwaysOn        bool
	Segments        [3]CostSegment
	NoLoadCost      decimal.Decimal // cost at MinPower
	StartupCost     decimal.Decimal
}

// RecomputeMaxPower applies the CSV contract's derived-field rule.
func (g *Generator) RecomputeMaxPower() {
	total := g.MinPower
	for _, seg := range g.Segments {
		total += seg.OfferSize
	}
	g.MaxPower = total
}

// UnitCommitmentInstance is the immutable network + fleet description that
// every worker loads from the same instance directory.
type UnitCommitmentInstance struct {
	Name       string
	Horizon    int // T
	Buses      []Bus
	Lines      []TransmissionLine
	Generators []Generator
}

// Validate checks the invariants named in spec.md §3.
func (u *UnitCommitmentInstance) Validate() error {
	if len(u.Buses) == 0 {
		return fmt.Errorf("instance %s: no buses", u.Name)
	}
	for i, b := range u.Buses {
		if b.Index != i+1 {
			return fmt.Errorf("instance %s: bus indices are not a dense 1..B range at position %d", u.Name, i)
		}
	}
	for i, l := range u.Lines {
		if l.Index != i+1 {
			return fmt.Errorf("instance %s: line indices are not a dense 1..L range at position %d", u.Name, i)
		}
		if l.Source < 1 || l.Source > len(u.Buses) || l.Target < 1 || l.Target > len(u.Buses) {
			return fmt.Errorf("instance %s: line %d endpoint out of range", u.Name, l.Index)
		}
	}
	for _, g := range u.Generators {
		if g.Bus < 1 || g.Bus > len(u.Buses) {
			return fmt.Errorf("instance %s: generator %d bound to unknown bus %d", u.Name, g.Index, g.Bus)
		}
	}
	return nil
}

// NumBuses, NumLines, NumGenerators are small conveniences used throughout
// the sensitivity kernel and partitioner.
func (u *UnitCommitmentInstance) NumBuses() int      { return len(u.Buses) }
func (u *UnitCommitmentInstance) NumLines() int      { return len(u.Lines) }
func (u *UnitCommitmentInstance) NumGenerators() int { return len(u.Generators) }

// GeneratorsInZone returns the generators bound to a bus in the given zone.
func (u *UnitCommitmentInstance) GeneratorsInZone(zone int) []Generator {
	var out []Generator
	for _, g := range u.Generators {
		if u.Buses[g.Bus-1].Zone == zone {
			out = append(out, g)
		}
	}
	return out
}

// Violation records a single transmission-limit breach.
// OutageLine == MonitoredLine encodes a pre-contingency violation.
type Violation struct {
	Time          int
	MonitoredLine int
	OutageLine    int
	Amount        float64
	Limit         float64
}

// IsPreContingency reports whether this violation was observed with no line
// outage applied.
func (v Violation) IsPreContingency() bool {
	return v.OutageLine == v.MonitoredLine
}
