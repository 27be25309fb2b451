// Package decimal wraps shopspring/decimal in the two shapes the SCUC cost
// model actually needs: an exact dollar Cost, and helpers for combining a
// Cost with the float64 megawatt quantities the sensitivity/solver layers
// use everywhere else. There is deliberately no MW-flavored decimal type —
// power quantities feed gonum's dense linear algebra, which requires
// float64, so keeping them as decimal.Decimal would just force a conversion
// at every sensitivity call without buying any precision that matters for a
// physical quantity measured in megawatts.
package decimal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Cost represents an exact dollar amount: a piecewise segment's marginal
// price, a no-load or startup cost, or an accumulated objective value.
type Cost struct {
	value decimal.Decimal
}

// NewCost parses a Cost from its decimal string form, as read from an
// instance CSV's cost columns.
func NewCost(s string) (Cost, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Cost{}, fmt.Errorf("invalid cost: %w", err)
	}
	return Cost{value: d}, nil
}

// NewCostFromFloat builds a Cost from a float64 — used only at the solver
// boundary, where HiGHS returns objective values as float64.
func NewCostFromFloat(f float64) Cost {
	return Cost{value: decimal.NewFromFloat(f)}
}

// FromDecimal wraps an already-parsed decimal.Decimal, e.g. one of
// shared/model's CostSegment/Generator price fields, without a string
// round trip.
func FromDecimal(d decimal.Decimal) Cost {
	return Cost{value: d}
}

// Zero is the additive identity.
func Zero() Cost {
	return Cost{value: decimal.Zero}
}

// Add returns c + other.
func (c Cost) Add(other Cost) Cost {
	return Cost{value: c.value.Add(other.value)}
}

// Sub returns c - other.
func (c Cost) Sub(other Cost) Cost {
	return Cost{value: c.value.Sub(other.value)}
}

// MulPower multiplies a per-MW price by a megawatt quantity, producing the
// dollar cost of that quantity — the one place a float64 MW value crosses
// into exact decimal arithmetic, e.g. a piecewise segment's
// price * dispatched_MW.
func (c Cost) MulPower(mw float64) Cost {
	return Cost{value: c.value.Mul(decimal.NewFromFloat(mw))}
}

// Scale multiplies a Cost by a dimensionless float64 factor, e.g. applying
// a run's cost-side adjustment after demand/limit scaling has already been
// applied to the instance the cost was computed from.
func (c Cost) Scale(factor float64) Cost {
	return Cost{value: c.value.Mul(decimal.NewFromFloat(factor))}
}

// Cmp compares two costs: -1, 0, or 1.
func (c Cost) Cmp(other Cost) int {
	return c.value.Cmp(other.value)
}

// IsZero reports whether the cost is exactly zero.
func (c Cost) IsZero() bool {
	return c.value.IsZero()
}

// IsNegative reports whether the cost is strictly negative.
func (c Cost) IsNegative() bool {
	return c.value.IsNegative()
}

// String renders the cost fixed to 8 decimal places, matching the
// precision instance CSVs are written with.
func (c Cost) String() string {
	return c.value.StringFixed(8)
}

// Float64 converts to float64, for logging and metrics where exactness no
// longer matters.
func (c Cost) Float64() float64 {
	f, _ := c.value.Float64()
	return f
}

// Round rounds to the given number of decimal places, sending ties to the
// even digit (banker's rounding).
func (c Cost) Round(places int32) Cost {
	return Cost{value: c.value.RoundBank(places)}
}

// Sum totals a slice of Costs, e.g. a generator's per-segment costs into its
// total production cost for one timestep.
func Sum(costs ...Cost) Cost {
	total := decimal.Zero
	for _, c := range costs {
		total = total.Add(c.value)
	}
	return Cost{value: total}
}
