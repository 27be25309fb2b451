package uccollab

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridcoord/scuc/shared/model"
)

func twoBusInstance() ([]model.Generator, []model.Bus) {
	buses := []model.Bus{
		{Index: 1, Demand: []float64{80, 90}, Zone: 1},
		{Index: 2, Demand: []float64{20, 10}, Zone: 1},
	}
	gens := []model.Generator{
		{
			Index: 1, Bus: 1, MinPower: 10, MaxPower: 110,
			RampUp: 50, RampDown: 50, StartupRamp: 110, ShutdownRamp: 110,
			InitialState: 1, MinUpTime: 2, MinDownTime: 2,
			Segments: [3]model.CostSegment{
				{OfferSize: 50, MarginalPrice: decimal.NewFromFloat(10)},
				{OfferSize: 50, MarginalPrice: decimal.NewFromFloat(15)},
			},
			NoLoadCost:  decimal.NewFromFloat(100),
			StartupCost: decimal.NewFromFloat(500),
		},
		{
			Index: 2, Bus: 2, MinPower: 0, MaxPower: 20,
			RampUp: 20, RampDown: 20,
			AlwaysOn: true,
			Segments: [3]model.CostSegment{
				{OfferSize: 20, MarginalPrice: decimal.NewFromFloat(30)},
			},
		},
	}
	return gens, buses
}

func TestBuildProducesExpectedColumnCounts(t *testing.T) {
	gens, buses := twoBusInstance()
	b, err := Build(gens, buses, 2, Options{DemandScale: 1, LimitScale: 1})
	require.NoError(t, err)

	assert.Equal(t, 4, len(b.IsOn))
	assert.Equal(t, 4, len(b.SwitchOn))
	assert.Equal(t, 4, len(b.SwitchOff))
	assert.Equal(t, 4, len(b.Prod))
	assert.Equal(t, 4, len(b.Reserve))
	assert.Equal(t, 12, len(b.SegProd)) // 3 entries of the fixed Segments array (empty ones included) x 2 generators x 2 timesteps
	assert.Equal(t, 4, len(b.Inj))      // 2 buses x 2 timesteps
	assert.Equal(t, 2, len(b.BalanceRows))
}

func TestColumnAccessorsMatchUnderlyingMaps(t *testing.T) {
	gens, buses := twoBusInstance()
	b, err := Build(gens, buses, 2, Options{DemandScale: 1, LimitScale: 1})
	require.NoError(t, err)

	isOnCol, ok := b.IsOnColumn(1, 1)
	assert.True(t, ok)
	assert.Equal(t, b.IsOn[key{1, 1}], isOnCol)

	prodCol, ok := b.ProdColumn(2, 2)
	assert.True(t, ok)
	assert.Equal(t, b.Prod[key{2, 2}], prodCol)

	reserveCol, ok := b.ReserveColumn(1, 2)
	assert.True(t, ok)
	assert.Equal(t, b.Reserve[key{1, 2}], reserveCol)

	_, ok = b.IsOnColumn(99, 1)
	assert.False(t, ok)
}

func TestAlwaysOnGeneratorIsForcedOn(t *testing.T) {
	gens, buses := twoBusInstance()
	b, err := Build(gens, buses, 2, Options{DemandScale: 1, LimitScale: 1})
	require.NoError(t, err)

	for step := 1; step <= 2; step++ {
		col := b.IsOn[key{2, step}]
		assert.Equal(t, float64(1), b.Model.ColLower[col], "AlwaysOn generator must have isOn lower-bounded at 1")
	}
}

func TestSegmentBoundsRespectOfferSizeAndLimitScale(t *testing.T) {
	gens, buses := twoBusInstance()
	b, err := Build(gens, buses, 1, Options{DemandScale: 1, LimitScale: 0.5})
	require.NoError(t, err)

	col := b.SegProd[segKey{1, 0, 1}]
	assert.Equal(t, 25.0, b.Model.ColUpper[col], "segment upper bound scales by LimitScale")
}

func TestBalanceRowsAreOneEqualityPerTimestep(t *testing.T) {
	gens, buses := twoBusInstance()
	horizon := 2
	b, err := Build(gens, buses, horizon, Options{DemandScale: 1, LimitScale: 1})
	require.NoError(t, err)

	require.Len(t, b.BalanceRows, horizon)
	for _, row := range b.BalanceRows {
		assert.Equal(t, 0.0, b.Model.RowLower[row])
		assert.Equal(t, 0.0, b.Model.RowUpper[row])
	}
}

func TestReserveRequirementAddsRowsWhenFractionPositive(t *testing.T) {
	gens, buses := twoBusInstance()
	withoutReserve, err := Build(gens, buses, 2, Options{DemandScale: 1, LimitScale: 1})
	require.NoError(t, err)
	withReserve, err := Build(gens, buses, 2, Options{DemandScale: 1, LimitScale: 1, ReserveFraction: 0.1})
	require.NoError(t, err)

	assert.Greater(t, len(withReserve.Model.RowLower), len(withoutReserve.Model.RowLower))
}

func TestRecomputeCostMatchesHandComputedDispatch(t *testing.T) {
	gens, buses := twoBusInstance()
	b, err := Build(gens, buses, 1, Options{DemandScale: 1, LimitScale: 1})
	require.NoError(t, err)

	primal := make([]float64, len(b.Model.ColLower))
	primal[b.IsOn[key{1, 1}]] = 1
	primal[b.SwitchOn[key{1, 1}]] = 1
	primal[b.SegProd[segKey{1, 0, 1}]] = 30
	primal[b.IsOn[key{2, 1}]] = 1
	primal[b.SegProd[segKey{2, 0, 1}]] = 5

	cost := RecomputeCost(b, primal)
	// gen1: no-load 100 + startup 500 + 30*10 = 900. gen2: 5*30 = 150.
	assert.Equal(t, "1050.00000000", cost.String())
}
