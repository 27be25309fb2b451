package zoneextract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridcoord/scuc/internal/sensitivity"
	"github.com/gridcoord/scuc/shared/model"
)

func mkLine(idx, src, tgt, zone int) model.TransmissionLine {
	return model.TransmissionLine{
		Index:             idx,
		Source:            src,
		Target:            tgt,
		Reactance:         0.1,
		Susceptance:       model.SusceptanceFromReactance(0.1),
		NormalCapacity:    100,
		EmergencyCapacity: 100,
		Vulnerable:        true,
		Zone:              zone,
	}
}

// threeZoneRing builds a 6-bus network split into 3 zones of 2 buses each,
// wired in a ring (zone 1 -- zone 2 -- zone 3 -- zone 1), so every zone
// directly neighbors both others and BE is always empty.
func threeZoneRing() *model.UnitCommitmentInstance {
	buses := make([]model.Bus, 6)
	zoneOf := []int{1, 1, 2, 2, 3, 3}
	for i := range buses {
		buses[i] = model.Bus{Index: i + 1, Demand: []float64{10}, Zone: zoneOf[i]}
	}

	lines := []model.TransmissionLine{
		mkLine(1, 1, 2, 1),
		mkLine(2, 3, 4, 2),
		mkLine(3, 5, 6, 3),
		mkLine(4, 2, 3, 1), // tie, assigned to zone 1
		mkLine(5, 4, 5, 2), // tie, assigned to zone 2
		mkLine(6, 6, 1, 3), // tie, assigned to zone 3
	}

	return &model.UnitCommitmentInstance{
		Name:    "ring6",
		Horizon: 1,
		Buses:   buses,
		Lines:   lines,
		Generators: []model.Generator{
			// Generators sit on each zone's purely-interior bus, never on a
			// bus touched by more than one zone's lines.
			{Index: 1, Bus: 2, MinPower: 0, Segments: [3]model.CostSegment{{OfferSize: 50}}},
			{Index: 2, Bus: 4, MinPower: 0, Segments: [3]model.CostSegment{{OfferSize: 50}}},
			{Index: 3, Bus: 6, MinPower: 0, Segments: [3]model.CostSegment{{OfferSize: 50}}},
		},
	}
}

// fourZoneChain wires 4 zones in a line (1-2-3-4, no wraparound), so zone 1
// has a genuine far-external set: zone 3 and zone 4's buses are reachable
// only through zone 2, not directly adjacent to zone 1.
func fourZoneChain() *model.UnitCommitmentInstance {
	buses := make([]model.Bus, 8)
	zoneOf := []int{1, 1, 2, 2, 3, 3, 4, 4}
	for i := range buses {
		buses[i] = model.Bus{Index: i + 1, Demand: []float64{10}, Zone: zoneOf[i]}
	}

	lines := []model.TransmissionLine{
		mkLine(1, 1, 2, 1),
		mkLine(2, 3, 4, 2),
		mkLine(3, 5, 6, 3),
		mkLine(4, 7, 8, 4),
		mkLine(5, 2, 3, 1), // tie, assigned to zone 1
		mkLine(6, 4, 5, 2), // tie, assigned to zone 2
		mkLine(7, 6, 7, 3), // tie, assigned to zone 3
	}

	return &model.UnitCommitmentInstance{
		Name:    "chain8",
		Horizon: 1,
		Buses:   buses,
		Lines:   lines,
		Generators: []model.Generator{
			{Index: 1, Bus: 1, MinPower: 0, Segments: [3]model.CostSegment{{OfferSize: 50}}},
			{Index: 2, Bus: 4, MinPower: 0, Segments: [3]model.CostSegment{{OfferSize: 50}}},
			{Index: 3, Bus: 6, MinPower: 0, Segments: [3]model.CostSegment{{OfferSize: 50}}},
			{Index: 4, Bus: 8, MinPower: 0, Segments: [3]model.CostSegment{{OfferSize: 50}}},
		},
	}
}

func TestExtractPartitionIsComplete(t *testing.T) {
	inst := threeZoneRing()
	net := sensitivity.BuildNetwork(inst)
	isf, err := net.BuildISF()
	require.NoError(t, err)
	lodf, err := net.BuildLODF(isf)
	require.NoError(t, err)

	for zoneID := 1; zoneID <= 3; zoneID++ {
		z, err := Extract(context.Background(), inst, net, isf, lodf, zoneID, Options{}, nil)
		require.NoError(t, err)
		assert.Equal(t, inst.NumBuses(), z.TotalBuses(), "zone %d partition must cover every bus exactly once", zoneID)
	}
}

func TestExtractBoundaryBusesHaveNoGeneratorAndAreShared(t *testing.T) {
	inst := threeZoneRing()
	net := sensitivity.BuildNetwork(inst)
	isf, err := net.BuildISF()
	require.NoError(t, err)
	lodf, err := net.BuildLODF(isf)
	require.NoError(t, err)

	genBuses := map[int]bool{}
	for _, g := range inst.Generators {
		genBuses[g.Bus] = true
	}

	z1, err := Extract(context.Background(), inst, net, isf, lodf, 1, Options{}, nil)
	require.NoError(t, err)

	require.Len(t, z1.BIN, 2, "zone 1 has two boundary buses, one per tie line touching another zone")
	for _, b := range z1.BIN {
		assert.False(t, genBuses[b], "boundary bus %d must not host a generator", b)
	}
	assert.ElementsMatch(t, []int{2}, z1.BI, "zone 1's only purely-interior bus is the one untouched by any tie line")
}

func TestExtractNeighborhoodMatchesRingAdjacency(t *testing.T) {
	inst := threeZoneRing()
	net := sensitivity.BuildNetwork(inst)
	isf, err := net.BuildISF()
	require.NoError(t, err)
	lodf, err := net.BuildLODF(isf)
	require.NoError(t, err)

	z1, err := Extract(context.Background(), inst, net, isf, lodf, 1, Options{}, nil)
	require.NoError(t, err)

	assert.True(t, z1.IsNeighbor(2), "zone 1 shares tie line 2-3 with zone 2")
	assert.True(t, z1.IsNeighbor(3), "zone 1 shares tie line 6-1 with zone 3")
}

func TestExtractLinkMatrixShapeWithFarExternalBuses(t *testing.T) {
	inst := fourZoneChain()
	net := sensitivity.BuildNetwork(inst)
	isf, err := net.BuildISF()
	require.NoError(t, err)
	lodf, err := net.BuildLODF(isf)
	require.NoError(t, err)

	z1, err := Extract(context.Background(), inst, net, isf, lodf, 1, Options{}, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, z1.BE, "zone 1 in a 4-zone chain has buses reachable only through zone 2")
	assert.False(t, z1.IsNeighbor(3), "zone 3 is two hops away from zone 1")
	assert.False(t, z1.IsNeighbor(4), "zone 4 is three hops away from zone 1")

	rows, cols := z1.LinkBase.Dims()
	assert.Equal(t, len(z1.BIN), rows)
	assert.Equal(t, len(z1.BE), cols)
}

func TestExtractSingleZoneHasNoFarExternalBuses(t *testing.T) {
	inst := threeZoneRing()
	for i := range inst.Lines {
		inst.Lines[i].Zone = 1
	}
	for i := range inst.Buses {
		inst.Buses[i].Zone = 1
	}

	net := sensitivity.BuildNetwork(inst)
	isf, err := net.BuildISF()
	require.NoError(t, err)
	lodf, err := net.BuildLODF(isf)
	require.NoError(t, err)

	z, err := Extract(context.Background(), inst, net, isf, lodf, 1, Options{}, nil)
	require.NoError(t, err)

	assert.Empty(t, z.BIN)
	assert.Empty(t, z.BE)
	assert.Empty(t, z.BNE)
	assert.Empty(t, z.BN)
	assert.Equal(t, inst.NumBuses(), len(z.BI))
	_, cols := z.LinkBase.Dims()
	assert.Equal(t, 0, cols, "a zone with no far-external buses has a zero-column link matrix")
}
