package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridcoord/scuc/shared/model"
)

func lineChainInstance(numBuses int) *model.UnitCommitmentInstance {
	buses := make([]model.Bus, numBuses)
	for i := range buses {
		buses[i] = model.Bus{Index: i + 1, Demand: []float64{10}, Zone: 0}
	}
	lines := make([]model.TransmissionLine, 0, numBuses-1)
	for i := 0; i < numBuses-1; i++ {
		lines = append(lines, model.TransmissionLine{
			Index:             i + 1,
			Source:            i + 1,
			Target:            i + 2,
			Reactance:         0.1,
			Susceptance:       model.SusceptanceFromReactance(0.1),
			NormalCapacity:    100,
			EmergencyCapacity: 100,
			Vulnerable:        true,
			Zone:              0,
		})
	}
	return &model.UnitCommitmentInstance{
		Name:    "chain",
		Horizon: 1,
		Buses:   buses,
		Lines:   lines,
		Generators: []model.Generator{
			{Index: 1, Bus: 1, MinPower: 0, Segments: [3]model.CostSegment{{OfferSize: 50}}},
			{Index: 2, Bus: numBuses, MinPower: 0, Segments: [3]model.CostSegment{{OfferSize: 50}}},
		},
	}
}

func TestPartitionSingleZoneWhenBelowMaxSize(t *testing.T) {
	inst := lineChainInstance(4)
	result, err := Partition(inst, Options{Epsilon: 0.4, MaxSize: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, result.NumZones)
	for _, l := range inst.Lines {
		assert.Equal(t, 1, l.Zone)
	}
}

func TestPartitionRejectsBadEpsilon(t *testing.T) {
	inst := lineChainInstance(4)
	_, err := Partition(inst, Options{Epsilon: 0.6, MaxSize: 100})
	assert.Error(t, err)
	_, err = Partition(inst, Options{Epsilon: 0, MaxSize: 100})
	assert.Error(t, err)
}

func TestPartitionNoGeneratorOnBoundaryBus(t *testing.T) {
	inst := lineChainInstance(20)
	result, err := Partition(inst, Options{Epsilon: 0.4, MIPGap: 1e-3, MaxSize: 5})
	require.NoError(t, err)
	require.Greater(t, result.NumZones, 1)

	genBuses := map[int]bool{}
	for _, g := range inst.Generators {
		genBuses[g.Bus] = true
	}
	busZoneCount := map[int]map[int]bool{}
	for _, l := range inst.Lines {
		for _, b := range []int{l.Source, l.Target} {
			if busZoneCount[b] == nil {
				busZoneCount[b] = map[int]bool{}
			}
			busZoneCount[b][l.Zone] = true
		}
	}
	for b, zones := range busZoneCount {
		if genBuses[b] {
			assert.LessOrEqual(t, len(zones), 1, "generator bus %d must not be a boundary bus", b)
		}
	}
}

func TestPartitionStableAcrossRepeatedRuns(t *testing.T) {
	inst1 := lineChainInstance(20)
	inst2 := lineChainInstance(20)

	_, err := Partition(inst1, Options{Epsilon: 0.4, MaxSize: 5})
	require.NoError(t, err)
	_, err = Partition(inst2, Options{Epsilon: 0.4, MaxSize: 5})
	require.NoError(t, err)

	for i := range inst1.Lines {
		assert.Equal(t, inst1.Lines[i].Zone, inst2.Lines[i].Zone)
	}
}
