package instanceio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestReadInstanceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "buses.csv", "Bus,Demand 1,Demand 2,Zone\n1,10,12,1\n2,0,0,1\n")
	writeFile(t, dir, "lines.csv", "Line,Source,Target,Reactance,Normal Flow Limit,Vulnerable?,Zone\n1,1,2,0.1,50,true,1\n")
	writeFile(t, dir, "generators.csv",
		"Unit,Min Power,Max Power,Ramp-Down,Ramp-Up,Shutdown Ramp,Startup Ramp,Initial State,Bus,Always On,Min Uptime,Min Downtime,Cost Min Power,Price Segment 1,Price Segment 2,Price Segment 3,Offer Segment 1,Offer Segment 2,Offer Segment 3,Startup Cost\n"+
			"1,10,0,5,5,5,5,1,1,false,1,1,20.5,25.0,30.0,35.0,5,5,5,100\n")

	inst, err := ReadInstance(dir)
	require.NoError(t, err)

	assert.Equal(t, 2, inst.Horizon)
	assert.Equal(t, 2, inst.NumBuses())
	assert.Equal(t, 1, inst.NumLines())
	assert.Equal(t, 1, inst.NumGenerators())

	// Max Power is recomputed from Min Power + offer segments, not read verbatim.
	assert.InDelta(t, 25.0, inst.Generators[0].MaxPower, 1e-9)
	assert.True(t, inst.Lines[0].Vulnerable)
	assert.InDelta(t, (100.0*3.141592653589793/180.0)/0.1, inst.Lines[0].Susceptance, 1e-9)

	require.NoError(t, inst.Validate())
}

func TestReadInstanceRejectsNonDenseBusIndices(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "buses.csv", "Bus,Demand 1,Zone\n1,10,1\n3,0,1\n")
	writeFile(t, dir, "lines.csv", "Line,Source,Target,Reactance,Normal Flow Limit,Vulnerable?,Zone\n1,1,2,0.1,50,true,1\n")
	writeFile(t, dir, "generators.csv",
		"Unit,Min Power,Max Power,Ramp-Down,Ramp-Up,Shutdown Ramp,Startup Ramp,Initial State,Bus,Always On,Min Uptime,Min Downtime,Cost Min Power,Price Segment 1,Price Segment 2,Price Segment 3,Offer Segment 1,Offer Segment 2,Offer Segment 3,Startup Cost\n")

	_, err := ReadInstance(dir)
	assert.Error(t, err)
}

func TestReadLinesEmergencyLimitDefaultsToNormal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "buses.csv", "Bus,Demand 1,Zone\n1,10,1\n2,0,1\n")
	writeFile(t, dir, "lines.csv", "Line,Source,Target,Reactance,Normal Flow Limit,Vulnerable?,Zone\n1,1,2,0.1,50,false,1\n")
	writeFile(t, dir, "generators.csv",
		"Unit,Min Power,Max Power,Ramp-Down,Ramp-Up,Shutdown Ramp,Startup Ramp,Initial State,Bus,Always On,Min Uptime,Min Downtime,Cost Min Power,Price Segment 1,Price Segment 2,Price Segment 3,Offer Segment 1,Offer Segment 2,Offer Segment 3,Startup Cost\n")

	inst, err := ReadInstance(dir)
	require.NoError(t, err)
	assert.Equal(t, inst.Lines[0].NormalCapacity, inst.Lines[0].EmergencyCapacity)
}
