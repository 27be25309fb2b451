// Package instanceio reads and writes the CSV instance and solution files.
// This is explicitly an out-of-core collaborator: the domain model in
// shared/model has no notion of a file format, and this package's only job
// is to translate between that model and the three-file CSV layout on disk.
package instanceio

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gridcoord/scuc/shared/model"
)

// ReadInstance loads buses.csv, lines.csv, and generators.csv from dir and
// assembles a validated UnitCommitmentInstance named after dir's base name.
func ReadInstance(dir string) (*model.UnitCommitmentInstance, error) {
	buses, horizon, err := readBuses(filepath.Join(dir, "buses.csv"))
	if err != nil {
		return nil, fmt.Errorf("instanceio: %w", err)
	}
	lines, err := readLines(filepath.Join(dir, "lines.csv"))
	if err != nil {
		return nil, fmt.Errorf("instanceio: %w", err)
	}
	generators, err := readGenerators(filepath.Join(dir, "generators.csv"))
	if err != nil {
		return nil, fmt.Errorf("instanceio: %w", err)
	}

	inst := &model.UnitCommitmentInstance{
		Name:       filepath.Base(dir),
		Horizon:    horizon,
		Buses:      buses,
		Lines:      lines,
		Generators: generators,
	}
	if err := inst.Validate(); err != nil {
		return nil, fmt.Errorf("instanceio: %w", err)
	}
	return inst, nil
}

func readBuses(path string) ([]model.Bus, int, error) {
	rows, err := readCSVRows(path)
	if err != nil {
		return nil, 0, err
	}
	if len(rows) < 2 {
		return nil, 0, fmt.Errorf("buses.csv: no data rows")
	}
	header := rows[0]
	if len(header) < 3 {
		return nil, 0, fmt.Errorf("buses.csv: expected at least 3 columns, got %d", len(header))
	}
	horizon := len(header) - 2 // Bus, Demand 1..T, Zone

	buses := make([]model.Bus, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, 0, fmt.Errorf("buses.csv: row width %d does not match header width %d", len(row), len(header))
		}
		idx, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			return nil, 0, fmt.Errorf("buses.csv: bad Bus column: %w", err)
		}
		demand := make([]float64, horizon)
		for t := 0; t < horizon; t++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[1+t]), 64)
			if err != nil {
				return nil, 0, fmt.Errorf("buses.csv: bad Demand %d for bus %d: %w", t+1, idx, err)
			}
			demand[t] = v
		}
		zone, err := strconv.Atoi(strings.TrimSpace(row[len(row)-1]))
		if err != nil {
			return nil, 0, fmt.Errorf("buses.csv: bad Zone column: %w", err)
		}
		buses = append(buses, model.Bus{Index: idx, Demand: demand, Zone: zone})
	}
	return buses, horizon, nil
}

func readLines(path string) ([]model.TransmissionLine, error) {
	rows, err := readCSVRows(path)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("lines.csv: no data rows")
	}
	header := rows[0]
	hasEmergency := len(header) == 8
	if len(header) != 7 && len(header) != 8 {
		return nil, fmt.Errorf("lines.csv: expected 7 or 8 columns, got %d", len(header))
	}

	lines := make([]model.TransmissionLine, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, fmt.Errorf("lines.csv: row width %d does not match header width %d", len(row), len(header))
		}
		col := 0
		next := func() string { v := row[col]; col++; return v }

		idx, err := strconv.Atoi(strings.TrimSpace(next()))
		if err != nil {
			return nil, fmt.Errorf("lines.csv: bad Line column: %w", err)
		}
		src, err := strconv.Atoi(strings.TrimSpace(next()))
		if err != nil {
			return nil, fmt.Errorf("lines.csv: line %d bad Source: %w", idx, err)
		}
		dst, err := strconv.Atoi(strings.TrimSpace(next()))
		if err != nil {
			return nil, fmt.Errorf("lines.csv: line %d bad Target: %w", idx, err)
		}
		reactance, err := strconv.ParseFloat(strings.TrimSpace(next()), 64)
		if err != nil {
			return nil, fmt.Errorf("lines.csv: line %d bad Reactance: %w", idx, err)
		}
		normalLimit, err := strconv.ParseFloat(strings.TrimSpace(next()), 64)
		if err != nil {
			return nil, fmt.Errorf("lines.csv: line %d bad Normal Flow Limit: %w", idx, err)
		}
		emergencyLimit := normalLimit
		if hasEmergency {
			emergencyLimit, err = strconv.ParseFloat(strings.TrimSpace(next()), 64)
			if err != nil {
				return nil, fmt.Errorf("lines.csv: line %d bad Emergency Flow Limit: %w", idx, err)
			}
		}
		vulnerable, err := strconv.ParseBool(strings.TrimSpace(next()))
		if err != nil {
			return nil, fmt.Errorf("lines.csv: line %d bad Vulnerable?: %w", idx, err)
		}
		zone, err := strconv.Atoi(strings.TrimSpace(next()))
		if err != nil {
			return nil, fmt.Errorf("lines.csv: line %d bad Zone: %w", idx, err)
		}

		lines = append(lines, model.TransmissionLine{
			Index:             idx,
			Source:            src,
			Target:            dst,
			Reactance:         reactance,
			Susceptance:       model.SusceptanceFromReactance(reactance),
			NormalCapacity:    normalLimit,
			EmergencyCapacity: emergencyLimit,
			Vulnerable:        vulnerable,
			Zone:              zone,
		})
	}
	return lines, nil
}

func readGenerators(path string) ([]model.Generator, error) {
	rows, err := readCSVRows(path)
	if err != nil {
		return nil, err
	}
	if len(rows) < 1 {
		return nil, fmt.Errorf("generators.csv: missing header row")
	}
	header := rows[0]
	if len(header) != 20 {
		return nil, fmt.Errorf("generators.csv: expected 20 columns, got %d", len(header))
	}

	generators := make([]model.Generator, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) != 20 {
			return nil, fmt.Errorf("generators.csv: row %d width %d != 20", i, len(row))
		}
		col := 0
		next := func() string { v := row[col]; col++; return v }
		nextFloat := func(field string) (float64, error) {
			v, err := strconv.ParseFloat(strings.TrimSpace(next()), 64)
			if err != nil {
				return 0, fmt.Errorf("generators.csv: row %d bad %s: %w", i, field, err)
			}
			return v, nil
		}
		nextInt := func(field string) (int, error) {
			v, err := strconv.Atoi(strings.TrimSpace(next()))
			if err != nil {
				return 0, fmt.Errorf("generators.csv: row %d bad %s: %w", i, field, err)
			}
			return v, nil
		}

		idx, err := nextInt("Unit")
		if err != nil {
			return nil, err
		}
		minPower, err := nextFloat("Min Power")
		if err != nil {
			return nil, err
		}
		_, err = nextFloat("Max Power") // recomputed below, per contract
		if err != nil {
			return nil, err
		}
		rampDown, err := nextFloat("Ramp-Down")
		if err != nil {
			return nil, err
		}
		rampUp, err := nextFloat("Ramp-Up")
		if err != nil {
			return nil, err
		}
		shutdownRamp, err := nextFloat("Shutdown Ramp")
		if err != nil {
			return nil, err
		}
		startupRamp, err := nextFloat("Startup Ramp")
		if err != nil {
			return nil, err
		}
		initialState, err := nextInt("Initial State")
		if err != nil {
			return nil, err
		}
		bus, err := nextInt("Bus")
		if err != nil {
			return nil, err
		}
		alwaysOn, err := strconv.ParseBool(strings.TrimSpace(next()))
		if err != nil {
			return nil, fmt.Errorf("generators.csv: row %d bad Always On: %w", i, err)
		}
		minUp, err := nextInt("Min Uptime")
		if err != nil {
			return nil, err
		}
		minDown, err := nextInt("Min Downtime")
		if err != nil {
			return nil, err
		}
		noLoadStr := strings.TrimSpace(next())
		noLoadCost, err := decimal.NewFromString(noLoadStr)
		if err != nil {
			return nil, fmt.Errorf("generators.csv: row %d bad Cost Min Power: %w", i, err)
		}

		var segments [3]model.CostSegment
		priceStrs := make([]string, 3)
		for s := 0; s < 3; s++ {
			priceStrs[s] = strings.TrimSpace(next())
		}
		for s := 0; s < 3; s++ {
			offer, err := nextFloat(fmt.Sprintf("Offer Segment %d", s+1))
			if err != nil {
				return nil, err
			}
			price, err := decimal.NewFromString(priceStrs[s])
			if err != nil {
				return nil, fmt.Errorf("generators.csv: row %d bad Price Segment %d: %w", i, s+1, err)
			}
			segments[s] = model.CostSegment{OfferSize: offer, MarginalPrice: price}
		}
		startupCost, err := decimal.NewFromString(strings.TrimSpace(next()))
		if err != nil {
			return nil, fmt.Errorf("generators.csv: row %d bad Startup Cost: %w", i, err)
		}

		g := model.Generator{
			Index:        idx,
			Bus:          bus,
			MinPower:     minPower,
			RampUp:       rampUp,
			RampDown:     rampDown,
			StartupRamp:  startupRamp,
			ShutdownRamp: shutdownRamp,
			InitialState: initialState,
			MinUpTime:    minUp,
			MinDownTime:  minDown,
			AlwaysOn:     alwaysOn,
			Segments:     segments,
			NoLoadCost:   noLoadCost,
			StartupCost:  startupCost,
		}
		g.RecomputeMaxPower()
		generators = append(generators, g)
	}
	return generators, nil
}

func readCSVRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return rows, nil
}
