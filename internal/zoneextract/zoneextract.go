// Package zoneextract computes the five-way bus partition and link
// matrices for a single zone, given a fully zoned instance and its
// sensitivity matrices.
package zoneextract

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/gridcoord/scuc/internal/cache"
	"github.com/gridcoord/scuc/internal/sensitivity"
	"github.com/gridcoord/scuc/shared/model"
)

// Options controls per-outage caching and security-mode extraction.
type Options struct {
	SecurityMode bool
	// CacheMinExternalLines gates disk/redis caching: only zones with more
	// external lines than this threshold use the cache.
	CacheMinExternalLines int
	IsCacheWriter         bool // true only for worker rank 0 (the first worker)
}

// Extract builds the full Zone structure — bus partition, line lists,
// neighborhood vector, and link matrices — for zoneID.
func Extract(ctx context.Context, inst *model.UnitCommitmentInstance, net *sensitivity.Network, isf, lodf *mat.Dense, zoneID int, opts Options, linkCache *cache.LinkMatrixCache) (*model.Zone, error) {
	zonesOfBus := computeZonesOfBus(inst)

	z := &model.Zone{Index: zoneID}
	binSet := make(map[int]bool)
	for b, zones := range zonesOfBus {
		if zones[zoneID] && len(zones) >= 2 {
			binSet[b] = true
		}
	}
	neighbors := computeNeighbors(zoneID, binSet, zonesOfBus, maxZone(inst))
	z.Neighborhood = neighbors

	for b := 1; b <= inst.NumBuses(); b++ {
		zones := zonesOfBus[b]
		switch {
		case len(zones) == 1 && zones[zoneID]:
			z.BI = append(z.BI, b)
		case zones[zoneID] && len(zones) >= 2:
			z.BIN = append(z.BIN, b)
		case len(zones) == 1:
			var only int
			for zz := range zones {
				only = zz
			}
			if only >= 1 && only <= len(neighbors) && neighbors[only-1] {
				z.BN = append(z.BN, b)
			} else {
				z.BE = append(z.BE, b)
			}
		default:
			isNeighborMulti := false
			for zz := range zones {
				if zz >= 1 && zz <= len(neighbors) && neighbors[zz-1] {
					isNeighborMulti = true
					break
				}
			}
			if isNeighborMulti {
				z.BNE = append(z.BNE, b)
			} else {
				z.BE = append(z.BE, b)
			}
		}
	}
	sort.Ints(z.BI)
	sort.Ints(z.BIN)
	sort.Ints(z.BN)
	sort.Ints(z.BNE)
	sort.Ints(z.BE)

	for _, l := range inst.Lines {
		if l.Zone == zoneID {
			z.InternalLines = append(z.InternalLines, l.Index)
		} else if l.Vulnerable {
			z.ExternalLines = append(z.ExternalLines, l.Index)
		}
	}

	z.BINIndex = indexOf(z.BIN)
	z.BEIndex = indexOf(z.BE)

	if len(z.BI) == 0 {
		// A zone with no purely interior bus has no valid slack candidate;
		// treated the same as an empty far-external set (boundary case).
		z.LinkBase = mat.NewDense(len(z.BIN), 0, nil)
		return z, nil
	}
	if len(z.BE) == 0 {
		z.LinkBase = mat.NewDense(len(z.BIN), 0, nil)
		return z, nil
	}

	isfZoneSlack := mat.DenseCopyOf(isf)
	sensitivity.ChangeSlack(isfZoneSlack, z.BI[0])

	linkBase, err := solveLinkMatrix(isfZoneSlack, z.InternalLines, z.BIN, z.BE)
	if err != nil {
		return nil, fmt.Errorf("zoneextract: zone %d link_base: %w", zoneID, err)
	}
	z.LinkBase = linkBase

	if !opts.SecurityMode {
		return z, nil
	}

	useCache := linkCache != nil && len(z.ExternalLines) > opts.CacheMinExternalLines
	z.LinkOutage = make(map[int]*mat.Dense, len(z.ExternalLines))

	for _, outage := range z.ExternalLines {
		if useCache {
			if m, ok := linkCache.Get(ctx, inst.Name, zoneID, outage); ok {
				z.LinkOutage[outage] = m
				continue
			}
		}

		pcISF := sensitivity.PostContingencyISF(isfZoneSlack, lodf, outage)
		linkOutage, err := solveLinkMatrix(pcISF, z.InternalLines, z.BIN, z.BE)
		if err != nil {
			return nil, fmt.Errorf("zoneextract: zone %d link_outage[%d]: %w", zoneID, outage, err)
		}
		z.LinkOutage[outage] = linkOutage

		if useCache && opts.IsCacheWriter {
			if err := linkCache.Put(ctx, inst.Name, zoneID, outage, linkOutage); err != nil {
				// Cache write failures never fail the extraction; the next
				// worker to need this matrix simply recomputes it.
				continue
			}
		}
	}

	return z, nil
}

// solveLinkMatrix solves ISF[internalLines, boundaryBuses] * X =
// ISF[internalLines, externalBuses] for X via least squares.
func solveLinkMatrix(isf *mat.Dense, internalLines, boundaryBuses, externalBuses []int) (*mat.Dense, error) {
	a := mat.NewDense(len(internalLines), len(boundaryBuses), nil)
	for r, l := range internalLines {
		for c, b := range boundaryBuses {
			a.Set(r, c, isf.At(l-1, b-1))
		}
	}
	rhs := mat.NewDense(len(internalLines), len(externalBuses), nil)
	for r, l := range internalLines {
		for c, b := range externalBuses {
			rhs.Set(r, c, isf.At(l-1, b-1))
		}
	}

	var x mat.Dense
	if err := x.Solve(a, rhs); err != nil {
		return nil, err
	}
	return &x, nil
}

func computeZonesOfBus(inst *model.UnitCommitmentInstance) map[int]map[int]bool {
	zonesOfBus := make(map[int]map[int]bool, inst.NumBuses())
	for _, l := range inst.Lines {
		for _, b := range []int{l.Source, l.Target} {
			if zonesOfBus[b] == nil {
				zonesOfBus[b] = make(map[int]bool)
			}
			zonesOfBus[b][l.Zone] = true
		}
	}
	return zonesOfBus
}

func computeNeighbors(zoneID int, binSet map[int]bool, zonesOfBus map[int]map[int]bool, maxZoneID int) []bool {
	neighbors := make([]bool, maxZoneID)
	for b := range binSet {
		for z := range zonesOfBus[b] {
			if z != zoneID && z >= 1 && z <= maxZoneID {
				neighbors[z-1] = true
			}
		}
	}
	return neighbors
}

func maxZone(inst *model.UnitCommitmentInstance) int {
	max := 0
	for _, l := range inst.Lines {
		if l.Zone > max {
			max = l.Zone
		}
	}
	return max
}

func indexOf(sorted []int) map[int]int {
	idx := make(map[int]int, len(sorted))
	for i, v := range sorted {
		idx[v] = i
	}
	return idx
}
