package model

import "gonum.org/v1/gonum/mat"

// Zone partitions the bus set into five disjoint classes relative to a
// fixed zone index. All bus/line references are indices into the shared
// UnitCommitmentInstance — a Zone never holds its own copy of bus/line data,
// and the instance never points back at a Zone (spec.md §9, "cyclic
// dependencies").
type Zone struct {
	Index int

	// Bus partitions, spec.md §3.
	BI  []int // interior: only in this zone
	BIN []int // boundary: in this zone and >=2 zones
	BN  []int // neighbor-only, single-zone
	BNE []int // neighbor-external, multi-zone
	BE  []int // far-external

	InternalLines []int
	ExternalLines []int

	// Neighborhood[z-1] is true when zone z shares a boundary bus with this
	// zone (zone indices are 1-based, the slice is 0-based).
	Neighborhood []bool

	// LinkBase has shape |BIN| x |BE|.
	LinkBase *mat.Dense

	// LinkOutage[externalLineIndex] holds the per-outage link matrix,
	// populated only in security mode.
	LinkOutage map[int]*mat.Dense

	// BEIndex maps a bus index (1-based, into the instance) to its column
	// position within BE, and BINIndex maps a boundary bus to its row
	// position within BIN. Built once by the extractor, used by the
	// subproblem builder and the screening callback to index into
	// LinkBase/LinkOutage without a linear scan.
	BEIndex  map[int]int
	BINIndex map[int]int
}

// IsBoundary reports whether bus b is one of this zone's boundary buses.
func (z *Zone) IsBoundary(bus int) bool {
	_, ok := z.BINIndex[bus]
	return ok
}

// IsNeighbor reports whether zone `other` is a neighbor of z.
func (z *Zone) IsNeighbor(other int) bool {
	if other <= 0 || other > len(z.Neighborhood) {
		return false
	}
	return z.Neighborhood[other-1]
}

// TotalBuses is the sum of all five partitions; used by the completeness
// invariant in spec.md §8.
func (z *Zone) TotalBuses() int {
	return len(z.BI) + len(z.BIN) + len(z.BN) + len(z.BNE) + len(z.BE)
}
