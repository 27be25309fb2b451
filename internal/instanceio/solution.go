package instanceio

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gridcoord/scuc/shared/model"
)

// Solution is one solved variant of an instance: dimensions [generator][time]
// for IsOn/Prod/Reserve, [bus][time] for Inj, and a flat violation list
// carried only for time=1 per the CSV contract.
type Solution struct {
	Instance   string
	Variation  string
	Cost       decimal.Decimal
	IsOn       [][]bool
	Prod       [][]float64
	Reserve    [][]float64
	Inj        [][]float64
	Violations []model.Violation
}

// WriteSolution appends one row to path, writing the header first if the
// file does not yet exist. Column layout follows spec.md §6: instance,
// variation, cost, is_on[g:t]..., prod[g:t]..., reserve[g:t]..., inj[b:t]...,
// violations.
func WriteSolution(path string, sol Solution) error {
	g := len(sol.IsOn)
	t := 0
	if g > 0 {
		t = len(sol.IsOn[0])
	}
	b := len(sol.Inj)

	needsHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("instanceio: open solution file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if needsHeader {
		header := []string{"instance", "variation", "cost"}
		for gi := 1; gi <= g; gi++ {
			for ti := 1; ti <= t; ti++ {
				header = append(header, fmt.Sprintf("is_on[%d:%d]", gi, ti))
			}
		}
		for gi := 1; gi <= g; gi++ {
			for ti := 1; ti <= t; ti++ {
				header = append(header, fmt.Sprintf("prod[%d:%d]", gi, ti))
			}
		}
		for gi := 1; gi <= g; gi++ {
			for ti := 1; ti <= t; ti++ {
				header = append(header, fmt.Sprintf("reserve[%d:%d]", gi, ti))
			}
		}
		for bi := 1; bi <= b; bi++ {
			for ti := 1; ti <= t; ti++ {
				header = append(header, fmt.Sprintf("inj[%d:%d]", bi, ti))
			}
		}
		header = append(header, "violations")
		if err := w.Write(header); err != nil {
			return fmt.Errorf("instanceio: write header: %w", err)
		}
	}

	row := []string{sol.Instance, sol.Variation, sol.Cost.String()}
	for gi := 0; gi < g; gi++ {
		for ti := 0; ti < t; ti++ {
			row = append(row, strconv.FormatBool(sol.IsOn[gi][ti]))
		}
	}
	for gi := 0; gi < g; gi++ {
		for ti := 0; ti < t; ti++ {
			row = append(row, strconv.FormatFloat(sol.Prod[gi][ti], 'g', -1, 64))
		}
	}
	for gi := 0; gi < g; gi++ {
		for ti := 0; ti < t; ti++ {
			row = append(row, strconv.FormatFloat(sol.Reserve[gi][ti], 'g', -1, 64))
		}
	}
	for bi := 0; bi < b; bi++ {
		for ti := 0; ti < t; ti++ {
			row = append(row, strconv.FormatFloat(sol.Inj[bi][ti], 'g', -1, 64))
		}
	}
	row = append(row, encodeViolations(sol.Violations))

	if err := w.Write(row); err != nil {
		return fmt.Errorf("instanceio: write row: %w", err)
	}
	return nil
}

func encodeViolations(violations []model.Violation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		if v.Time != 1 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d:%d", v.MonitoredLine, v.OutageLine))
	}
	return strings.Join(parts, " ")
}

// ReadSolutions parses every row of a solution CSV written by WriteSolution,
// inferring g, t, and b from the header's bracketed indices.
func ReadSolutions(path string) ([]Solution, error) {
	rows, err := readCSVRows(path)
	if err != nil {
		return nil, err
	}
	if len(rows) < 1 {
		return nil, fmt.Errorf("solution csv: empty file")
	}
	header := rows[0]

	isOnCols, prodCols, reserveCols, injCols := 0, 0, 0, 0
	maxG, maxT, maxB := 0, 0, 0
	for _, h := range header {
		gi, ti, ok := parseBracketIndex(h, "is_on")
		if ok {
			isOnCols++
			if gi > maxG {
				maxG = gi
			}
			if ti > maxT {
				maxT = ti
			}
			continue
		}
		if _, ti, ok := parseBracketIndex(h, "prod"); ok {
			prodCols++
			if ti > maxT {
				maxT = ti
			}
			continue
		}
		if _, _, ok := parseBracketIndex(h, "reserve"); ok {
			reserveCols++
			continue
		}
		if bi, ti, ok := parseBracketIndex(h, "inj"); ok {
			injCols++
			if bi > maxB {
				maxB = bi
			}
			if ti > maxT {
				maxT = ti
			}
			continue
		}
	}
	_ = prodCols
	_ = reserveCols
	_ = injCols

	g, t, b := maxG, maxT, maxB

	solutions := make([]Solution, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, fmt.Errorf("solution csv: row width %d != header width %d", len(row), len(header))
		}
		sol := Solution{
			Instance: row[0],
			Variation: row[1],
		}
		cost, err := decimal.NewFromString(strings.TrimSpace(row[2]))
		if err != nil {
			return nil, fmt.Errorf("solution csv: bad cost: %w", err)
		}
		sol.Cost = cost

		col := 3
		sol.IsOn = make([][]bool, g)
		for gi := 0; gi < g; gi++ {
			sol.IsOn[gi] = make([]bool, t)
			for ti := 0; ti < t; ti++ {
				v, err := strconv.ParseBool(strings.TrimSpace(row[col]))
				if err != nil {
					return nil, fmt.Errorf("solution csv: bad is_on: %w", err)
				}
				sol.IsOn[gi][ti] = v
				col++
			}
		}
		sol.Prod = make([][]float64, g)
		for gi := 0; gi < g; gi++ {
			sol.Prod[gi] = make([]float64, t)
			for ti := 0; ti < t; ti++ {
				v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
				if err != nil {
					return nil, fmt.Errorf("solution csv: bad prod: %w", err)
				}
				sol.Prod[gi][ti] = v
				col++
			}
		}
		sol.Reserve = make([][]float64, g)
		for gi := 0; gi < g; gi++ {
			sol.Reserve[gi] = make([]float64, t)
			for ti := 0; ti < t; ti++ {
				v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
				if err != nil {
					return nil, fmt.Errorf("solution csv: bad reserve: %w", err)
				}
				sol.Reserve[gi][ti] = v
				col++
			}
		}
		sol.Inj = make([][]float64, b)
		for bi := 0; bi < b; bi++ {
			sol.Inj[bi] = make([]float64, t)
			for ti := 0; ti < t; ti++ {
				v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
				if err != nil {
					return nil, fmt.Errorf("solution csv: bad inj: %w", err)
				}
				sol.Inj[bi][ti] = v
				col++
			}
		}
		sol.Violations = decodeViolations(strings.TrimSpace(row[col]))
		solutions = append(solutions, sol)
	}
	return solutions, nil
}

func decodeViolations(field string) []model.Violation {
	if field == "" {
		return nil
	}
	pairs := strings.Fields(field)
	violations := make([]model.Violation, 0, len(pairs))
	for _, p := range pairs {
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			continue
		}
		monitored, err1 := strconv.Atoi(parts[0])
		outage, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		violations = append(violations, model.Violation{Time: 1, MonitoredLine: monitored, OutageLine: outage})
	}
	return violations
}

// parseBracketIndex extracts the "a" and "b" out of a column header of the
// form "prefix[a:b]".
func parseBracketIndex(header, prefix string) (first, second int, ok bool) {
	if !strings.HasPrefix(header, prefix+"[") || !strings.HasSuffix(header, "]") {
		return 0, 0, false
	}
	inner := header[len(prefix)+1 : len(header)-1]
	parts := strings.SplitN(inner, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err1 := strconv.Atoi(parts[0])
	b, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return a, b, true
}
