// Package revenue divides a task's expected revenue between its assignees.
package revenue

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Splitter divides revenue equally at a fixed minor-unit scale (0 for whole
// currency units, 2 for cents).
type Splitter struct {
	Scale int32
}

type Split struct {
	// Shares maps worker id to amount. The shares sum exactly to the input
	// rounded to Scale.
	Shares map[string]decimal.Decimal
	// Residual is what rounding the input to Scale dropped, plus the whole
	// amount when there is nobody to pay.
	Residual decimal.Decimal
}

// Split rounds revenue to the scale, gives everyone the truncated quotient,
// and hands the leftover minor units out one at a time in ascending worker id
// order. Null revenue yields zero for every assignee.
func (s Splitter) Split(revenue decimal.NullDecimal, assignees []string) Split {
	ids := uniqueSorted(assignees)
	out := Split{Shares: make(map[string]decimal.Decimal, len(ids)), Residual: decimal.Zero}

	if !revenue.Valid {
		for _, id := range ids {
			out.Shares[id] = decimal.Zero
		}
		return out
	}
	if len(ids) == 0 {
		out.Residual = revenue.Decimal
		return out
	}

	rounded := revenue.Decimal.Round(s.Scale)
	out.Residual = revenue.Decimal.Sub(rounded)

	n := decimal.NewFromInt(int64(len(ids)))
	base, rem := rounded.QuoRem(n, s.Scale)
	unit := decimal.New(1, -s.Scale)
	leftover := rem.Div(unit).IntPart()

	step := unit
	if leftover < 0 {
		step = unit.Neg()
		leftover = -leftover
	}
	for i, id := range ids {
		share := base
		if int64(i) < leftover {
			share = share.Add(step)
		}
		out.Shares[id] = share
	}
	return out
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
