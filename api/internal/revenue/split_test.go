package revenue

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func sum(shares map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range shares {
		total = total.Add(v)
	}
	return total
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name      string
		scale     int32
		revenue   decimal.NullDecimal
		assignees []string
		want      map[string]string
		residual  string
	}{
		{"even split", 0, nd("1000000"), []string{"w1", "w2"}, map[string]string{"w1": "500000", "w2": "500000"}, "0"},
		{"remainder goes to lowest ids", 0, nd("100"), []string{"w3", "w1", "w2"}, map[string]string{"w1": "34", "w2": "33", "w3": "33"}, "0"},
		{"cents", 2, nd("10.00"), []string{"b", "a", "c"}, map[string]string{"a": "3.34", "b": "3.33", "c": "3.33"}, "0"},
		{"input rounded to scale", 0, nd("100.4"), []string{"a", "b"}, map[string]string{"a": "50", "b": "50"}, "0.4"},
		{"single assignee", 0, nd("750000"), []string{"solo"}, map[string]string{"solo": "750000"}, "0"},
		{"duplicates collapse", 0, nd("90"), []string{"a", "a", "b"}, map[string]string{"a": "45", "b": "45"}, "0"},
		{"null revenue", 0, decimal.NullDecimal{}, []string{"a", "b"}, map[string]string{"a": "0", "b": "0"}, "0"},
		{"zero revenue", 0, nd("0"), []string{"a", "b"}, map[string]string{"a": "0", "b": "0"}, "0"},
		{"nobody assigned", 0, nd("500"), nil, map[string]string{}, "500"},
		{"negative adjustment", 0, nd("-100"), []string{"a", "b", "c"}, map[string]string{"a": "-34", "b": "-33", "c": "-33"}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Splitter{Scale: tt.scale}.Split(tt.revenue, tt.assignees)
			require.Len(t, got.Shares, len(tt.want))
			for id, want := range tt.want {
				assert.True(t, decimal.RequireFromString(want).Equal(got.Shares[id]), "%s: want %s got %s", id, want, got.Shares[id])
			}
			assert.True(t, decimal.RequireFromString(tt.residual).Equal(got.Residual), "residual %s", got.Residual)
		})
	}
}

func TestSplitSumsWithinOneMinorUnit(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, scale := range []int32{0, 2} {
		unit := decimal.New(1, -scale)
		for i := 0; i < 2000; i++ {
			// Up to four fractional digits so rounding to the scale is exercised.
			r := decimal.New(rng.Int63n(10_000_000_000), -4)
			n := 1 + rng.Intn(12)
			ids := make([]string, n)
			for j := range ids {
				ids[j] = fmt.Sprintf("w%02d", j)
			}
			got := Splitter{Scale: scale}.Split(decimal.NewNullDecimal(r), ids)
			total := sum(got.Shares)
			assert.True(t, total.Sub(r).Abs().LessThanOrEqual(unit), "scale %d r=%s total=%s", scale, r, total)
			assert.True(t, total.Add(got.Residual).Equal(r))

			// Shares differ by at most one unit.
			lo, hi := got.Shares[ids[0]], got.Shares[ids[0]]
			for _, v := range got.Shares {
				lo = decimal.Min(lo, v)
				hi = decimal.Max(hi, v)
			}
			assert.True(t, hi.Sub(lo).LessThanOrEqual(unit))
		}
	}
}
