package backtest

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"signaltrader/internal/domain"
)

type Divergence struct {
	Field string `json:"field" yaml:"field"`
	A     string `json:"a" yaml:"a"`
	B     string `json:"b" yaml:"b"`
}

func (d Divergence) String() string {
	return fmt.Sprintf("%s: %s vs %s", d.Field, d.A, d.B)
}

// Converge compares two final account states. Amounts may differ by at most
// tolerance; open symbols and sides must match exactly.
func Converge(a, b domain.AccountState, tolerance decimal.Decimal) []Divergence {
	var out []Divergence
	near := func(field string, x, y decimal.Decimal) {
		if x.Sub(y).Abs().GreaterThan(tolerance) {
			out = append(out, Divergence{Field: field, A: x.String(), B: y.String()})
		}
	}
	near("equity", a.Equity, b.Equity)
	near("available_margin", a.AvailableMargin, b.AvailableMargin)

	symbols := map[string]struct{}{}
	for s := range a.Positions {
		symbols[s] = struct{}{}
	}
	for s := range b.Positions {
		symbols[s] = struct{}{}
	}
	keys := make([]string, 0, len(symbols))
	for s := range symbols {
		keys = append(keys, s)
	}
	sort.Strings(keys)
	for _, s := range keys {
		pa, okA := a.Positions[s]
		pb, okB := b.Positions[s]
		switch {
		case !okA || !okB:
			out = append(out, Divergence{Field: "position." + s, A: presence(okA), B: presence(okB)})
		case pa.Side != pb.Side:
			out = append(out, Divergence{Field: "position." + s + ".side", A: string(pa.Side), B: string(pb.Side)})
		default:
			near("position."+s+".size", pa.Size, pb.Size)
			near("position."+s+".margin", pa.MarginUsed, pb.MarginUsed)
		}
	}
	return out
}

func presence(ok bool) string {
	if ok {
		return "open"
	}
	return "flat"
}
