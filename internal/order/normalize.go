package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-engine/pkg/exchanges/common"
)

// Normalized holds venue-conformant order values.
type Normalized struct {
	Qty       float64
	Price     float64
	StopPrice float64
}

// Normalize fits qty and prices to the symbol filters. Quantity is rounded down to
// the step size and prices down to the tick size. When the notional (measured at
// price, stop price or refPrice, first non-zero) is under the minimum, reduce-only
// orders are rejected and other orders are rounded up to the smallest step multiple
// that clears it. Empty filters leave values untouched.
func Normalize(f common.SymbolFilters, qty, price, stopPrice, refPrice float64, reduceOnly bool) (Normalized, error) {
	step := parseFilter(f.StepSize)
	tick := parseFilter(f.TickSize)
	minQty := parseFilter(f.MinQty)
	minNotional := parseFilter(f.MinNotional)

	q := floorTo(decimal.NewFromFloat(qty), step)
	if !q.IsPositive() {
		return Normalized{}, fmt.Errorf("%w: qty %v step %s", ErrZeroQty, qty, f.StepSize)
	}
	p := floorTo(decimal.NewFromFloat(price), tick)
	sp := floorTo(decimal.NewFromFloat(stopPrice), tick)

	if minQty.IsPositive() && q.LessThan(minQty) {
		if reduceOnly {
			return Normalized{}, fmt.Errorf("%w: qty %s below min qty %s", ErrZeroQty, q, minQty)
		}
		q = minQty
	}

	ref := decimal.NewFromFloat(refPrice)
	switch {
	case p.IsPositive():
		ref = p
	case sp.IsPositive():
		ref = sp
	}
	if minNotional.IsPositive() && ref.IsPositive() && q.Mul(ref).LessThan(minNotional) {
		if reduceOnly {
			return Normalized{}, fmt.Errorf("%w: %s x %s < %s", ErrBelowMinNotional, q, ref, minNotional)
		}
		q = ceilTo(minNotional.Div(ref), step)
	}

	return Normalized{Qty: q.InexactFloat64(), Price: p.InexactFloat64(), StopPrice: sp.InexactFloat64()}, nil
}

func parseFilter(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func floorTo(v, unit decimal.Decimal) decimal.Decimal {
	if !unit.IsPositive() {
		return v
	}
	return v.Div(unit).Floor().Mul(unit)
}

func ceilTo(v, unit decimal.Decimal) decimal.Decimal {
	if !unit.IsPositive() {
		return v
	}
	return v.Div(unit).Ceil().Mul(unit)
}
