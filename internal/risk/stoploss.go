package risk

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ProtectiveLevels returns stop and target for an entry: the stop sits sl_pct away
// from entry against the position, the target rr times that distance in favor.
func ProtectiveLevels(side string, entry, slPct, tpRR float64) (stop, target float64) {
	e := decimal.NewFromFloat(entry)
	dist := e.Mul(decimal.NewFromFloat(slPct)).Div(hundred)
	reward := dist.Mul(decimal.NewFromFloat(tpRR))
	if side == "SHORT" {
		return e.Add(dist).InexactFloat64(), e.Sub(reward).InexactFloat64()
	}
	return e.Sub(dist).InexactFloat64(), e.Add(reward).InexactFloat64()
}

// TargetFromStop derives a target at rr times the entry/stop distance.
func TargetFromStop(side string, entry, stop, rr float64) float64 {
	e := decimal.NewFromFloat(entry)
	reward := e.Sub(decimal.NewFromFloat(stop)).Abs().Mul(decimal.NewFromFloat(rr))
	if side == "SHORT" {
		return e.Sub(reward).InexactFloat64()
	}
	return e.Add(reward).InexactFloat64()
}

// ValidLevels reports whether stop and target sit on the correct sides of entry.
func ValidLevels(side string, entry, stop, target float64) bool {
	if side == "SHORT" {
		return stop > entry && target > 0 && target < entry
	}
	return stop > 0 && stop < entry && target > entry
}

// PositionSize risks riskPct of equity between entry and stop, capped by the
// leveraged equity and maxNotional (0 disables that cap).
func PositionSize(equity, riskPct, entry, stop float64, leverage int, maxNotional float64) float64 {
	if equity <= 0 || riskPct <= 0 || entry <= 0 || stop <= 0 {
		return 0
	}
	perUnit := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stop)).Abs()
	if !perUnit.IsPositive() {
		return 0
	}
	riskAmt := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(riskPct)).Div(hundred)
	qty := riskAmt.Div(perUnit)

	if leverage < 1 {
		leverage = 1
	}
	capNotional := decimal.NewFromFloat(equity).Mul(decimal.NewFromInt(int64(leverage)))
	if maxNotional > 0 {
		capNotional = decimal.Min(capNotional, decimal.NewFromFloat(maxNotional))
	}
	capQty := capNotional.Div(decimal.NewFromFloat(entry))
	return decimal.Min(qty, capQty).InexactFloat64()
}
