package indicators

import (
	"math"

	"trading-engine/pkg/exchanges/common"
)

// TrueRange of a candle given the previous close.
func TrueRange(c common.Candle, prevClose float64) float64 {
	hl := c.High - c.Low
	hc := math.Abs(c.High - prevClose)
	lc := math.Abs(c.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// ATR computes Wilder's average true range over period.
// It needs period+1 candles; otherwise it returns 0, false.
func ATR(candles []common.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, TrueRange(candles[i], candles[i-1].Close))
	}

	// Seed with the simple mean of the first window, then smooth.
	atr := SMA(trs[:period], period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

// NATR is ATR as a percentage of the last close.
func NATR(candles []common.Candle, period int) (float64, bool) {
	atr, ok := ATR(candles, period)
	if !ok {
		return 0, false
	}
	last := candles[len(candles)-1].Close
	if last <= 0 {
		return 0, false
	}
	return atr / last * 100, true
}

// SMA is the mean of the last period values; 0 when there are too few.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}
