// Package formulas provides the indicator math shared by the technical-data
// service and the regime calculator: moving averages over daily closes,
// average daily volume, and volume ratios.
package formulas

import (
	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// SMA returns the latest simple moving average of the given period,
// or 0 when there is not enough data.
func SMA(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	out := talib.Sma(closes, period)
	return out[len(out)-1]
}

// EMA returns the latest exponential moving average of the given period,
// or 0 when there is not enough data.
func EMA(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	out := talib.Ema(closes, period)
	return out[len(out)-1]
}

// SMASeries returns the full simple-moving-average series (leading values
// are zero until the period fills). Used for index-posture checks that
// need the MA at arbitrary lookbacks.
func SMASeries(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) < period {
		return make([]float64, len(closes))
	}
	return talib.Sma(closes, period)
}

// AverageDailyVolume returns the mean of the last n volume observations,
// or 0 when there is no data. Uses fewer observations when n exceeds the
// available history.
func AverageDailyVolume(volumes []float64, n int) float64 {
	if len(volumes) == 0 || n <= 0 {
		return 0
	}
	if n > len(volumes) {
		n = len(volumes)
	}
	return stat.Mean(volumes[len(volumes)-n:], nil)
}

// Volatility returns the sample standard deviation of daily close-to-close
// returns (in percent) over the available history.
func Volatility(closes []float64) float64 {
	if len(closes) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1]*100)
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil)
}

// WeeklyCloses compresses daily closes into weekly closes (last close of
// each 5-bar block, counted from the end so the current week is partial).
func WeeklyCloses(closes []float64) []float64 {
	if len(closes) == 0 {
		return nil
	}
	var weekly []float64
	// Walk backwards in 5-bar strides so the most recent close is always
	// the final weekly sample.
	for i := len(closes) - 1; i >= 0; i -= 5 {
		weekly = append([]float64{closes[i]}, weekly...)
	}
	return weekly
}

// TenWeekSMA returns the 10-week simple moving average from daily closes.
func TenWeekSMA(closes []float64) float64 {
	return SMA(WeeklyCloses(closes), 10)
}

// PctChange returns the percent change from prev to cur, or 0 when prev is 0.
func PctChange(prev, cur float64) float64 {
	if prev == 0 {
		return 0
	}
	return (cur - prev) / prev * 100
}
