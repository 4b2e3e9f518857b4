package testing

import (
	"time"

	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
)

// WatchlistPosition returns a state-0 watchlist candidate with a pivot.
func WatchlistPosition(symbol string, pivot float64) *domain.Position {
	return &domain.Position{
		Symbol:     symbol,
		Portfolio:  "Swing",
		State:      domain.StateWatching,
		PivotPrice: domain.Float64Ptr(pivot),
		Pattern:    "cup_with_handle",
		BaseStage:  1,
		RSRating:   domain.IntPtr(92),
		WatchDate:  domain.TimePtr(time.Now().AddDate(0, 0, -10)),
	}
}

// EnteredPosition returns a sized position with one entry tranche and a
// hard stop derived from the entry price.
func EnteredPosition(symbol string, shares, avgCost float64) *domain.Position {
	entryDate := time.Now().AddDate(0, 0, -20)
	return &domain.Position{
		Symbol:       symbol,
		Portfolio:    "Swing",
		State:        domain.StateEntry1,
		PivotPrice:   domain.Float64Ptr(avgCost * 0.98),
		BaseStage:    1,
		Entry1Shares: domain.Float64Ptr(shares),
		Entry1Price:  domain.Float64Ptr(avgCost),
		HardStopPct:  domain.Float64Ptr(7.0),
		StopPrice:    domain.Float64Ptr(avgCost * 0.93),
		EntryDate:    domain.TimePtr(entryDate),
		BreakoutDate: domain.TimePtr(entryDate),
	}
}

// FlatBars builds n daily bars at a constant close and volume, newest last.
func FlatBars(n int, close, volume float64) []providers.Bar {
	bars := make([]providers.Bar, n)
	start := time.Now().AddDate(0, 0, -n)
	for i := range bars {
		bars[i] = providers.Bar{
			Date:   start.AddDate(0, 0, i),
			Open:   close,
			High:   close,
			Low:    close,
			Close:  close,
			Volume: volume,
		}
	}
	return bars
}

// TrendBars builds n daily bars walking linearly from startClose to
// endClose at constant volume, newest last.
func TrendBars(n int, startClose, endClose, volume float64) []providers.Bar {
	bars := make([]providers.Bar, n)
	start := time.Now().AddDate(0, 0, -n)
	step := 0.0
	if n > 1 {
		step = (endClose - startClose) / float64(n-1)
	}
	for i := range bars {
		c := startClose + step*float64(i)
		bars[i] = providers.Bar{
			Date:   start.AddDate(0, 0, i),
			Open:   c,
			High:   c * 1.005,
			Low:    c * 0.995,
			Close:  c,
			Volume: volume,
		}
	}
	return bars
}

// QuoteAt builds a quote for a symbol at the given price with volume data.
func QuoteAt(symbol string, last float64) providers.Quote {
	return providers.Quote{
		Symbol:          symbol,
		Last:            last,
		Volume:          30_000_000,
		AvgVolume:       30_000_000,
		High:            last * 1.01,
		Low:             last * 0.99,
		Open:            last,
		Close:           last,
		Timestamp:       time.Now().UTC(),
		VolumeAvailable: true,
	}
}
