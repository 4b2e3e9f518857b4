package formulas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 4.0, SMA(closes, 3), 1e-9) // (3+4+5)/3

	// Not enough data
	assert.Equal(t, 0.0, SMA(closes, 10))
	assert.Equal(t, 0.0, SMA(nil, 3))
}

func TestEMA(t *testing.T) {
	closes := []float64{10, 10, 10, 10, 10, 10}
	assert.InDelta(t, 10.0, EMA(closes, 3), 1e-9)

	// EMA reacts to the latest value more than an SMA would.
	closes = []float64{10, 10, 10, 10, 10, 20}
	ema := EMA(closes, 3)
	assert.Greater(t, ema, SMA(closes, 6))
}

func TestAverageDailyVolume(t *testing.T) {
	volumes := []float64{100, 200, 300, 400}
	assert.InDelta(t, 350.0, AverageDailyVolume(volumes, 2), 1e-9)
	// n larger than history falls back to full mean.
	assert.InDelta(t, 250.0, AverageDailyVolume(volumes, 50), 1e-9)
	assert.Equal(t, 0.0, AverageDailyVolume(nil, 50))
}

func TestVolatility(t *testing.T) {
	flat := []float64{100, 100, 100, 100}
	assert.InDelta(t, 0.0, Volatility(flat), 1e-9)

	choppy := []float64{100, 110, 95, 108, 90}
	assert.Greater(t, Volatility(choppy), 0.0)
}

func TestWeeklyCloses(t *testing.T) {
	// 12 daily closes -> 3 weekly samples, most recent close last.
	daily := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	weekly := WeeklyCloses(daily)
	assert.Equal(t, []float64{2, 7, 12}, weekly)
}

func TestPctChange(t *testing.T) {
	assert.InDelta(t, 10.0, PctChange(100, 110), 1e-9)
	assert.InDelta(t, -7.5, PctChange(100, 92.5), 1e-9)
	assert.Equal(t, 0.0, PctChange(0, 50))
}
