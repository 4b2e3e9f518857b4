// Package providers defines the market-data provider abstraction: canonical
// types, throttling, health tracking, the implementation registry and the
// factory that wires configured providers from persistence.
package providers

import (
	"context"
	"time"

	"github.com/mberan/vigil/internal/domain"
)

// Bar is one daily OHLCV bar.
type Bar struct {
	Date   time.Time `json:"date" msgpack:"d"`
	Open   float64   `json:"open" msgpack:"o"`
	High   float64   `json:"high" msgpack:"h"`
	Low    float64   `json:"low" msgpack:"l"`
	Close  float64   `json:"close" msgpack:"c"`
	Volume float64   `json:"volume" msgpack:"v"`
}

// Quote is one realtime (or delayed) quote snapshot.
type Quote struct {
	Symbol          string    `json:"symbol"`
	Last            float64   `json:"last"`
	Bid             float64   `json:"bid,omitempty"`
	Ask             float64   `json:"ask,omitempty"`
	Volume          float64   `json:"volume,omitempty"`
	AvgVolume       float64   `json:"avg_volume,omitempty"`
	High            float64   `json:"high,omitempty"`
	Low             float64   `json:"low,omitempty"`
	Open            float64   `json:"open,omitempty"`
	Close           float64   `json:"close,omitempty"` // prior close
	Timestamp       time.Time `json:"timestamp"`
	VolumeAvailable bool      `json:"volume_available"`
}

// VolumeRatio returns current volume relative to average daily volume,
// or 0 when either is unavailable.
func (q Quote) VolumeRatio() float64 {
	if !q.VolumeAvailable || q.AvgVolume <= 0 {
		return 0
	}
	return q.Volume / q.AvgVolume
}

// ToMap renders the quote as a flat map, the wire shape consumed by IPC
// clients. Zero-valued optional fields are omitted.
func (q Quote) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"symbol":           q.Symbol,
		"last":             q.Last,
		"timestamp":        q.Timestamp.Format(time.RFC3339Nano),
		"volume_available": q.VolumeAvailable,
	}
	setIfNonZero := func(key string, v float64) {
		if v != 0 {
			m[key] = v
		}
	}
	setIfNonZero("bid", q.Bid)
	setIfNonZero("ask", q.Ask)
	setIfNonZero("volume", q.Volume)
	setIfNonZero("avg_volume", q.AvgVolume)
	setIfNonZero("high", q.High)
	setIfNonZero("low", q.Low)
	setIfNonZero("open", q.Open)
	setIfNonZero("close", q.Close)
	return m
}

// QuoteFromMap parses a quote from its flat map shape.
func QuoteFromMap(m map[string]interface{}) Quote {
	q := Quote{}
	if v, ok := m["symbol"].(string); ok {
		q.Symbol = v
	}
	if v, ok := m["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			q.Timestamp = ts
		}
	}
	if v, ok := m["volume_available"].(bool); ok {
		q.VolumeAvailable = v
	}
	num := func(key string) float64 {
		if v, ok := m[key].(float64); ok {
			return v
		}
		return 0
	}
	q.Last = num("last")
	q.Bid = num("bid")
	q.Ask = num("ask")
	q.Volume = num("volume")
	q.AvgVolume = num("avg_volume")
	q.High = num("high")
	q.Low = num("low")
	q.Open = num("open")
	q.Close = num("close")
	return q
}

// MovingAverages is the technical snapshot derived from daily bars.
type MovingAverages struct {
	EMA21     float64 `json:"ema_21" msgpack:"e21"`
	SMA50     float64 `json:"sma_50" msgpack:"s50"`
	SMA200    float64 `json:"sma_200" msgpack:"s200"`
	SMA10Week float64 `json:"sma_10w" msgpack:"s10w"` // 50-day SMA on weekly closes
}

// HistoricalProvider serves daily bars and derived technicals.
type HistoricalProvider interface {
	Name() string
	GetDailyBars(ctx context.Context, symbol string, days int) ([]Bar, error)
	GetMovingAverages(ctx context.Context, symbol string) (MovingAverages, error)
	GetAverageDailyVolume(ctx context.Context, symbol string, days int) (float64, error)
	Health() HealthSnapshot
}

// RealtimeProvider serves live or delayed quote snapshots.
type RealtimeProvider interface {
	Name() string
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	// GetQuotes batch-fetches quotes. Missing or zero-priced symbols are
	// omitted from the result rather than returned as nulls.
	GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	IsConnected() bool
	Disconnect() error
	Health() HealthSnapshot
}

// FuturesProvider serves the overnight index futures snapshot.
type FuturesProvider interface {
	Name() string
	GetOvernightFutures(ctx context.Context) (domain.FuturesSnapshot, error)
	Disconnect() error
	Health() HealthSnapshot
}
