package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
)

// sharedGatewayKey is the SharedClients key; both adapters resolve to the
// same Gateway so one socket serves quotes and futures.
const sharedGatewayKey = "ibkr-gateway"

func init() {
	providers.RegisterRealtime("ibkr", func(p providers.BuildParams) (providers.RealtimeProvider, error) {
		gw, err := sharedGateway(p)
		if err != nil {
			return nil, err
		}
		return NewRealtime(p.Config.Name, gw, p.Throttle, p.Log), nil
	})
	providers.RegisterFutures("ibkr", func(p providers.BuildParams) (providers.FuturesProvider, error) {
		gw, err := sharedGateway(p)
		if err != nil {
			return nil, err
		}
		return NewFutures(p.Config.Name, gw, p.Throttle, p.Log), nil
	})
}

func sharedGateway(p providers.BuildParams) (*Gateway, error) {
	client, err := p.Shared.GetOrCreate(sharedGatewayKey, func() (interface{}, error) {
		return NewGateway(p.Config.Settings, p.Log)
	})
	if err != nil {
		return nil, err
	}
	gw, ok := client.(*Gateway)
	if !ok {
		return nil, fmt.Errorf("shared client %q is not an ibkr gateway", sharedGatewayKey)
	}
	return gw, nil
}

// quotePayload is the gateway's wire shape for one quote.
type quotePayload struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Volume    float64 `json:"volume"`
	AvgVolume float64 `json:"avg_volume"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Open      float64 `json:"open"`
	Close     float64 `json:"close"`
	Timestamp int64   `json:"timestamp"` // unix ms
}

func (q quotePayload) toQuote() providers.Quote {
	ts := time.Now().UTC()
	if q.Timestamp > 0 {
		ts = time.UnixMilli(q.Timestamp).UTC()
	}
	return providers.Quote{
		Symbol:          q.Symbol,
		Last:            q.Last,
		Bid:             q.Bid,
		Ask:             q.Ask,
		Volume:          q.Volume,
		AvgVolume:       q.AvgVolume,
		High:            q.High,
		Low:             q.Low,
		Open:            q.Open,
		Close:           q.Close,
		Timestamp:       ts,
		VolumeAvailable: q.Volume > 0,
	}
}

// Realtime adapts the gateway to the realtime quote interface.
type Realtime struct {
	name     string
	gateway  caller
	throttle *providers.Throttle
	health   *providers.Health
	log      zerolog.Logger
}

// NewRealtime wraps a gateway as a realtime provider.
func NewRealtime(name string, gw caller, throttle *providers.Throttle, log zerolog.Logger) *Realtime {
	return &Realtime{
		name:     name,
		gateway:  gw,
		throttle: throttle,
		health:   providers.NewHealth(name),
		log:      log.With().Str("provider", name).Logger(),
	}
}

func (r *Realtime) Name() string { return r.name }

// GetQuote fetches a single quote snapshot.
func (r *Realtime) GetQuote(ctx context.Context, symbol string) (providers.Quote, error) {
	quotes, err := r.GetQuotes(ctx, []string{symbol})
	if err != nil {
		return providers.Quote{}, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return providers.Quote{}, fmt.Errorf("no quote returned for %s", symbol)
	}
	return q, nil
}

// GetQuotes batch-fetches quotes. Symbols the gateway cannot price come back
// missing or zero-priced and are omitted from the result.
func (r *Realtime) GetQuotes(ctx context.Context, symbols []string) (map[string]providers.Quote, error) {
	if len(symbols) == 0 {
		return map[string]providers.Quote{}, nil
	}
	if err := r.throttle.Wait(ctx); err != nil {
		return nil, fmt.Errorf("throttle wait cancelled: %w", err)
	}

	raw, err := r.gateway.Call(ctx, "quotes", map[string]interface{}{"symbols": symbols})
	if err != nil {
		r.health.RecordFailure(err)
		return nil, err
	}

	var payloads []quotePayload
	if err := json.Unmarshal(raw, &payloads); err != nil {
		r.health.RecordFailure(err)
		return nil, fmt.Errorf("failed to decode quotes response: %w", err)
	}
	r.health.RecordSuccess()

	quotes := make(map[string]providers.Quote, len(payloads))
	for _, p := range payloads {
		if p.Symbol == "" || p.Last <= 0 {
			r.log.Debug().Str("symbol", p.Symbol).Msg("Omitting unpriced quote")
			continue
		}
		quotes[p.Symbol] = p.toQuote()
	}
	return quotes, nil
}

// IsConnected reports the underlying gateway connection state.
func (r *Realtime) IsConnected() bool {
	return r.gateway.IsConnected()
}

// Disconnect closes the shared gateway. Safe to call from both adapters.
func (r *Realtime) Disconnect() error {
	r.health.MarkDown(nil)
	return r.gateway.Close()
}

// Health returns the adapter availability snapshot.
func (r *Realtime) Health() providers.HealthSnapshot {
	return r.health.Snapshot()
}

// futuresPayload is the gateway's wire shape for the overnight snapshot.
type futuresPayload struct {
	ESPct     float64 `json:"es_pct"`
	NQPct     float64 `json:"nq_pct"`
	YMPct     float64 `json:"ym_pct"`
	Timestamp int64   `json:"timestamp"` // unix ms
}

// Futures adapts the gateway to the overnight index futures interface.
type Futures struct {
	name     string
	gateway  caller
	throttle *providers.Throttle
	health   *providers.Health
	log      zerolog.Logger
}

// NewFutures wraps a gateway as a futures provider.
func NewFutures(name string, gw caller, throttle *providers.Throttle, log zerolog.Logger) *Futures {
	return &Futures{
		name:     name,
		gateway:  gw,
		throttle: throttle,
		health:   providers.NewHealth(name),
		log:      log.With().Str("provider", name).Logger(),
	}
}

func (f *Futures) Name() string { return f.name }

// GetOvernightFutures fetches the ES/NQ/YM overnight percentage moves.
func (f *Futures) GetOvernightFutures(ctx context.Context) (domain.FuturesSnapshot, error) {
	if err := f.throttle.Wait(ctx); err != nil {
		return domain.FuturesSnapshot{}, fmt.Errorf("throttle wait cancelled: %w", err)
	}

	raw, err := f.gateway.Call(ctx, "overnight_futures", nil)
	if err != nil {
		f.health.RecordFailure(err)
		return domain.FuturesSnapshot{}, err
	}

	var payload futuresPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		f.health.RecordFailure(err)
		return domain.FuturesSnapshot{}, fmt.Errorf("failed to decode futures response: %w", err)
	}
	f.health.RecordSuccess()

	ts := time.Now().UTC()
	if payload.Timestamp > 0 {
		ts = time.UnixMilli(payload.Timestamp).UTC()
	}
	return domain.FuturesSnapshot{
		ESPct:     payload.ESPct,
		NQPct:     payload.NQPct,
		YMPct:     payload.YMPct,
		Timestamp: ts,
	}, nil
}

// Disconnect closes the shared gateway.
func (f *Futures) Disconnect() error {
	f.health.MarkDown(nil)
	return f.gateway.Close()
}

// Health returns the adapter availability snapshot.
func (f *Futures) Health() providers.HealthSnapshot {
	return f.health.Snapshot()
}
