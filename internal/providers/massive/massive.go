// Package massive implements the historical market-data provider over the
// Massive (Polygon-compatible) REST aggregates API. The free tier allows 5
// calls/minute, so every request goes through the shared throttle and a
// circuit breaker that sheds load while the API is erroring.
package massive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/mberan/vigil/internal/providers"
	"github.com/mberan/vigil/pkg/formulas"
)

const (
	defaultBaseURL = "https://api.massive.dev"
	defaultTimeout = 30 * time.Second

	// Enough daily history for the 200-day SMA.
	maDays = 300
)

func init() {
	providers.RegisterHistorical("massive", func(p providers.BuildParams) (providers.HistoricalProvider, error) {
		return New(p)
	})
}

// settings is the implementation-specific blob stored on the provider row.
type settings struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Provider is the Massive REST historical provider.
type Provider struct {
	name     string
	client   *resty.Client
	breaker  *gobreaker.CircuitBreaker
	throttle *providers.Throttle
	health   *providers.Health
	log      zerolog.Logger
}

// New builds the provider from its persisted config row and credentials.
func New(p providers.BuildParams) (*Provider, error) {
	apiKey := p.Credentials["api_key"]
	if apiKey == "" {
		return nil, fmt.Errorf("massive provider %q has no api_key credential", p.Config.Name)
	}

	cfg := settings{BaseURL: defaultBaseURL}
	if p.Config.Settings != "" {
		if err := json.Unmarshal([]byte(p.Config.Settings), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse massive settings: %w", err)
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	log := p.Log.With().Str("provider", p.Config.Name).Logger()

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "massive",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Provider{
		name:     p.Config.Name,
		client:   client,
		breaker:  breaker,
		throttle: p.Throttle,
		health:   providers.NewHealth(p.Config.Name),
		log:      log,
	}, nil
}

// Name returns the configured provider name.
func (p *Provider) Name() string {
	return p.name
}

// Health returns the provider's availability snapshot.
func (p *Provider) Health() providers.HealthSnapshot {
	return p.health.Snapshot()
}

// aggsResponse mirrors the Polygon-compatible aggregates payload.
type aggsResponse struct {
	Status       string `json:"status"`
	ResultsCount int    `json:"resultsCount"`
	Results      []struct {
		Timestamp int64   `json:"t"` // ms since epoch
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
	} `json:"results"`
	Error string `json:"error"`
}

// GetDailyBars fetches up to days daily bars for the symbol, oldest first.
func (p *Provider) GetDailyBars(ctx context.Context, symbol string, days int) ([]providers.Bar, error) {
	if days <= 0 {
		days = maDays
	}
	if err := p.throttle.Wait(ctx); err != nil {
		return nil, fmt.Errorf("throttle wait cancelled: %w", err)
	}

	now := time.Now().UTC()
	// Calendar span with padding for weekends and holidays.
	from := now.AddDate(0, 0, -(days*7/5 + 10))
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s",
		symbol, from.Format("2006-01-02"), now.Format("2006-01-02"))

	result, err := p.breaker.Execute(func() (interface{}, error) {
		var body aggsResponse
		resp, err := p.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"adjusted": "true",
				"sort":     "asc",
				"limit":    "500",
			}).
			SetResult(&body).
			Get(path)
		if err != nil {
			return nil, fmt.Errorf("aggs request failed for %s: %w", symbol, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("aggs request for %s returned %d: %s",
				symbol, resp.StatusCode(), body.Error)
		}
		return &body, nil
	})
	if err != nil {
		p.health.RecordFailure(err)
		return nil, err
	}
	p.health.RecordSuccess()

	body := result.(*aggsResponse)
	bars := make([]providers.Bar, 0, len(body.Results))
	for _, r := range body.Results {
		bars = append(bars, providers.Bar{
			Date:   time.UnixMilli(r.Timestamp).UTC(),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no daily bars returned for %s", symbol)
	}
	return bars, nil
}

// GetMovingAverages computes the moving-average snapshot from daily bars.
func (p *Provider) GetMovingAverages(ctx context.Context, symbol string) (providers.MovingAverages, error) {
	bars, err := p.GetDailyBars(ctx, symbol, maDays)
	if err != nil {
		return providers.MovingAverages{}, err
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return providers.MovingAverages{
		EMA21:     formulas.EMA(closes, 21),
		SMA50:     formulas.SMA(closes, 50),
		SMA200:    formulas.SMA(closes, 200),
		SMA10Week: formulas.TenWeekSMA(closes),
	}, nil
}

// GetAverageDailyVolume returns the mean daily volume over the last n bars.
func (p *Provider) GetAverageDailyVolume(ctx context.Context, symbol string, n int) (float64, error) {
	if n <= 0 {
		n = 50
	}
	bars, err := p.GetDailyBars(ctx, symbol, n)
	if err != nil {
		return 0, err
	}
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		volumes[i] = b.Volume
	}
	return formulas.AverageDailyVolume(volumes, n), nil
}
