// Package techdata serves daily bars and derived technicals to the checkers,
// fronting the historical provider with an msgpack blob cache so the 5
// calls/minute budget is spent on cache misses only.
package techdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mberan/vigil/internal/providers"
	"github.com/mberan/vigil/pkg/formulas"
)

const (
	// DefaultTTL keeps daily bars warm across a trading session.
	DefaultTTL = 4 * time.Hour

	// DefaultBarDays is enough history for the 200-day SMA plus weekend gaps.
	DefaultBarDays = 300

	kindDaily = "daily"
)

// HistoricalSource is the slice of the provider surface techdata needs.
type HistoricalSource interface {
	GetDailyBars(ctx context.Context, symbol string, days int) ([]providers.Bar, error)
}

// Service caches daily bars and computes moving averages, average daily
// volume, and volatility from them.
type Service struct {
	cache  *sql.DB
	source HistoricalSource
	ttl    time.Duration
	log    zerolog.Logger
	now    func() time.Time
}

// New creates the technical-data service on the cache database.
func New(cache *sql.DB, source HistoricalSource, ttl time.Duration, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		cache:  cache,
		source: source,
		ttl:    ttl,
		log:    log.With().Str("component", "techdata").Logger(),
		now:    time.Now,
	}
}

// GetDailyBars returns up to days daily bars for the symbol, oldest first.
// Serves from the cache when a fresh blob with enough history exists.
func (s *Service) GetDailyBars(ctx context.Context, symbol string, days int) ([]providers.Bar, error) {
	if days <= 0 {
		days = DefaultBarDays
	}

	cached, err := s.readCache(symbol)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Bar cache read failed, fetching from provider")
	}
	if len(cached) >= days {
		return cached[len(cached)-days:], nil
	}

	// Always fetch the full window so one miss fills the cache for every
	// later lookback.
	fetchDays := days
	if fetchDays < DefaultBarDays {
		fetchDays = DefaultBarDays
	}
	bars, err := s.source.GetDailyBars(ctx, symbol, fetchDays)
	if err != nil {
		// Stale-but-present beats nothing when the provider is down.
		if len(cached) > 0 {
			s.log.Warn().Err(err).Str("symbol", symbol).
				Msg("Provider fetch failed, serving short cached history")
			return cached, nil
		}
		return nil, fmt.Errorf("failed to fetch daily bars for %s: %w", symbol, err)
	}

	if err := s.writeCache(symbol, bars); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Bar cache write failed")
	}

	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return bars, nil
}

// GetMovingAverages computes the EMA21 / SMA50 / SMA200 / 10-week SMA
// snapshot from cached daily bars. Periods without enough history report 0.
func (s *Service) GetMovingAverages(ctx context.Context, symbol string) (providers.MovingAverages, error) {
	bars, err := s.GetDailyBars(ctx, symbol, DefaultBarDays)
	if err != nil {
		return providers.MovingAverages{}, err
	}
	closes := Closes(bars)
	return providers.MovingAverages{
		EMA21:     formulas.EMA(closes, 21),
		SMA50:     formulas.SMA(closes, 50),
		SMA200:    formulas.SMA(closes, 200),
		SMA10Week: formulas.TenWeekSMA(closes),
	}, nil
}

// GetAverageDailyVolume returns the mean daily volume over the last n bars.
func (s *Service) GetAverageDailyVolume(ctx context.Context, symbol string, n int) (float64, error) {
	if n <= 0 {
		n = 50
	}
	bars, err := s.GetDailyBars(ctx, symbol, DefaultBarDays)
	if err != nil {
		return 0, err
	}
	return formulas.AverageDailyVolume(Volumes(bars), n), nil
}

// GetVolatility returns the stddev of daily returns (percent) for the symbol.
func (s *Service) GetVolatility(ctx context.Context, symbol string, days int) (float64, error) {
	bars, err := s.GetDailyBars(ctx, symbol, days)
	if err != nil {
		return 0, err
	}
	return formulas.Volatility(Closes(bars)), nil
}

// Invalidate drops the cached bars for a symbol, forcing the next read to
// hit the provider. Used after corporate actions or manual refresh commands.
func (s *Service) Invalidate(symbol string) error {
	_, err := s.cache.Exec(`DELETE FROM bar_cache WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("failed to invalidate bar cache for %s: %w", symbol, err)
	}
	return nil
}

// PruneExpired removes expired cache rows. Called by the nightly maintenance
// worker; returns the number of rows removed.
func (s *Service) PruneExpired() (int64, error) {
	res, err := s.cache.Exec(`DELETE FROM bar_cache WHERE expires_at < ?`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune bar cache: %w", err)
	}
	return res.RowsAffected()
}

// Warm pre-fetches bars for the given symbols, respecting provider
// throttling through the source. Errors per symbol are logged, not fatal.
func (s *Service) Warm(ctx context.Context, symbols []string) {
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.GetDailyBars(ctx, symbol, DefaultBarDays); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Cache warm fetch failed")
		}
	}
}

func (s *Service) readCache(symbol string) ([]providers.Bar, error) {
	var payload []byte
	err := s.cache.QueryRow(
		`SELECT payload FROM bar_cache WHERE symbol = ? AND kind = ? AND expires_at > ?`,
		symbol, kindDaily, s.now().UTC(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bar cache for %s: %w", symbol, err)
	}

	var bars []providers.Bar
	if err := msgpack.Unmarshal(payload, &bars); err != nil {
		// Corrupt blob: drop it so the next fetch repopulates.
		_ = s.Invalidate(symbol)
		return nil, fmt.Errorf("failed to decode cached bars for %s: %w", symbol, err)
	}
	return bars, nil
}

func (s *Service) writeCache(symbol string, bars []providers.Bar) error {
	payload, err := msgpack.Marshal(bars)
	if err != nil {
		return fmt.Errorf("failed to encode bars for %s: %w", symbol, err)
	}
	now := s.now().UTC()
	_, err = s.cache.Exec(`
		INSERT INTO bar_cache (symbol, kind, payload, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol, kind) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at`,
		symbol, kindDaily, payload, now, now.Add(s.ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to write bar cache for %s: %w", symbol, err)
	}
	return nil
}

// Closes extracts the close series from bars, oldest first.
func Closes(bars []providers.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Volumes extracts the volume series from bars, oldest first.
func Volumes(bars []providers.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}
