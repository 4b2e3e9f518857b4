package providers

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/domain"
)

// ConfigStore is the persistence surface the factory consumes.
type ConfigStore interface {
	GetPrimaryForDomain(d domain.ProviderDomain) (*domain.ProviderConfig, error)
	GetAllCredentials(providerID int64) (map[string]string, error)
	CreateProvider(cfg domain.ProviderConfig) (int64, error)
	SetCredential(providerID int64, key, value string) error
	CountProviders() (int, error)
}

// Factory instantiates configured providers. For each domain it reads the
// highest-priority enabled ProviderConfig row, builds the registered
// implementation with credentials and a throttle, and caches the instance.
// Implementations that share an underlying connection receive it through
// the SharedClients cache.
type Factory struct {
	store  ConfigStore
	shared *SharedClients
	log    zerolog.Logger

	mu         sync.Mutex
	historical HistoricalProvider
	realtime   RealtimeProvider
	futures    FuturesProvider
}

// NewFactory creates a provider factory backed by the given config store.
func NewFactory(store ConfigStore, log zerolog.Logger) *Factory {
	return &Factory{
		store:  store,
		shared: NewSharedClients(),
		log:    log.With().Str("component", "provider_factory").Logger(),
	}
}

// buildParams loads credentials and assembles BuildParams for a config row.
func (f *Factory) buildParams(cfg domain.ProviderConfig) (BuildParams, error) {
	creds, err := f.store.GetAllCredentials(cfg.ID)
	if err != nil {
		return BuildParams{}, fmt.Errorf("failed to load credentials for provider %s: %w", cfg.Name, err)
	}

	return BuildParams{
		Config:      cfg,
		Credentials: creds,
		Throttle:    NewThrottle(cfg.Throttle),
		Shared:      f.shared,
		Log:         f.log.With().Str("provider", cfg.Name).Logger(),
	}, nil
}

func (f *Factory) primary(d domain.ProviderDomain) (domain.ProviderConfig, error) {
	cfg, err := f.store.GetPrimaryForDomain(d)
	if err != nil {
		return domain.ProviderConfig{}, fmt.Errorf("failed to load %s provider config: %w", d, err)
	}
	if cfg == nil {
		return domain.ProviderConfig{}, fmt.Errorf("no enabled %s provider configured", d)
	}
	return *cfg, nil
}

// Historical returns the cached historical provider, constructing on first use.
func (f *Factory) Historical() (HistoricalProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.historical != nil {
		return f.historical, nil
	}

	cfg, err := f.primary(domain.DomainHistorical)
	if err != nil {
		return nil, err
	}
	builder, err := historicalBuilder(cfg.Implementation)
	if err != nil {
		return nil, err
	}
	params, err := f.buildParams(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := builder(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build historical provider %s: %w", cfg.Name, err)
	}

	f.log.Info().Str("provider", cfg.Name).Str("implementation", cfg.Implementation).
		Msg("Historical provider initialized")
	f.historical = provider
	return provider, nil
}

// Realtime returns the cached realtime provider, constructing on first use.
func (f *Factory) Realtime() (RealtimeProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.realtime != nil {
		return f.realtime, nil
	}

	cfg, err := f.primary(domain.DomainRealtime)
	if err != nil {
		return nil, err
	}
	builder, err := realtimeBuilder(cfg.Implementation)
	if err != nil {
		return nil, err
	}
	params, err := f.buildParams(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := builder(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build realtime provider %s: %w", cfg.Name, err)
	}

	f.log.Info().Str("provider", cfg.Name).Str("implementation", cfg.Implementation).
		Msg("Realtime provider initialized")
	f.realtime = provider
	return provider, nil
}

// Futures returns the cached futures provider, constructing on first use.
func (f *Factory) Futures() (FuturesProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.futures != nil {
		return f.futures, nil
	}

	cfg, err := f.primary(domain.DomainFutures)
	if err != nil {
		return nil, err
	}
	builder, err := futuresBuilder(cfg.Implementation)
	if err != nil {
		return nil, err
	}
	params, err := f.buildParams(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := builder(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build futures provider %s: %w", cfg.Name, err)
	}

	f.log.Info().Str("provider", cfg.Name).Str("implementation", cfg.Implementation).
		Msg("Futures provider initialized")
	f.futures = provider
	return provider, nil
}

// disconnecter is implemented by providers holding live connections.
type disconnecter interface {
	Disconnect() error
}

// DisconnectAll tears down every instantiated provider. Providers sharing an
// underlying client are de-duplicated by identity so the shared connection
// is closed exactly once (the connections themselves are also idempotent).
func (f *Factory) DisconnectAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[interface{}]bool)
	for _, p := range []interface{}{f.realtime, f.futures, f.historical} {
		if p == nil || seen[p] {
			continue
		}
		seen[p] = true

		if d, ok := p.(disconnecter); ok {
			if err := d.Disconnect(); err != nil {
				f.log.Warn().Err(err).Msg("Provider disconnect failed")
			}
		}
	}

	f.historical = nil
	f.realtime = nil
	f.futures = nil
}

// DefaultSeed returns the provider rows installed when the table is empty:
// massive (Polygon-style REST) for historical, ibkr for realtime + futures.
func DefaultSeed() []domain.ProviderConfig {
	return []domain.ProviderConfig{
		{
			Name:           "massive",
			Domain:         domain.DomainHistorical,
			Implementation: "massive",
			Priority:       10,
			Throttle:       domain.ThrottleProfile{CallsPerMinute: 5, BurstSize: 1, MinDelaySeconds: 12},
			Settings:       "{}",
			Enabled:        true,
		},
		{
			Name:           "ibkr",
			Domain:         domain.DomainRealtime,
			Implementation: "ibkr",
			Priority:       10,
			Throttle:       domain.ThrottleProfile{CallsPerMinute: 120, BurstSize: 10, MinDelaySeconds: 0},
			Settings:       "{}",
			Enabled:        true,
		},
		{
			Name:           "ibkr",
			Domain:         domain.DomainFutures,
			Implementation: "ibkr",
			Priority:       10,
			Throttle:       domain.ThrottleProfile{CallsPerMinute: 30, BurstSize: 5, MinDelaySeconds: 0},
			Settings:       "{}",
			Enabled:        true,
		},
	}
}

// SeedIfEmpty installs the default provider rows when none exist yet.
func (f *Factory) SeedIfEmpty() error {
	count, err := f.store.CountProviders()
	if err != nil {
		return fmt.Errorf("failed to count provider rows: %w", err)
	}
	if count > 0 {
		return nil
	}

	for _, cfg := range DefaultSeed() {
		if _, err := f.store.CreateProvider(cfg); err != nil {
			return fmt.Errorf("failed to seed provider %s/%s: %w", cfg.Name, cfg.Domain, err)
		}
	}

	f.log.Info().Int("providers", len(DefaultSeed())).Msg("Seeded default provider configuration")
	return nil
}
