package providers

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mberan/vigil/internal/domain"
)

// fakeStore is an in-memory ConfigStore.
type fakeStore struct {
	rows  []domain.ProviderConfig
	creds map[int64]map[string]string
}

func (s *fakeStore) GetPrimaryForDomain(d domain.ProviderDomain) (*domain.ProviderConfig, error) {
	var best *domain.ProviderConfig
	for i := range s.rows {
		row := &s.rows[i]
		if row.Domain != d || !row.Enabled {
			continue
		}
		if best == nil || row.Priority > best.Priority {
			best = row
		}
	}
	return best, nil
}

func (s *fakeStore) GetAllCredentials(providerID int64) (map[string]string, error) {
	if c, ok := s.creds[providerID]; ok {
		return c, nil
	}
	return map[string]string{}, nil
}

func (s *fakeStore) CreateProvider(cfg domain.ProviderConfig) (int64, error) {
	cfg.ID = int64(len(s.rows) + 1)
	s.rows = append(s.rows, cfg)
	return cfg.ID, nil
}

func (s *fakeStore) SetCredential(providerID int64, key, value string) error {
	if s.creds == nil {
		s.creds = map[int64]map[string]string{}
	}
	if s.creds[providerID] == nil {
		s.creds[providerID] = map[string]string{}
	}
	s.creds[providerID][key] = value
	return nil
}

func (s *fakeStore) CountProviders() (int, error) { return len(s.rows), nil }

// stubRealtime counts disconnects; used to verify identity de-duplication.
type stubRealtime struct {
	name        string
	disconnects *atomic.Int32
}

func (s *stubRealtime) Name() string { return s.name }
func (s *stubRealtime) GetQuote(_ context.Context, symbol string) (Quote, error) {
	return Quote{Symbol: symbol, Last: 100}, nil
}
func (s *stubRealtime) GetQuotes(_ context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	for _, sym := range symbols {
		out[sym] = Quote{Symbol: sym, Last: 100}
	}
	return out, nil
}
func (s *stubRealtime) IsConnected() bool { return true }
func (s *stubRealtime) Disconnect() error {
	s.disconnects.Add(1)
	return nil
}
func (s *stubRealtime) Health() HealthSnapshot { return HealthSnapshot{Provider: s.name} }

// stubRealtime also serves futures so one instance can back both domains.
func (s *stubRealtime) GetOvernightFutures(_ context.Context) (domain.FuturesSnapshot, error) {
	return domain.FuturesSnapshot{}, nil
}

func TestFactory_PicksHighestPriorityEnabled(t *testing.T) {
	var disconnects atomic.Int32
	RegisterRealtime("stub-a", func(p BuildParams) (RealtimeProvider, error) {
		return &stubRealtime{name: "stub-a", disconnects: &disconnects}, nil
	})
	RegisterRealtime("stub-b", func(p BuildParams) (RealtimeProvider, error) {
		return &stubRealtime{name: "stub-b", disconnects: &disconnects}, nil
	})

	store := &fakeStore{rows: []domain.ProviderConfig{
		{ID: 1, Name: "a", Domain: domain.DomainRealtime, Implementation: "stub-a", Priority: 5, Enabled: true},
		{ID: 2, Name: "b", Domain: domain.DomainRealtime, Implementation: "stub-b", Priority: 9, Enabled: true},
		{ID: 3, Name: "c", Domain: domain.DomainRealtime, Implementation: "stub-a", Priority: 99, Enabled: false},
	}}

	f := NewFactory(store, zerolog.Nop())
	rt, err := f.Realtime()
	require.NoError(t, err)
	assert.Equal(t, "stub-b", rt.Name())

	// Cached: second call returns the same instance.
	rt2, err := f.Realtime()
	require.NoError(t, err)
	assert.Same(t, rt, rt2)
}

func TestFactory_DisconnectAllDeduplicatesSharedInstance(t *testing.T) {
	var disconnects atomic.Int32
	shared := &stubRealtime{name: "shared", disconnects: &disconnects}

	f := NewFactory(&fakeStore{}, zerolog.Nop())
	// Realtime and futures backed by the identical instance.
	f.realtime = shared
	f.futures = shared

	f.DisconnectAll()
	assert.Equal(t, int32(1), disconnects.Load())
}

func TestFactory_SeedIfEmpty(t *testing.T) {
	store := &fakeStore{}
	f := NewFactory(store, zerolog.Nop())

	require.NoError(t, f.SeedIfEmpty())
	assert.Len(t, store.rows, 3)

	// Re-seeding is a no-op once rows exist.
	require.NoError(t, f.SeedIfEmpty())
	assert.Len(t, store.rows, 3)

	// Each provider domain got a default row.
	for _, d := range []domain.ProviderDomain{domain.DomainHistorical, domain.DomainRealtime, domain.DomainFutures} {
		cfg, err := store.GetPrimaryForDomain(d)
		require.NoError(t, err)
		require.NotNil(t, cfg, "missing seed for %s", d)
	}
}

func TestFactory_NoConfiguredProvider(t *testing.T) {
	f := NewFactory(&fakeStore{}, zerolog.Nop())
	_, err := f.Historical()
	assert.Error(t, err)
}

func TestSharedClients_GetOrCreate(t *testing.T) {
	sc := NewSharedClients()
	created := 0

	make1, err := sc.GetOrCreate("gateway", func() (interface{}, error) {
		created++
		return &struct{ id int }{1}, nil
	})
	require.NoError(t, err)

	make2, err := sc.GetOrCreate("gateway", func() (interface{}, error) {
		created++
		return &struct{ id int }{2}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, created)
	assert.Same(t, make1, make2)
}
