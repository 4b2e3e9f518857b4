package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/domain"
)

// BuildParams carries everything a provider builder needs. The factory fills
// it from the persisted ProviderConfig row plus shared runtime resources.
type BuildParams struct {
	Config      domain.ProviderConfig
	Credentials map[string]string
	Throttle    *Throttle
	Shared      *SharedClients
	Log         zerolog.Logger
}

// Builder signatures per domain.
type (
	HistoricalBuilder func(BuildParams) (HistoricalProvider, error)
	RealtimeBuilder   func(BuildParams) (RealtimeProvider, error)
	FuturesBuilder    func(BuildParams) (FuturesProvider, error)
)

// registry holds self-registered provider implementations. Populated from
// package init functions; read-only afterwards.
var registry = struct {
	mu         sync.RWMutex
	historical map[string]HistoricalBuilder
	realtime   map[string]RealtimeBuilder
	futures    map[string]FuturesBuilder
}{
	historical: make(map[string]HistoricalBuilder),
	realtime:   make(map[string]RealtimeBuilder),
	futures:    make(map[string]FuturesBuilder),
}

// RegisterHistorical registers a historical provider implementation by name.
func RegisterHistorical(name string, builder HistoricalBuilder) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.historical[name] = builder
}

// RegisterRealtime registers a realtime provider implementation by name.
func RegisterRealtime(name string, builder RealtimeBuilder) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.realtime[name] = builder
}

// RegisterFutures registers a futures provider implementation by name.
func RegisterFutures(name string, builder FuturesBuilder) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.futures[name] = builder
}

func historicalBuilder(name string) (HistoricalBuilder, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	b, ok := registry.historical[name]
	if !ok {
		return nil, fmt.Errorf("unknown historical provider implementation: %s", name)
	}
	return b, nil
}

func realtimeBuilder(name string) (RealtimeBuilder, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	b, ok := registry.realtime[name]
	if !ok {
		return nil, fmt.Errorf("unknown realtime provider implementation: %s", name)
	}
	return b, nil
}

func futuresBuilder(name string) (FuturesBuilder, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	b, ok := registry.futures[name]
	if !ok {
		return nil, fmt.Errorf("unknown futures provider implementation: %s", name)
	}
	return b, nil
}

// RegisteredImplementations lists registered implementation names per domain.
func RegisteredImplementations(d domain.ProviderDomain) []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	var names []string
	switch d {
	case domain.DomainHistorical:
		for name := range registry.historical {
			names = append(names, name)
		}
	case domain.DomainRealtime:
		for name := range registry.realtime {
			names = append(names, name)
		}
	case domain.DomainFutures:
		for name := range registry.futures {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SharedClients lets two providers share one underlying connection (the ibkr
// gateway serves both the realtime and futures adapters). GetOrCreate is
// keyed by name; the first caller constructs, later callers get the same
// instance.
type SharedClients struct {
	mu      sync.Mutex
	clients map[string]interface{}
}

// NewSharedClients creates an empty shared-client cache.
func NewSharedClients() *SharedClients {
	return &SharedClients{clients: make(map[string]interface{})}
}

// GetOrCreate returns the named shared client, constructing it on first use.
func (s *SharedClients) GetOrCreate(name string, create func() (interface{}, error)) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client, ok := s.clients[name]; ok {
		return client, nil
	}

	client, err := create()
	if err != nil {
		return nil, err
	}
	s.clients[name] = client
	return client, nil
}
