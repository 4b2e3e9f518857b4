package domain

import "time"

// ProviderDomain identifies which data role a provider serves.
type ProviderDomain string

const (
	DomainHistorical ProviderDomain = "historical"
	DomainRealtime   ProviderDomain = "realtime"
	DomainFutures    ProviderDomain = "futures"
)

// ThrottleProfile bounds a provider's request rate. The limiter enforces
// both the per-minute window and the minimum inter-call delay.
type ThrottleProfile struct {
	CallsPerMinute  int     `json:"calls_per_minute"`
	BurstSize       int     `json:"burst_size"`
	MinDelaySeconds float64 `json:"min_delay_seconds"`
}

// ProviderConfig is one per-provider row from persistence. The factory picks
// the highest-priority enabled row per domain.
type ProviderConfig struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Domain         ProviderDomain  `json:"domain"`
	Implementation string          `json:"implementation"`
	Priority       int             `json:"priority"`
	Throttle       ThrottleProfile `json:"throttle"`
	Settings       string          `json:"settings"` // implementation-specific JSON blob
	Enabled        bool            `json:"enabled"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ProviderCredential is one key/value secret attached to a provider row.
type ProviderCredential struct {
	ProviderID int64  `json:"provider_id"`
	Key        string `json:"key"`
	Value      string `json:"value"`
}
