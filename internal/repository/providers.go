package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/domain"
)

// ProviderConfigRepository handles provider rows and their credentials.
// Implements providers.ConfigStore.
type ProviderConfigRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewProviderConfigRepository creates a new provider-config repository.
func NewProviderConfigRepository(db *sql.DB, log zerolog.Logger) *ProviderConfigRepository {
	return &ProviderConfigRepository{
		db:  db,
		log: log.With().Str("repo", "providers").Logger(),
	}
}

// GetPrimaryForDomain returns the highest-priority enabled provider row for
// a domain, or nil when none is configured.
func (r *ProviderConfigRepository) GetPrimaryForDomain(d domain.ProviderDomain) (*domain.ProviderConfig, error) {
	row := r.db.QueryRow(`SELECT id, name, domain, implementation, priority,
		calls_per_minute, burst_size, min_delay_seconds, settings, enabled, created_at
		FROM providers WHERE domain = ? AND enabled = 1
		ORDER BY priority DESC LIMIT 1`, string(d))

	cfg, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get primary %s provider: %w", d, err)
	}
	return cfg, nil
}

// GetAll returns every provider row.
func (r *ProviderConfigRepository) GetAll() ([]domain.ProviderConfig, error) {
	rows, err := r.db.Query(`SELECT id, name, domain, implementation, priority,
		calls_per_minute, burst_size, min_delay_seconds, settings, enabled, created_at
		FROM providers ORDER BY domain, priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var configs []domain.ProviderConfig
	for rows.Next() {
		cfg, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating providers: %w", err)
	}
	return configs, nil
}

// CountProviders returns the number of provider rows; the factory seeds
// defaults when this is zero.
func (r *ProviderConfigRepository) CountProviders() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM providers`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count providers: %w", err)
	}
	return count, nil
}

// CreateProvider inserts a provider row and returns its id.
func (r *ProviderConfigRepository) CreateProvider(cfg domain.ProviderConfig) (int64, error) {
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.Exec(`INSERT INTO providers
		(name, domain, implementation, priority, calls_per_minute, burst_size,
		 min_delay_seconds, settings, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.Name, string(cfg.Domain), cfg.Implementation, cfg.Priority,
		cfg.Throttle.CallsPerMinute, cfg.Throttle.BurstSize, cfg.Throttle.MinDelaySeconds,
		cfg.Settings, boolToInt(cfg.Enabled), cfg.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to create provider %s/%s: %w", cfg.Name, cfg.Domain, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get provider id: %w", err)
	}
	r.log.Debug().Str("name", cfg.Name).Str("domain", string(cfg.Domain)).Int64("id", id).
		Msg("Provider created")
	return id, nil
}

// GetAllCredentials returns the credential key/value pairs for a provider.
func (r *ProviderConfigRepository) GetAllCredentials(providerID int64) (map[string]string, error) {
	rows, err := r.db.Query(`SELECT key, value FROM provider_credentials WHERE provider_id = ?`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials for provider %d: %w", providerID, err)
	}
	defer rows.Close()

	creds := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}
	return creds, nil
}

// SetCredential upserts one credential key for a provider.
func (r *ProviderConfigRepository) SetCredential(providerID int64, key, value string) error {
	_, err := r.db.Exec(`INSERT INTO provider_credentials (provider_id, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(provider_id, key) DO UPDATE SET value = excluded.value`,
		providerID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set credential %s for provider %d: %w", key, providerID, err)
	}
	return nil
}

func scanProvider(row scanner) (*domain.ProviderConfig, error) {
	var (
		cfg     domain.ProviderConfig
		d       string
		enabled int
	)

	err := row.Scan(&cfg.ID, &cfg.Name, &d, &cfg.Implementation, &cfg.Priority,
		&cfg.Throttle.CallsPerMinute, &cfg.Throttle.BurstSize, &cfg.Throttle.MinDelaySeconds,
		&cfg.Settings, &enabled, &cfg.CreatedAt)
	if err != nil {
		return nil, err
	}

	cfg.Domain = domain.ProviderDomain(d)
	cfg.Enabled = enabled != 0
	return &cfg, nil
}
