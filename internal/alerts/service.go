// Package alerts implements the alert pipeline: severity mapping,
// suppression, cooldown with the P0 bypass set, in-cycle deduplication,
// persistence, and routed delivery to the chat sinks.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/notify"
)

// store is the persistence surface the pipeline needs.
type store interface {
	Create(alert *domain.Alert) error
	LastForKey(symbol, subtype string) (*domain.Alert, error)
	Acknowledge(id int64) error
	AcknowledgeAll() (int64, error)
	GetRecent(symbol string, hours int, limit int) ([]domain.Alert, error)
}

// Outcome records what the pipeline did with one candidate alert.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeCoolingOff Outcome = "cooldown"
	OutcomeDeduped    Outcome = "deduped"
	OutcomeInvalid    Outcome = "invalid"
	OutcomeFailed     Outcome = "failed"
)

// Service is the alert pipeline. One instance serves every worker thread.
type Service struct {
	store store
	sink  notify.Sink
	log   zerolog.Logger

	mu         sync.Mutex
	cooldowns  map[string]time.Time // dedup key -> last dispatch
	suppressed map[string]bool      // subtype -> suppressed
	routing    map[domain.AlertType]string
	cooldown   time.Duration
	overrides  map[string]time.Duration // subtype -> cooldown window
	enabled    struct {
		cooldown    bool
		suppression bool
	}

	created   *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	delivered prometheus.Counter
	failed    prometheus.Counter

	now func() time.Time
}

// New creates the pipeline from config. The overrides map carries per-subtype
// cooldown minutes that take precedence over the global window. The registerer
// receives the pipeline metrics; pass a throwaway registry in tests.
func New(st store, sink notify.Sink, cfg config.AlertsConfig, overrides map[string]int, reg prometheus.Registerer, log zerolog.Logger) *Service {
	s := &Service{
		store:      st,
		sink:       sink,
		log:        log.With().Str("component", "alerts").Logger(),
		cooldowns:  make(map[string]time.Time),
		suppressed: make(map[string]bool),
		routing:    domain.DefaultRouting(),
		cooldown:   time.Duration(cfg.CooldownMinutes) * time.Minute,
		overrides:  cooldownOverrides(overrides),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_alerts_created_total",
			Help: "Alerts persisted, labelled by type and priority.",
		}, []string{"type", "priority"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_alerts_skipped_total",
			Help: "Candidate alerts dropped before persistence, by reason.",
		}, []string{"reason"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_alerts_delivered_total",
			Help: "Alerts delivered to a chat sink.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_alert_delivery_failures_total",
			Help: "Sink deliveries that failed after retries.",
		}),
		now: time.Now,
	}
	s.enabled.cooldown = cfg.EnableCooldown
	s.enabled.suppression = cfg.EnableSuppression
	for _, subtype := range cfg.Suppressed {
		s.suppressed[subtype] = true
	}
	for alertType, channel := range cfg.AlertRouting {
		s.routing[domain.AlertType(alertType)] = channel
	}
	if reg != nil {
		reg.MustRegister(s.created, s.skipped, s.delivered, s.failed)
	}
	return s
}

// ApplyConfig swaps the runtime-tunable pieces of the pipeline. Called by the
// controller on RELOAD_CONFIG.
func (s *Service) ApplyConfig(cfg config.AlertsConfig, overrides map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cooldown = time.Duration(cfg.CooldownMinutes) * time.Minute
	s.overrides = cooldownOverrides(overrides)
	s.enabled.cooldown = cfg.EnableCooldown
	s.enabled.suppression = cfg.EnableSuppression
	s.suppressed = make(map[string]bool, len(cfg.Suppressed))
	for _, subtype := range cfg.Suppressed {
		s.suppressed[subtype] = true
	}
	s.routing = domain.DefaultRouting()
	for alertType, channel := range cfg.AlertRouting {
		s.routing[domain.AlertType(alertType)] = channel
	}
	s.log.Info().Msg("Alert pipeline config reloaded")
}

// Create runs one candidate through the full pipeline and reports the outcome.
func (s *Service) Create(ctx context.Context, alert *domain.Alert) Outcome {
	outcome := s.process(ctx, alert)
	if outcome != OutcomeDispatched {
		s.skipped.WithLabelValues(string(outcome)).Inc()
	}
	return outcome
}

// CreateBatch deduplicates one cycle's candidates per (symbol, subtype),
// keeping the highest priority, then pipelines the survivors. Returns the
// alerts that were persisted.
func (s *Service) CreateBatch(ctx context.Context, candidates []*domain.Alert) []*domain.Alert {
	best := make(map[string]*domain.Alert, len(candidates))
	order := make([]string, 0, len(candidates))
	for _, c := range candidates {
		key := c.DedupKey()
		cur, seen := best[key]
		if !seen {
			best[key] = c
			order = append(order, key)
			continue
		}
		s.skipped.WithLabelValues(string(OutcomeDeduped)).Inc()
		if c.Priority < cur.Priority {
			best[key] = c
		}
	}

	var dispatched []*domain.Alert
	for _, key := range order {
		if s.Create(ctx, best[key]) == OutcomeDispatched {
			dispatched = append(dispatched, best[key])
		}
	}
	return dispatched
}

func (s *Service) process(ctx context.Context, alert *domain.Alert) Outcome {
	if !domain.ValidSubtype(alert.Type, alert.Subtype) {
		s.log.Error().Str("type", string(alert.Type)).Str("subtype", alert.Subtype).
			Msg("Rejecting alert outside the taxonomy")
		return OutcomeInvalid
	}

	if alert.TraceID == "" {
		alert.TraceID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now().UTC()
	}
	severity := domain.SeverityFor(alert.Type, alert.Subtype)

	s.mu.Lock()
	if s.enabled.suppression && s.suppressed[alert.Subtype] {
		s.mu.Unlock()
		s.log.Debug().Str("subtype", alert.Subtype).Msg("Alert suppressed by config")
		return OutcomeSuppressed
	}
	window := s.cooldown
	if d, ok := s.overrides[alert.Subtype]; ok {
		window = d
	}
	cooldownOn := s.enabled.cooldown && window > 0 && !domain.BypassesCooldown(alert.Subtype, alert.Priority)
	last, tracked := s.cooldowns[alert.DedupKey()]
	s.mu.Unlock()

	if cooldownOn {
		if !tracked {
			// Cold start: rebuild the cooldown entry from the last persisted
			// alert so a restart does not re-fire everything.
			if prev, err := s.store.LastForKey(alert.Symbol, alert.Subtype); err != nil {
				s.log.Warn().Err(err).Str("key", alert.DedupKey()).Msg("Cooldown rebuild lookup failed")
			} else if prev != nil {
				last = prev.CreatedAt
				tracked = true
				s.mu.Lock()
				s.cooldowns[alert.DedupKey()] = last
				s.mu.Unlock()
			}
		}
		if tracked && s.now().UTC().Sub(last) < window {
			s.log.Debug().Str("key", alert.DedupKey()).Time("last", last).Msg("Alert in cooldown")
			return OutcomeCoolingOff
		}
	}

	if err := s.store.Create(alert); err != nil {
		s.log.Error().Err(err).Str("symbol", alert.Symbol).Str("subtype", alert.Subtype).
			Msg("Failed to persist alert")
		return OutcomeFailed
	}
	s.created.WithLabelValues(string(alert.Type), alert.Priority.String()).Inc()

	s.mu.Lock()
	channel := s.routing[alert.Type]
	s.mu.Unlock()
	if channel == "" {
		channel = domain.ChannelSystem
	}

	if err := s.sink.Send(ctx, channel, alert); err != nil {
		// Persisted but undelivered: no cooldown update so the next cycle
		// can try again.
		s.failed.Inc()
		s.log.Error().Err(err).
			Str("trace_id", alert.TraceID).
			Str("channel", channel).
			Str("severity", string(severity)).
			Msg("Alert delivery failed")
		return OutcomeFailed
	}
	s.delivered.Inc()

	s.mu.Lock()
	s.cooldowns[alert.DedupKey()] = s.now().UTC()
	s.mu.Unlock()

	s.log.Info().
		Str("trace_id", alert.TraceID).
		Str("symbol", alert.Symbol).
		Str("type", string(alert.Type)).
		Str("subtype", alert.Subtype).
		Str("priority", alert.Priority.String()).
		Str("channel", channel).
		Msg("Alert dispatched")
	return OutcomeDispatched
}

// cooldownOverrides converts the per-subtype minute map into durations.
func cooldownOverrides(minutes map[string]int) map[string]time.Duration {
	out := make(map[string]time.Duration, len(minutes))
	for subtype, m := range minutes {
		out[subtype] = time.Duration(m) * time.Minute
	}
	return out
}

// Acknowledge marks one alert acknowledged.
func (s *Service) Acknowledge(id int64) error {
	if err := s.store.Acknowledge(id); err != nil {
		return fmt.Errorf("failed to acknowledge alert %d: %w", id, err)
	}
	return nil
}

// AcknowledgeAll marks every unacknowledged alert and returns the count.
func (s *Service) AcknowledgeAll() (int64, error) {
	n, err := s.store.AcknowledgeAll()
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge alerts: %w", err)
	}
	return n, nil
}

// Recent returns recent alerts, optionally filtered by symbol.
func (s *Service) Recent(symbol string, hours, limit int) ([]domain.Alert, error) {
	if hours <= 0 {
		hours = 24
	}
	if limit <= 0 {
		limit = 50
	}
	return s.store.GetRecent(symbol, hours, limit)
}

// ResetCooldown clears the cooldown entry for a key, used by tests and the
// RELOAD_CONFIG handler.
func (s *Service) ResetCooldown(symbol, subtype string) {
	s.mu.Lock()
	delete(s.cooldowns, symbol+"|"+subtype)
	s.mu.Unlock()
}
