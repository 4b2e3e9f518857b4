package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/domain"
)

// ErrSnapshotExists is returned by UpsertForDate when a row for the date
// already exists and force was not set. Interactive callers prompt the user;
// the unattended morning run always passes force.
var ErrSnapshotExists = errors.New("regime snapshot already exists for date")

// dateLayout is the calendar-day key format for regime rows.
const dateLayout = "2006-01-02"

// RegimeAlertRepository handles daily market-regime snapshots,
// one row per calendar date.
type RegimeAlertRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRegimeAlertRepository creates a new regime-alert repository.
func NewRegimeAlertRepository(db *sql.DB, log zerolog.Logger) *RegimeAlertRepository {
	return &RegimeAlertRepository{
		db:  db,
		log: log.With().Str("repo", "regime_alerts").Logger(),
	}
}

// GetLatest returns the most recent snapshot, or nil when none exist.
func (r *RegimeAlertRepository) GetLatest() (*domain.RegimeSnapshot, error) {
	row := r.db.QueryRow(`SELECT id, date, spy_d_days, qqq_d_days, spy_delta_5d, qqq_delta_5d,
		trend, phase, score, regime, futures, alert_sent, created_at
		FROM regime_alerts ORDER BY date DESC LIMIT 1`)

	snap, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest regime snapshot: %w", err)
	}
	return snap, nil
}

// GetForDate returns the snapshot for a calendar date, or nil.
func (r *RegimeAlertRepository) GetForDate(date time.Time) (*domain.RegimeSnapshot, error) {
	row := r.db.QueryRow(`SELECT id, date, spy_d_days, qqq_d_days, spy_delta_5d, qqq_delta_5d,
		trend, phase, score, regime, futures, alert_sent, created_at
		FROM regime_alerts WHERE date = ?`, date.Format(dateLayout))

	snap, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get regime snapshot for %s: %w", date.Format(dateLayout), err)
	}
	return snap, nil
}

// UpsertForDate writes the snapshot for its date. When a row for the date
// already exists the call fails with ErrSnapshotExists unless force is set,
// in which case the existing row is overwritten in place. At most one row
// per calendar date exists after any number of calls.
func (r *RegimeAlertRepository) UpsertForDate(snap *domain.RegimeSnapshot, force bool) error {
	dateKey := snap.Date.Format(dateLayout)

	var futuresJSON interface{}
	if snap.Futures != nil {
		data, err := json.Marshal(snap.Futures)
		if err != nil {
			return fmt.Errorf("failed to marshal futures snapshot: %w", err)
		}
		futuresJSON = string(data)
	}

	existing, err := r.GetForDate(snap.Date)
	if err != nil {
		return err
	}

	if existing != nil {
		if !force {
			return fmt.Errorf("%w: %s", ErrSnapshotExists, dateKey)
		}
		_, err := r.db.Exec(`UPDATE regime_alerts SET spy_d_days = ?, qqq_d_days = ?,
			spy_delta_5d = ?, qqq_delta_5d = ?, trend = ?, phase = ?, score = ?, regime = ?,
			futures = ?, alert_sent = ? WHERE date = ?`,
			snap.SPYDDays, snap.QQQDDays, snap.SPYDelta5, snap.QQQDelta5,
			string(snap.Trend), string(snap.Phase), snap.Score, string(snap.Regime),
			futuresJSON, boolToInt(snap.AlertSent), dateKey)
		if err != nil {
			return fmt.Errorf("failed to overwrite regime snapshot for %s: %w", dateKey, err)
		}
		snap.ID = existing.ID
		r.log.Info().Str("date", dateKey).Msg("Regime snapshot overwritten")
		return nil
	}

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.Exec(`INSERT INTO regime_alerts
		(date, spy_d_days, qqq_d_days, spy_delta_5d, qqq_delta_5d, trend, phase, score,
		 regime, futures, alert_sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dateKey, snap.SPYDDays, snap.QQQDDays, snap.SPYDelta5, snap.QQQDelta5,
		string(snap.Trend), string(snap.Phase), snap.Score, string(snap.Regime),
		futuresJSON, boolToInt(snap.AlertSent), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert regime snapshot for %s: %w", dateKey, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get regime snapshot id: %w", err)
	}
	snap.ID = id
	return nil
}

// MarkAlertSent flags the date's snapshot as published to the market channel.
func (r *RegimeAlertRepository) MarkAlertSent(date time.Time) error {
	_, err := r.db.Exec(`UPDATE regime_alerts SET alert_sent = 1 WHERE date = ?`,
		date.Format(dateLayout))
	if err != nil {
		return fmt.Errorf("failed to mark regime alert sent: %w", err)
	}
	return nil
}

func (r *RegimeAlertRepository) scan(row scanner) (*domain.RegimeSnapshot, error) {
	var (
		snap            domain.RegimeSnapshot
		dateStr         string
		trend, phase    string
		regime          string
		futuresJSON     sql.NullString
		alertSent       int
	)

	err := row.Scan(&snap.ID, &dateStr, &snap.SPYDDays, &snap.QQQDDays,
		&snap.SPYDelta5, &snap.QQQDelta5, &trend, &phase, &snap.Score,
		&regime, &futuresJSON, &alertSent, &snap.CreatedAt)
	if err != nil {
		return nil, err
	}

	date, err := time.Parse(dateLayout, dateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid regime snapshot date %q: %w", dateStr, err)
	}
	snap.Date = date
	snap.Trend = domain.DDayTrend(trend)
	snap.Phase = domain.MarketPhase(phase)
	snap.Regime = domain.RegimeLabel(regime)
	snap.AlertSent = alertSent != 0

	if futuresJSON.Valid && futuresJSON.String != "" {
		var fut domain.FuturesSnapshot
		if err := json.Unmarshal([]byte(futuresJSON.String), &fut); err != nil {
			return nil, fmt.Errorf("failed to unmarshal futures snapshot: %w", err)
		}
		snap.Futures = &fut
	}
	return &snap, nil
}
