package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/domain"
)

// AlertRepository handles the append-only alert log. Rows never change after
// insertion except for the acknowledgement fields.
type AlertRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAlertRepository creates a new alert repository.
func NewAlertRepository(db *sql.DB, log zerolog.Logger) *AlertRepository {
	return &AlertRepository{
		db:  db,
		log: log.With().Str("repo", "alerts").Logger(),
	}
}

// Create persists a new alert and assigns its id and creation time.
func (r *AlertRepository) Create(alert *domain.Alert) error {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	alert.Acknowledged = false

	ctxJSON, err := json.Marshal(alert.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal alert context for %s: %w", alert.Symbol, err)
	}

	result, err := r.db.Exec(`INSERT INTO alerts
		(trace_id, position_id, symbol, alert_type, subtype, priority, message, action,
		 thread_source, context, created_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		alert.TraceID, alert.PositionID, alert.Symbol, string(alert.Type), alert.Subtype,
		int(alert.Priority), alert.Message, nullStr(alert.Action),
		nullStr(alert.ThreadSource), string(ctxJSON), alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create alert %s/%s: %w", alert.Symbol, alert.Subtype, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get alert id: %w", err)
	}
	alert.ID = id
	return nil
}

// GetRecent returns alerts created within the last `hours` hours, newest
// first, optionally filtered by symbol, capped at limit rows.
func (r *AlertRepository) GetRecent(symbol string, hours int, limit int) ([]domain.Alert, error) {
	if hours <= 0 {
		hours = 24
	}
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	query := `SELECT id, trace_id, position_id, symbol, alert_type, subtype, priority,
		message, action, thread_source, context, created_at, acknowledged, acknowledged_at
		FROM alerts WHERE created_at >= ?`
	args := []interface{}{cutoff}
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

// LastForKey returns the newest alert for a (symbol, subtype) pair, or nil.
// Used to rebuild cooldown state after a restart.
func (r *AlertRepository) LastForKey(symbol, subtype string) (*domain.Alert, error) {
	row := r.db.QueryRow(`SELECT id, trace_id, position_id, symbol, alert_type, subtype, priority,
		message, action, thread_source, context, created_at, acknowledged, acknowledged_at
		FROM alerts WHERE symbol = ? AND subtype = ? ORDER BY created_at DESC LIMIT 1`,
		symbol, subtype)

	alert, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last alert for %s/%s: %w", symbol, subtype, err)
	}
	return alert, nil
}

// Acknowledge marks one alert acknowledged. Acknowledging an already
// acknowledged alert is a no-op: acknowledged_at is preserved.
func (r *AlertRepository) Acknowledge(id int64) error {
	_, err := r.db.Exec(`UPDATE alerts SET acknowledged = 1, acknowledged_at = ?
		WHERE id = ? AND acknowledged = 0`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert %d: %w", id, err)
	}
	return nil
}

// AcknowledgeAll marks every unacknowledged alert acknowledged and returns
// how many rows changed.
func (r *AlertRepository) AcknowledgeAll() (int64, error) {
	result, err := r.db.Exec(`UPDATE alerts SET acknowledged = 1, acknowledged_at = ?
		WHERE acknowledged = 0`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge all alerts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count acknowledged alerts: %w", err)
	}
	return n, nil
}

// TrimOlderThan deletes acknowledged alerts older than the cutoff. Run by
// the maintenance worker; unacknowledged alerts are always kept.
func (r *AlertRepository) TrimOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM alerts WHERE acknowledged = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to trim alerts: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("removed", n).Msg("Trimmed old acknowledged alerts")
	}
	return n, nil
}

func scanAlert(row scanner) (*domain.Alert, error) {
	var (
		alert                         domain.Alert
		alertType                     string
		priority                      int
		action, threadSource, ctxJSON sql.NullString
		acked                         int
	)

	err := row.Scan(&alert.ID, &alert.TraceID, &alert.PositionID, &alert.Symbol,
		&alertType, &alert.Subtype, &priority, &alert.Message, &action,
		&threadSource, &ctxJSON, &alert.CreatedAt, &acked, &alert.AcknowledgedAt)
	if err != nil {
		return nil, err
	}

	alert.Type = domain.AlertType(alertType)
	alert.Priority = domain.Priority(priority)
	alert.Action = action.String
	alert.ThreadSource = threadSource.String
	alert.Acknowledged = acked != 0
	if ctxJSON.Valid && ctxJSON.String != "" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &alert.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert context: %w", err)
		}
	}
	return &alert, nil
}
