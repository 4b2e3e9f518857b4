// Package repository provides the persistence adapters the engine consumes:
// positions, alerts, regime snapshots, and provider configuration.
package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// positionColumns is the canonical column list, matched by scanPosition.
const positionColumns = `id, symbol, portfolio, state,
	pivot_price, pattern, base_stage, base_depth_pct, base_length_weeks,
	rs_rating, rs_3m, rs_6m, eps_rating, comp_rating, smr_rating, ad_rating,
	up_down_volume, industry_rank, fund_count, prior_uptrend_pct,
	entry1_shares, entry1_price, entry2_shares, entry2_price, entry3_shares, entry3_price,
	tp1_shares, tp1_price, tp1_date, tp2_shares, tp2_price, tp2_date,
	close_price, close_date, close_reason,
	hard_stop_pct, stop_price,
	last_price, max_price, max_gain_pct, health_score, health_rating,
	eight_week_hold_active, eight_week_hold_start, eight_week_hold_end,
	power_move_pct, power_move_weeks,
	watch_date, breakout_date, entry_date, earnings_date, last_transition, last_price_update,
	prior_extended_at, alt_entry_test_count,
	created_at, updated_at`

// PositionRepository handles position database operations.
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository.
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

// GetAll returns all positions, optionally including closed (terminal) ones.
func (r *PositionRepository) GetAll(includeClosed bool) ([]domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions"
	if !includeClosed {
		query += fmt.Sprintf(" WHERE state NOT IN (%d, %d)", domain.StateFailed, domain.StateStopped)
	}
	query += " ORDER BY symbol"

	return r.queryPositions(query)
}

// GetInPosition returns positions currently holding shares (state 1, 2 or 3).
func (r *PositionRepository) GetInPosition() ([]domain.Position, error) {
	query := fmt.Sprintf("SELECT %s FROM positions WHERE state IN (%d, %d, %d) ORDER BY symbol",
		positionColumns, domain.StateEntry1, domain.StateEntry2, domain.StateEntry3)
	return r.queryPositions(query)
}

// GetWatchlist returns state-0 watchlist candidates.
func (r *PositionRepository) GetWatchlist() ([]domain.Position, error) {
	query := fmt.Sprintf("SELECT %s FROM positions WHERE state = %d ORDER BY symbol",
		positionColumns, domain.StateWatching)
	return r.queryPositions(query)
}

// GetExitedWatching returns positions in the exited-but-watching state,
// used by the maintenance worker for re-entry tracking and auto-archive.
func (r *PositionRepository) GetExitedWatching() ([]domain.Position, error) {
	query := fmt.Sprintf("SELECT %s FROM positions WHERE state = %d ORDER BY symbol",
		positionColumns, domain.StateWatchingExited)
	return r.queryPositions(query)
}

// GetByID returns the position with the given id.
func (r *PositionRepository) GetByID(id int64) (*domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE id = ?"
	pos, err := r.scanPosition(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get position %d: %w", id, err)
	}
	return pos, nil
}

// GetBySymbol returns the position for a symbol in the given portfolio.
func (r *PositionRepository) GetBySymbol(symbol, portfolio string) (*domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE symbol = ? AND portfolio = ?"
	pos, err := r.scanPosition(r.db.QueryRow(query, symbol, portfolio))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("position %s/%s: %w", symbol, portfolio, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get position %s/%s: %w", symbol, portfolio, err)
	}
	return pos, nil
}

// Create inserts a new position and returns it with the assigned id.
func (r *PositionRepository) Create(pos *domain.Position) error {
	now := time.Now().UTC()
	pos.CreatedAt = now
	pos.UpdatedAt = now

	query := `INSERT INTO positions (symbol, portfolio, state,
		pivot_price, pattern, base_stage, base_depth_pct, base_length_weeks,
		rs_rating, rs_3m, rs_6m, eps_rating, comp_rating, smr_rating, ad_rating,
		up_down_volume, industry_rank, fund_count, prior_uptrend_pct,
		hard_stop_pct, stop_price, watch_date, earnings_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.Exec(query,
		pos.Symbol, pos.Portfolio, int(pos.State),
		pos.PivotPrice, nullStr(pos.Pattern), pos.BaseStage, pos.BaseDepthPct, pos.BaseLengthWks,
		pos.RSRating, pos.RS3Month, pos.RS6Month, pos.EPSRating, pos.CompRating,
		nullStr(pos.SMRRating), nullStr(pos.ADRating),
		pos.UpDownVolume, pos.IndustryRank, pos.FundCount, pos.PriorUptrend,
		pos.HardStopPct, pos.StopPrice, pos.WatchDate, pos.EarningsDate,
		pos.CreatedAt, pos.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create position %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get position id for %s: %w", pos.Symbol, err)
	}
	pos.ID = id

	r.log.Debug().Str("symbol", pos.Symbol).Int64("id", id).Msg("Position created")
	return nil
}

// Update writes the full mutable column set of the position.
func (r *PositionRepository) Update(pos *domain.Position) error {
	pos.UpdatedAt = time.Now().UTC()

	query := `UPDATE positions SET
		state = ?, pivot_price = ?, pattern = ?, base_stage = ?, base_depth_pct = ?, base_length_weeks = ?,
		rs_rating = ?, rs_3m = ?, rs_6m = ?, eps_rating = ?, comp_rating = ?, smr_rating = ?, ad_rating = ?,
		up_down_volume = ?, industry_rank = ?, fund_count = ?, prior_uptrend_pct = ?,
		entry1_shares = ?, entry1_price = ?, entry2_shares = ?, entry2_price = ?, entry3_shares = ?, entry3_price = ?,
		tp1_shares = ?, tp1_price = ?, tp1_date = ?, tp2_shares = ?, tp2_price = ?, tp2_date = ?,
		close_price = ?, close_date = ?, close_reason = ?,
		hard_stop_pct = ?, stop_price = ?,
		last_price = ?, max_price = ?, max_gain_pct = ?, health_score = ?, health_rating = ?,
		eight_week_hold_active = ?, eight_week_hold_start = ?, eight_week_hold_end = ?,
		power_move_pct = ?, power_move_weeks = ?,
		watch_date = ?, breakout_date = ?, entry_date = ?, earnings_date = ?,
		last_transition = ?, last_price_update = ?,
		prior_extended_at = ?, alt_entry_test_count = ?,
		updated_at = ?
		WHERE id = ?`

	_, err := r.db.Exec(query,
		int(pos.State), pos.PivotPrice, nullStr(pos.Pattern), pos.BaseStage, pos.BaseDepthPct, pos.BaseLengthWks,
		pos.RSRating, pos.RS3Month, pos.RS6Month, pos.EPSRating, pos.CompRating,
		nullStr(pos.SMRRating), nullStr(pos.ADRating),
		pos.UpDownVolume, pos.IndustryRank, pos.FundCount, pos.PriorUptrend,
		pos.Entry1Shares, pos.Entry1Price, pos.Entry2Shares, pos.Entry2Price, pos.Entry3Shares, pos.Entry3Price,
		pos.TP1Shares, pos.TP1Price, pos.TP1Date, pos.TP2Shares, pos.TP2Price, pos.TP2Date,
		pos.ClosePrice, pos.CloseDate, nullStr(pos.CloseReason),
		pos.HardStopPct, pos.StopPrice,
		pos.LastPrice, pos.MaxPrice, pos.MaxGainPct, pos.HealthScore, nullStr(pos.HealthRating),
		boolToInt(pos.EightWeekHoldActive), pos.EightWeekHoldStart, pos.EightWeekHoldEnd,
		pos.PowerMovePct, pos.PowerMoveWeeks,
		pos.WatchDate, pos.BreakoutDate, pos.EntryDate, pos.EarningsDate,
		pos.LastTransition, pos.LastPriceUpdate,
		pos.PriorExtendedAt, pos.AltEntryTestCnt,
		pos.UpdatedAt, pos.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update position %s: %w", pos.Symbol, err)
	}
	return nil
}

// UpdatePrice persists the tracking fields touched every quote tick: last
// price, max price, max gain. Cheap compared to a full Update.
func (r *PositionRepository) UpdatePrice(pos *domain.Position, price float64, ts time.Time) error {
	pos.LastPrice = domain.Float64Ptr(price)
	pos.LastPriceUpdate = domain.TimePtr(ts)

	if pos.MaxPrice == nil || price > *pos.MaxPrice {
		pos.MaxPrice = domain.Float64Ptr(price)
		if gain := pos.PnLPct(price); pos.MaxGainPct == nil || gain > *pos.MaxGainPct {
			pos.MaxGainPct = domain.Float64Ptr(gain)
		}
	}

	_, err := r.db.Exec(`UPDATE positions SET last_price = ?, last_price_update = ?,
		max_price = ?, max_gain_pct = ?, updated_at = ? WHERE id = ?`,
		pos.LastPrice, pos.LastPriceUpdate, pos.MaxPrice, pos.MaxGainPct,
		time.Now().UTC(), pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update price for %s: %w", pos.Symbol, err)
	}
	return nil
}

// UpdateEightWeekHold persists the 8-week-hold window in its own short
// transaction; the position object held by the checker is detached.
func (r *PositionRepository) UpdateEightWeekHold(positionID int64, hold domain.EightWeekHold) error {
	_, err := r.db.Exec(`UPDATE positions SET eight_week_hold_active = ?,
		eight_week_hold_start = ?, eight_week_hold_end = ?,
		power_move_pct = ?, power_move_weeks = ?, updated_at = ? WHERE id = ?`,
		boolToInt(hold.Active), hold.Start, hold.End,
		hold.PowerMovePct, hold.PowerMoveWeeks, time.Now().UTC(), positionID)
	if err != nil {
		return fmt.Errorf("failed to persist 8-week hold for position %d: %w", positionID, err)
	}
	return nil
}

// UpdateHealth persists the health score and rating.
func (r *PositionRepository) UpdateHealth(positionID int64, score float64, rating string) error {
	_, err := r.db.Exec(`UPDATE positions SET health_score = ?, health_rating = ?, updated_at = ? WHERE id = ?`,
		score, rating, time.Now().UTC(), positionID)
	if err != nil {
		return fmt.Errorf("failed to persist health for position %d: %w", positionID, err)
	}
	return nil
}

// GetNeedingSync returns positions whose last price update is older than
// maxAge, excluding terminal states.
func (r *PositionRepository) GetNeedingSync(maxAge time.Duration) ([]domain.Position, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	query := fmt.Sprintf(`SELECT %s FROM positions
		WHERE state NOT IN (%d, %d)
		AND (last_price_update IS NULL OR last_price_update < ?)
		ORDER BY symbol`, positionColumns, domain.StateFailed, domain.StateStopped)

	rows, err := r.db.Query(query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions needing sync: %w", err)
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *PositionRepository) queryPositions(query string, args ...interface{}) ([]domain.Position, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *PositionRepository) collect(rows *sql.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		pos, err := r.scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *PositionRepository) scanPosition(row scanner) (*domain.Position, error) {
	var (
		pos                                     domain.Position
		state                                   int
		pattern, smr, ad, closeReason, rating   sql.NullString
		holdActive                              int
	)

	err := row.Scan(
		&pos.ID, &pos.Symbol, &pos.Portfolio, &state,
		&pos.PivotPrice, &pattern, &pos.BaseStage, &pos.BaseDepthPct, &pos.BaseLengthWks,
		&pos.RSRating, &pos.RS3Month, &pos.RS6Month, &pos.EPSRating, &pos.CompRating, &smr, &ad,
		&pos.UpDownVolume, &pos.IndustryRank, &pos.FundCount, &pos.PriorUptrend,
		&pos.Entry1Shares, &pos.Entry1Price, &pos.Entry2Shares, &pos.Entry2Price, &pos.Entry3Shares, &pos.Entry3Price,
		&pos.TP1Shares, &pos.TP1Price, &pos.TP1Date, &pos.TP2Shares, &pos.TP2Price, &pos.TP2Date,
		&pos.ClosePrice, &pos.CloseDate, &closeReason,
		&pos.HardStopPct, &pos.StopPrice,
		&pos.LastPrice, &pos.MaxPrice, &pos.MaxGainPct, &pos.HealthScore, &rating,
		&holdActive, &pos.EightWeekHoldStart, &pos.EightWeekHoldEnd,
		&pos.PowerMovePct, &pos.PowerMoveWeeks,
		&pos.WatchDate, &pos.BreakoutDate, &pos.EntryDate, &pos.EarningsDate,
		&pos.LastTransition, &pos.LastPriceUpdate,
		&pos.PriorExtendedAt, &pos.AltEntryTestCnt,
		&pos.CreatedAt, &pos.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pos.State = domain.StateCode(state)
	pos.Pattern = pattern.String
	pos.SMRRating = smr.String
	pos.ADRating = ad.String
	pos.CloseReason = closeReason.String
	pos.HealthRating = rating.String
	pos.EightWeekHoldActive = holdActive != 0

	return &pos, nil
}

func nullStr(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
