package repository

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mberan/vigil/internal/domain"
	vigiltest "github.com/mberan/vigil/internal/testing"
)

func newRegimeRepo(t *testing.T) (*RegimeAlertRepository, func()) {
	t.Helper()
	db, cleanup := vigiltest.NewTestDB(t, "vigil")
	return NewRegimeAlertRepository(db.Conn(), zerolog.Nop()), cleanup
}

func bearishSnapshot(date time.Time) *domain.RegimeSnapshot {
	return &domain.RegimeSnapshot{
		Date:      date,
		SPYDDays:  11,
		QQQDDays:  10,
		SPYDelta5: 2,
		QQQDelta5: 1,
		Trend:     domain.TrendWorsening,
		Phase:     domain.PhaseCorrection,
		Score:     -0.8,
		Regime:    domain.RegimeBearish,
		Futures: &domain.FuturesSnapshot{
			ESPct: -1.2, NQPct: -1.5, YMPct: -0.9,
			Timestamp: time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC),
		},
	}
}

func TestRegimeRepository_UpsertAndGet(t *testing.T) {
	repo, cleanup := newRegimeRepo(t)
	defer cleanup()

	today := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	snap := bearishSnapshot(today)
	require.NoError(t, repo.UpsertForDate(snap, false))
	assert.NotZero(t, snap.ID)

	got, err := repo.GetLatest()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 11, got.SPYDDays)
	assert.Equal(t, 21, got.TotalDDays())
	assert.Equal(t, domain.RegimeBearish, got.Regime)
	assert.Equal(t, "0-20%", got.Exposure().String())
	require.NotNil(t, got.Futures)
	assert.InDelta(t, -1.5, got.Futures.NQPct, 1e-9)
	// The date key is the calendar day, not the run timestamp.
	assert.Equal(t, "2026-08-25", got.Date.Format("2006-01-02"))
}

func TestRegimeRepository_DuplicateRequiresForce(t *testing.T) {
	repo, cleanup := newRegimeRepo(t)
	defer cleanup()

	today := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpsertForDate(bearishSnapshot(today), false))

	// Second write for the same day without force is refused; no duplicate row.
	second := bearishSnapshot(today)
	second.Score = 0.3
	err := repo.UpsertForDate(second, false)
	require.ErrorIs(t, err, ErrSnapshotExists)

	got, err := repo.GetForDate(today)
	require.NoError(t, err)
	assert.InDelta(t, -0.8, got.Score, 1e-9)

	// With force the row is overwritten in place, still one row.
	second.Regime = domain.RegimeNeutral
	require.NoError(t, repo.UpsertForDate(second, true))

	got, err = repo.GetForDate(today)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, got.Score, 1e-9)
	assert.Equal(t, domain.RegimeNeutral, got.Regime)

	latest, err := repo.GetLatest()
	require.NoError(t, err)
	assert.Equal(t, got.ID, latest.ID)
}

func TestRegimeRepository_MarkAlertSent(t *testing.T) {
	repo, cleanup := newRegimeRepo(t)
	defer cleanup()

	today := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	snap := bearishSnapshot(today)
	require.NoError(t, repo.UpsertForDate(snap, false))
	assert.False(t, snap.AlertSent)

	require.NoError(t, repo.MarkAlertSent(today))
	got, err := repo.GetForDate(today)
	require.NoError(t, err)
	assert.True(t, got.AlertSent)
}

func TestRegimeRepository_EmptyLatest(t *testing.T) {
	repo, cleanup := newRegimeRepo(t)
	defer cleanup()

	got, err := repo.GetLatest()
	require.NoError(t, err)
	assert.Nil(t, got)
}
