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

func newPositionRepo(t *testing.T) (*PositionRepository, func()) {
	t.Helper()
	db, cleanup := vigiltest.NewTestDB(t, "vigil")
	return NewPositionRepository(db.Conn(), zerolog.Nop()), cleanup
}

func TestPositionRepository_CreateAndGet(t *testing.T) {
	repo, cleanup := newPositionRepo(t)
	defer cleanup()

	pos := vigiltest.WatchlistPosition("NVDA", 850.0)
	require.NoError(t, repo.Create(pos))
	assert.NotZero(t, pos.ID)

	got, err := repo.GetBySymbol("NVDA", "Swing")
	require.NoError(t, err)
	assert.Equal(t, pos.ID, got.ID)
	assert.Equal(t, domain.StateWatching, got.State)
	require.NotNil(t, got.PivotPrice)
	assert.Equal(t, 850.0, *got.PivotPrice)
	assert.Equal(t, "cup_with_handle", got.Pattern)
	require.NotNil(t, got.RSRating)
	assert.Equal(t, 92, *got.RSRating)

	byID, err := repo.GetByID(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Symbol, byID.Symbol)
}

func TestPositionRepository_GetMissing(t *testing.T) {
	repo, cleanup := newPositionRepo(t)
	defer cleanup()

	_, err := repo.GetBySymbol("ZZZZ", "Swing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.GetByID(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPositionRepository_UpdateRoundTrip(t *testing.T) {
	repo, cleanup := newPositionRepo(t)
	defer cleanup()

	pos := vigiltest.EnteredPosition("AAPL", 100, 150.0)
	require.NoError(t, repo.Create(pos))

	// Transition and persist the full column set.
	now := time.Now().UTC()
	require.NoError(t, pos.Transition(domain.StateEntry2, now, domain.TransitionChanges{
		EntryShares: domain.Float64Ptr(60),
		EntryPrice:  domain.Float64Ptr(155.0),
	}))
	pos.EightWeekHoldActive = true
	pos.EightWeekHoldEnd = domain.TimePtr(now.AddDate(0, 0, 56))
	require.NoError(t, repo.Update(pos))

	got, err := repo.GetByID(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEntry2, got.State)
	require.NotNil(t, got.Entry2Shares)
	assert.Equal(t, 60.0, *got.Entry2Shares)
	assert.True(t, got.EightWeekHoldActive)
	// Derived ledger fields survive the round trip.
	assert.InDelta(t, pos.AvgCost(), got.AvgCost(), 1e-9)
	assert.Equal(t, 160.0, got.TotalShares())
}

func TestPositionRepository_StateFilters(t *testing.T) {
	repo, cleanup := newPositionRepo(t)
	defer cleanup()

	watch := vigiltest.WatchlistPosition("WTCH", 50)
	require.NoError(t, repo.Create(watch))

	entered := vigiltest.EnteredPosition("HELD", 100, 100)
	require.NoError(t, repo.Create(entered))
	entered.State = domain.StateEntry1
	entered.Entry1Shares = domain.Float64Ptr(100)
	entered.Entry1Price = domain.Float64Ptr(100)
	require.NoError(t, repo.Update(entered))

	stopped := vigiltest.EnteredPosition("STOP", 50, 80)
	require.NoError(t, repo.Create(stopped))
	stopped.State = domain.StateStopped
	require.NoError(t, repo.Update(stopped))

	inPos, err := repo.GetInPosition()
	require.NoError(t, err)
	require.Len(t, inPos, 1)
	assert.Equal(t, "HELD", inPos[0].Symbol)

	watchlist, err := repo.GetWatchlist()
	require.NoError(t, err)
	require.Len(t, watchlist, 1)
	assert.Equal(t, "WTCH", watchlist[0].Symbol)

	active, err := repo.GetAll(false)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	all, err := repo.GetAll(true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPositionRepository_UpdatePriceTracksMax(t *testing.T) {
	repo, cleanup := newPositionRepo(t)
	defer cleanup()

	pos := vigiltest.EnteredPosition("MSFT", 100, 400.0)
	require.NoError(t, repo.Create(pos))
	pos.State = domain.StateEntry1
	pos.Entry1Shares = domain.Float64Ptr(100)
	pos.Entry1Price = domain.Float64Ptr(400)
	require.NoError(t, repo.Update(pos))

	now := time.Now().UTC()
	require.NoError(t, repo.UpdatePrice(pos, 420.0, now))
	require.NoError(t, repo.UpdatePrice(pos, 410.0, now))

	got, err := repo.GetByID(pos.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastPrice)
	assert.Equal(t, 410.0, *got.LastPrice)
	// Max price holds the high-water mark, not the latest tick.
	require.NotNil(t, got.MaxPrice)
	assert.Equal(t, 420.0, *got.MaxPrice)
	require.NotNil(t, got.MaxGainPct)
	assert.InDelta(t, 5.0, *got.MaxGainPct, 1e-9)
}

func TestPositionRepository_UpdateEightWeekHold(t *testing.T) {
	repo, cleanup := newPositionRepo(t)
	defer cleanup()

	pos := vigiltest.EnteredPosition("PLTR", 200, 30.0)
	require.NoError(t, repo.Create(pos))

	start := time.Now().UTC()
	end := start.AddDate(0, 0, 56)
	hold := domain.EightWeekHold{
		Active:         true,
		Start:          &start,
		End:            &end,
		PowerMovePct:   domain.Float64Ptr(23.0),
		PowerMoveWeeks: domain.IntPtr(2),
	}
	require.NoError(t, repo.UpdateEightWeekHold(pos.ID, hold))

	got, err := repo.GetByID(pos.ID)
	require.NoError(t, err)
	assert.True(t, got.EightWeekHoldActive)
	require.NotNil(t, got.EightWeekHoldEnd)
	require.NotNil(t, got.PowerMovePct)
	assert.Equal(t, 23.0, *got.PowerMovePct)
}
