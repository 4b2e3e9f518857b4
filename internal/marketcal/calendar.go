// Package marketcal provides the shared market calendar: regular-session
// hours, trading-day checks, and holiday awareness with a weekday-only
// fallback when no holiday source is available.
package marketcal

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HolidaySource supplies full-closure market holidays, usually backed by a
// provider API. Implementations may be slow; results are cached per year.
type HolidaySource interface {
	Holidays(year int) ([]time.Time, error)
}

// Calendar answers market-hours questions for US equities. Safe for use
// from every worker thread.
type Calendar struct {
	loc    *time.Location
	source HolidaySource
	log    zerolog.Logger

	mu       sync.Mutex
	holidays map[string]bool // "2006-01-02" -> closed
	loaded   map[int]bool    // years already fetched
}

// New creates a calendar. A nil source falls back to the built-in static
// holiday table, and beyond that to weekday-only gating.
func New(source HolidaySource, log zerolog.Logger) *Calendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Fixed offset fallback; DST drift is acceptable for gating.
		loc = time.FixedZone("ET", -5*3600)
		log.Warn().Err(err).Msg("Failed to load America/New_York, using fixed ET offset")
	}

	c := &Calendar{
		loc:      loc,
		source:   source,
		log:      log.With().Str("component", "market_calendar").Logger(),
		holidays: make(map[string]bool),
		loaded:   make(map[int]bool),
	}
	for _, day := range staticUSHolidays {
		c.holidays[day] = true
	}
	return c
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether the given time falls on a trading day:
// a weekday that is not a market holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	et := t.In(c.loc)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.isHoliday(et)
}

// IsMarketOpen reports whether the regular session (09:30-16:00 ET) is open.
func (c *Calendar) IsMarketOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	et := t.In(c.loc)
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// IsExtendedWindow reports whether the time is inside the regime worker's
// gate: 08:00-18:00 ET on trading days.
func (c *Calendar) IsExtendedWindow(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	et := t.In(c.loc)
	return et.Hour() >= 8 && et.Hour() < 18
}

// IsAfterClose reports whether the time is after the regular session on a
// trading day, the maintenance worker's window (also true on non-trading days).
func (c *Calendar) IsAfterClose(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return true
	}
	et := t.In(c.loc)
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 16*60 || minutes < 9*60+30
}

// isHoliday checks the cached holiday set, fetching the year from the
// source on first touch.
func (c *Calendar) isHoliday(et time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	year := et.Year()
	if c.source != nil && !c.loaded[year] {
		c.loaded[year] = true
		days, err := c.source.Holidays(year)
		if err != nil {
			c.log.Warn().Err(err).Int("year", year).
				Msg("Holiday fetch failed, using static table and weekday gating")
		} else {
			for _, day := range days {
				c.holidays[day.In(c.loc).Format("2006-01-02")] = true
			}
		}
	}

	return c.holidays[et.Format("2006-01-02")]
}

// staticUSHolidays is the built-in full-closure table used when no holiday
// source is configured or the fetch fails.
var staticUSHolidays = []string{
	// 2025
	"2025-01-01", "2025-01-20", "2025-02-17", "2025-04-18", "2025-05-26",
	"2025-06-19", "2025-07-04", "2025-09-01", "2025-11-27", "2025-12-25",
	// 2026
	"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03", "2026-05-25",
	"2026-06-19", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
	// 2027
	"2027-01-01", "2027-01-18", "2027-02-15", "2027-03-26", "2027-05-31",
	"2027-06-18", "2027-07-05", "2027-09-06", "2027-11-25", "2027-12-24",
}
