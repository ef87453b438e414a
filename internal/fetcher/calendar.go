package fetcher

import (
	"fmt"
	"time"
)

// BuenosAires is the market's fixed UTC-3 offset (no DST since 2009).
var BuenosAires = time.FixedZone("ART", -3*60*60)

// Calendar answers business-day questions for the local market.
type Calendar struct {
	holidays map[string]struct{}
	loc      *time.Location
}

// NewCalendar parses holidays given as YYYY-MM-DD.
func NewCalendar(holidays []string) (*Calendar, error) {
	c := &Calendar{holidays: make(map[string]struct{}, len(holidays)), loc: BuenosAires}
	for _, h := range holidays {
		day, err := time.ParseInLocation(time.DateOnly, h, c.loc)
		if err != nil {
			return nil, fmt.Errorf("parse holiday %q: %w", h, err)
		}
		c.holidays[day.Format(time.DateOnly)] = struct{}{}
	}
	return c, nil
}

// IsBusinessDay reports whether t falls on a trading day in market time.
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[local.Format(time.DateOnly)]
	return !holiday
}

// LastBusinessDay walks back daysBack business days from t (exclusive) and
// returns midnight of that day in market time.
func (c *Calendar) LastBusinessDay(t time.Time, daysBack int) time.Time {
	if daysBack < 1 {
		daysBack = 1
	}
	local := t.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	for found := 0; found < daysBack; {
		day = day.AddDate(0, 0, -1)
		if c.IsBusinessDay(day) {
			found++
		}
	}
	return day
}
