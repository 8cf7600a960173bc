package util

import (
	"time"
)

// TradingCalendar enumerates weekday sessions. Exchange holidays are not
// modelled; price data decides which days actually traded.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar that normalises dates to loc.
// A nil loc means UTC.
func NewTradingCalendar(loc *time.Location) *TradingCalendar {
	if loc == nil {
		loc = time.UTC
	}
	return &TradingCalendar{loc: loc}
}

// IsTradingDay reports whether t falls on a weekday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	wd := t.In(tc.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Day truncates t to midnight in the calendar's location.
func (tc *TradingCalendar) Day(t time.Time) time.Time {
	y, m, d := t.In(tc.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, tc.loc)
}

// NextTradingDay returns the first trading day strictly after t.
func (tc *TradingCalendar) NextTradingDay(t time.Time) time.Time {
	d := tc.Day(t).AddDate(0, 0, 1)
	for !tc.IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// Sessions returns n consecutive trading days starting at the first trading
// day on or after start.
func (tc *TradingCalendar) Sessions(start time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	d := tc.Day(start)
	if !tc.IsTradingDay(d) {
		d = tc.NextTradingDay(d)
	}
	days := make([]time.Time, 0, n)
	for len(days) < n {
		days = append(days, d)
		d = tc.NextTradingDay(d)
	}
	return days
}
