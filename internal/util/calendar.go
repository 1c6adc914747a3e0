package util

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"factorlab/internal/domain"
)

// Frequency selects which trading sessions become rebalance dates.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// ParseFrequency validates a frequency string.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(s)); f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return f, nil
	}
	return "", fmt.Errorf("unknown rebalance frequency %q: %w", s, domain.ErrConfiguration)
}

// TradingCalendar holds the trading sessions of a market as session dates.
type TradingCalendar struct {
	market   domain.Market
	sessions []time.Time
}

// NewTradingCalendar creates a TradingCalendar from explicit session dates,
// typically loaded from the exchange calendar. Sessions are normalised,
// sorted and de-duplicated.
func NewTradingCalendar(market domain.Market, sessions []time.Time) *TradingCalendar {
	norm := make([]time.Time, 0, len(sessions))
	for _, s := range sessions {
		norm = append(norm, domain.SessionDate(s))
	}
	sort.Slice(norm, func(i, j int) bool { return norm[i].Before(norm[j]) })
	out := norm[:0]
	for _, s := range norm {
		if len(out) > 0 && out[len(out)-1].Equal(s) {
			continue
		}
		out = append(out, s)
	}
	return &TradingCalendar{market: market, sessions: out}
}

// WeekdayCalendar builds a calendar of every Monday-Friday between start and
// end inclusive. It ignores exchange holidays and serves as the offline
// fallback when the exchange calendar is unreachable.
func WeekdayCalendar(market domain.Market, start, end time.Time) *TradingCalendar {
	var days []time.Time
	for d := domain.SessionDate(start); !d.After(domain.SessionDate(end)); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days = append(days, d)
		}
	}
	return &TradingCalendar{market: market, sessions: days}
}

// Market returns the calendar's market.
func (tc *TradingCalendar) Market() domain.Market { return tc.market }

// IsSession reports whether t falls on a trading session.
func (tc *TradingCalendar) IsSession(t time.Time) bool {
	d := domain.SessionDate(t)
	i := sort.Search(len(tc.sessions), func(i int) bool { return !tc.sessions[i].Before(d) })
	return i < len(tc.sessions) && tc.sessions[i].Equal(d)
}

// Sessions returns the sessions between start and end inclusive.
func (tc *TradingCalendar) Sessions(start, end time.Time) []time.Time {
	s, e := domain.SessionDate(start), domain.SessionDate(end)
	var out []time.Time
	for _, d := range tc.sessions {
		if d.Before(s) || d.After(e) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// RebalanceDates picks rebalance dates from the sessions between start and
// end: every interval-th session (daily), the last session of every
// interval-th ISO week (weekly), or the last session of every interval-th
// month (monthly). It fails with ErrConfiguration when the range is empty
// or inverted.
func (tc *TradingCalendar) RebalanceDates(start, end time.Time, freq Frequency, interval int) ([]time.Time, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end %s before start %s: %w",
			end.Format("2006-01-02"), start.Format("2006-01-02"), domain.ErrConfiguration)
	}
	if interval < 1 {
		interval = 1
	}
	sessions := tc.Sessions(start, end)
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no trading sessions between %s and %s: %w",
			start.Format("2006-01-02"), end.Format("2006-01-02"), domain.ErrConfiguration)
	}

	var picked []time.Time
	switch freq {
	case FrequencyDaily:
		picked = sessions
	case FrequencyWeekly:
		picked = lastOfPeriod(sessions, func(t time.Time) int {
			y, w := t.ISOWeek()
			return y*100 + w
		})
	case FrequencyMonthly:
		picked = lastOfPeriod(sessions, func(t time.Time) int {
			return t.Year()*100 + int(t.Month())
		})
	default:
		return nil, fmt.Errorf("unknown rebalance frequency %q: %w", freq, domain.ErrConfiguration)
	}

	out := make([]time.Time, 0, len(picked)/interval+1)
	for i := 0; i < len(picked); i += interval {
		out = append(out, picked[i])
	}
	return out, nil
}

func lastOfPeriod(sessions []time.Time, key func(time.Time) int) []time.Time {
	var out []time.Time
	for i, s := range sessions {
		if i == len(sessions)-1 || key(sessions[i+1]) != key(s) {
			out = append(out, s)
		}
	}
	return out
}
