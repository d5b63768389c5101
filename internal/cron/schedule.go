// Package cron computes trigger times for domain sync schedules. It accepts
// five-field cron expressions, the @hourly/@daily/@midnight/@weekly
// descriptors and fixed intervals written as "@every <duration>".
package cron

import (
	"fmt"
	"strings"
	"time"
)

// Schedule yields activation times
type Schedule interface {
	// Next returns the first activation strictly after t, or the zero time
	// if there is none within the search horizon
	Next(t time.Time) time.Time
	String() string
}

// searchHorizon bounds Next for sparse expressions (Feb 29 needs up to 8 years)
const searchHorizon = 9 * 366 * 24 * time.Hour

var descriptors = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
}

// Parse parses a schedule specification
func Parse(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)

	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("interval must be at least 1s, got %v", d)
		}
		return Every(d), nil
	}

	if expr, ok := descriptors[spec]; ok {
		cs, err := parseCron(expr)
		if err != nil {
			return nil, err
		}
		cs.original = spec
		return cs, nil
	}

	if strings.HasPrefix(spec, "@") {
		return nil, fmt.Errorf("unknown schedule descriptor %q", spec)
	}

	return parseCron(spec)
}

// IntervalSchedule fires every fixed duration
type IntervalSchedule struct {
	interval time.Duration
}

// Every returns a schedule firing at multiples of d, aligned to d
func Every(d time.Duration) IntervalSchedule {
	return IntervalSchedule{interval: d}
}

func (s IntervalSchedule) Next(t time.Time) time.Time {
	return t.Truncate(s.interval).Add(s.interval)
}

func (s IntervalSchedule) Interval() time.Duration { return s.interval }

func (s IntervalSchedule) String() string { return "@every " + s.interval.String() }

// CronSchedule is a parsed five-field cron expression
type CronSchedule struct {
	minutes     fieldSet // 0-59
	hours       fieldSet // 0-23
	daysOfMonth fieldSet // 1-31
	months      fieldSet // 1-12
	daysOfWeek  fieldSet // 0-6 (0=Sunday)

	domStar bool
	dowStar bool

	original string
}

func (cs *CronSchedule) String() string { return cs.original }

// Next finds the next matching minute after t in t's location. Whole
// months, days and hours are skipped when they cannot match.
func (cs *CronSchedule) Next(t time.Time) time.Time {
	current := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(searchHorizon)

	for current.Before(limit) {
		if !cs.months.has(int(current.Month())) {
			y, m, _ := current.Date()
			current = time.Date(y, m+1, 1, 0, 0, 0, 0, current.Location())
			continue
		}
		if !cs.matchesDay(current) {
			y, m, d := current.Date()
			current = time.Date(y, m, d+1, 0, 0, 0, 0, current.Location())
			continue
		}
		if !cs.hours.has(current.Hour()) {
			current = current.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !cs.minutes.has(current.Minute()) {
			current = current.Add(time.Minute)
			continue
		}
		return current
	}

	return time.Time{}
}

// Between returns every activation in [start, end)
func (cs *CronSchedule) Between(start, end time.Time) []time.Time {
	results := []time.Time{}
	current := start.Truncate(time.Minute).Add(-time.Minute)
	for {
		current = cs.Next(current)
		if current.IsZero() || !current.Before(end) {
			return results
		}
		results = append(results, current)
	}
}

// matchesDay applies the standard rule: when both day fields are
// restricted a day matches if either does
func (cs *CronSchedule) matchesDay(t time.Time) bool {
	if !isValidDate(t.Year(), int(t.Month()), t.Day()) {
		return false
	}

	domMatch := cs.daysOfMonth.has(t.Day())
	dowMatch := cs.daysOfWeek.has(int(t.Weekday()))

	switch {
	case !cs.domStar && !cs.dowStar:
		return domMatch || dowMatch
	case !cs.domStar:
		return domMatch
	case !cs.dowStar:
		return dowMatch
	default:
		return true
	}
}
