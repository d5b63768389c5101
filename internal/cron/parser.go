package cron

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// fieldSet is a bitmask of the values allowed in one cron field
type fieldSet uint64

func (f fieldSet) has(v int) bool { return f&(1<<uint(v)) != 0 }

func (f fieldSet) count() int { return bits.OnesCount64(uint64(f)) }

type bounds struct {
	name     string
	min, max int
}

var (
	minuteBounds = bounds{"minute", 0, 59}
	hourBounds   = bounds{"hour", 0, 23}
	domBounds    = bounds{"day-of-month", 1, 31}
	monthBounds  = bounds{"month", 1, 12}
	dowBounds    = bounds{"day-of-week", 0, 6}
)

// parseCron parses a five-field expression
func parseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression: expected 5 fields, got %d", len(fields))
	}

	all := []bounds{minuteBounds, hourBounds, domBounds, monthBounds, dowBounds}
	sets := make([]fieldSet, len(all))
	for i, b := range all {
		set, err := parseField(fields[i], b)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", b.name, err)
		}
		sets[i] = set
	}

	cs := &CronSchedule{
		minutes:     sets[0],
		hours:       sets[1],
		daysOfMonth: sets[2],
		months:      sets[3],
		daysOfWeek:  sets[4],
		domStar:     sets[2].count() == 31,
		dowStar:     sets[4].count() == 7,
		original:    expr,
	}

	if err := validateImpossibleDates(cs.daysOfMonth, cs.months); err != nil {
		return nil, err
	}
	return cs, nil
}

// parseField handles *, N, N-M, */S, N-M/S and comma lists of those
func parseField(field string, b bounds) (fieldSet, error) {
	if field == "" {
		return 0, fmt.Errorf("empty field")
	}

	var set fieldSet
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return 0, fmt.Errorf("empty value in list")
		}
		s, err := parsePart(part, b)
		if err != nil {
			return 0, err
		}
		set |= s
	}
	return set, nil
}

func parsePart(part string, b bounds) (fieldSet, error) {
	step := 1
	if base, stepStr, ok := strings.Cut(part, "/"); ok {
		n, err := strconv.Atoi(stepStr)
		if err != nil {
			return 0, fmt.Errorf("invalid step value: %w", err)
		}
		if n <= 0 {
			return 0, fmt.Errorf("step must be greater than 0")
		}
		if base != "*" && !strings.Contains(base, "-") {
			return 0, fmt.Errorf("invalid step range %q", base)
		}
		step = n
		part = base
	}

	start, end := b.min, b.max
	if part != "*" {
		var err error
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			if start, err = parseValue(lo, b); err != nil {
				return 0, err
			}
			if end, err = parseValue(hi, b); err != nil {
				return 0, err
			}
			if start > end {
				return 0, fmt.Errorf("invalid range: start %d > end %d", start, end)
			}
		} else {
			if start, err = parseValue(part, b); err != nil {
				return 0, err
			}
			end = start
		}
	}

	var set fieldSet
	for v := start; v <= end; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

func parseValue(s string, b bounds) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value: %w", err)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("value %d out of bounds [%d, %d]", v, b.min, b.max)
	}
	return v, nil
}

// validateImpossibleDates rejects schedules that can never fire, e.g. Feb 31
func validateImpossibleDates(daysOfMonth, months fieldSet) error {
	for month := 1; month <= 12; month++ {
		if !months.has(month) {
			continue
		}
		for day := 1; day <= daysInMonth(month); day++ {
			if daysOfMonth.has(day) {
				return nil
			}
		}
	}
	return fmt.Errorf("impossible date: no month in the schedule has any of the requested days")
}

// daysInMonth allows Feb 29; isValidDate filters non-leap years
func daysInMonth(month int) int {
	switch month {
	case 2:
		return 29
	case 4, 6, 9, 11:
		return 30
	default:
		return 31
	}
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func isValidDate(year, month, day int) bool {
	if month == 2 && day == 29 {
		return isLeapYear(year)
	}
	return day <= daysInMonth(month)
}
