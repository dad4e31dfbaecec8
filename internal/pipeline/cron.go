package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression:
// "minute hour day-of-month month day-of-week". Each field accepts "*",
// a value, a range "a-b", a step "*/n" or "a-b/n", or a comma list of those.
// As in standard cron, when both day fields are restricted a time matches if
// either of them does. A day field starting with "*", such as "*/2", counts
// as unrestricted.
type Schedule struct {
	expr   string
	fields [5]cronField
}

type cronField struct {
	wildcard bool
	star     bool
	set      map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.wildcard || f.set[v]
}

var cronBounds = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, Sunday = 0
}

var cronNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("pipeline: cron %q must have 5 fields, got %d", expr, len(parts))
	}
	s := Schedule{expr: expr}
	for i, p := range parts {
		f, err := parseCronField(p, cronBounds[i][0], cronBounds[i][1])
		if err != nil {
			return Schedule{}, fmt.Errorf("pipeline: cron %q %s field: %w", expr, cronNames[i], err)
		}
		s.fields[i] = f
	}
	return s, nil
}

func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true, star: true}, nil
	}
	out := cronField{star: strings.HasPrefix(field, "*"), set: make(map[int]bool)}
	for _, term := range strings.Split(field, ",") {
		step := 1
		if base, s, ok := strings.Cut(term, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				return cronField{}, fmt.Errorf("invalid step %q", s)
			}
			step, term = n, base
		}

		from, to := lo, hi
		switch {
		case term == "*":
		case strings.Contains(term, "-"):
			a, b, _ := strings.Cut(term, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return cronField{}, fmt.Errorf("invalid range %q", term)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return cronField{}, fmt.Errorf("invalid range %q", term)
			}
		default:
			v, err := strconv.Atoi(term)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", term)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return cronField{}, fmt.Errorf("%q outside %d-%d", term, lo, hi)
		}
		for v := from; v <= to; v += step {
			out.set[v] = true
		}
	}
	return out, nil
}

func (s Schedule) matches(t time.Time) bool {
	if !s.fields[0].matches(t.Minute()) ||
		!s.fields[1].matches(t.Hour()) ||
		!s.fields[3].matches(int(t.Month())) {
		return false
	}
	dom, dow := s.fields[2], s.fields[4]
	if !dom.star && !dow.star {
		return dom.matches(t.Day()) || dow.matches(int(t.Weekday()))
	}
	return dom.matches(t.Day()) && dow.matches(int(t.Weekday()))
}

// Next returns the first matching minute strictly after after. It searches
// minute by minute up to one year ahead.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("pipeline: cron %q never fires within a year", s.expr)
}

func (s Schedule) String() string { return s.expr }
