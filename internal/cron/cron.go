// Package cron parses standard five-field cron expressions
// (minute hour day-of-month month day-of-week) and computes the next matching
// time. Named aliases (@daily, @hourly, ...) are rejected; the supported
// operators are *, lists, ranges, and steps.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// field positions
const (
	fieldMinute = iota
	fieldHour
	fieldDom
	fieldMonth
	fieldDow
	numFields
)

var fieldNames = [numFields]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

var fieldRanges = [numFields]struct{ min, max int }{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day-of-month
	{1, 12}, // month
	{0, 6},  // day-of-week (0 = Sunday)
}

// Expression is a parsed cron expression. Each field is a bitmask of the
// matching values; the zero value is not usable, construct via Parse.
type Expression struct {
	source string
	fields [numFields]uint64

	// Standard cron rule: when both day-of-month and day-of-week are
	// restricted (not "*"), a day matches if either field matches.
	domStar bool
	dowStar bool
}

// String returns the original expression text.
func (e *Expression) String() string { return e.source }

// Parse validates and compiles a five-field cron expression.
func Parse(expr string) (*Expression, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(trimmed, "@") {
		return nil, fmt.Errorf("named cron aliases are not supported: %q", trimmed)
	}

	parts := strings.Fields(trimmed)
	if len(parts) != numFields {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d: %q", len(parts), trimmed)
	}

	e := &Expression{source: trimmed}
	for i, part := range parts {
		mask, err := parseField(part, fieldRanges[i].min, fieldRanges[i].max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field %q: %w", fieldNames[i], part, err)
		}
		e.fields[i] = mask
	}
	e.domStar = parts[fieldDom] == "*" || strings.HasPrefix(parts[fieldDom], "*/")
	e.dowStar = parts[fieldDow] == "*" || strings.HasPrefix(parts[fieldDow], "*/")
	return e, nil
}

// parseField compiles one field (lists of ranges with optional steps) into a
// bitmask over [min, max].
func parseField(field string, min, max int) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return 0, fmt.Errorf("empty list element")
		}

		step := 1
		rangePart := part
		if idx := strings.Index(part, "/"); idx >= 0 {
			rangePart = part[:idx]
			stepStr := part[idx+1:]
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step %q", stepStr)
			}
			step = n
		}

		lo, hi := min, max
		switch {
		case rangePart == "*":
			// full range
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return 0, fmt.Errorf("bad range %q", rangePart)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", rangePart)
			}
			lo, hi = n, n
			// A bare value with a step means "value to field max": 5/15.
			if strings.Contains(part, "/") {
				hi = max
			}
		}

		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("value out of range [%d-%d]", min, max)
		}
		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("field matches nothing")
	}
	return mask, nil
}

func (e *Expression) matchMinute(m int) bool { return e.fields[fieldMinute]&(1<<uint(m)) != 0 }
func (e *Expression) matchHour(h int) bool   { return e.fields[fieldHour]&(1<<uint(h)) != 0 }
func (e *Expression) matchMonth(m int) bool  { return e.fields[fieldMonth]&(1<<uint(m)) != 0 }

// matchDay applies the standard dom/dow rule.
func (e *Expression) matchDay(t time.Time) bool {
	domMatch := e.fields[fieldDom]&(1<<uint(t.Day())) != 0
	dowMatch := e.fields[fieldDow]&(1<<uint(int(t.Weekday()))) != 0
	switch {
	case e.domStar && e.dowStar:
		return true
	case e.domStar:
		return dowMatch
	case e.dowStar:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

// Matches reports whether t satisfies the expression in t's own location.
func (e *Expression) Matches(t time.Time) bool {
	return e.matchMinute(t.Minute()) &&
		e.matchHour(t.Hour()) &&
		e.matchMonth(int(t.Month())) &&
		e.matchDay(t)
}

// searchHorizon bounds the Next scan. Four years covers leap-day expressions
// (e.g. "0 0 29 2 *"); anything unmatched within it is unsatisfiable
// (e.g. "0 0 31 2 *").
const searchHorizon = 4*365*24*time.Hour + 24*time.Hour

// Next returns the smallest time strictly after from that matches the
// expression, evaluated in loc. ok is false when the expression is
// unsatisfiable within the search horizon.
func (e *Expression) Next(from time.Time, loc *time.Location) (next time.Time, ok bool) {
	if loc == nil {
		loc = time.UTC
	}
	// Advance to the next whole minute strictly after from.
	t := from.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := from.Add(searchHorizon)

	for t.Before(limit) {
		if !e.matchMonth(int(t.Month())) {
			// Jump to the first minute of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
			continue
		}
		if !e.matchDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
			continue
		}
		if !e.matchHour(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(time.Hour)
			continue
		}
		if !e.matchMinute(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// NextExecution parses expr and returns the next matching time after from in
// the named timezone. An empty timezone means UTC.
func NextExecution(expr string, from time.Time, timezone string) (time.Time, bool, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	next, ok := e.Next(from, loc)
	return next, ok, nil
}
