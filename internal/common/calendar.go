package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the on-disk and wire format for business days
const DateLayout = "2006-01-02"

// Calendar answers "what day is it" in the business timezone.
// Days are carried around as DateLayout strings, which sort chronologically.
type Calendar struct {
	loc *time.Location
	now func() time.Time
}

// NewCalendar creates a calendar for the given location. A nil now uses time.Now.
func NewCalendar(loc *time.Location, now func() time.Time) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Calendar{loc: loc, now: now}
}

// NewCalendarFromConfig loads the business timezone from config
func NewCalendarFromConfig(config *Config) (*Calendar, error) {
	loc, err := time.LoadLocation(config.Timezone.Business)
	if err != nil {
		return nil, fmt.Errorf("failed to load business timezone %q: %w", config.Timezone.Business, err)
	}
	return NewCalendar(loc, nil), nil
}

// Location returns the business timezone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Now returns the current time in the business timezone
func (c *Calendar) Now() time.Time {
	return c.now().In(c.loc)
}

// Today returns the current business day
func (c *Calendar) Today() string {
	return c.DayOf(c.now())
}

// DayOf returns the business day containing t
func (c *Calendar) DayOf(t time.Time) string {
	return t.In(c.loc).Format(DateLayout)
}

// ParseDay parses a DateLayout string as midnight in the business timezone
func (c *Calendar) ParseDay(day string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, day, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", day, err)
	}
	return t, nil
}

// AddDays shifts a business day by n calendar days
func (c *Calendar) AddDays(day string, n int) (string, error) {
	t, err := c.ParseDay(day)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format(DateLayout), nil
}

// Weekday returns the weekday of a business day
func (c *Calendar) Weekday(day string) (time.Weekday, error) {
	t, err := c.ParseDay(day)
	if err != nil {
		return 0, err
	}
	return t.Weekday(), nil
}

// DaysBetween returns the number of calendar days from one business day to
// another, negative when to is earlier
func (c *Calendar) DaysBetween(from, to string) (int, error) {
	start, err := time.Parse(DateLayout, from)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", from, err)
	}
	end, err := time.Parse(DateLayout, to)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", to, err)
	}
	// Parsed as UTC midnight, so every day is exactly 24h
	return int(end.Sub(start).Hours() / 24), nil
}

// ParseClock parses "HH:MM" into hour and minute
func ParseClock(value string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}

// ParseWeekday accepts full or three-letter English weekday names
func ParseWeekday(value string) (time.Weekday, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, true
		}
	}
	return 0, false
}
