package core

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ProgressPrint writes msg to stderr unless quiet is true.
func ProgressPrint(msg string, quiet bool) {
	if !quiet {
		fmt.Fprintln(os.Stderr, msg)
	}
}

// GetTZ returns a *time.Location for the given timezone name.
// Falls back to UTC if the timezone is not found.
func GetTZ(name string) *time.Location {
	if name == "" {
		name = DefaultTZ
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseDate parses a YYYY-MM-DD string into a time.Time (date only, at midnight UTC).
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(APIDateFmt, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date '%s' (expected YYYY-MM-DD)", s)
	}
	return t, nil
}

// Today returns the current calendar date in loc, as midnight UTC.
func Today(loc *time.Location) time.Time {
	return DateOnly(time.Now().In(loc))
}

var (
	mdRegex  = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})$`)
	relRegex = regexp.MustCompile(`^([dwmy])-(\d+)$`)
)

// ParseDateSpec returns a concrete date for flexible spec strings.
// Supports:
// 1. today / yesterday
// 2. Exact YYYY-MM-DD
// 3. M/D or MM/DD (most recent past occurrence)
// 4. Relative forms like d-7 (days), w-2 (weeks), m-3 (months), y-1 (years)
func ParseDateSpec(spec string, loc *time.Location) (time.Time, error) {
	today := Today(loc)

	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "", "today":
		return today, nil
	case "yesterday":
		return today.AddDate(0, 0, -1), nil
	}

	if t, err := time.Parse(APIDateFmt, spec); err == nil {
		return t, nil
	}

	if matches := mdRegex.FindStringSubmatch(spec); matches != nil {
		month, _ := strconv.Atoi(matches[1])
		day, _ := strconv.Atoi(matches[2])
		target := time.Date(today.Year(), time.Month(month), day, 0, 0, 0, 0, time.UTC)
		if target.After(today) {
			target = time.Date(today.Year()-1, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		}
		return target, nil
	}

	if matches := relRegex.FindStringSubmatch(strings.ToLower(spec)); matches != nil {
		num, _ := strconv.Atoi(matches[2])
		switch matches[1] {
		case "d":
			return today.AddDate(0, 0, -num), nil
		case "w":
			return today.AddDate(0, 0, -num*7), nil
		case "m":
			return today.AddDate(0, -num, 0), nil
		case "y":
			return today.AddDate(-num, 0, 0), nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid date specification: '%s'", spec)
}

// WeekOf returns the Monday..Sunday range containing d.
func WeekOf(d time.Time) (time.Time, time.Time) {
	d = DateOnly(d)
	weekday := int(d.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	start := d.AddDate(0, 0, -(weekday - 1))
	return start, start.AddDate(0, 0, 6)
}

var (
	weekNumRegex = regexp.MustCompile(`^\d{1,2}$`)
	isoWeekRegex = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)
)

// ParseWeekSpec converts a week spec (N or YYYY-WNN) into (start_date, end_date).
func ParseWeekSpec(spec string) (time.Time, time.Time, error) {
	if weekNumRegex.MatchString(spec) {
		weekNum, _ := strconv.Atoi(spec)
		if weekNum < 1 || weekNum > 53 {
			return time.Time{}, time.Time{}, fmt.Errorf("week number out of range (1-53)")
		}
		start, end := weekDates(time.Now().Year(), weekNum)
		return start, end, nil
	}

	if matches := isoWeekRegex.FindStringSubmatch(spec); matches != nil {
		year, _ := strconv.Atoi(matches[1])
		weekNum, _ := strconv.Atoi(matches[2])
		if weekNum < 1 || weekNum > 53 {
			return time.Time{}, time.Time{}, fmt.Errorf("week number out of range (1-53) in ISO format")
		}
		start, end := weekDates(year, weekNum)
		return start, end, nil
	}

	return time.Time{}, time.Time{}, fmt.Errorf("invalid week specification format: '%s'", spec)
}

// weekDates returns the Monday and Sunday of an ISO week. January 4th is
// always in week 1.
func weekDates(year, week int) (time.Time, time.Time) {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	mondayWeek1, _ := WeekOf(jan4)
	start := mondayWeek1.AddDate(0, 0, (week-1)*7)
	return start, start.AddDate(0, 0, 6)
}

// GetDateRange returns the inclusive (start, end) dates of a named period.
// Supported periods: today, yesterday, this-week, last-week, this-month,
// last-month, last-7-days, last-30-days.
func GetDateRange(period string, loc *time.Location) (time.Time, time.Time, error) {
	today := Today(loc)

	switch period {
	case "today":
		return today, today, nil
	case "yesterday":
		d := today.AddDate(0, 0, -1)
		return d, d, nil
	case "this-week":
		start, end := WeekOf(today)
		return start, end, nil
	case "last-week":
		start, end := WeekOf(today.AddDate(0, 0, -7))
		return start, end, nil
	case "this-month":
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first, first.AddDate(0, 1, -1), nil
	case "last-month":
		first := time.Date(today.Year(), today.Month()-1, 1, 0, 0, 0, 0, time.UTC)
		return first, first.AddDate(0, 1, -1), nil
	case "last-7-days":
		return today.AddDate(0, 0, -6), today, nil
	case "last-30-days":
		return today.AddDate(0, 0, -29), today, nil
	}

	return time.Time{}, time.Time{}, fmt.Errorf("unknown period: %s", period)
}

// InRange reports whether d falls within [start, end], comparing dates only.
func InRange(d, start, end time.Time) bool {
	d = DateOnly(d)
	return !d.Before(DateOnly(start)) && !d.After(DateOnly(end))
}

// DaysBetween lists every date in [start, end] inclusive.
func DaysBetween(start, end time.Time) []time.Time {
	days := make([]time.Time, 0)
	for d := DateOnly(start); !d.After(DateOnly(end)); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// DateOnly returns a time.Time with only the date portion (midnight UTC).
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatDate formats a time.Time as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(APIDateFmt)
}
