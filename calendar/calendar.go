// Package calendar holds the clock's notion of time: an Instant is a count of seconds since the
// Unix epoch, and a Date is that instant broken into calendar fields.  Local time is represented
// the same way, as wall-clock seconds counted as if the local zone were UTC; that is what the RTC
// stores and what the tubes display.
package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	MinYear       = 1970
	MaxYear       = 9999
	MinManualYear = 1971 // manual entry refuses the epoch year so an unset clock is obvious
)

// ErrInvalidDateTime is returned when a date fails calendar validation.
var ErrInvalidDateTime = errors.New("invalid date/time")

// Instant is a number of seconds since 1970-01-01 00:00:00.
type Instant int64

// FromTime converts t to an Instant, discarding sub-second precision.
func FromTime(t time.Time) Instant { return Instant(t.Unix()) }

// Time returns the instant as a UTC time.Time.
func (i Instant) Time() time.Time { return time.Unix(int64(i), 0).UTC() }

// Add returns i+d, truncated to whole seconds.
func (i Instant) Add(d time.Duration) Instant { return i + Instant(d/time.Second) }

// Sub returns the duration i-j.
func (i Instant) Sub(j Instant) time.Duration { return time.Duration(i-j) * time.Second }

func (i Instant) Year() int { return i.Time().Year() }

// Date breaks the instant into calendar fields.
func (i Instant) Date() Date {
	t := i.Time()
	return Date{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

func (i Instant) String() string { return i.Time().Format("2006-01-02 15:04:05") }

// Date is a decomposed Instant.
type Date struct {
	Year   int
	Month  int // 1-12
	Day    int // 1-31
	Hour   int
	Minute int
	Second int
}

// Instant converts the date back to seconds since the epoch.  The date is not validated;
// out-of-range fields are normalized the way time.Date normalizes them.
func (d Date) Instant() Instant {
	return Instant(time.Date(d.Year, time.Month(d.Month), d.Day, d.Hour, d.Minute, d.Second, 0, time.UTC).Unix())
}

// Weekday returns the day of the week the date falls on.
func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC).Weekday()
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second)
}

// Validate checks that every field is in range, including the month length in leap and
// non-leap years.
func (d Date) Validate() error {
	return d.validate(MinYear)
}

func (d Date) validate(minYear int) error {
	if d.Year < minYear || d.Year > MaxYear {
		return fmt.Errorf("%w: year %d not in %d..%d", ErrInvalidDateTime, d.Year, minYear, MaxYear)
	}
	if d.Month < 1 || d.Month > 12 {
		return fmt.Errorf("%w: month %d", ErrInvalidDateTime, d.Month)
	}
	if n := DaysIn(d.Month, d.Year); d.Day < 1 || d.Day > n {
		return fmt.Errorf("%w: day %d not in 1..%d for %04d-%02d", ErrInvalidDateTime, d.Day, n, d.Year, d.Month)
	}
	if d.Hour < 0 || d.Hour > 23 {
		return fmt.Errorf("%w: hour %d", ErrInvalidDateTime, d.Hour)
	}
	if d.Minute < 0 || d.Minute > 59 {
		return fmt.Errorf("%w: minute %d", ErrInvalidDateTime, d.Minute)
	}
	if d.Second < 0 || d.Second > 59 {
		return fmt.Errorf("%w: second %d", ErrInvalidDateTime, d.Second)
	}
	return nil
}

// IsLeap reports whether year has a February 29th.
func IsLeap(year int) bool {
	return year%400 == 0 || (year%4 == 0 && year%100 != 0)
}

var monthDays = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// DaysIn returns the number of days in month (1-12) of year, or 0 for an invalid month.
func DaysIn(month, year int) int {
	if month < 1 || month > 12 {
		return 0
	}
	if month == 2 && IsLeap(year) {
		return 29
	}
	return monthDays[month-1]
}

// ParseManual converts the raw strings typed into a manual time entry form into a validated Date.
// Seconds are always zero.
func ParseManual(year, month, day, hour, minute string) (Date, error) {
	var d Date
	fields := []struct {
		name string
		raw  string
		dst  *int
	}{
		{"year", year, &d.Year},
		{"month", month, &d.Month},
		{"day", day, &d.Day},
		{"hour", hour, &d.Hour},
		{"minute", minute, &d.Minute},
	}
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f.raw))
		if err != nil {
			return Date{}, fmt.Errorf("%w: %s %q is not a number", ErrInvalidDateTime, f.name, f.raw)
		}
		*f.dst = n
	}
	if err := d.validate(MinManualYear); err != nil {
		return Date{}, err
	}
	return d, nil
}
