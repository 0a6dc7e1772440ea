package contracts

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Date is a calendar date in a client's local frame. It carries no zone;
// the owning ClientProfile's Offset decides which instant it refers to.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// MustDate is ParseDate for literals in tests and defaults.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) midnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string { return d.midnight().Format(dateLayout) }

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date { return DateOf(d.midnight().AddDate(0, 0, n)) }

// DaysSince returns the number of calendar days from other to d.
func (d Date) DaysSince(other Date) int {
	return int(d.midnight().Sub(other.midnight()).Hours() / 24)
}

func (d Date) Before(other Date) bool { return d.midnight().Before(other.midnight()) }
func (d Date) After(other Date) bool  { return d.midnight().After(other.midnight()) }

// Weekday returns the day of week of d.
func (d Date) Weekday() time.Weekday { return d.midnight().Weekday() }

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Offset is a whole-hour offset from UTC, written as "UTC+2" or "UTC-5".
type Offset struct {
	hours int
}

// MaxOffsetHours bounds offsets in either direction.
const MaxOffsetHours = 14

var offsetPattern = regexp.MustCompile(`^UTC(?:([+-])(\d{1,2}))?$`)

// NewOffset builds an Offset from signed hours.
func NewOffset(hours int) (Offset, error) {
	if hours > MaxOffsetHours || hours < -MaxOffsetHours {
		return Offset{}, fmt.Errorf("offset hours must be within ±%d, got %d", MaxOffsetHours, hours)
	}
	return Offset{hours: hours}, nil
}

// ParseOffset parses the "UTC±N" form used by client profiles.
func ParseOffset(s string) (Offset, error) {
	m := offsetPattern.FindStringSubmatch(s)
	if m == nil {
		return Offset{}, fmt.Errorf("offset must be UTC±N, got %q", s)
	}
	if m[1] == "" {
		return Offset{}, nil
	}
	h, err := strconv.Atoi(m[2])
	if err != nil {
		return Offset{}, fmt.Errorf("offset hours: %w", err)
	}
	if m[1] == "-" {
		h = -h
	}
	return NewOffset(h)
}

// MustOffset is ParseOffset for literals.
func MustOffset(s string) Offset {
	o, err := ParseOffset(s)
	if err != nil {
		panic(err)
	}
	return o
}

// Hours returns the signed hour offset.
func (o Offset) Hours() int { return o.hours }

func (o Offset) String() string {
	if o.hours < 0 {
		return fmt.Sprintf("UTC-%d", -o.hours)
	}
	return fmt.Sprintf("UTC+%d", o.hours)
}

// Location returns a fixed zone for this offset.
func (o Offset) Location() *time.Location {
	return time.FixedZone(o.String(), o.hours*3600)
}

// Local converts a UTC instant to the client's wall clock.
func (o Offset) Local(now time.Time) time.Time {
	return now.In(o.Location())
}

// LocalDate returns the client's calendar date at instant now.
func (o Offset) LocalDate(now time.Time) Date {
	return DateOf(o.Local(now))
}

// At returns the UTC instant of local wall-clock time c on date d.
func (o Offset) At(d Date, c ClockTime) time.Time {
	local := time.Date(d.Year, d.Month, d.Day, c.Hour(), c.Minute(), 0, 0, o.Location())
	return local.UTC()
}

func (o Offset) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Offset) UnmarshalText(b []byte) error {
	parsed, err := ParseOffset(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ClockTime is a local wall-clock time of day, stored as minutes since midnight.
type ClockTime int

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

// MustClock is ParseClock for literals.
func MustClock(s string) ClockTime {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ClockOf returns the wall-clock time of t in its own location.
func ClockOf(t time.Time) ClockTime { return ClockTime(t.Hour()*60 + t.Minute()) }

func (c ClockTime) Hour() int   { return int(c) / 60 }
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

func (c ClockTime) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ClockTime) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
