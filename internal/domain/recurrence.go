package domain

import (
	"fmt"
	"time"
)

type ScheduleType string

const (
	ScheduleOnce   ScheduleType = "ONCE"
	ScheduleDaily  ScheduleType = "DAILY"
	ScheduleWeekly ScheduleType = "WEEKLY"
)

// Recurrence computes execution instants for one schedule kind. Each variant
// carries only the fields that kind needs; implementations are pure.
type Recurrence interface {
	Type() ScheduleType

	// Next returns the next execution instant strictly after now, in UTC.
	// ok is false when no future occurrence exists (ONCE).
	Next(now time.Time) (next time.Time, ok bool)

	// First returns the initial execution instant for a schedule created at
	// now. Unlike Next, an occurrence exactly at now is allowed.
	First(now time.Time) (first time.Time, ok bool)
}

// Once fires a single time at an absolute instant.
type Once struct {
	At time.Time // UTC
}

func (Once) Type() ScheduleType { return ScheduleOnce }

func (Once) Next(time.Time) (time.Time, bool) { return time.Time{}, false }

func (o Once) First(time.Time) (time.Time, bool) { return o.At.UTC(), true }

// Daily fires every day at a local time of day.
type Daily struct {
	TimeOfDay TimeOfDay
}

func (Daily) Type() ScheduleType { return ScheduleDaily }

func (d Daily) Next(now time.Time) (time.Time, bool) {
	local := now.In(LocalZone)
	candidate := d.TimeOfDay.onDate(local)
	// Advance while not strictly in the future so the same instant is never
	// scheduled twice.
	for !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.UTC(), true
}

func (d Daily) First(now time.Time) (time.Time, bool) {
	local := now.In(LocalZone)
	candidate := d.TimeOfDay.onDate(local)
	if candidate.Before(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.UTC(), true
}

// Weekly fires once a week on a fixed weekday at a local time of day.
type Weekly struct {
	TimeOfDay TimeOfDay
	Weekday   time.Weekday
}

func (Weekly) Type() ScheduleType { return ScheduleWeekly }

func (w Weekly) Next(now time.Time) (time.Time, bool) {
	local := now.In(LocalZone)
	candidate := w.onWeekday(local)
	for !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate.UTC(), true
}

func (w Weekly) First(now time.Time) (time.Time, bool) {
	local := now.In(LocalZone)
	candidate := w.onWeekday(local)
	if candidate.Before(local) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate.UTC(), true
}

// onWeekday returns the occurrence on or after local's date whose weekday
// matches.
func (w Weekly) onWeekday(local time.Time) time.Time {
	candidate := w.TimeOfDay.onDate(local)
	for candidate.Weekday() != w.Weekday {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// TimeOfDay is a wall-clock time in the local zone, minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:mm".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// onDate combines the time of day with the date of ref, in the local zone.
func (t TimeOfDay) onDate(ref time.Time) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, LocalZone)
}

// WeekdayFromISO converts an ISO weekday number (1=Monday..7=Sunday).
func WeekdayFromISO(n int) (time.Weekday, error) {
	if n < 1 || n > 7 {
		return 0, fmt.Errorf("day of week %d out of range 1..7", n)
	}
	if n == 7 {
		return time.Sunday, nil
	}
	return time.Weekday(n), nil
}

// ISOWeekday is the inverse of WeekdayFromISO.
func ISOWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}
