// Package recurrence computes the next due instant of a schedule.
//
// All rules are evaluated on the local calendar of the schedule's timezone
// and converted to an absolute instant. A local time that occurs twice
// (clocks turned back) resolves to the later instant; a local time that
// does not exist (clocks turned forward) resolves to the first instant
// after the gap.
package recurrence

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

const (
	minIntervalHours = 1
	maxIntervalHours = 24
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var locations sync.Map // zone name -> *time.Location

// LoadLocation returns the IANA zone, caching successful lookups.
func LoadLocation(name string) (*time.Location, error) {
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locations.Store(name, loc)
	return loc, nil
}

// ParseClock parses a local HH:MM time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, &domain.ValidationError{Field: "schedule_time", Reason: fmt.Sprintf("%q is not HH:MM", s)}
	}
	return t.Hour(), t.Minute(), nil
}

// Validate checks a recurrence configuration completely, so that Next never
// fails for a record that passed validation.
func Validate(r domain.Recurrence) error {
	if strings.TrimSpace(r.Timezone) == "" {
		return &domain.ValidationError{Field: "user_timezone", Reason: "is required"}
	}
	if _, err := LoadLocation(r.Timezone); err != nil {
		return &domain.ValidationError{Field: "user_timezone", Reason: fmt.Sprintf("unknown timezone %q", r.Timezone)}
	}

	switch r.Type {
	case domain.ScheduleDaily, domain.ScheduleWeekly, domain.ScheduleTwiceDaily,
		domain.ScheduleEveryTwoDays, domain.ScheduleMonthly:
		_, _, err := ParseClock(r.Time)
		return err
	case domain.ScheduleCustom:
		if r.IntervalHours < minIntervalHours || r.IntervalHours > maxIntervalHours {
			return &domain.ValidationError{
				Field:  "custom_interval_hours",
				Reason: fmt.Sprintf("must be between %d and %d", minIntervalHours, maxIntervalHours),
			}
		}
		return nil
	case domain.ScheduleCron:
		if _, err := cronParser.Parse(r.CronExpr); err != nil {
			return &domain.ValidationError{Field: "cron_expression", Reason: err.Error()}
		}
		return nil
	default:
		return &domain.ValidationError{Field: "schedule_type", Reason: fmt.Sprintf("unsupported type %q", r.Type)}
	}
}

// Next returns the first due instant strictly after from. anchor is the
// schedule's creation instant; it fixes the weekday, day of month and day
// parity used by the weekly, monthly and every-two-days rules.
func Next(r domain.Recurrence, anchor, from time.Time) (time.Time, error) {
	if err := Validate(r); err != nil {
		return time.Time{}, err
	}
	loc, _ := LoadLocation(r.Timezone)

	switch r.Type {
	case domain.ScheduleCustom:
		return from.Add(time.Duration(r.IntervalHours) * time.Hour), nil
	case domain.ScheduleCron:
		sched, _ := cronParser.Parse(r.CronExpr)
		return sched.Next(from.In(loc)), nil
	}

	hour, minute, _ := ParseClock(r.Time)
	local := from.In(loc)
	start := civil(local)
	anchorDay := civil(anchor.In(loc))

	switch r.Type {
	case domain.ScheduleDaily:
		return firstAfter(from, start, 2, loc, func(time.Time) bool { return true }, hour, minute), nil

	case domain.ScheduleTwiceDaily:
		other := (hour + 12) % 24
		a := firstAfter(from, start, 2, loc, func(time.Time) bool { return true }, hour, minute)
		b := firstAfter(from, start, 2, loc, func(time.Time) bool { return true }, other, minute)
		if b.Before(a) {
			return b, nil
		}
		return a, nil

	case domain.ScheduleEveryTwoDays:
		onParity := func(day time.Time) bool { return daysBetween(anchorDay, day)%2 == 0 }
		return firstAfter(from, start, 4, loc, onParity, hour, minute), nil

	case domain.ScheduleWeekly:
		weekday := anchorDay.Weekday()
		onWeekday := func(day time.Time) bool { return day.Weekday() == weekday }
		return firstAfter(from, start, 9, loc, onWeekday, hour, minute), nil

	case domain.ScheduleMonthly:
		dom := anchorDay.Day()
		for k := 0; k < 3; k++ {
			first := time.Date(start.Year(), start.Month()+time.Month(k), 1, 0, 0, 0, 0, time.UTC)
			day := min(dom, daysIn(first.Year(), first.Month()))
			cand := Resolve(first.Year(), first.Month(), day, hour, minute, loc)
			if cand.After(from) {
				return cand, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("no occurrence of %s schedule after %s", r.Type, from.Format(time.RFC3339))
}

// firstAfter scans up to span calendar days starting at start and returns the
// first candidate day accepted by ok whose hh:mm instant is after from.
func firstAfter(from, start time.Time, span int, loc *time.Location, ok func(time.Time) bool, hour, minute int) time.Time {
	for i := 0; i <= span; i++ {
		day := start.AddDate(0, 0, i)
		if !ok(day) {
			continue
		}
		cand := Resolve(day.Year(), day.Month(), day.Day(), hour, minute, loc)
		if cand.After(from) {
			return cand
		}
	}
	// Unreachable for the spans used above.
	return time.Time{}
}

// Resolve converts a local wall-clock time to an instant. Ambiguous times
// resolve to the later instant and skipped times to the end of the gap.
func Resolve(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	wall := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)

	var probes [2]time.Time
	for i, shift := range []time.Duration{-24 * time.Hour, 24 * time.Hour} {
		_, off := wall.Add(shift).In(loc).Zone()
		probes[i] = wall.Add(-time.Duration(off) * time.Second)
	}

	var best time.Time
	for _, cand := range probes {
		if sameWall(cand.In(loc), wall) && cand.After(best) {
			best = cand
		}
	}
	if !best.IsZero() {
		return best
	}

	// Gap: the probe computed with the pre-transition offset lands after the
	// transition, whose start is the first valid instant.
	start, _ := probes[0].In(loc).ZoneBounds()
	if start.IsZero() {
		return probes[0]
	}
	return start
}

func sameWall(t, wall time.Time) bool {
	return t.Year() == wall.Year() && t.Month() == wall.Month() && t.Day() == wall.Day() &&
		t.Hour() == wall.Hour() && t.Minute() == wall.Minute()
}

// civil is the local calendar date of t as midnight UTC, safe for day arithmetic.
func civil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	d := int(b.Sub(a).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
