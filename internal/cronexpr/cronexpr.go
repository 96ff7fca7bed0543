// Package cronexpr derives 5-field cron expressions from trigger schedules
// and validates them with the same parser the scheduler registers them with.
package cronexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"triggerd/internal/domain"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Parser accepts standard 5-field expressions and descriptors ("@daily").
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Build returns "minute hour dom month dow" for the given schedule.
//
//	daily   -> "m h * * *"
//	weekly  -> "m h * * d1,d2"  (no days: "*", i.e. every day)
//	monthly -> "m h d1,d2 * *"  (no days: "1")
//
// Unknown schedule types are treated as daily.
func Build(scheduleType domain.ScheduleType, days []int, hhmm string) (string, error) {
	s := domain.Schedule{Type: scheduleType, Days: days, Time: hhmm}
	if err := s.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	h, m, _ := domain.ParseClock(hhmm)

	switch scheduleType {
	case domain.Weekly:
		return fmt.Sprintf("%d %d * * %s", m, h, joinDays(days, "*")), nil
	case domain.Monthly:
		return fmt.Sprintf("%d %d %s * *", m, h, joinDays(days, "1")), nil
	default:
		return fmt.Sprintf("%d %d * * *", m, h), nil
	}
}

// BuildSchedule is Build for a domain.Schedule.
func BuildSchedule(s domain.Schedule) (string, error) {
	return Build(s.Type, s.Days, s.Time)
}

func joinDays(days []int, empty string) string {
	if len(days) == 0 {
		return empty
	}
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// Validate reports ErrInvalidSchedule for empty or unparsable expressions.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidSchedule)
	}
	sched, err := Parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// Next returns up to n fire times after from, evaluated in loc.
func Next(expr string, loc *time.Location, from time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
