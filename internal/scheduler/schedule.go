package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kinshell/kinshell/pkg/types"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// localLayout is accepted for once schedules and read in the configured zone.
const localLayout = "2006-01-02T15:04:05"

// Schedule yields fire times.
type Schedule interface {
	// Next returns the first fire time after t, or false if there is none.
	Next(t time.Time) (time.Time, bool)
}

type cronSchedule struct {
	s   cron.Schedule
	loc *time.Location
}

func (c cronSchedule) Next(t time.Time) (time.Time, bool) {
	n := c.s.Next(t.In(c.loc))
	return n, !n.IsZero()
}

type intervalSchedule time.Duration

func (i intervalSchedule) Next(t time.Time) (time.Time, bool) {
	return t.Add(time.Duration(i)), true
}

type onceSchedule time.Time

func (o onceSchedule) Next(t time.Time) (time.Time, bool) {
	at := time.Time(o)
	return at, at.After(t)
}

// ParseSchedule validates value for kind. Cron expressions are evaluated
// in loc; so are once timestamps without an explicit offset.
func ParseSchedule(kind types.ScheduleKind, value string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: empty %s value", ErrInvalidSchedule, kind)
	}
	switch kind {
	case types.ScheduleCron:
		s, err := cronParser.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, value, err)
		}
		return cronSchedule{s: s, loc: loc}, nil
	case types.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return nil, err
		}
		return intervalSchedule(d), nil
	case types.ScheduleOnce:
		at, err := parseOnce(value, loc)
		if err != nil {
			return nil, err
		}
		return onceSchedule(at), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, kind)
	}
}

func parseInterval(value string) (time.Duration, error) {
	var d time.Duration
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		d = time.Duration(ms) * time.Millisecond
	} else if d, err = time.ParseDuration(value); err != nil {
		return 0, fmt.Errorf("%w: interval %q", ErrInvalidSchedule, value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
	}
	return d, nil
}

func parseOnce(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(localLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: once %q is not a timestamp", ErrInvalidSchedule, value)
	}
	return t, nil
}

// NextRun computes the next fire time after now. A nil result means the
// schedule has no further runs.
func NextRun(kind types.ScheduleKind, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	s, err := ParseSchedule(kind, value, loc)
	if err != nil {
		return nil, err
	}
	next, ok := s.Next(now)
	if !ok {
		return nil, nil
	}
	next = next.UTC()
	return &next, nil
}
