// Package tasks holds the engine's concrete task kinds and the glue that
// schedules the standard set for a bucket.
package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"kvexec/internal/config"
)

type SpecKind int

const (
	SpecInterval SpecKind = iota
	SpecCron
)

// Spec is a parsed maintenance cadence: either a fixed interval or a cron
// expression. Callers may prefix the string with "cron:" or "interval:" to
// force interpretation; bare strings try duration syntax first.
type Spec struct {
	Kind   SpecKind
	Every  time.Duration
	Source string

	sched cron.Schedule
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseSchedule(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Spec{}, fmt.Errorf("empty schedule")
	}

	if rest, ok := strings.CutPrefix(raw, "interval:"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return Spec{}, fmt.Errorf("invalid interval %q", rest)
		}
		return Spec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}
	if rest, ok := strings.CutPrefix(raw, "cron:"); ok {
		sched, err := cronParser.Parse(strings.TrimSpace(rest))
		if err != nil {
			return Spec{}, fmt.Errorf("invalid cron spec %q: %w", rest, err)
		}
		return Spec{Kind: SpecCron, Source: "cron", sched: sched}, nil
	}

	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return Spec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}
	sched, err := cronParser.Parse(raw)
	if err != nil {
		return Spec{}, fmt.Errorf("schedule %q is neither a duration nor a cron spec", raw)
	}
	return Spec{Kind: SpecCron, Source: "cron", sched: sched}, nil
}

// Next returns how long after from the schedule fires.
func (s Spec) Next(from time.Time) time.Duration {
	if s.Kind == SpecInterval {
		return s.Every
	}
	return s.sched.Next(from).Sub(from)
}

// cadence resolves a task's snooze duration: a parseable *_schedule string
// wins; otherwise the plain interval key (seconds) applies.
func cadence(reg *config.Registry, scheduleKey, intervalKey string, fallback time.Duration) time.Duration {
	if raw, err := reg.GetString(scheduleKey); err == nil && strings.TrimSpace(raw) != "" {
		if spec, err := ParseSchedule(raw); err == nil {
			return spec.Next(time.Now())
		}
	}
	if secs, err := reg.GetInteger(intervalKey); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
