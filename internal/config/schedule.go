package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule is the poll cadence used when sync.schedule is empty.
const DefaultSchedule = "@every 5m"

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a poll schedule. Empty means DefaultSchedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		s = DefaultSchedule
	}
	sched, err := scheduleParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("sync.schedule: invalid %q: %w", spec, err)
	}
	return sched, nil
}

// ApproxInterval estimates the gap between two consecutive activations.
func ApproxInterval(sched cron.Schedule, from time.Time) time.Duration {
	first := sched.Next(from)
	if first.IsZero() {
		return 0
	}
	second := sched.Next(first)
	if second.IsZero() {
		return 0
	}
	return second.Sub(first)
}
