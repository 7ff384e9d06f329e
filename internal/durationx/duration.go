// Package durationx parses the duration strings a workflow passes to
// step.Sleep. Go-style shorthand ("100ms", "1h30m") is tried first via
// time.ParseDuration since that's what the spec's own test scenarios
// use; ISO-8601 durations ("PT1H30M") are accepted as a fallback via
// github.com/senseyeio/duration so workflows ported from ISO-8601-based
// systems keep working.
package durationx

import (
	"fmt"
	"time"

	iso "github.com/senseyeio/duration"
)

// Parse resolves a sleep duration string to a time.Duration.
func Parse(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	parsed, err := iso.ParseISO8601(s)
	if err != nil {
		return 0, fmt.Errorf("invalid sleep duration %q: not a Go duration or ISO-8601 duration", s)
	}
	return isoToDuration(parsed), nil
}

// isoToDuration approximates an ISO-8601 duration as a fixed time.Duration.
// Years and months are treated as calendar-average lengths since the
// sleep signal only needs a concrete resumeAt, not calendar-accurate
// arithmetic against a particular date.
func isoToDuration(d iso.Duration) time.Duration {
	const (
		day   = 24 * time.Hour
		month = 30 * day
		year  = 365 * day
	)
	total := time.Duration(d.TH)*time.Hour +
		time.Duration(d.TM)*time.Minute +
		time.Duration(d.TS)*time.Second +
		time.Duration(d.D)*day +
		time.Duration(d.W)*7*day +
		time.Duration(d.M)*month +
		time.Duration(d.Y)*year
	return total
}
