// Package velocity provides per-window activity rate calculation.
package velocity

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TrailingWindow is the length of the rolling window behind the hourly rate limits.
const TrailingWindow = time.Hour

// Stats is the rate summary of one account's activity.
type Stats struct {
	// Counts over the caller-supplied window.
	Likes    int
	Messages int
	Reports  int

	// Counts over the trailing hour ending at the evaluation time.
	LikesLastHour    int
	MessagesLastHour int

	// MeanMessageIntervalMs is +Inf when fewer than two messages are present.
	MeanMessageIntervalMs float64

	// UnusualHoursRatio is the fraction of likes and messages whose local
	// hour falls in the configured unusual range.
	UnusualHoursRatio float64
}

// Evaluator computes Stats against a fixed configuration.
type Evaluator struct {
	loc       *time.Location
	hourStart int
	hourEnd   int
}

// NewEvaluator creates an evaluator for the given behavior limits.
func NewEvaluator(cfg domain.BehaviorLimits) (*Evaluator, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}

	return &Evaluator{
		loc:       loc,
		hourStart: cfg.UnusualHourStart,
		hourEnd:   cfg.UnusualHourEnd,
	}, nil
}

// Evaluate summarizes activity restricted to window, with trailing-hour
// counts ending at asOf. The wall clock is never consulted.
func (e *Evaluator) Evaluate(act *domain.Activity, window domain.Window, asOf time.Time) Stats {
	likes := Filter(act.RecentLikes, window)
	messages := Filter(act.RecentMessages, window)
	reports := Filter(act.RecentReportsAgainst, window)

	stats := Stats{
		Likes:                 len(likes),
		Messages:              len(messages),
		Reports:               len(reports),
		LikesLastHour:         CountTrailing(likes, asOf, TrailingWindow),
		MessagesLastHour:      CountTrailing(messages, asOf, TrailingWindow),
		MeanMessageIntervalMs: MeanIntervalMs(messages),
	}

	active := make([]domain.ActivityEvent, 0, len(likes)+len(messages))
	active = append(active, likes...)
	active = append(active, messages...)
	stats.UnusualHoursRatio = e.UnusualHoursRatio(active)

	return stats
}

// UnusualHoursRatio returns the fraction of events whose local hour is within
// [hourStart, hourEnd]. It is 0 for no events.
func (e *Evaluator) UnusualHoursRatio(events []domain.ActivityEvent) float64 {
	if len(events) == 0 {
		return 0
	}

	unusual := 0
	for _, ev := range events {
		h := ev.Timestamp.In(e.loc).Hour()
		if h >= e.hourStart && h <= e.hourEnd {
			unusual++
		}
	}
	return float64(unusual) / float64(len(events))
}

// Filter returns the events inside window. A zero window keeps everything.
func Filter(events []domain.ActivityEvent, window domain.Window) []domain.ActivityEvent {
	if window.IsZero() {
		return events
	}

	out := make([]domain.ActivityEvent, 0, len(events))
	for _, ev := range events {
		if window.Contains(ev.Timestamp) {
			out = append(out, ev)
		}
	}
	return out
}

// CountTrailing counts events in the half-open interval (end-d, end].
func CountTrailing(events []domain.ActivityEvent, end time.Time, d time.Duration) int {
	start := end.Add(-d)
	count := 0
	for _, ev := range events {
		if ev.Timestamp.After(start) && !ev.Timestamp.After(end) {
			count++
		}
	}
	return count
}

// MeanIntervalMs returns the mean gap between consecutive events in
// milliseconds, ordering by timestamp first.
func MeanIntervalMs(events []domain.ActivityEvent) float64 {
	if len(events) < 2 {
		return math.Inf(1)
	}

	ts := make([]time.Time, len(events))
	for i, ev := range events {
		ts[i] = ev.Timestamp
	}
	slices.SortFunc(ts, func(a, b time.Time) int { return a.Compare(b) })

	span := ts[len(ts)-1].Sub(ts[0])
	return float64(span.Milliseconds()) / float64(len(ts)-1)
}
