package velocity

import (
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var base = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func spread(n int, start time.Time, span time.Duration) []domain.ActivityEvent {
	events := make([]domain.ActivityEvent, n)
	step := time.Duration(0)
	if n > 1 {
		step = span / time.Duration(n-1)
	}
	for i := range events {
		events[i] = domain.ActivityEvent{Timestamp: start.Add(time.Duration(i) * step)}
	}
	return events
}

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(domain.DefaultScoringConfig().Behavior)
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}
	return e
}

func TestCountTrailing(t *testing.T) {
	t.Run("AllWithinHour", func(t *testing.T) {
		events := spread(120, base, 59*time.Minute)
		end := base.Add(59 * time.Minute)
		if got := CountTrailing(events, end, time.Hour); got != 120 {
			t.Errorf("expected 120, got %d", got)
		}
	})

	t.Run("ExcludesOlderEvents", func(t *testing.T) {
		events := spread(10, base.Add(-3*time.Hour), 3*time.Hour)
		// 20-minute spacing: -40m, -20m and 0m fall in (base-1h, base].
		if got := CountTrailing(events, base, time.Hour); got != 3 {
			t.Errorf("expected 3, got %d", got)
		}
	})

	t.Run("LowerBoundExclusive", func(t *testing.T) {
		events := []domain.ActivityEvent{{Timestamp: base.Add(-time.Hour)}, {Timestamp: base}}
		if got := CountTrailing(events, base, time.Hour); got != 1 {
			t.Errorf("expected 1, got %d", got)
		}
	})

	t.Run("IgnoresFutureEvents", func(t *testing.T) {
		events := []domain.ActivityEvent{{Timestamp: base.Add(time.Minute)}}
		if got := CountTrailing(events, base, time.Hour); got != 0 {
			t.Errorf("expected 0, got %d", got)
		}
	})
}

func TestMeanIntervalMs(t *testing.T) {
	tests := []struct {
		name   string
		events []domain.ActivityEvent
		want   float64
	}{
		{"None", nil, math.Inf(1)},
		{"Single", spread(1, base, 0), math.Inf(1)},
		{"FiveSecondGaps", spread(5, base, 20*time.Second), 5000},
		{"ThirtyFiveSecondGaps", spread(3, base, 70*time.Second), 35000},
		{"Unordered", []domain.ActivityEvent{
			{Timestamp: base.Add(20 * time.Second)},
			{Timestamp: base},
			{Timestamp: base.Add(10 * time.Second)},
		}, 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MeanIntervalMs(tt.events)
			if math.IsInf(tt.want, 1) {
				if !math.IsInf(got, 1) {
					t.Errorf("expected +Inf, got %v", got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFilter(t *testing.T) {
	events := spread(5, base, 4*time.Hour)

	if got := Filter(events, domain.Window{}); len(got) != 5 {
		t.Errorf("zero window should keep all events, got %d", len(got))
	}

	w := domain.Window{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)}
	if got := Filter(events, w); len(got) != 3 {
		t.Errorf("expected 3 events in window, got %d", len(got))
	}

	open := domain.Window{From: base.Add(2 * time.Hour)}
	if got := Filter(events, open); len(got) != 3 {
		t.Errorf("expected 3 events with open upper bound, got %d", len(got))
	}
}

func TestUnusualHoursRatio(t *testing.T) {
	e := newEvaluator(t)

	night := time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC)
	events := []domain.ActivityEvent{
		{Timestamp: night},
		{Timestamp: night.Add(2 * time.Hour)},  // 05:00, inclusive
		{Timestamp: night.Add(3 * time.Hour)},  // 06:00
		{Timestamp: night.Add(-2 * time.Hour)}, // 01:00
	}

	if got := e.UnusualHoursRatio(events); got != 0.5 {
		t.Errorf("expected ratio 0.5, got %v", got)
	}
	if got := e.UnusualHoursRatio(nil); got != 0 {
		t.Errorf("expected 0 for no events, got %v", got)
	}
}

func TestUnusualHoursRatioTimezone(t *testing.T) {
	cfg := domain.DefaultScoringConfig().Behavior
	cfg.Timezone = "America/Bogota" // UTC-5, no DST

	e, err := NewEvaluator(cfg)
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	// 08:00 UTC is 03:00 in Bogota.
	events := []domain.ActivityEvent{{Timestamp: time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)}}
	if got := e.UnusualHoursRatio(events); got != 1 {
		t.Errorf("expected local hour to be unusual, got ratio %v", got)
	}
}

func TestNewEvaluatorBadTimezone(t *testing.T) {
	cfg := domain.DefaultScoringConfig().Behavior
	cfg.Timezone = "Mars/Olympus_Mons"
	if _, err := NewEvaluator(cfg); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestEvaluate(t *testing.T) {
	e := newEvaluator(t)

	act := &domain.Activity{
		RecentLikes:          spread(120, base, 50*time.Minute),
		RecentMessages:       spread(4, base.Add(-2*time.Hour), 2*time.Hour),
		RecentReportsAgainst: spread(3, base, time.Minute),
	}
	asOf := base.Add(50 * time.Minute)

	stats := e.Evaluate(act, domain.Window{}, asOf)

	if stats.Likes != 120 {
		t.Errorf("expected 120 likes, got %d", stats.Likes)
	}
	if stats.LikesLastHour != 120 {
		t.Errorf("expected 120 likes in last hour, got %d", stats.LikesLastHour)
	}
	if stats.Messages != 4 {
		t.Errorf("expected 4 messages, got %d", stats.Messages)
	}
	if stats.MessagesLastHour != 1 {
		t.Errorf("expected 1 message in last hour, got %d", stats.MessagesLastHour)
	}
	if stats.Reports != 3 {
		t.Errorf("expected 3 reports, got %d", stats.Reports)
	}
	if stats.UnusualHoursRatio != 0 {
		t.Errorf("expected no unusual-hour activity, got %v", stats.UnusualHoursRatio)
	}
}

func TestEvaluateThirtyLikesSpread(t *testing.T) {
	e := newEvaluator(t)

	act := &domain.Activity{RecentLikes: spread(30, base, time.Hour)}
	stats := e.Evaluate(act, domain.Window{}, base.Add(time.Hour))

	if stats.LikesLastHour > 30 {
		t.Errorf("expected at most 30 likes in last hour, got %d", stats.LikesLastHour)
	}
	if !math.IsInf(stats.MeanMessageIntervalMs, 1) {
		t.Errorf("expected infinite interval with no messages, got %v", stats.MeanMessageIntervalMs)
	}
}
