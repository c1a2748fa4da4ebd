package detector

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// BehaviorExtractor derives activity facts through the window evaluator.
type BehaviorExtractor struct {
	window *velocity.Evaluator
}

// NewBehaviorExtractor creates a behavior extractor.
func NewBehaviorExtractor(cfg domain.BehaviorLimits) (*BehaviorExtractor, error) {
	ev, err := velocity.NewEvaluator(cfg)
	if err != nil {
		return nil, err
	}
	return &BehaviorExtractor{window: ev}, nil
}

// Extract implements Extractor.
func (e *BehaviorExtractor) Extract(_ context.Context, snap *domain.AccountSnapshot) (rules.Facts, error) {
	act := snap.Activity
	if act == nil {
		return nil, ErrUnevaluable
	}

	stats := e.window.Evaluate(act, snap.Window, snap.EvaluationTime())

	return rules.Facts{
		"like_count":               float64(stats.Likes),
		"message_count":            float64(stats.Messages),
		"report_count":             float64(stats.Reports),
		"likes_last_hour":          float64(stats.LikesLastHour),
		"messages_last_hour":       float64(stats.MessagesLastHour),
		"mean_message_interval_ms": stats.MeanMessageIntervalMs,
		"max_duplicate_count":      float64(MaxDuplicates(velocity.Filter(act.RecentMessages, snap.Window))),
		"unusual_hours_ratio":      stats.UnusualHoursRatio,
	}, nil
}

// MaxDuplicates returns the highest number of times any non-empty message
// body occurs.
func MaxDuplicates(messages []domain.ActivityEvent) int {
	counts := make(map[string]int, len(messages))
	highest := 0
	for _, m := range messages {
		if m.ContentOrTarget == "" {
			continue
		}
		counts[m.ContentOrTarget]++
		if c := counts[m.ContentOrTarget]; c > highest {
			highest = c
		}
	}
	return highest
}
