package scoring

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func dims(profile, behavior, network, content float64) []domain.DimensionScore {
	return []domain.DimensionScore{
		{Dimension: domain.DimensionProfile, Score: profile, Indicators: []string{}},
		{Dimension: domain.DimensionBehavior, Score: behavior, Indicators: []string{}},
		{Dimension: domain.DimensionNetwork, Score: network, Indicators: []string{}},
		{Dimension: domain.DimensionContent, Score: content, Indicators: []string{}},
	}
}

func TestAggregate(t *testing.T) {
	weights := domain.DefaultScoringConfig().Weights

	tests := []struct {
		name   string
		scores []domain.DimensionScore
		want   float64
	}{
		{"AllZero", dims(0, 0, 0, 0), 0},
		{"AllOne", dims(1, 1, 1, 1), 1},
		{"Mixed", dims(0.8, 0.6, 0.4, 0.3), 0.55},
		{"HighTier", dims(1, 1, 0.6, 0.75), 0.87},
		{"ProfileOnly", dims(1, 0, 0, 0), 0.25},
		{"MissingDimensionsCountAsZero", []domain.DimensionScore{{Dimension: domain.DimensionBehavior, Score: 1}}, 0.35},
		{"Empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.scores, weights)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAggregate_Bounds(t *testing.T) {
	weights := domain.DefaultScoringConfig().Weights

	for _, s := range []float64{0, 0.1, 0.33, 0.5, 0.77, 1} {
		got := Aggregate(dims(s, s, s, s), weights)
		if got < 0 || got > 1 {
			t.Errorf("aggregate %v out of [0,1] for uniform score %v", got, s)
		}
	}
}

func TestClassify(t *testing.T) {
	bands := domain.DefaultScoringConfig().Bands

	tests := []struct {
		score float64
		want  domain.RiskLevel
	}{
		{0, domain.RiskMinimal},
		{0.29999, domain.RiskMinimal},
		{0.3, domain.RiskLow},
		{0.59999, domain.RiskLow},
		{0.6, domain.RiskMedium},
		{0.79999, domain.RiskMedium},
		{0.8, domain.RiskHigh},
		{0.87, domain.RiskHigh},
		{1, domain.RiskHigh},
	}

	for _, tt := range tests {
		if got := Classify(tt.score, bands); got != tt.want {
			t.Errorf("Classify(%v): expected %s, got %s", tt.score, tt.want, got)
		}
	}
}

func TestClassify_AggregatedBoundary(t *testing.T) {
	p, err := NewProcessor(domain.DefaultScoringConfig())
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	// 0.2*0.25 + 0.5*0.35 + 0.1*0.2 + 0.275*0.2 sums to 0.3 only up to float noise.
	scores := dims(0.2, 0.5, 0.1, 0.275)
	if got := p.Classify(p.Aggregate(scores)); got != domain.RiskLow {
		t.Errorf("expected exact 0.3 aggregate to classify as low, got %s", got)
	}
}

func TestNewProcessor_InvalidConfig(t *testing.T) {
	t.Run("WeightsDoNotSumToOne", func(t *testing.T) {
		cfg := domain.DefaultScoringConfig()
		cfg.Weights.Content = 0.3
		_, err := NewProcessor(cfg)
		if !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("NonMonotonicBands", func(t *testing.T) {
		cfg := domain.DefaultScoringConfig()
		cfg.Bands.Medium = 0.9
		_, err := NewProcessor(cfg)
		if !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func TestProcess(t *testing.T) {
	p, err := NewProcessor(domain.DefaultScoringConfig())
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	at := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("HighRecord", func(t *testing.T) {
		scores := dims(1, 1, 0.6, 0.75)
		scores[0].Indicators = []string{"Disposable email detected"}
		scores[1].Indicators = []string{"Excessive liking pattern", "Rapid messaging"}
		scores[3].Indicators = []string{"Spam keywords detected"}

		rec := p.Process("acc-001", at, scores)

		if math.Abs(rec.AggregateScore-0.87) > 1e-12 {
			t.Errorf("expected 0.87, got %v", rec.AggregateScore)
		}
		if rec.RiskLevel != domain.RiskHigh {
			t.Errorf("expected high, got %s", rec.RiskLevel)
		}
		if rec.ID == "" || rec.EngineVersion != EngineVersion {
			t.Errorf("expected id and engine version, got %q %q", rec.ID, rec.EngineVersion)
		}
		if !rec.ComputedAt.Equal(at) {
			t.Errorf("expected computedAt %v, got %v", at, rec.ComputedAt)
		}

		want := []string{"Disposable email detected", "Excessive liking pattern", "Rapid messaging", "Spam keywords detected"}
		if len(rec.Indicators) != len(want) {
			t.Fatalf("expected %d indicators, got %v", len(want), rec.Indicators)
		}
		for i := range want {
			if rec.Indicators[i] != want[i] {
				t.Errorf("indicator %d: expected %q, got %q", i, want[i], rec.Indicators[i])
			}
		}
	})

	t.Run("IndicatorsInDetectorOrder", func(t *testing.T) {
		scores := []domain.DimensionScore{
			{Dimension: domain.DimensionContent, Score: 0.4, Indicators: []string{"c"}},
			{Dimension: domain.DimensionProfile, Score: 0.5, Indicators: []string{"p"}},
			{Dimension: domain.DimensionNetwork, Score: 0.4, Indicators: []string{"n"}},
			{Dimension: domain.DimensionBehavior, Score: 0.3, Indicators: []string{"b", "b"}},
		}

		rec := p.Process("acc-002", at, scores)

		got := rec.Indicators
		if len(got) != 5 || got[0] != "p" || got[1] != "b" || got[2] != "b" || got[3] != "n" || got[4] != "c" {
			t.Errorf("expected p,b,b,n,c, got %v", got)
		}
		if rec.DimensionScores[0].Dimension != domain.DimensionProfile {
			t.Errorf("expected profile first, got %s", rec.DimensionScores[0].Dimension)
		}
	})

	t.Run("MinimalHasEmptyIndicators", func(t *testing.T) {
		rec := p.Process("acc-003", at, dims(0, 0, 0, 0))
		if rec.RiskLevel != domain.RiskMinimal {
			t.Errorf("expected minimal, got %s", rec.RiskLevel)
		}
		if rec.Indicators == nil || len(rec.Indicators) != 0 {
			t.Errorf("expected empty non-nil indicators, got %v", rec.Indicators)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		scores := dims(0.8, 0.6, 0.4, 0.3)
		a := p.Process("acc-004", at, scores)
		b := p.Process("acc-004", at, scores)

		if a.AggregateScore != b.AggregateScore || a.RiskLevel != b.RiskLevel {
			t.Errorf("expected identical outcomes, got %v/%s and %v/%s", a.AggregateScore, a.RiskLevel, b.AggregateScore, b.RiskLevel)
		}
	})
}
