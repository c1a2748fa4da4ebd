package domain

import (
	"time"
)

// Dimension is one of the four independent signal categories.
type Dimension string

const (
	DimensionProfile  Dimension = "profile"
	DimensionBehavior Dimension = "behavior"
	DimensionNetwork  Dimension = "network"
	DimensionContent  Dimension = "content"
)

// Dimensions lists every dimension in detector-evaluation order.
var Dimensions = []Dimension{
	DimensionProfile,
	DimensionBehavior,
	DimensionNetwork,
	DimensionContent,
}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	switch d {
	case DimensionProfile, DimensionBehavior, DimensionNetwork, DimensionContent:
		return true
	}
	return false
}

// DimensionScore is the output of a single detector.
type DimensionScore struct {
	Dimension  Dimension `json:"dimension"`
	Score      float64   `json:"score"`
	Indicators []string  `json:"indicators"`
}

// RiskLevel is the discrete risk tier.
type RiskLevel string

const (
	RiskMinimal RiskLevel = "minimal"
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
)

// FraudScoreRecord is the immutable result of one scoring pass.
// Re-scoring produces a new record keyed by ComputedAt; records are never
// patched in place.
type FraudScoreRecord struct {
	ID              string           `json:"id"`
	AccountID       string           `json:"accountId"`
	ComputedAt      time.Time        `json:"computedAt"`
	DimensionScores []DimensionScore `json:"dimensionScores"`
	AggregateScore  float64          `json:"aggregateScore"`
	RiskLevel       RiskLevel        `json:"riskLevel"`
	Indicators      []string         `json:"indicators"`
	EngineVersion   string           `json:"engineVersion,omitempty"`
}

// DimensionScore returns the score for d, or zero when absent.
func (r *FraudScoreRecord) DimensionScore(d Dimension) float64 {
	for _, ds := range r.DimensionScores {
		if ds.Dimension == d {
			return ds.Score
		}
	}
	return 0
}
