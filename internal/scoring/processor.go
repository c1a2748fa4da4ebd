// Package scoring aggregates detector output into fraud score records.
package scoring

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// EngineVersion is stamped on every record.
const EngineVersion = "kestrel-1.0"

// aggregatePrecision rounds away float noise so band boundaries such as 0.3
// classify as written.
const aggregatePrecision = 1e10

// Processor combines dimension scores into an aggregate and a risk tier.
type Processor struct {
	weights domain.WeightTable
	bands   domain.RiskBands
}

// NewProcessor creates a processor. It fails on weights or bands that
// violate the configuration invariants.
func NewProcessor(cfg domain.ScoringConfig) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring config: %w", err)
	}
	return &Processor{
		weights: cfg.Weights,
		bands:   cfg.Bands,
	}, nil
}

// Aggregate returns the weighted sum of the dimension scores. Missing
// dimensions contribute zero.
func Aggregate(scores []domain.DimensionScore, weights domain.WeightTable) float64 {
	total := 0.0
	for _, ds := range scores {
		total += ds.Score * weights.Of(ds.Dimension)
	}

	total = math.Round(total*aggregatePrecision) / aggregatePrecision
	switch {
	case total < 0:
		return 0
	case total > 1:
		return 1
	}
	return total
}

// Classify maps an aggregate score to its risk tier. Each band includes its
// lower bound.
func Classify(score float64, bands domain.RiskBands) domain.RiskLevel {
	switch {
	case score >= bands.High:
		return domain.RiskHigh
	case score >= bands.Medium:
		return domain.RiskMedium
	case score >= bands.Low:
		return domain.RiskLow
	default:
		return domain.RiskMinimal
	}
}

// Aggregate applies the processor's weight table.
func (p *Processor) Aggregate(scores []domain.DimensionScore) float64 {
	return Aggregate(scores, p.weights)
}

// Classify applies the processor's bands.
func (p *Processor) Classify(score float64) domain.RiskLevel {
	return Classify(score, p.bands)
}

// Process builds the record for one scoring pass. The aggregate and risk level
// are always derived here from the dimension scores.
func (p *Processor) Process(accountID string, computedAt time.Time, scores []domain.DimensionScore) *domain.FraudScoreRecord {
	ordered := orderByDimension(scores)

	indicators := make([]string, 0)
	for _, ds := range ordered {
		indicators = append(indicators, ds.Indicators...)
	}

	aggregate := p.Aggregate(ordered)

	return &domain.FraudScoreRecord{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		ComputedAt:      computedAt,
		DimensionScores: ordered,
		AggregateScore:  aggregate,
		RiskLevel:       p.Classify(aggregate),
		Indicators:      indicators,
		EngineVersion:   EngineVersion,
	}
}

// orderByDimension returns the scores in profile, behavior, network, content
// order.
func orderByDimension(scores []domain.DimensionScore) []domain.DimensionScore {
	out := slices.Clone(scores)
	slices.SortStableFunc(out, func(a, b domain.DimensionScore) int {
		return slices.Index(domain.Dimensions, a.Dimension) - slices.Index(domain.Dimensions, b.Dimension)
	})
	return out
}
