// Package detector extracts per-dimension facts from an account snapshot and
// scores them against the rule table.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// ErrUnevaluable is returned by an extractor whose input slice is missing.
var ErrUnevaluable = errors.New("dimension unevaluable")

// Detector scores one dimension of an account.
// Detect never fails: missing or malformed input yields a zero score with an
// "unevaluable" indicator.
type Detector interface {
	Dimension() domain.Dimension
	Detect(ctx context.Context, snap *domain.AccountSnapshot) domain.DimensionScore
}

// Extractor turns the relevant slice of a snapshot into rule facts.
type Extractor interface {
	Extract(ctx context.Context, snap *domain.AccountSnapshot) (rules.Facts, error)
}

// RuleDetector pairs an extractor with the rules of its dimension.
type RuleDetector struct {
	dim       domain.Dimension
	extractor Extractor
	engine    *rules.Engine
	limits    map[string]float64
}

// NewRuleDetector creates a detector for dim.
func NewRuleDetector(dim domain.Dimension, extractor Extractor, engine *rules.Engine, limits map[string]float64) *RuleDetector {
	return &RuleDetector{
		dim:       dim,
		extractor: extractor,
		engine:    engine,
		limits:    limits,
	}
}

// Dimension returns the scored dimension.
func (d *RuleDetector) Dimension() domain.Dimension {
	return d.dim
}

// Detect extracts facts, evaluates the dimension's rules and sums the weights
// of the triggered ones, clamped to [0,1].
func (d *RuleDetector) Detect(ctx context.Context, snap *domain.AccountSnapshot) (score domain.DimensionScore) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("detector panic recovered",
				"dimension", d.dim,
				"account_id", accountID(snap),
				"panic", r,
			)
			score = Unevaluable(d.dim)
		}
	}()

	if snap == nil {
		return Unevaluable(d.dim)
	}

	facts, err := d.extractor.Extract(ctx, snap)
	if err != nil {
		if !errors.Is(err, ErrUnevaluable) {
			slog.Warn("fact extraction failed",
				"dimension", d.dim,
				"account_id", snap.AccountID,
				"error", err,
			)
		}
		return Unevaluable(d.dim)
	}

	score = domain.DimensionScore{
		Dimension:  d.dim,
		Indicators: []string{},
	}

	total := 0.0
	for _, r := range d.engine.Evaluate(d.dim, facts, d.limits) {
		if r.Err != "" {
			slog.Debug("rule evaluation error",
				"rule_id", r.RuleID,
				"account_id", snap.AccountID,
				"error", r.Err,
			)
		}
		if !r.Triggered {
			continue
		}
		total += r.Weight
		score.Indicators = append(score.Indicators, r.Indicator)
	}
	score.Score = Clamp(total)

	return score
}

// Unevaluable is the score of a dimension whose input was missing or malformed.
func Unevaluable(dim domain.Dimension) domain.DimensionScore {
	name := string(dim)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return domain.DimensionScore{
		Dimension:  dim,
		Score:      0,
		Indicators: []string{fmt.Sprintf("%s dimension unevaluable", name)},
	}
}

// Clamp limits v to [0,1].
func Clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// New builds the four detectors in evaluation order: profile, behavior,
// network, content. fanout may be nil.
func New(cfg domain.ScoringConfig, engine *rules.Engine, fanout FanoutCounter) ([]Detector, error) {
	behavior, err := NewBehaviorExtractor(cfg.Behavior)
	if err != nil {
		return nil, err
	}
	network, err := NewNetworkExtractor(cfg.Network, fanout)
	if err != nil {
		return nil, err
	}

	limits := cfg.Limits()
	return []Detector{
		NewRuleDetector(domain.DimensionProfile, NewProfileExtractor(cfg.Profile), engine, limits),
		NewRuleDetector(domain.DimensionBehavior, behavior, engine, limits),
		NewRuleDetector(domain.DimensionNetwork, network, engine, limits),
		NewRuleDetector(domain.DimensionContent, NewContentExtractor(cfg.Content), engine, limits),
	}, nil
}

func accountID(snap *domain.AccountSnapshot) string {
	if snap == nil {
		return ""
	}
	return snap.AccountID
}
