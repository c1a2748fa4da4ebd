package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("kestrel-scoring")

// ErrInvalidSnapshot is returned for snapshots that cannot be scored at all.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Engine runs the detectors and the processor for one account at a time.
// It holds no per-account state, so Score is safe for concurrent use.
type Engine struct {
	detectors []detector.Detector
	processor *Processor
	batchSize int
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the source of computedAt.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine validates cfg and builds the detectors. Configuration errors are
// returned here, never from Score.
func NewEngine(cfg domain.ScoringConfig, ruleEngine *rules.Engine, fanout detector.FanoutCounter, opts ...EngineOption) (*Engine, error) {
	processor, err := NewProcessor(cfg)
	if err != nil {
		return nil, err
	}

	detectors, err := detector.New(cfg, ruleEngine, fanout)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		detectors: detectors,
		processor: processor,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
	if e.batchSize <= 0 {
		e.batchSize = 10
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Score computes a new record for snap.
func (e *Engine) Score(ctx context.Context, snap *domain.AccountSnapshot) (*domain.FraudScoreRecord, error) {
	if snap == nil || snap.AccountID == "" {
		return nil, fmt.Errorf("%w: accountId is required", ErrInvalidSnapshot)
	}

	ctx, span := tracer.Start(ctx, "scoring.Score",
		trace.WithAttributes(attribute.String("account.id", snap.AccountID)),
	)
	defer span.End()

	scores := make([]domain.DimensionScore, 0, len(e.detectors))
	for _, d := range e.detectors {
		scores = append(scores, d.Detect(ctx, snap))
	}

	rec := e.processor.Process(snap.AccountID, e.now().UTC().Truncate(time.Microsecond), scores)

	span.SetAttributes(
		attribute.Float64("score.aggregate", rec.AggregateScore),
		attribute.String("score.risk_level", string(rec.RiskLevel)),
	)

	return rec, nil
}

// BatchResult is the outcome for one snapshot of a batch.
type BatchResult struct {
	AccountID string
	Record    *domain.FraudScoreRecord
	Err       error
}

// ScoreBatch scores snapshots concurrently, at most the configured batch size
// at a time. A failing or panicking account only affects its own result. Once ctx
// is done, accounts not yet started are reported with ctx's error.
func (e *Engine) ScoreBatch(ctx context.Context, snaps []*domain.AccountSnapshot) []BatchResult {
	results := make([]BatchResult, len(snaps))
	for i, s := range snaps {
		if s != nil {
			results[i].AccountID = s.AccountID
		}
	}

	// Scoring errors stay per account in results; the group only bounds how
	// many accounts are scored at once.
	var g errgroup.Group
	g.SetLimit(e.batchSize)
	for i := range snaps {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(snaps); j++ {
				results[j].Err = err
			}
			break
		}
		g.Go(func() error {
			results[i].Record, results[i].Err = e.scoreIsolated(ctx, snaps[i])
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Engine) scoreIsolated(ctx context.Context, snap *domain.AccountSnapshot) (rec *domain.FraudScoreRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scoring panic recovered",
				"account_id", accountID(snap),
				"panic", r,
			)
			rec, err = nil, fmt.Errorf("scoring panic: %v", r)
		}
	}()
	return e.Score(ctx, snap)
}

func accountID(snap *domain.AccountSnapshot) string {
	if snap == nil {
		return ""
	}
	return snap.AccountID
}
