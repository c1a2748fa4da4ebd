package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/dispatch"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const latestKeyPrefix = "score:latest:"

// encodeRecord serializes records for the cache and the bus.
var encodeRecord = json.Marshal

// RecordStore is the slice of the repository the service writes to.
type RecordStore interface {
	SaveScoreRecord(ctx context.Context, rec *domain.FraudScoreRecord) error
	LatestScoreRecord(ctx context.Context, accountID string) (*domain.FraudScoreRecord, error)
}

// Outcome is the result of scoring, persisting, and dispatching one snapshot.
type Outcome struct {
	Record   *domain.FraudScoreRecord `json:"record"`
	Dispatch dispatch.Result          `json:"dispatch"`
}

// BatchOutcome is the per-account result of ProcessBatch.
type BatchOutcome struct {
	AccountID string   `json:"accountId"`
	Outcome   *Outcome `json:"outcome,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Service is the calling layer around the engine: it persists records,
// publishes them, and hands high-risk records to the dispatcher.
type Service struct {
	engine     *Engine
	records    RecordStore
	dispatcher *dispatch.Dispatcher
	cache      domain.Cache
	latestTTL  time.Duration
	pub        dispatch.Publisher
	metrics    *metrics.Manager

	// latestLoads collapses concurrent store reads for the same account on a
	// cache miss.
	latestLoads singleflight.Group
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLatestCache caches each account's latest record for ttl.
func WithLatestCache(c domain.Cache, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.cache = c
		s.latestTTL = ttl
	}
}

// WithEvents publishes every computed record on domain.TopicScoreComputed.
func WithEvents(pub dispatch.Publisher) ServiceOption {
	return func(s *Service) {
		s.pub = pub
	}
}

// WithMetrics records scoring metrics on m.
func WithMetrics(m *metrics.Manager) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a scoring service.
func NewService(engine *Engine, records RecordStore, dispatcher *dispatch.Dispatcher, opts ...ServiceOption) *Service {
	s := &Service{
		engine:     engine,
		records:    records,
		dispatcher: dispatcher,
		latestTTL:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process scores snap, persists the record, and dispatches a notification
// when the record is high risk. When persistence or dispatch fails, the
// computed record is still returned alongside the error so the caller can
// retry.
func (s *Service) Process(ctx context.Context, snap *domain.AccountSnapshot) (*Outcome, error) {
	start := time.Now()

	rec, err := s.engine.Score(ctx, snap)
	if err != nil {
		s.metrics.RecordScoringError()
		return nil, err
	}
	return s.finish(ctx, rec, start)
}

// ProcessBatch scores snapshots with Engine.ScoreBatch and then persists and
// dispatches each record in input order.
func (s *Service) ProcessBatch(ctx context.Context, snaps []*domain.AccountSnapshot) []BatchOutcome {
	start := time.Now()
	results := s.engine.ScoreBatch(ctx, snaps)

	out := make([]BatchOutcome, len(results))
	for i, r := range results {
		out[i].AccountID = r.AccountID
		if r.Err != nil {
			s.metrics.RecordScoringError()
			out[i].Error = r.Err.Error()
			continue
		}

		outcome, err := s.finish(ctx, r.Record, start)
		out[i].Outcome = outcome
		if err != nil {
			out[i].Error = err.Error()
		}
	}
	return out
}

func (s *Service) finish(ctx context.Context, rec *domain.FraudScoreRecord, start time.Time) (*Outcome, error) {
	outcome := &Outcome{Record: rec, Dispatch: dispatch.Result{Outcome: dispatch.OutcomeSkipped}}

	s.recordMetrics(rec, start)

	if err := s.records.SaveScoreRecord(ctx, rec); err != nil {
		s.metrics.RecordScoringError()
		return outcome, fmt.Errorf("failed to persist score record: %w", err)
	}

	s.cacheLatest(ctx, rec)
	s.publish(ctx, rec)

	res, err := s.dispatcher.Dispatch(ctx, rec)
	if err != nil {
		s.metrics.RecordNotification("error")
		return outcome, fmt.Errorf("failed to dispatch notification: %w", err)
	}
	outcome.Dispatch = res
	if res.Outcome != dispatch.OutcomeSkipped {
		s.metrics.RecordNotification(res.Outcome)
	}

	slog.Debug("account scored",
		"account_id", rec.AccountID,
		"score", rec.AggregateScore,
		"risk_level", rec.RiskLevel,
		"dispatch", res.Outcome,
	)

	return outcome, nil
}

// Latest returns the newest record for the account, from the cache when
// possible.
func (s *Service) Latest(ctx context.Context, accountID string) (*domain.FraudScoreRecord, error) {
	if s.cache != nil {
		data, err := s.cache.Get(ctx, latestKeyPrefix+accountID)
		if err == nil && data != nil {
			var rec domain.FraudScoreRecord
			if err := json.Unmarshal(data, &rec); err == nil {
				return &rec, nil
			}
		}
	}

	v, err, _ := s.latestLoads.Do(accountID, func() (any, error) {
		rec, err := s.records.LatestScoreRecord(ctx, accountID)
		if err != nil {
			return nil, err
		}
		s.cacheLatest(ctx, rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.FraudScoreRecord), nil
}

func (s *Service) recordMetrics(rec *domain.FraudScoreRecord, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordScore(string(rec.RiskLevel), float64(time.Since(start).Microseconds())/1000)
	for _, ds := range rec.DimensionScores {
		if isUnevaluable(ds) {
			s.metrics.RecordUnevaluable(string(ds.Dimension))
		}
	}
}

func isUnevaluable(ds domain.DimensionScore) bool {
	want := detector.Unevaluable(ds.Dimension).Indicators[0]
	for _, ind := range ds.Indicators {
		if ind == want {
			return true
		}
	}
	return false
}

func (s *Service) cacheLatest(ctx context.Context, rec *domain.FraudScoreRecord) {
	if s.cache == nil || rec == nil {
		return
	}
	data, err := encodeRecord(rec)
	if err != nil {
		slog.Error("failed to encode latest score",
			"account_id", rec.AccountID,
			"error", err,
		)
		return
	}
	if err := s.cache.Set(ctx, latestKeyPrefix+rec.AccountID, data, s.latestTTL); err != nil {
		slog.Warn("failed to cache latest score",
			"account_id", rec.AccountID,
			"error", err,
		)
	}
}

func (s *Service) publish(ctx context.Context, rec *domain.FraudScoreRecord) {
	if s.pub == nil {
		return
	}
	payload, err := encodeRecord(rec)
	if err != nil {
		slog.Error("failed to encode score event",
			"account_id", rec.AccountID,
			"error", err,
		)
		return
	}
	if err := s.pub.Publish(ctx, domain.TopicScoreComputed, payload); err != nil {
		slog.Warn("failed to publish score",
			"account_id", rec.AccountID,
			"error", err,
		)
	}
}
