// Package worker scores account snapshots delivered on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Message outcomes recorded in metrics.
const (
	OutcomeProcessed  = "processed"
	OutcomeSuperseded = "superseded"
	OutcomeInvalid    = "invalid"
	OutcomeFailed     = "failed"
)

// Scorer is the scoring surface the worker drives.
type Scorer interface {
	Process(ctx context.Context, snap *domain.AccountSnapshot) (*scoring.Outcome, error)
}

// pending is the newest snapshot waiting for an account's running pass.
type pending struct {
	snap      *domain.AccountSnapshot
	messageID string
}

// Worker consumes snapshots from domain.TopicAccountSnapshot. At most one
// scoring pass per account runs at a time. A snapshot arriving during a pass
// waits for it and is scored next; if several arrive, only the newest is
// scored and the ones it replaced count as superseded.
type Worker struct {
	bus     domain.EventBus
	scorer  Scorer
	metrics *metrics.Manager

	concurrency int
	sem         chan struct{}

	accountsMu sync.Mutex
	running    map[string]*pending

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	stopping      chan struct{}
	stopOnce      sync.Once

	processed  atomic.Int64
	superseded atomic.Int64
	failed     atomic.Int64
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, scorer Scorer, cfg domain.WorkerConfig, m *metrics.Manager) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:         bus,
		scorer:      scorer,
		metrics:     m,
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
		running:     make(map[string]*pending),
		ctx:         ctx,
		cancel:      cancel,
		stopping:    make(chan struct{}),
	}
}

// Start subscribes to the snapshot topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicAccountSnapshot, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicAccountSnapshot, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicAccountSnapshot,
		"concurrency", w.concurrency,
	)
	return nil
}

// handleMessage decodes the snapshot. If the account already has a pass
// running, the snapshot is parked as that account's next pass. Otherwise a
// new pass starts on its own goroutine, blocking while the worker is at its
// concurrency limit.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var snap domain.AccountSnapshot
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		w.metrics.RecordWorkerMessage(OutcomeInvalid)
		return fmt.Errorf("failed to parse snapshot message %s: %w", msg.ID, err)
	}
	if snap.AccountID == "" {
		w.metrics.RecordWorkerMessage(OutcomeInvalid)
		return fmt.Errorf("snapshot message %s has no accountId", msg.ID)
	}

	w.accountsMu.Lock()
	if next, busy := w.running[snap.AccountID]; busy {
		if next.snap != nil {
			w.supersede(next.messageID, snap.AccountID)
		}
		next.snap, next.messageID = &snap, msg.ID
		w.accountsMu.Unlock()
		return nil
	}
	w.running[snap.AccountID] = &pending{}
	w.accountsMu.Unlock()

	select {
	case w.sem <- struct{}{}:
	case <-w.stopping:
		w.accountsMu.Lock()
		delete(w.running, snap.AccountID)
		w.accountsMu.Unlock()
		return fmt.Errorf("worker stopping, snapshot message %s not scored", msg.ID)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.drain(&snap, msg.ID)
	}()

	return nil
}

// drain scores snap, then keeps scoring whatever snapshot was parked for the
// account meanwhile, until none is left.
func (w *Worker) drain(snap *domain.AccountSnapshot, messageID string) {
	accountID := snap.AccountID
	for {
		w.score(snap, messageID)

		w.accountsMu.Lock()
		next := w.running[accountID]
		if next == nil || next.snap == nil || w.ctx.Err() != nil {
			if next != nil && next.snap != nil {
				w.supersede(next.messageID, accountID)
			}
			delete(w.running, accountID)
			w.accountsMu.Unlock()
			return
		}
		snap, messageID = next.snap, next.messageID
		next.snap, next.messageID = nil, ""
		w.accountsMu.Unlock()
	}
}

// supersede records a parked snapshot that will not be scored. Callers hold
// accountsMu.
func (w *Worker) supersede(messageID, accountID string) {
	w.superseded.Add(1)
	w.metrics.RecordWorkerMessage(OutcomeSuperseded)
	slog.Debug("snapshot superseded by a newer one",
		"account_id", accountID,
		"message_id", messageID,
	)
}

func (w *Worker) score(snap *domain.AccountSnapshot, messageID string) {
	start := time.Now()

	outcome, err := w.scorer.Process(w.ctx, snap)
	if err != nil {
		w.failed.Add(1)
		w.metrics.RecordWorkerMessage(OutcomeFailed)
		slog.Error("failed to score snapshot",
			"account_id", snap.AccountID,
			"message_id", messageID,
			"error", err,
		)
		return
	}
	w.processed.Add(1)
	w.metrics.RecordWorkerMessage(OutcomeProcessed)

	if outcome == nil || outcome.Record == nil {
		return
	}

	slog.Info("snapshot scored",
		"account_id", snap.AccountID,
		"message_id", messageID,
		"score", outcome.Record.AggregateScore,
		"risk_level", outcome.Record.RiskLevel,
		"dispatch", outcome.Dispatch.Outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for in-flight passes to finish.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopping) })

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()
	w.cancel()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Superseded        int64    `json:"superseded"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Superseded:        w.superseded.Load(),
		Failed:            w.failed.Load(),
	}
}
