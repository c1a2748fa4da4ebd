package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

type fakeScorer struct {
	mu       sync.Mutex
	calls    map[string]int
	scored   []string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	gate     chan struct{}
	err      error
}

func newFakeScorer() *fakeScorer {
	return &fakeScorer{calls: make(map[string]int)}
}

func (f *fakeScorer) Process(ctx context.Context, snap *domain.AccountSnapshot) (*scoring.Outcome, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[snap.AccountID]++
	if len(snap.Content) > 0 {
		f.scored = append(f.scored, snap.Content[0])
	}
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return &scoring.Outcome{
		Record: &domain.FraudScoreRecord{AccountID: snap.AccountID, RiskLevel: domain.RiskMinimal},
	}, nil
}

func (f *fakeScorer) callsFor(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[accountID]
}

func publishSnapshot(t *testing.T, b domain.EventBus, accountID string) {
	t.Helper()
	payload, _ := json.Marshal(domain.AccountSnapshot{AccountID: accountID})
	if err := b.Publish(context.Background(), domain.TopicAccountSnapshot, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func (f *fakeScorer) scoredTags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scored...)
}

// publishTagged publishes a snapshot whose first content line identifies it.
func publishTagged(t *testing.T, b domain.EventBus, accountID, tag string) {
	t.Helper()
	payload, _ := json.Marshal(domain.AccountSnapshot{AccountID: accountID, Content: []string{tag}})
	if err := b.Publish(context.Background(), domain.TopicAccountSnapshot, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, newFakeScorer(), domain.WorkerConfig{Concurrency: 2}, nil)

		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicAccountSnapshot {
			t.Errorf("expected topic %s, got %s", domain.TopicAccountSnapshot, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("ProcessSnapshot", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		scorer := newFakeScorer()
		m := metrics.NewManager()
		w := NewWorker(eventBus, scorer, domain.WorkerConfig{Concurrency: 2}, m)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publishSnapshot(t, eventBus, "acc-001")
		publishSnapshot(t, eventBus, "acc-002")

		eventually(t, func() bool { return w.GetStats().Processed == 2 })

		if scorer.callsFor("acc-001") != 1 || scorer.callsFor("acc-002") != 1 {
			t.Errorf("expected one pass per account, got %v", scorer.calls)
		}
	})

	t.Run("InvalidPayloadIgnored", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		scorer := newFakeScorer()
		w := NewWorker(eventBus, scorer, domain.WorkerConfig{}, nil)
		w.Start()
		defer w.Stop()

		eventBus.Publish(context.Background(), domain.TopicAccountSnapshot, []byte("not json"))
		eventBus.Publish(context.Background(), domain.TopicAccountSnapshot, []byte(`{"accountId":""}`))
		publishSnapshot(t, eventBus, "acc-ok")

		eventually(t, func() bool { return w.GetStats().Processed == 1 })

		if scorer.callsFor("") != 0 {
			t.Error("snapshot without accountId should not be scored")
		}
	})

	t.Run("ScorerFailureCounted", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		scorer := newFakeScorer()
		scorer.err = errors.New("db down")
		w := NewWorker(eventBus, scorer, domain.WorkerConfig{}, nil)
		w.Start()
		defer w.Stop()

		publishSnapshot(t, eventBus, "acc-001")

		eventually(t, func() bool { return w.GetStats().Failed == 1 })
	})
}

func TestWorker_OnePassPerAccount(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	scorer := newFakeScorer()
	scorer.gate = make(chan struct{})
	w := NewWorker(eventBus, scorer, domain.WorkerConfig{Concurrency: 4}, nil)
	w.Start()
	defer w.Stop()

	publishTagged(t, eventBus, "acc-dup", "first")
	eventually(t, func() bool { return scorer.callsFor("acc-dup") == 1 })

	// Snapshots arriving mid-pass wait; only the newest of them is scored.
	publishTagged(t, eventBus, "acc-dup", "second")
	publishTagged(t, eventBus, "acc-dup", "third")
	eventually(t, func() bool { return w.GetStats().Superseded == 1 })

	close(scorer.gate)

	eventually(t, func() bool { return w.GetStats().Processed == 2 })

	if got := scorer.scoredTags(); len(got) != 2 || got[0] != "first" || got[1] != "third" {
		t.Errorf("expected [first third], got %v", got)
	}
	if scorer.maxSeen.Load() != 1 {
		t.Errorf("expected at most 1 concurrent pass, got %d", scorer.maxSeen.Load())
	}
}

func TestWorker_NewerSnapshotScoredAfterRunningPass(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	scorer := newFakeScorer()
	scorer.gate = make(chan struct{})
	w := NewWorker(eventBus, scorer, domain.WorkerConfig{Concurrency: 4}, nil)
	w.Start()
	defer w.Stop()

	publishTagged(t, eventBus, "acc-1", "old-snapshot")
	eventually(t, func() bool { return scorer.callsFor("acc-1") == 1 })
	publishTagged(t, eventBus, "acc-1", "new-snapshot")

	// Give the second message time to reach the worker while the first pass
	// is still blocked.
	time.Sleep(50 * time.Millisecond)
	if got := scorer.callsFor("acc-1"); got != 1 {
		t.Fatalf("second pass must wait for the first, got %d calls", got)
	}

	close(scorer.gate)
	eventually(t, func() bool { return w.GetStats().Processed == 2 })

	got := scorer.scoredTags()
	if len(got) != 2 || got[len(got)-1] != "new-snapshot" {
		t.Errorf("expected new-snapshot scored last, got %v", got)
	}
	if s := w.GetStats(); s.Superseded != 0 {
		t.Errorf("expected nothing superseded, got %d", s.Superseded)
	}
}

func TestWorker_ConcurrencyLimit(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	scorer := newFakeScorer()
	scorer.gate = make(chan struct{})
	w := NewWorker(eventBus, scorer, domain.WorkerConfig{Concurrency: 2}, nil)
	w.Start()
	defer w.Stop()

	for _, id := range []string{"a", "b", "c", "d"} {
		publishSnapshot(t, eventBus, id)
	}

	eventually(t, func() bool { return scorer.inFlight.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if scorer.inFlight.Load() != 2 {
		t.Errorf("expected 2 passes in flight, got %d", scorer.inFlight.Load())
	}

	close(scorer.gate)
	eventually(t, func() bool { return w.GetStats().Processed == 4 })

	if scorer.maxSeen.Load() > 2 {
		t.Errorf("concurrency limit exceeded: %d", scorer.maxSeen.Load())
	}
}
