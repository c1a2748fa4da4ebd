// Package dispatch turns high-risk score records into admin notifications.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Dispatch outcomes.
const (
	OutcomeSkipped      = "skipped"
	OutcomeCreated      = "created"
	OutcomeDeduplicated = "deduplicated"
)

// notificationNamespace seeds the deterministic notification IDs.
var notificationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://kestrel.opensource.finance/notifications"))

// encodeAlert serializes a notification for the bus.
var encodeAlert = json.Marshal

// Publisher is the bus surface the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Result describes what a dispatch did.
type Result struct {
	Outcome      string                    `json:"outcome"`
	Notification *domain.AdminNotification `json:"notification,omitempty"`
}

// Dispatcher creates at most one fraud_alert per account within the dedup
// window, and at most one per (accountId, computedAt) ever.
type Dispatcher struct {
	store  domain.NotificationStore
	pub    Publisher
	window time.Duration
	now    func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithPublisher publishes created notifications on domain.TopicFraudAlert.
func WithPublisher(pub Publisher) Option {
	return func(d *Dispatcher) {
		d.pub = pub
	}
}

// New creates a dispatcher writing to store.
func New(store domain.NotificationStore, cfg domain.DispatchConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		window: cfg.DedupWindow,
		now:    time.Now,
	}
	if d.window <= 0 {
		d.window = time.Hour
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ShouldNotify reports whether rec warrants an automatic notification.
func ShouldNotify(rec *domain.FraudScoreRecord) bool {
	return rec != nil && rec.RiskLevel == domain.RiskHigh
}

// NotificationID derives the notification ID from the record's identity, so
// re-dispatching the same record always targets the same row.
func NotificationID(accountID string, computedAt time.Time) string {
	key := accountID + "|" + computedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(notificationNamespace, []byte(key)).String()
}

// Build constructs the notification for rec.
func Build(rec *domain.FraudScoreRecord, createdAt time.Time) *domain.AdminNotification {
	return &domain.AdminNotification{
		ID:              NotificationID(rec.AccountID, rec.ComputedAt),
		Type:            domain.NotificationTypeFraudAlert,
		AccountID:       rec.AccountID,
		FraudScore:      rec.AggregateScore,
		RiskLevel:       rec.RiskLevel,
		Indicators:      slices.Clone(rec.Indicators),
		Read:            false,
		CreatedAt:       createdAt.UTC(),
		ScoreComputedAt: rec.ComputedAt,
	}
}

// Dispatch creates a notification for rec when it is high risk and no unread
// fraud_alert for the account exists inside the dedup window.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *domain.FraudScoreRecord) (Result, error) {
	if !ShouldNotify(rec) {
		return Result{Outcome: OutcomeSkipped}, nil
	}

	now := d.now()

	existing, err := d.store.FindUnreadNotification(ctx, domain.NotificationTypeFraudAlert, rec.AccountID, now.Add(-d.window))
	if err != nil {
		return Result{}, fmt.Errorf("failed to check existing notifications: %w", err)
	}
	if existing != nil {
		slog.Debug("fraud alert deduplicated",
			"account_id", rec.AccountID,
			"existing_id", existing.ID,
		)
		return Result{Outcome: OutcomeDeduplicated, Notification: existing}, nil
	}

	n := Build(rec, now)
	created, err := d.store.SaveNotification(ctx, n)
	if err != nil {
		return Result{}, fmt.Errorf("failed to save notification: %w", err)
	}
	if !created {
		return Result{Outcome: OutcomeDeduplicated, Notification: n}, nil
	}

	slog.Info("fraud alert created",
		"account_id", rec.AccountID,
		"notification_id", n.ID,
		"score", rec.AggregateScore,
		"indicators", len(n.Indicators),
	)

	if d.pub != nil {
		d.publish(ctx, n)
	}

	return Result{Outcome: OutcomeCreated, Notification: n}, nil
}

// publish sends n on domain.TopicFraudAlert. The notification is already
// stored, so failures are logged and not returned.
func (d *Dispatcher) publish(ctx context.Context, n *domain.AdminNotification) {
	payload, err := encodeAlert(n)
	if err != nil {
		slog.Error("failed to encode fraud alert",
			"account_id", n.AccountID,
			"notification_id", n.ID,
			"error", err,
		)
		return
	}
	if err := d.pub.Publish(ctx, domain.TopicFraudAlert, payload); err != nil {
		slog.Error("failed to publish fraud alert",
			"account_id", n.AccountID,
			"error", err,
		)
	}
}
