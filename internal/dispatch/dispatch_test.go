package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ========================================
// MOCKS
// ========================================

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveNotification(ctx context.Context, n *domain.AdminNotification) (bool, error) {
	args := m.Called(ctx, n)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) FindUnreadNotification(ctx context.Context, notificationType, accountID string, since time.Time) (*domain.AdminNotification, error) {
	args := m.Called(ctx, notificationType, accountID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AdminNotification), args.Error(1)
}

func (m *mockStore) ListNotifications(ctx context.Context, filter domain.NotificationFilter) ([]*domain.AdminNotification, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.AdminNotification), args.Error(1)
}

func (m *mockStore) MarkNotificationRead(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	args := m.Called(ctx, topic, payload)
	return args.Error(0)
}

// ========================================
// HELPERS
// ========================================

var fixedNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func highRecord() *domain.FraudScoreRecord {
	return &domain.FraudScoreRecord{
		ID:             "rec-1",
		AccountID:      "acc-1",
		ComputedAt:     fixedNow.Add(-time.Second),
		AggregateScore: 0.87,
		RiskLevel:      domain.RiskHigh,
		Indicators:     []string{"Disposable email detected", "Excessive liking pattern"},
	}
}

func newDispatcher(store *mockStore, pub *mockPublisher) *Dispatcher {
	opts := []Option{WithClock(func() time.Time { return fixedNow })}
	if pub != nil {
		opts = append(opts, WithPublisher(pub))
	}
	return New(store, domain.DispatchConfig{DedupWindow: time.Hour}, opts...)
}

// ========================================
// TESTS
// ========================================

func TestDispatch_SkipsBelowHigh(t *testing.T) {
	for _, level := range []domain.RiskLevel{domain.RiskMinimal, domain.RiskLow, domain.RiskMedium} {
		t.Run(string(level), func(t *testing.T) {
			store := new(mockStore)
			d := newDispatcher(store, nil)

			rec := highRecord()
			rec.RiskLevel = level

			res, err := d.Dispatch(context.Background(), rec)

			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, res.Outcome)
			assert.Nil(t, res.Notification)
			store.AssertNotCalled(t, "SaveNotification", mock.Anything, mock.Anything)
		})
	}
}

func TestDispatch_CreatesNotification(t *testing.T) {
	store := new(mockStore)
	pub := new(mockPublisher)
	d := newDispatcher(store, pub)
	rec := highRecord()

	store.On("FindUnreadNotification", mock.Anything, domain.NotificationTypeFraudAlert, "acc-1", fixedNow.Add(-time.Hour)).
		Return(nil, nil)
	store.On("SaveNotification", mock.Anything, mock.MatchedBy(func(n *domain.AdminNotification) bool {
		return n.Type == domain.NotificationTypeFraudAlert &&
			n.AccountID == "acc-1" &&
			!n.Read &&
			len(n.Indicators) == 2 &&
			n.FraudScore == 0.87
	})).Return(true, nil)
	pub.On("Publish", mock.Anything, domain.TopicFraudAlert, mock.Anything).Return(nil)

	res, err := d.Dispatch(context.Background(), rec)

	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	require.NotNil(t, res.Notification)
	assert.Equal(t, NotificationID("acc-1", rec.ComputedAt), res.Notification.ID)
	assert.Equal(t, domain.RiskHigh, res.Notification.RiskLevel)
	store.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestDispatch_DeduplicatesUnreadInWindow(t *testing.T) {
	store := new(mockStore)
	pub := new(mockPublisher)
	d := newDispatcher(store, pub)

	existing := &domain.AdminNotification{ID: "n-1", Type: domain.NotificationTypeFraudAlert, AccountID: "acc-1"}
	store.On("FindUnreadNotification", mock.Anything, domain.NotificationTypeFraudAlert, "acc-1", mock.Anything).
		Return(existing, nil)

	res, err := d.Dispatch(context.Background(), highRecord())

	require.NoError(t, err)
	assert.Equal(t, OutcomeDeduplicated, res.Outcome)
	assert.Equal(t, "n-1", res.Notification.ID)
	store.AssertNotCalled(t, "SaveNotification", mock.Anything, mock.Anything)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_SameRecordAlreadyStored(t *testing.T) {
	store := new(mockStore)
	pub := new(mockPublisher)
	d := newDispatcher(store, pub)

	store.On("FindUnreadNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	store.On("SaveNotification", mock.Anything, mock.Anything).Return(false, nil)

	res, err := d.Dispatch(context.Background(), highRecord())

	require.NoError(t, err)
	assert.Equal(t, OutcomeDeduplicated, res.Outcome)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_StoreErrors(t *testing.T) {
	t.Run("LookupFails", func(t *testing.T) {
		store := new(mockStore)
		d := newDispatcher(store, nil)
		store.On("FindUnreadNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("db down"))

		_, err := d.Dispatch(context.Background(), highRecord())
		assert.Error(t, err)
	})

	t.Run("SaveFails", func(t *testing.T) {
		store := new(mockStore)
		d := newDispatcher(store, nil)
		store.On("FindUnreadNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
		store.On("SaveNotification", mock.Anything, mock.Anything).Return(false, errors.New("disk full"))

		_, err := d.Dispatch(context.Background(), highRecord())
		assert.Error(t, err)
	})
}

func TestDispatch_PublishFailureDoesNotFail(t *testing.T) {
	store := new(mockStore)
	pub := new(mockPublisher)
	d := newDispatcher(store, pub)

	store.On("FindUnreadNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	store.On("SaveNotification", mock.Anything, mock.Anything).Return(true, nil)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("bus closed"))

	res, err := d.Dispatch(context.Background(), highRecord())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
}

func TestDispatch_EncodeFailureSkipsPublish(t *testing.T) {
	orig := encodeAlert
	encodeAlert = func(any) ([]byte, error) { return nil, errors.New("unsupported value") }
	t.Cleanup(func() { encodeAlert = orig })

	store := new(mockStore)
	pub := new(mockPublisher)
	d := newDispatcher(store, pub)

	store.On("FindUnreadNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	store.On("SaveNotification", mock.Anything, mock.Anything).Return(true, nil)

	res, err := d.Dispatch(context.Background(), highRecord())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotificationID(t *testing.T) {
	at := time.Date(2025, 3, 14, 12, 0, 0, 123456000, time.UTC)

	assert.Equal(t, NotificationID("acc-1", at), NotificationID("acc-1", at.In(time.FixedZone("x", 3600))))
	assert.NotEqual(t, NotificationID("acc-1", at), NotificationID("acc-2", at))
	assert.NotEqual(t, NotificationID("acc-1", at), NotificationID("acc-1", at.Add(time.Microsecond)))
}

func TestBuild_CopiesIndicators(t *testing.T) {
	rec := highRecord()
	n := Build(rec, fixedNow)

	rec.Indicators[0] = "mutated"
	assert.Equal(t, "Disposable email detected", n.Indicators[0])
	assert.Equal(t, rec.ComputedAt, n.ScoreComputedAt)
}
