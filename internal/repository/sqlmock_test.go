package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// newMockRepo returns a postgres-flavoured repository over sqlmock, so the
// $n placeholder path runs without a live server.
func newMockRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &SQLRepository{db: db, driver: "postgres"}, mock
}

func mockRecord() *domain.FraudScoreRecord {
	return &domain.FraudScoreRecord{
		ID:             "rec-1",
		AccountID:      "acc-1",
		ComputedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		AggregateScore: 0.42,
		RiskLevel:      domain.RiskLow,
		EngineVersion:  "test",
	}
}

func TestSaveScoreRecord_PostgresPlaceholders(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8)")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SaveScoreRecord(context.Background(), mockRecord()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveScoreRecord_ExecError(t *testing.T) {
	repo, mock := newMockRepo(t)
	errDown := errors.New("connection refused")

	mock.ExpectExec("INSERT INTO fraud_scores").WillReturnError(errDown)

	err := repo.SaveScoreRecord(context.Background(), mockRecord())
	assert.ErrorIs(t, err, errDown)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveScoreRecord_ConflictWhenSlotTaken(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO fraud_scores").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM fraud_scores WHERE id = $1")).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := repo.SaveScoreRecord(context.Background(), mockRecord())
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotificationRead_NoRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE admin_notifications SET is_read = 1 WHERE id = $1")).
		WithArgs("n-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkNotificationRead(context.Background(), "n-missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindUnreadNotification_None(t *testing.T) {
	repo, mock := newMockRepo(t)
	since := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM admin_notifications").
		WithArgs(domain.NotificationTypeFraudAlert, "acc-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	n, err := repo.FindUnreadNotification(context.Background(), domain.NotificationTypeFraudAlert, "acc-1", since)
	require.NoError(t, err)
	assert.Nil(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListNotifications_QueryError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("AND account_id = $1")).
		WithArgs("acc-1").
		WillReturnError(errors.New("timeout"))

	_, err := repo.ListNotifications(context.Background(), domain.NotificationFilter{AccountID: "acc-1", UnreadOnly: true})
	assert.EqualError(t, err, "timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}
