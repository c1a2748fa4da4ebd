// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a different score record already exists
	// for the same (account_id, computed_at).
	ErrConflict = errors.New("record conflict")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite", "":
		cfg.Driver = "sqlite"
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ========================================
// SCORE RECORDS
// ========================================

// SaveScoreRecord appends a score record. Saving the same record twice is a
// no-op; a different record for the same (account, computedAt) is rejected.
func (r *SQLRepository) SaveScoreRecord(ctx context.Context, rec *domain.FraudScoreRecord) error {
	if rec == nil || rec.ID == "" || rec.AccountID == "" {
		return fmt.Errorf("%w: record id and accountId are required", ErrInvalidInput)
	}

	dimensionScores, err := json.Marshal(rec.DimensionScores)
	if err != nil {
		return fmt.Errorf("failed to encode dimension scores: %w", err)
	}
	indicators, err := json.Marshal(nonNil(rec.Indicators))
	if err != nil {
		return fmt.Errorf("failed to encode indicators: %w", err)
	}

	query := `
		INSERT INTO fraud_scores (
			id, account_id, computed_at, dimension_scores,
			aggregate_score, risk_level, indicators, engine_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.AccountID, rec.ComputedAt.UTC(), string(dimensionScores),
		rec.AggregateScore, string(rec.RiskLevel), string(indicators), rec.EngineVersion,
	)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	existing, err := r.GetScoreRecord(ctx, rec.ID)
	if err == nil && existing.AccountID == rec.AccountID {
		return nil
	}
	return fmt.Errorf("%w: score for account %s at %s already exists", ErrConflict, rec.AccountID, rec.ComputedAt.Format(time.RFC3339Nano))
}

const scoreColumns = `id, account_id, computed_at, dimension_scores, aggregate_score, risk_level, indicators, engine_version`

// GetScoreRecord retrieves a score record by ID.
func (r *SQLRepository) GetScoreRecord(ctx context.Context, id string) (*domain.FraudScoreRecord, error) {
	query := `SELECT ` + scoreColumns + ` FROM fraud_scores WHERE id = ?`

	rec, err := scanScoreRecord(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListScoreRecords returns the account's records, newest first.
func (r *SQLRepository) ListScoreRecords(ctx context.Context, accountID string, limit int) ([]*domain.FraudScoreRecord, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + scoreColumns + `
		FROM fraud_scores
		WHERE account_id = ?
		ORDER BY computed_at DESC
		LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*domain.FraudScoreRecord, 0)
	for rows.Next() {
		rec, err := scanScoreRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// LatestScoreRecord returns the account's newest record.
func (r *SQLRepository) LatestScoreRecord(ctx context.Context, accountID string) (*domain.FraudScoreRecord, error) {
	records, err := r.ListScoreRecords(ctx, accountID, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScoreRecord(row rowScanner) (*domain.FraudScoreRecord, error) {
	var rec domain.FraudScoreRecord
	var dimensionScores, indicators, riskLevel string
	var engineVersion sql.NullString

	if err := row.Scan(
		&rec.ID, &rec.AccountID, &rec.ComputedAt, &dimensionScores,
		&rec.AggregateScore, &riskLevel, &indicators, &engineVersion,
	); err != nil {
		return nil, err
	}

	rec.ComputedAt = rec.ComputedAt.UTC()
	rec.RiskLevel = domain.RiskLevel(riskLevel)
	rec.EngineVersion = engineVersion.String

	if err := json.Unmarshal([]byte(dimensionScores), &rec.DimensionScores); err != nil {
		return nil, fmt.Errorf("failed to parse dimension scores for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(indicators), &rec.Indicators); err != nil {
		return nil, fmt.Errorf("failed to parse indicators for %s: %w", rec.ID, err)
	}

	return &rec, nil
}

// ========================================
// NOTIFICATIONS
// ========================================

// SaveNotification inserts n unless a notification with the same ID exists.
func (r *SQLRepository) SaveNotification(ctx context.Context, n *domain.AdminNotification) (bool, error) {
	if n == nil || n.ID == "" || n.AccountID == "" {
		return false, fmt.Errorf("%w: notification id and accountId are required", ErrInvalidInput)
	}

	indicators, err := json.Marshal(nonNil(n.Indicators))
	if err != nil {
		return false, fmt.Errorf("failed to encode indicators: %w", err)
	}

	query := `
		INSERT INTO admin_notifications (
			id, type, account_id, fraud_score, risk_level,
			indicators, is_read, created_at, score_computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		n.ID, n.Type, n.AccountID, n.FraudScore, string(n.RiskLevel),
		string(indicators), boolToInt(n.Read), n.CreatedAt.UTC(), n.ScoreComputedAt.UTC(),
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

const notificationColumns = `id, type, account_id, fraud_score, risk_level, indicators, is_read, created_at, score_computed_at`

// FindUnreadNotification returns the newest unread notification of the type
// for the account created at or after since, or nil when there is none.
func (r *SQLRepository) FindUnreadNotification(ctx context.Context, notificationType, accountID string, since time.Time) (*domain.AdminNotification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM admin_notifications
		WHERE type = ? AND account_id = ? AND is_read = 0 AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	n, err := scanNotification(r.db.QueryRowContext(ctx, r.rebind(query), notificationType, accountID, since.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

// ListNotifications returns notifications matching filter, newest first.
func (r *SQLRepository) ListNotifications(ctx context.Context, filter domain.NotificationFilter) ([]*domain.AdminNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM admin_notifications WHERE 1 = 1`
	var args []any

	if filter.UnreadOnly {
		query += ` AND is_read = 0`
	}
	if filter.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := make([]*domain.AdminNotification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// MarkNotificationRead acknowledges a notification.
func (r *SQLRepository) MarkNotificationRead(ctx context.Context, id string) error {
	query := `UPDATE admin_notifications SET is_read = 1 WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func scanNotification(row rowScanner) (*domain.AdminNotification, error) {
	var n domain.AdminNotification
	var riskLevel, indicators string
	var read int

	if err := row.Scan(
		&n.ID, &n.Type, &n.AccountID, &n.FraudScore, &riskLevel,
		&indicators, &read, &n.CreatedAt, &n.ScoreComputedAt,
	); err != nil {
		return nil, err
	}

	n.RiskLevel = domain.RiskLevel(riskLevel)
	n.Read = read == 1
	n.CreatedAt = n.CreatedAt.UTC()
	n.ScoreComputedAt = n.ScoreComputedAt.UTC()

	if err := json.Unmarshal([]byte(indicators), &n.Indicators); err != nil {
		return nil, fmt.Errorf("failed to parse indicators for %s: %w", n.ID, err)
	}

	return &n, nil
}

// ========================================
// RULE CONFIGS
// ========================================

// SaveRuleConfig stores a rule override. Saving an existing (id, version)
// replaces it.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}
	if rule.Version == "" {
		return fmt.Errorf("%w: rule version is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, dimension, name, description, version, expression, indicator, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			dimension = excluded.dimension,
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			indicator = excluded.indicator,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, string(rule.Dimension), rule.Name, rule.Description,
		rule.Version, rule.Expression, rule.Indicator, rule.Weight, boolToInt(rule.Enabled),
		now, now,
	)
	return err
}

const ruleColumns = `id, dimension, name, description, version, expression, indicator, weight, enabled`

// GetRuleConfig retrieves the most recently saved version of a rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rule_configs
		WHERE id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`

	cfg, err := scanRuleConfig(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ListRuleConfigs returns the most recently saved version of every rule,
// disabled ones included so an override can switch a built-in rule off.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rule_configs
		ORDER BY id, updated_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		if n := len(configs); n > 0 && configs[n-1].ID == cfg.ID {
			configs[n-1] = cfg
			continue
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func scanRuleConfig(row rowScanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var dimension string
	var description sql.NullString
	var enabled int

	if err := row.Scan(
		&cfg.ID, &dimension, &cfg.Name, &description,
		&cfg.Version, &cfg.Expression, &cfg.Indicator, &cfg.Weight, &enabled,
	); err != nil {
		return nil, err
	}

	cfg.Dimension = domain.Dimension(dimension)
	cfg.Description = description.String
	cfg.Enabled = enabled == 1

	return &cfg, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ domain.Repository = (*SQLRepository)(nil)
