// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Score records are append-only: there is no update path for them.
type Repository interface {
	// Score records
	SaveScoreRecord(ctx context.Context, rec *FraudScoreRecord) error
	GetScoreRecord(ctx context.Context, id string) (*FraudScoreRecord, error)
	ListScoreRecords(ctx context.Context, accountID string, limit int) ([]*FraudScoreRecord, error)
	LatestScoreRecord(ctx context.Context, accountID string) (*FraudScoreRecord, error)

	NotificationStore

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// NotificationStore is the slice of the repository the dispatcher needs.
type NotificationStore interface {
	// SaveNotification inserts n unless a notification with the same ID
	// exists, and reports whether a row was written.
	SaveNotification(ctx context.Context, n *AdminNotification) (bool, error)

	// FindUnreadNotification returns the newest unread notification of the
	// given type for the account created at or after since, or nil.
	FindUnreadNotification(ctx context.Context, notificationType, accountID string, since time.Time) (*AdminNotification, error)

	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*AdminNotification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}
