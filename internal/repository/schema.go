package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// fraud_scores is append-only: one row per scoring pass.
const schemaFraudScores = `
CREATE TABLE IF NOT EXISTS fraud_scores (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    computed_at TIMESTAMP NOT NULL,
    dimension_scores TEXT NOT NULL,
    aggregate_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    indicators TEXT NOT NULL,
    engine_version TEXT,
    UNIQUE (account_id, computed_at)
);

CREATE INDEX IF NOT EXISTS idx_fraud_scores_account ON fraud_scores(account_id, computed_at);
CREATE INDEX IF NOT EXISTS idx_fraud_scores_risk ON fraud_scores(risk_level);
`

const schemaAdminNotifications = `
CREATE TABLE IF NOT EXISTS admin_notifications (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    account_id TEXT NOT NULL,
    fraud_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    indicators TEXT NOT NULL,
    is_read INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    score_computed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_admin_notifications_unread ON admin_notifications(type, account_id, is_read, created_at);
CREATE INDEX IF NOT EXISTS idx_admin_notifications_created ON admin_notifications(created_at);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    dimension TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    indicator TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 0.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_dimension ON rule_configs(dimension);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFraudScores,
		schemaAdminNotifications,
		schemaRuleConfigs,
	}
}
