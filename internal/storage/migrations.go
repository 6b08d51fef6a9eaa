package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Migration is one versioned schema change. Statements stay within the SQL
// subset shared by SQLite, PostgreSQL and MySQL.
type Migration struct {
	Version     string
	Description string
	Statements  []string
}

// Checksum fingerprints the statements so edited migrations are detected
func (m *Migration) Checksum() string {
	sum := sha256.Sum256([]byte(strings.Join(m.Statements, ";\n")))
	return hex.EncodeToString(sum[:])
}

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(16) NOT NULL PRIMARY KEY,
		description VARCHAR(255) NOT NULL,
		checksum VARCHAR(64) NOT NULL,
		applied_at BIGINT NOT NULL
	)`

// GetMigrations returns the schema in application order
func GetMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create contracts table",
			Statements: []string{`
				CREATE TABLE IF NOT EXISTS contracts (
					id VARCHAR(36) NOT NULL PRIMARY KEY,
					address VARCHAR(42) NOT NULL,
					chain VARCHAR(64) NOT NULL,
					user_id VARCHAR(128) NOT NULL,
					name VARCHAR(255) NOT NULL,
					abi TEXT,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					max_alerts_per_hour INTEGER NOT NULL DEFAULT 0,
					status VARCHAR(16) NOT NULL DEFAULT 'stopped',
					status_reason TEXT,
					last_checked BIGINT,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					CONSTRAINT uq_contracts_owner_address UNIQUE (user_id, chain, address)
				)`,
				`CREATE INDEX idx_contracts_active ON contracts(is_active)`,
			},
		},
		{
			Version:     "002",
			Description: "Create rules table",
			Statements: []string{`
				CREATE TABLE IF NOT EXISTS rules (
					id VARCHAR(36) NOT NULL PRIMARY KEY,
					contract_id VARCHAR(36) NOT NULL,
					rule_type VARCHAR(32) NOT NULL,
					conditions TEXT,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					notifications TEXT,
					alerts_sent_today INTEGER NOT NULL DEFAULT 0,
					alerts_day VARCHAR(10),
					last_alert_at BIGINT,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					CONSTRAINT fk_rules_contract FOREIGN KEY (contract_id) REFERENCES contracts(id) ON DELETE CASCADE
				)`,
				`CREATE INDEX idx_rules_contract ON rules(contract_id, is_active)`,
			},
		},
		{
			Version:     "003",
			Description: "Create alerts table",
			Statements: []string{`
				CREATE TABLE IF NOT EXISTS alerts (
					id VARCHAR(36) NOT NULL PRIMARY KEY,
					contract_id VARCHAR(36) NOT NULL,
					rule_id VARCHAR(36) NOT NULL,
					alert_type VARCHAR(32) NOT NULL,
					severity VARCHAR(16) NOT NULL,
					title VARCHAR(255) NOT NULL,
					description TEXT,
					tx_hash VARCHAR(66),
					block_number BIGINT,
					dedup_key VARCHAR(128) NOT NULL,
					occurred_at BIGINT NOT NULL,
					acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
					dispatched BOOLEAN NOT NULL DEFAULT FALSE,
					metadata TEXT,
					created_at BIGINT NOT NULL,
					CONSTRAINT uq_alerts_rule_dedup UNIQUE (rule_id, dedup_key),
					CONSTRAINT fk_alerts_contract FOREIGN KEY (contract_id) REFERENCES contracts(id) ON DELETE CASCADE
				)`,
				`CREATE INDEX idx_alerts_contract_time ON alerts(contract_id, occurred_at)`,
			},
		},
		{
			Version:     "004",
			Description: "Create balance_snapshots and contract_cursors tables",
			Statements: []string{`
				CREATE TABLE IF NOT EXISTS balance_snapshots (
					id VARCHAR(36) NOT NULL PRIMARY KEY,
					contract_id VARCHAR(36) NOT NULL,
					balance VARCHAR(80) NOT NULL,
					observed_at BIGINT NOT NULL,
					CONSTRAINT fk_snapshots_contract FOREIGN KEY (contract_id) REFERENCES contracts(id) ON DELETE CASCADE
				)`,
				`CREATE INDEX idx_snapshots_contract_time ON balance_snapshots(contract_id, observed_at)`,
				`
				CREATE TABLE IF NOT EXISTS contract_cursors (
					contract_id VARCHAR(36) NOT NULL PRIMARY KEY,
					block_number BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					CONSTRAINT fk_cursors_contract FOREIGN KEY (contract_id) REFERENCES contracts(id) ON DELETE CASCADE
				)`,
			},
		},
		{
			Version:     "005",
			Description: "Create alert_dispatches and notifications tables",
			Statements: []string{`
				CREATE TABLE IF NOT EXISTS alert_dispatches (
					id VARCHAR(36) NOT NULL PRIMARY KEY,
					alert_id VARCHAR(36) NOT NULL,
					rule_id VARCHAR(36) NOT NULL,
					channel VARCHAR(16) NOT NULL,
					attempts INTEGER NOT NULL DEFAULT 0,
					status VARCHAR(16) NOT NULL,
					error_message TEXT,
					created_at BIGINT NOT NULL,
					CONSTRAINT fk_dispatches_alert FOREIGN KEY (alert_id) REFERENCES alerts(id) ON DELETE CASCADE
				)`,
				`CREATE INDEX idx_dispatches_alert_channel ON alert_dispatches(alert_id, channel)`,
				`
				CREATE TABLE IF NOT EXISTS notifications (
					id VARCHAR(36) NOT NULL PRIMARY KEY,
					user_id VARCHAR(128) NOT NULL,
					alert_id VARCHAR(36) NOT NULL,
					contract_id VARCHAR(36) NOT NULL,
					severity VARCHAR(16) NOT NULL,
					title VARCHAR(255) NOT NULL,
					message TEXT,
					is_read BOOLEAN NOT NULL DEFAULT FALSE,
					created_at BIGINT NOT NULL,
					CONSTRAINT fk_notifications_alert FOREIGN KEY (alert_id) REFERENCES alerts(id) ON DELETE CASCADE
				)`,
				`CREATE INDEX idx_notifications_user_time ON notifications(user_id, created_at)`,
			},
		},
	}
}
