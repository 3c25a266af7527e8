package database

import (
	"context"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
)

type migration struct {
	version    int
	statements []string
}

// migrations use column types understood by postgres, mysql and sqlite.
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id VARCHAR(36) PRIMARY KEY,
				auth_email VARCHAR(255)
			)`,
			`CREATE TABLE IF NOT EXISTS profiles (
				user_id VARCHAR(36) PRIMARY KEY REFERENCES users(id),
				full_name VARCHAR(255) NOT NULL DEFAULT '',
				email VARCHAR(255),
				email_alias VARCHAR(64)
			)`,
			`CREATE TABLE IF NOT EXISTS email_aliases (
				id VARCHAR(36) PRIMARY KEY,
				user_id VARCHAR(36) NOT NULL REFERENCES users(id),
				full_address VARCHAR(255) NOT NULL UNIQUE,
				is_active BOOLEAN NOT NULL DEFAULT TRUE
			)`,
			`CREATE TABLE IF NOT EXISTS jobs (
				id VARCHAR(36) PRIMARY KEY,
				title VARCHAR(255) NOT NULL DEFAULT '',
				hospital_name VARCHAR(255) NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS applications (
				id VARCHAR(36) PRIMARY KEY,
				user_id VARCHAR(36) NOT NULL REFERENCES users(id),
				job_id VARCHAR(36) REFERENCES jobs(id),
				recipient_email VARCHAR(255) NOT NULL,
				reply_token VARCHAR(64),
				reply_to VARCHAR(255) NOT NULL DEFAULT '',
				subject VARCHAR(500) NOT NULL DEFAULT '',
				status VARCHAR(16) NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX idx_applications_user_status ON applications (user_id, status, updated_at)`,
			`CREATE INDEX idx_applications_reply_token ON applications (reply_token)`,
			`CREATE TABLE IF NOT EXISTS application_messages (
				id VARCHAR(36) PRIMARY KEY,
				application_id VARCHAR(36) REFERENCES applications(id),
				user_id VARCHAR(36) NOT NULL REFERENCES users(id),
				direction VARCHAR(16) NOT NULL,
				sender VARCHAR(255) NOT NULL,
				recipient VARCHAR(255) NOT NULL,
				subject VARCHAR(1000) NOT NULL DEFAULT '',
				message_id VARCHAR(255) NOT NULL,
				provider_message_id VARCHAR(255),
				text_body TEXT,
				html_body TEXT,
				headers TEXT,
				match_confidence VARCHAR(16),
				match_signals TEXT,
				payload TEXT,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE UNIQUE INDEX ux_messages_user_direction_message ON application_messages (user_id, direction, message_id)`,
			`CREATE INDEX idx_messages_provider_message ON application_messages (provider_message_id)`,
		},
	},
}

// Migrate applies outstanding migrations and returns how many were applied.
func Migrate(ctx context.Context, db *sqlx.DB, logger *log.Logger) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("database connection is nil")
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_version table: %w", err)
	}
	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return applied, fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, db.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		if logger != nil {
			logger.Printf("migrations: applied version %d", m.version)
		}
		applied++
	}
	return applied, nil
}
