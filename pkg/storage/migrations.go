package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the schema if it does not exist. The api_keys id column is
// the only statement that differs between the supported drivers.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	var apiKeyID string
	switch driver {
	case "postgres":
		apiKeyID = "BIGSERIAL PRIMARY KEY"
	case "sqlite3":
		apiKeyID = "INTEGER PRIMARY KEY AUTOINCREMENT"
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			hashed_password TEXT NOT NULL,
			is_locked BOOLEAN NOT NULL DEFAULT FALSE,
			is_server_owner BOOLEAN NOT NULL DEFAULT FALSE,
			permissions TEXT NOT NULL DEFAULT '[]',
			age_restriction INTEGER,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			jti TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at ON refresh_tokens(expires_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_keys (
			id %s,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			short_token TEXT NOT NULL,
			long_token_hash TEXT NOT NULL,
			inherit BOOLEAN NOT NULL DEFAULT TRUE,
			permissions TEXT NOT NULL DEFAULT '[]',
			expires_at TIMESTAMP,
			last_used_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, apiKeyID),
		`CREATE INDEX IF NOT EXISTS idx_api_keys_short_token ON api_keys(short_token)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,
		`CREATE TABLE IF NOT EXISTS book_club_members (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			club_id TEXT NOT NULL,
			role INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, club_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
