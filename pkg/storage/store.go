// Package storage implements SQL persistence for users, refresh-token
// revocation records, API keys and book club memberships. Queries use $N
// placeholders, which both lib/pq and SQLite understand, so the same Store
// runs against either driver.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/skridofly/stump/pkg/auth"
)

// Store provides database-backed persistence for the authentication domain.
// It satisfies auth.UserStore, auth.RefreshTokenStore, auth.APIKeyStore and
// guard.MembershipResolver.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened database handle
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to the database and verifies the connection
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Users

func (s *Store) UserByID(ctx context.Context, id string) (*auth.User, error) {
	query := `
		SELECT id, username, hashed_password, is_locked, is_server_owner, permissions, age_restriction
		FROM users
		WHERE id = $1
	`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*auth.User, error) {
	query := `
		SELECT id, username, hashed_password, is_locked, is_server_owner, permissions, age_restriction
		FROM users
		WHERE username = $1
	`
	return scanUser(s.db.QueryRowContext(ctx, query, username))
}

// CreateUser inserts a new user row
func (s *Store) CreateUser(ctx context.Context, user *auth.User) error {
	perms, err := marshalPermissions(user.Permissions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO users (id, username, hashed_password, is_locked, is_server_owner, permissions, age_restriction)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.HashedPassword,
		user.IsLocked,
		user.IsServerOwner,
		perms,
		user.AgeRestriction,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// CountUsers returns the total number of users. Used at start-up to decide
// whether the server owner account needs to be bootstrapped.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var (
		user     auth.User
		rawPerms string
		ageLimit sql.NullInt64
	)
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.HashedPassword,
		&user.IsLocked,
		&user.IsServerOwner,
		&rawPerms,
		&ageLimit,
	)
	if err == sql.ErrNoRows {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	if user.Permissions, err = unmarshalPermissions(rawPerms); err != nil {
		return nil, err
	}
	if ageLimit.Valid {
		v := int(ageLimit.Int64)
		user.AgeRestriction = &v
	}
	return &user, nil
}

// Refresh tokens

func (s *Store) CreateRefreshToken(ctx context.Context, rec auth.RefreshTokenRecord) error {
	query := `
		INSERT INTO refresh_tokens (jti, user_id, expires_at)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.ExecContext(ctx, query, rec.JTI, rec.UserID, rec.ExpiresAt); err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (s *Store) RefreshTokenByID(ctx context.Context, jti string) (*auth.RefreshTokenRecord, error) {
	query := `
		SELECT jti, user_id, expires_at
		FROM refresh_tokens
		WHERE jti = $1
	`
	var rec auth.RefreshTokenRecord
	err := s.db.QueryRowContext(ctx, query, jti).Scan(&rec.JTI, &rec.UserID, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return &rec, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, jti string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE jti = $1`, jti); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// DeleteExpiredRefreshTokens removes every revocation record whose token has
// already expired and returns the number of rows removed
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted refresh tokens: %w", err)
	}
	return n, nil
}

// API keys

// CreateAPIKey inserts a key record and fills in its generated id and
// creation time
func (s *Store) CreateAPIKey(ctx context.Context, rec *auth.APIKeyRecord) error {
	perms, err := marshalPermissions(rec.Permissions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO api_keys (user_id, name, short_token, long_token_hash, inherit, permissions, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err = s.db.QueryRowContext(ctx, query,
		rec.UserID,
		rec.Name,
		rec.ShortToken,
		rec.LongTokenHash,
		rec.Inherit,
		perms,
		rec.ExpiresAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// APIKeyByShortToken resolves a live key by its short token and long-token
// hash. Expired keys are filtered out in the query.
func (s *Store) APIKeyByShortToken(ctx context.Context, shortToken, longTokenHash string, now time.Time) (*auth.APIKeyRecord, error) {
	query := `
		SELECT id, user_id, name, short_token, long_token_hash, inherit, permissions, expires_at, last_used_at, created_at
		FROM api_keys
		WHERE short_token = $1 AND long_token_hash = $2
		  AND (expires_at IS NULL OR expires_at > $3)
	`
	rec, err := scanAPIKey(s.db.QueryRowContext(ctx, query, shortToken, longTokenHash, now))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at, id); err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// APIKeysForUser lists a user's keys, newest first
func (s *Store) APIKeysForUser(ctx context.Context, userID string) ([]*auth.APIKeyRecord, error) {
	query := `
		SELECT id, user_id, name, short_token, long_token_hash, inherit, permissions, expires_at, last_used_at, created_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*auth.APIKeyRecord
	for rows.Next() {
		rec, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, nil
}

// DeleteAPIKey removes one of the user's keys. Returns auth.ErrNotFound when
// the key does not exist or belongs to someone else.
func (s *Store) DeleteAPIKey(ctx context.Context, id int64, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAPIKey(row rowScanner) (*auth.APIKeyRecord, error) {
	var (
		rec        auth.APIKeyRecord
		rawPerms   string
		expiresAt  sql.NullTime
		lastUsedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Name,
		&rec.ShortToken,
		&rec.LongTokenHash,
		&rec.Inherit,
		&rawPerms,
		&expiresAt,
		&lastUsedAt,
		&rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}

	if rec.Permissions, err = unmarshalPermissions(rawPerms); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		rec.LastUsedAt = &t
	}
	return &rec, nil
}

// Book clubs

// ClubRoleForUser resolves the user's role in a club. Satisfies
// guard.MembershipResolver; a missing membership returns auth.ErrNotFound.
func (s *Store) ClubRoleForUser(ctx context.Context, userID, clubID string) (auth.ClubRole, error) {
	var role int
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM book_club_members WHERE user_id = $1 AND club_id = $2`,
		userID, clubID,
	).Scan(&role)
	if err == sql.ErrNoRows {
		return 0, auth.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get club membership: %w", err)
	}
	return auth.ClubRole(role), nil
}

// Permissions are stored as a JSON array of their wire names

func marshalPermissions(perms auth.PermissionSet) (string, error) {
	if perms == nil {
		perms = auth.PermissionSet{}
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return "", fmt.Errorf("failed to encode permissions: %w", err)
	}
	return string(b), nil
}

func unmarshalPermissions(raw string) (auth.PermissionSet, error) {
	if raw == "" {
		return auth.PermissionSet{}, nil
	}
	var perms auth.PermissionSet
	if err := json.Unmarshal([]byte(raw), &perms); err != nil {
		return nil, fmt.Errorf("failed to decode permissions: %w", err)
	}
	return perms, nil
}
