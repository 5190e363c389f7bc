package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skridofly/stump/pkg/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

var userColumns = []string{
	"id", "username", "hashed_password", "is_locked", "is_server_owner", "permissions", "age_restriction",
}

func TestUserByID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow("user-1", "oromei", "$2b$12$hash", false, true, `["ACCESS_BOOK_CLUB"]`, nil))

	user, err := store.UserByID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "oromei", user.Username)
	assert.True(t, user.IsServerOwner)
	assert.Equal(t, auth.PermissionSet{auth.PermissionAccessBookClub}, user.Permissions)
	assert.Nil(t, user.AgeRestriction)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(userColumns))

	_, err := store.UserByID(context.Background(), "nope")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserByUsernameWithAgeRestriction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE username = $1")).
		WithArgs("kid").
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow("user-2", "kid", "$2b$12$hash", false, false, `[]`, 13))

	user, err := store.UserByUsername(context.Background(), "kid")
	require.NoError(t, err)
	require.NotNil(t, user.AgeRestriction)
	assert.Equal(t, 13, *user.AgeRestriction)
	assert.Empty(t, user.Permissions)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("user-1", "oromei", "$2b$12$hash", false, true, `["MANAGE_USERS"]`, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CreateUser(context.Background(), &auth.User{
		ID:             "user-1",
		Username:       "oromei",
		HashedPassword: "$2b$12$hash",
		IsServerOwner:  true,
		Permissions:    auth.PermissionSet{auth.PermissionManageUsers},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountUsers(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := store.CountUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRefreshTokenRoundtrip(t *testing.T) {
	store, mock := newMockStore(t)
	expires := time.Now().Add(time.Hour).UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO refresh_tokens")).
		WithArgs("jti-1", "user-1", expires).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens")).
		WithArgs("jti-1").
		WillReturnRows(sqlmock.NewRows([]string{"jti", "user_id", "expires_at"}).
			AddRow("jti-1", "user-1", expires))

	require.NoError(t, store.CreateRefreshToken(context.Background(), auth.RefreshTokenRecord{
		JTI: "jti-1", UserID: "user-1", ExpiresAt: expires,
	}))

	rec, err := store.RefreshTokenByID(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.UserID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"jti", "user_id", "expires_at"}))

	_, err := store.RefreshTokenByID(context.Background(), "nope")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestDeleteExpiredRefreshTokens(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE expires_at <= $1")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.DeleteExpiredRefreshTokens(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

var apiKeyColumns = []string{
	"id", "user_id", "name", "short_token", "long_token_hash", "inherit",
	"permissions", "expires_at", "last_used_at", "created_at",
}

func TestCreateAPIKey(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO api_keys")).
		WithArgs("user-1", "ci", "abCD1234", "deadbeef", false, `["DOWNLOAD_FILE"]`, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(42, created))

	rec := &auth.APIKeyRecord{
		UserID:        "user-1",
		Name:          "ci",
		ShortToken:    "abCD1234",
		LongTokenHash: "deadbeef",
		Inherit:       false,
		Permissions:   auth.PermissionSet{auth.PermissionDownloadFile},
	}
	require.NoError(t, store.CreateAPIKey(context.Background(), rec))
	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, created, rec.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeyByShortToken(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	created := now.Add(-24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys")).
		WithArgs("abCD1234", "deadbeef", now).
		WillReturnRows(sqlmock.NewRows(apiKeyColumns).
			AddRow(42, "user-1", "ci", "abCD1234", "deadbeef", true, `[]`, nil, nil, created))

	rec, err := store.APIKeyByShortToken(context.Background(), "abCD1234", "deadbeef", now)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.ID)
	assert.True(t, rec.Inherit)
	assert.Nil(t, rec.ExpiresAt)
	assert.Nil(t, rec.LastUsedAt)
}

func TestAPIKeyByShortTokenNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys")).
		WithArgs("abCD1234", "wrong", now).
		WillReturnRows(sqlmock.NewRows(apiKeyColumns))

	_, err := store.APIKeyByShortToken(context.Background(), "abCD1234", "wrong", now)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestTouchAPIKeyLastUsed(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET last_used_at")).
		WithArgs(at, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.TouchAPIKeyLastUsed(context.Background(), 42, at))
}

func TestAPIKeysForUser(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now().UTC()
	expires := created.Add(30 * 24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(apiKeyColumns).
			AddRow(2, "user-1", "laptop", "ssssssss", "hash2", true, `[]`, expires, nil, created).
			AddRow(1, "user-1", "ci", "tttttttt", "hash1", false, `["DOWNLOAD_FILE"]`, nil, created, created.Add(-time.Hour)))

	keys, err := store.APIKeysForUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "laptop", keys[0].Name)
	require.NotNil(t, keys[0].ExpiresAt)
	assert.Equal(t, expires, *keys[0].ExpiresAt)
	require.NotNil(t, keys[1].LastUsedAt)
}

func TestDeleteAPIKey(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM api_keys")).
		WithArgs(int64(42), "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.DeleteAPIKey(context.Background(), 42, "user-1"))
}

func TestDeleteAPIKeyNotOwned(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM api_keys")).
		WithArgs(int64(42), "user-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteAPIKey(context.Background(), 42, "user-2")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestClubRoleForUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM book_club_members")).
		WithArgs("user-1", "club-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow(int(auth.ClubRoleAdmin)))

	role, err := store.ClubRoleForUser(context.Background(), "user-1", "club-1")
	require.NoError(t, err)
	assert.Equal(t, auth.ClubRoleAdmin, role)
}

func TestClubRoleForUserNoMembership(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM book_club_members")).
		WithArgs("user-9", "club-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}))

	_, err := store.ClubRoleForUser(context.Background(), "user-9", "club-1")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestClubRoleForUserQueryFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM book_club_members")).
		WithArgs("user-1", "club-1").
		WillReturnError(errors.New("connection reset"))

	_, err := store.ClubRoleForUser(context.Background(), "user-1", "club-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrNotFound)
}
