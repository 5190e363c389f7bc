package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skridofly/stump/pkg/observability"
)

// memRefreshStore is an in-memory RefreshTokenStore for tests
type memRefreshStore struct {
	mu      sync.Mutex
	records map[string]RefreshTokenRecord
	failing bool
}

func newMemRefreshStore() *memRefreshStore {
	return &memRefreshStore{records: map[string]RefreshTokenRecord{}}
}

func (m *memRefreshStore) CreateRefreshToken(_ context.Context, rec RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("store unavailable")
	}
	m.records[rec.JTI] = rec
	return nil
}

func (m *memRefreshStore) RefreshTokenByID(_ context.Context, jti string) (*RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errors.New("store unavailable")
	}
	rec, ok := m.records[jti]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *memRefreshStore) DeleteRefreshToken(_ context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[jti]; !ok {
		return ErrNotFound
	}
	delete(m.records, jti)
	return nil
}

func testSecrets() Secrets {
	return Secrets{
		Access:  []byte("test-access-secret-test-access-secret"),
		Refresh: []byte("test-refresh-secret-test-refresh-secret"),
	}
}

func newTestTokenService(store RefreshTokenStore) *TokenService {
	return NewTokenService(
		testSecrets(),
		store,
		15*time.Minute,
		30*24*time.Hour,
		observability.NewNopLogger(),
		nil,
	)
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	svc := newTestTokenService(newMemRefreshStore())

	token, expiresAt, err := svc.IssueAccessToken("user-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, 5*time.Second)

	userID, err := svc.VerifyAccess(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestVerifyAccessRejectsExpiredToken(t *testing.T) {
	svc := newTestTokenService(newMemRefreshStore())

	issued := time.Now()
	svc.now = func() time.Time { return issued }
	token, _, err := svc.IssueAccessToken("user-1")
	require.NoError(t, err)

	svc.now = func() time.Time { return issued.Add(16 * time.Minute) }
	_, err = svc.VerifyAccess(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyAccessRejectsWrongSecret(t *testing.T) {
	svc := newTestTokenService(newMemRefreshStore())
	other := newTestTokenService(newMemRefreshStore())
	other.secrets = Secrets{Access: []byte("a completely different secret"), Refresh: []byte("another one")}

	token, _, err := other.IssueAccessToken("user-1")
	require.NoError(t, err)

	_, err = svc.VerifyAccess(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyAccessRejectsRefreshToken(t *testing.T) {
	// The two secrets are independent so the token kinds are not
	// interchangeable.
	svc := newTestTokenService(newMemRefreshStore())

	_, token, _, err := svc.issueRefreshToken("user-1")
	require.NoError(t, err)

	_, err = svc.VerifyAccess(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyAccessRejectsGarbage(t *testing.T) {
	svc := newTestTokenService(newMemRefreshStore())
	_, err := svc.VerifyAccess("garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestIssuePairPersistsRecordAndReportsRefreshExpiry(t *testing.T) {
	store := newMemRefreshStore()
	svc := newTestTokenService(store)

	pair, err := svc.IssuePair(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	jti, err := svc.ExtractRefreshJTI(pair.RefreshToken)
	require.NoError(t, err)

	rec, err := store.RefreshTokenByID(context.Background(), jti)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.UserID)

	// The reported expiry is the refresh token's, not the access token's.
	assert.Equal(t, rec.ExpiresAt.Unix(), pair.ExpiresAt.Unix())
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), pair.ExpiresAt, 5*time.Second)
}

func TestExchangeUnknownJTI(t *testing.T) {
	svc := newTestTokenService(newMemRefreshStore())
	_, err := svc.Exchange(context.Background(), "no-such-jti")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestExchangeExpiredJTIDeletesRecord(t *testing.T) {
	store := newMemRefreshStore()
	svc := newTestTokenService(store)

	require.NoError(t, store.CreateRefreshToken(context.Background(), RefreshTokenRecord{
		JTI:       "expired-jti",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	_, err := svc.Exchange(context.Background(), "expired-jti")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = store.RefreshTokenByID(context.Background(), "expired-jti")
	assert.ErrorIs(t, err, ErrNotFound)

	// Idempotent: a second exchange of the same jti is also Unauthorized.
	_, err = svc.Exchange(context.Background(), "expired-jti")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestExchangeValidJTIIssuesNewPair(t *testing.T) {
	store := newMemRefreshStore()
	svc := newTestTokenService(store)

	pair, err := svc.IssuePair(context.Background(), "user-1")
	require.NoError(t, err)
	jti, err := svc.ExtractRefreshJTI(pair.RefreshToken)
	require.NoError(t, err)

	next, err := svc.Exchange(context.Background(), jti)
	require.NoError(t, err)

	userID, err := svc.VerifyAccess(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	// The prior record is not rotated out on success; it stays valid
	// until expiry or explicit revocation.
	_, err = store.RefreshTokenByID(context.Background(), jti)
	assert.NoError(t, err)
}

func TestExchangeStoreFailureIsInternal(t *testing.T) {
	store := newMemRefreshStore()
	store.failing = true
	svc := newTestTokenService(store)

	_, err := svc.Exchange(context.Background(), "any")
	require.Error(t, err)

	var internal *InternalError
	assert.True(t, errors.As(err, &internal))
}

func TestRevoke(t *testing.T) {
	store := newMemRefreshStore()
	svc := newTestTokenService(store)

	pair, err := svc.IssuePair(context.Background(), "user-1")
	require.NoError(t, err)
	jti, err := svc.ExtractRefreshJTI(pair.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), jti))
	_, err = svc.Exchange(context.Background(), jti)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Revoking an already-revoked jti is a no-op.
	assert.NoError(t, svc.Revoke(context.Background(), jti))
}

func TestGenerateSecrets(t *testing.T) {
	a, err := GenerateSecrets()
	require.NoError(t, err)
	b, err := GenerateSecrets()
	require.NoError(t, err)

	assert.Len(t, a.Access, secretLength)
	assert.Len(t, a.Refresh, secretLength)
	assert.NotEqual(t, a.Access, a.Refresh)
	assert.NotEqual(t, a.Access, b.Access)
}
