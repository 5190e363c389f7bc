package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skridofly/stump/pkg/observability"
)

// memUserStore is an in-memory UserStore for tests
type memUserStore struct {
	byID map[string]*User
}

func (m *memUserStore) UserByID(_ context.Context, id string) (*User, error) {
	u, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUserStore) UserByUsername(_ context.Context, username string) (*User, error) {
	for _, u := range m.byID {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// memKeyStore is an in-memory APIKeyStore for tests
type memKeyStore struct {
	records     []APIKeyRecord
	touched     []int64
	touchFails  bool
	lookupFails bool
}

func (m *memKeyStore) APIKeyByShortToken(_ context.Context, short, hash string, now time.Time) (*APIKeyRecord, error) {
	if m.lookupFails {
		return nil, errors.New("store unavailable")
	}
	for _, rec := range m.records {
		if rec.ShortToken != short || rec.LongTokenHash != hash {
			continue
		}
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			continue
		}
		cp := rec
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *memKeyStore) TouchAPIKeyLastUsed(_ context.Context, id int64, _ time.Time) error {
	if m.touchFails {
		return errors.New("store unavailable")
	}
	m.touched = append(m.touched, id)
	return nil
}

func apiKeyFixture(t *testing.T) (PrefixedAPIKey, *memUserStore, *memKeyStore) {
	t.Helper()

	pak, err := GenerateAPIKey()
	require.NoError(t, err)

	users := &memUserStore{byID: map[string]*User{
		"user-1": {
			ID:          "user-1",
			Username:    "oromei",
			Permissions: PermissionSet{PermissionAccessAPIKeys, PermissionAccessBookClub},
		},
	}}
	keys := &memKeyStore{records: []APIKeyRecord{{
		ID:            1,
		UserID:        "user-1",
		Name:          "test key",
		ShortToken:    pak.ShortToken,
		LongTokenHash: HashLongToken(pak.LongToken),
		Inherit:       true,
	}}}

	return pak, users, keys
}

func newTestAuthenticator(users UserStore, keys APIKeyStore) *APIKeyAuthenticator {
	return NewAPIKeyAuthenticator(users, keys, observability.NewNopLogger(), nil)
}

func TestParseAPIKey(t *testing.T) {
	pak, err := ParseAPIKey("stump_abcd1234_longtokenlongtoken")
	require.NoError(t, err)
	assert.Equal(t, "stump", pak.Prefix)
	assert.Equal(t, "abcd1234", pak.ShortToken)
	assert.Equal(t, "longtokenlongtoken", pak.LongToken)
	assert.Equal(t, "stump_abcd1234_longtokenlongtoken", pak.String())

	for _, raw := range []string{"", "stump", "stump_short", "stump__long", "a_b_c_d"} {
		_, err := ParseAPIKey(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestLooksLikeAPIKey(t *testing.T) {
	pak, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, LooksLikeAPIKey(pak.String()))
	assert.False(t, LooksLikeAPIKey("eyJhbGciOiJIUzI1NiJ9.payload.sig"))
	assert.False(t, LooksLikeAPIKey("other_short_long"))
}

func TestGenerateAPIKeyShape(t *testing.T) {
	pak, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Equal(t, APIKeyPrefix, pak.Prefix)
	assert.Len(t, pak.ShortToken, shortTokenLength)
	assert.Len(t, pak.LongToken, longTokenLength)

	again, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, pak.LongToken, again.LongToken)
}

func TestAuthenticateValidKey(t *testing.T) {
	pak, users, keys := apiKeyFixture(t)
	a := newTestAuthenticator(users, keys)

	user, err := a.Authenticate(context.Background(), pak)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, []int64{1}, keys.touched)
}

func TestAuthenticateWrongPrefix(t *testing.T) {
	pak, users, keys := apiKeyFixture(t)
	pak.Prefix = "other"

	_, err := newTestAuthenticator(users, keys).Authenticate(context.Background(), pak)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateWrongLongToken(t *testing.T) {
	pak, users, keys := apiKeyFixture(t)
	pak.LongToken = "definitelynotthesecretpart00"

	_, err := newTestAuthenticator(users, keys).Authenticate(context.Background(), pak)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateExpiredKey(t *testing.T) {
	pak, users, keys := apiKeyFixture(t)
	expired := time.Now().Add(-time.Hour)
	keys.records[0].ExpiresAt = &expired

	_, err := newTestAuthenticator(users, keys).Authenticate(context.Background(), pak)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticatePermissionGate(t *testing.T) {
	pak, users, keys := apiKeyFixture(t)
	a := newTestAuthenticator(users, keys)

	_, err := a.Authenticate(context.Background(), pak)
	require.NoError(t, err)

	// Revoking ACCESS_API_KEYS disables the unchanged key immediately.
	users.byID["user-1"].Permissions = PermissionSet{PermissionAccessBookClub}
	_, err = a.Authenticate(context.Background(), pak)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// The server owner bypasses the permission gate.
	users.byID["user-1"].IsServerOwner = true
	_, err = a.Authenticate(context.Background(), pak)
	assert.NoError(t, err)
}

func TestAuthenticateCustomPermissionsScopeDown(t *testing.T) {
	pak, users, keys := apiKeyFixture(t)
	keys.records[0].Inherit = false
	keys.records[0].Permissions = PermissionSet{PermissionDownloadFile}

	user, err := newTestAuthenticator(users, keys).Authenticate(context.Background(), pak)
	require.NoError(t, err)

	// Custom keys carry exactly their own set, never unioned with the
	// owner's permissions.
	assert.Equal(t, PermissionSet{PermissionDownloadFile}, user.Permissions)
	assert.False(t, user.Permissions.Contains(PermissionAccessAPIKeys))
}

func TestAuthenticateInheritUsesOwnerPermissions(t *testing.T) {
	pak, users, keys := apiKeyFixture(t)

	user, err := newTestAuthenticator(users, keys).Authenticate(context.Background(), pak)
	require.NoError(t, err)
	assert.True(t, user.Permissions.Contains(PermissionAccessBookClub))
}

func TestAuthenticateLastUsedFailureDoesNotFailRequest(t *testing.T) {
	pak, users, keys := apiKeyFixture(t)
	keys.touchFails = true

	_, err := newTestAuthenticator(users, keys).Authenticate(context.Background(), pak)
	assert.NoError(t, err)
}

func TestAuthenticateStoreFailureIsInternal(t *testing.T) {
	pak, users, keys := apiKeyFixture(t)
	keys.lookupFails = true

	_, err := newTestAuthenticator(users, keys).Authenticate(context.Background(), pak)
	require.Error(t, err)

	var internal *InternalError
	assert.True(t, errors.As(err, &internal))
}

func TestHashLongTokenIsDeterministic(t *testing.T) {
	h1 := HashLongToken("secret")
	h2 := HashLongToken("secret")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, HashLongToken("secre7"))
}
