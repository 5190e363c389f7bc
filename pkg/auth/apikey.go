package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/skridofly/stump/pkg/observability"
)

const (
	// APIKeyPrefix is the fixed system-wide prefix of every API key
	APIKeyPrefix = "stump"

	shortTokenLength = 8
	longTokenLength  = 24

	// apiKeyHashDomain keys the HMAC over the long token so hashes from
	// this key controller never collide with any other sha256 use in the
	// system
	apiKeyHashDomain = "stump-api-key-controller-v1"
)

const apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// PrefixedAPIKey is a parsed API key of the form
// <prefix>_<short-token>_<long-token>. The short token is the lookup
// component; the long token is the secret whose keyed hash is stored
// server-side.
type PrefixedAPIKey struct {
	Prefix     string
	ShortToken string
	LongToken  string
}

// String reassembles the textual key
func (k PrefixedAPIKey) String() string {
	return fmt.Sprintf("%s_%s_%s", k.Prefix, k.ShortToken, k.LongToken)
}

// ParseAPIKey splits a presented key into its three components. It does not
// check the prefix against the system constant; callers decide whether a
// foreign prefix is an error or simply "not an API key".
func ParseAPIKey(raw string) (PrefixedAPIKey, error) {
	parts := strings.Split(raw, "_")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return PrefixedAPIKey{}, errors.New("malformed API key")
	}
	return PrefixedAPIKey{
		Prefix:     parts[0],
		ShortToken: parts[1],
		LongToken:  parts[2],
	}, nil
}

// LooksLikeAPIKey reports whether a bearer credential parses as a key with
// the system prefix. Used by the negotiator to decide between the API key
// and JWT paths.
func LooksLikeAPIKey(raw string) bool {
	pak, err := ParseAPIKey(raw)
	return err == nil && pak.Prefix == APIKeyPrefix
}

// GenerateAPIKey creates a new random key with the system prefix
func GenerateAPIKey() (PrefixedAPIKey, error) {
	short, err := randomToken(shortTokenLength)
	if err != nil {
		return PrefixedAPIKey{}, Internal("generate short token", err)
	}
	long, err := randomToken(longTokenLength)
	if err != nil {
		return PrefixedAPIKey{}, Internal("generate long token", err)
	}
	return PrefixedAPIKey{Prefix: APIKeyPrefix, ShortToken: short, LongToken: long}, nil
}

func randomToken(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(apiKeyAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = apiKeyAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// HashLongToken computes the keyed hash of a key's long token component as
// stored in the database
func HashLongToken(longToken string) string {
	mac := hmac.New(sha256.New, []byte(apiKeyHashDomain))
	mac.Write([]byte(longToken))
	return hex.EncodeToString(mac.Sum(nil))
}

// APIKeyAuthenticator validates presented API keys against stored records
// and resolves the caller's effective identity
type APIKeyAuthenticator struct {
	users   UserStore
	keys    APIKeyStore
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAPIKeyAuthenticator creates an APIKeyAuthenticator over the given stores
func NewAPIKeyAuthenticator(users UserStore, keys APIKeyStore, logger *observability.Logger, metrics *observability.Metrics) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		users:   users,
		keys:    keys,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// Authenticate validates a parsed key and returns the identity snapshot it
// authenticates as. The owning user must hold the ACCESS_API_KEYS permission
// (or be the server owner) independent of the hash match, so revoking that
// permission disables every key the user owns without touching key material.
//
// Keys in Custom permission mode resolve to exactly their own permission
// set, never unioned with the owner's. The last-used timestamp is written
// best effort; a failure there is logged and does not fail the request.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, pak PrefixedAPIKey) (*User, error) {
	user, err := a.authenticate(ctx, pak)
	a.countValidation(err)
	return user, err
}

func (a *APIKeyAuthenticator) authenticate(ctx context.Context, pak PrefixedAPIKey) (*User, error) {
	if pak.Prefix != APIKeyPrefix {
		return nil, ErrUnauthorized
	}

	longTokenHash := HashLongToken(pak.LongToken)
	validatedAt := a.now().UTC()

	rec, err := a.keys.APIKeyByShortToken(ctx, pak.ShortToken, longTokenHash, validatedAt)
	if err != nil {
		return nil, mapLookupErr("lookup api key", err)
	}

	user, err := a.users.UserByID(ctx, rec.UserID)
	if err != nil {
		return nil, mapLookupErr("lookup api key owner", err)
	}

	// The permission gate is checked even though a revocation should also
	// clean up the keys themselves.
	canUseKey := user.IsServerOwner || user.Permissions.Contains(PermissionAccessAPIKeys)
	hashMatch := hmac.Equal([]byte(longTokenHash), []byte(rec.LongTokenHash))

	if !canUseKey || !hashMatch {
		a.logger.WithFields(map[string]interface{}{
			"user_id":     user.ID,
			"can_use_key": canUseKey,
		}).Warn("API key validation failed")
		return nil, ErrUnauthorized
	}

	if err := a.keys.TouchAPIKeyLastUsed(ctx, rec.ID, validatedAt); err != nil {
		a.logger.WithError(err).WithField("api_key_id", rec.ID).Error("Failed to update API key last-used time")
	}

	resolved := *user
	if !rec.Inherit {
		resolved.Permissions = rec.Permissions
	}

	return &resolved, nil
}

func (a *APIKeyAuthenticator) countValidation(err error) {
	if a.metrics == nil {
		return
	}
	outcome := observability.OutcomeOK
	switch {
	case errors.Is(err, ErrUnauthorized):
		outcome = observability.OutcomeUnauthorized
	case err != nil:
		outcome = observability.OutcomeError
	}
	a.metrics.APIKeyValidationsTotal.WithLabelValues(outcome).Inc()
}
