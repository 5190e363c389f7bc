package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/skridofly/stump/pkg/observability"
)

const secretLength = 60

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Secrets holds the two independent HS256 signing secrets. They are built
// once at service start-up and injected; restarting the process therefore
// invalidates every previously issued access and refresh token. That is a
// deliberate trade-off of simplicity over cross-restart session durability.
type Secrets struct {
	Access  []byte
	Refresh []byte
}

// GenerateSecrets returns a fresh pair of random signing secrets
func GenerateSecrets() (Secrets, error) {
	access, err := randomAlphanumeric(secretLength)
	if err != nil {
		return Secrets{}, Internal("generate access secret", err)
	}
	refresh, err := randomAlphanumeric(secretLength)
	if err != nil {
		return Secrets{}, Internal("generate refresh secret", err)
	}
	return Secrets{Access: []byte(access), Refresh: []byte(refresh)}, nil
}

func randomAlphanumeric(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(secretAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = secretAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// TokenPair is the result of issuing or exchanging tokens.
//
// ExpiresAt reports the expiry of the refresh token, not the access token.
// This matches long-standing client expectations; callers that need the
// access expiry must decode the access token.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// TokenService issues and validates JWT access/refresh pairs and persists
// refresh-token revocation records
type TokenService struct {
	secrets    Secrets
	store      RefreshTokenStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewTokenService creates a TokenService with the given injected secrets and
// refresh-token store
func NewTokenService(
	secrets Secrets,
	store RefreshTokenStore,
	accessTTL time.Duration,
	refreshTTL time.Duration,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *TokenService {
	return &TokenService{
		secrets:    secrets,
		store:      store,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		logger:     logger,
		metrics:    metrics,
	}
}

// IssueAccessToken signs a short-lived access token for the user
func (s *TokenService) IssueAccessToken(userID string) (string, time.Time, error) {
	now := s.now().UTC()
	expiresAt := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secrets.Access)
	if err != nil {
		return "", time.Time{}, Internal("sign access token", err)
	}
	return token, expiresAt, nil
}

// issueRefreshToken signs a refresh token carrying a fresh jti
func (s *TokenService) issueRefreshToken(userID string) (jti, token string, expiresAt time.Time, err error) {
	now := s.now().UTC()
	expiresAt = now.Add(s.refreshTTL)
	jti = uuid.NewString()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        jti,
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secrets.Refresh)
	if err != nil {
		return "", "", time.Time{}, Internal("sign refresh token", err)
	}
	return jti, token, expiresAt, nil
}

// IssuePair issues an access/refresh pair for the user and persists the
// refresh token's revocation record keyed by its jti
func (s *TokenService) IssuePair(ctx context.Context, userID string) (*TokenPair, error) {
	accessToken, _, err := s.IssueAccessToken(userID)
	if err != nil {
		return nil, err
	}

	jti, refreshToken, refreshExpiry, err := s.issueRefreshToken(userID)
	if err != nil {
		return nil, err
	}

	err = s.store.CreateRefreshToken(ctx, RefreshTokenRecord{
		JTI:       jti,
		UserID:    userID,
		ExpiresAt: refreshExpiry,
	})
	if err != nil {
		return nil, Internal("persist refresh token", err)
	}

	if s.metrics != nil {
		s.metrics.TokenPairsIssuedTotal.Inc()
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    refreshExpiry,
	}, nil
}

// VerifyAccess validates an access token's signature and expiry and returns
// the subject user id
func (s *TokenService) VerifyAccess(token string) (string, error) {
	claims, err := s.parse(token, s.secrets.Access)
	if err != nil {
		s.logger.WithError(err).Debug("Access token failed verification")
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

// ExtractRefreshJTI validates a refresh token's signature and expiry and
// returns its jti claim
func (s *TokenService) ExtractRefreshJTI(token string) (string, error) {
	claims, err := s.parse(token, s.secrets.Refresh)
	if err != nil {
		s.logger.WithError(err).Debug("Refresh token failed verification")
		return "", ErrUnauthorized
	}
	return claims.ID, nil
}

func (s *TokenService) parse(token string, secret []byte) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Exchange trades a validated refresh jti for a new token pair. A missing
// record means the token was revoked; a present-but-expired record is
// deleted before rejecting, so revocation state converges lazily.
//
// The prior record is not deleted on success, so an already-issued refresh
// token stays valid until it expires or is explicitly revoked. Two
// concurrent exchanges of the same jti can therefore both succeed. Changing
// this to delete-then-reissue inside one transaction would be an observable
// security behavior change and is intentionally not done here.
func (s *TokenService) Exchange(ctx context.Context, jti string) (*TokenPair, error) {
	rec, err := s.store.RefreshTokenByID(ctx, jti)
	if err != nil {
		s.countExchange(err)
		return nil, mapLookupErr("lookup refresh token", err)
	}

	if rec.ExpiresAt.Before(s.now()) {
		if err := s.store.DeleteRefreshToken(ctx, jti); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.WithError(err).WithField("jti", jti).Error("Failed to delete expired refresh token")
		}
		s.countExchange(ErrUnauthorized)
		return nil, ErrUnauthorized
	}

	pair, err := s.IssuePair(ctx, rec.UserID)
	s.countExchange(err)
	if err != nil {
		return nil, err
	}

	s.logger.WithField("user_id", rec.UserID).Debug("Exchanged refresh token for new pair")
	return pair, nil
}

// Revoke deletes the revocation record for a refresh jti, invalidating the
// token. Revoking an unknown jti is not an error.
func (s *TokenService) Revoke(ctx context.Context, jti string) error {
	if err := s.store.DeleteRefreshToken(ctx, jti); err != nil && !errors.Is(err, ErrNotFound) {
		return Internal("revoke refresh token", err)
	}
	return nil
}

func (s *TokenService) countExchange(err error) {
	if s.metrics == nil {
		return
	}
	outcome := observability.OutcomeOK
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotFound):
		outcome = observability.OutcomeUnauthorized
	case err != nil:
		outcome = observability.OutcomeError
	}
	s.metrics.TokenExchangesTotal.WithLabelValues(outcome).Inc()
}
