// Package session implements the server-side session store backing cookie
// authentication. Sessions are opaque ids mapped to user ids in redis with a
// TTL; a per-user index enforces the max-concurrent-sessions policy.
package session

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/skridofly/stump/pkg/auth"
	"github.com/skridofly/stump/pkg/observability"
)

// CookieName is the session cookie attached to authenticated browsers
const CookieName = "stump_session"

const (
	sessionKeyPrefix = "session:"
	userKeyPrefix    = "user_sessions:"

	cacheSize = 1024
	cacheTTL  = 30 * time.Second
)

// Store persists sessions in redis. Lookups go through a small in-process
// read cache; its TTL bounds how long a deleted session can still resolve
// on other instances.
type Store struct {
	client     *redis.Client
	ttl        time.Duration
	maxPerUser int
	cache      *expirable.LRU[string, string]
	now        func() time.Time
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// New creates a session store
func New(client *redis.Client, ttl time.Duration, maxPerUser int, logger *observability.Logger, metrics *observability.Metrics) *Store {
	return &Store{
		client:     client,
		ttl:        ttl,
		maxPerUser: maxPerUser,
		cache:      expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
		now:        time.Now,
		logger:     logger,
		metrics:    metrics,
	}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }
func userKey(userID string) string { return userKeyPrefix + userID }

// Create stores a new session for the user and returns its opaque id. When
// the user exceeds the max-sessions policy the oldest sessions are evicted,
// best effort; concurrent logins may transiently exceed the limit.
func (s *Store) Create(ctx context.Context, userID string) (string, error) {
	id := uuid.NewString()
	now := s.now()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(id), userID, s.ttl)
	pipe.ZAdd(ctx, userKey(userID), &redis.Z{Score: float64(now.UnixNano()), Member: id})
	pipe.Expire(ctx, userKey(userID), s.ttl)
	// Index entries older than the TTL point at sessions redis has
	// already dropped.
	staleBefore := now.Add(-s.ttl).UnixNano()
	pipe.ZRemRangeByScore(ctx, userKey(userID), "-inf", strconv.FormatInt(staleBefore, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", auth.Internal("create session", err)
	}

	if s.metrics != nil {
		s.metrics.SessionsCreatedTotal.Inc()
	}

	s.enforceMaxSessions(ctx, userID)

	return id, nil
}

// enforceMaxSessions evicts the oldest sessions when the user holds more
// than the configured maximum. Failures are logged, never surfaced.
func (s *Store) enforceMaxSessions(ctx context.Context, userID string) {
	count, err := s.client.ZCard(ctx, userKey(userID)).Result()
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to count user sessions")
		return
	}
	over := count - int64(s.maxPerUser)
	if over <= 0 {
		return
	}

	oldest, err := s.client.ZRange(ctx, userKey(userID), 0, over-1).Result()
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to list oldest sessions")
		return
	}

	pipe := s.client.TxPipeline()
	for _, id := range oldest {
		pipe.Del(ctx, sessionKey(id))
		pipe.ZRem(ctx, userKey(userID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to evict oldest sessions")
		return
	}

	for _, id := range oldest {
		s.cache.Remove(id)
	}
	if s.metrics != nil {
		s.metrics.SessionEvictionsTotal.Add(float64(len(oldest)))
	}
	s.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"evicted": len(oldest),
	}).Debug("Evicted sessions over the per-user limit")
}

// Get resolves a session id to its user id. A missing or expired session
// returns auth.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (string, error) {
	if userID, ok := s.cache.Get(id); ok {
		if s.metrics != nil {
			s.metrics.SessionCacheHitsTotal.Inc()
		}
		return userID, nil
	}
	if s.metrics != nil {
		s.metrics.SessionCacheMissesTotal.Inc()
	}

	userID, err := s.client.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", auth.Internal("lookup session", err)
	}

	s.cache.Add(id, userID)
	return userID, nil
}

// Delete removes a session. Deleting a session that does not exist is not
// an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.cache.Remove(id)

	userID, err := s.client.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return auth.Internal("lookup session", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.ZRem(ctx, userKey(userID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return auth.Internal("delete session", err)
	}
	return nil
}

// NewCookie builds the session cookie for a newly created session
func NewCookie(id string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// DeleteCookie builds the cookie-deletion header value that tells clients to
// drop a stale session cookie
func DeleteCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
