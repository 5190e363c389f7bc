// Package middleware provides the HTTP authentication negotiator that fronts
// every protected surface. Exactly one authentication path wins per request;
// the failure response depends on which surface the request targeted.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skridofly/stump/pkg/auth"
	"github.com/skridofly/stump/pkg/contextkeys"
	"github.com/skridofly/stump/pkg/httputil"
	"github.com/skridofly/stump/pkg/observability"
	"github.com/skridofly/stump/pkg/opds"
	"github.com/skridofly/stump/pkg/session"
)

// SaveSessionHeader opts a successful Basic authentication into creating a
// server-side session when set to "true"
const SaveSessionHeader = "X-Stump-Save-Session"

const (
	opdsPathPrefix       = "/opds"
	swaggerPathPrefix    = "/swagger-ui"
	playgroundPathPrefix = "/playground"
	loginRedirectPath    = "/auth"
)

// AuthNegotiator tries the authentication paths in a fixed order: session
// cookie, then the Authorization header (API key or JWT bearer, or Basic on
// OPDS paths), then a surface-dependent failure response.
type AuthNegotiator struct {
	users    auth.UserStore
	sessions Sessions
	tokens   *auth.TokenService
	apiKeys  *auth.APIKeyAuthenticator

	sessionTTL       time.Duration
	enableSwagger    bool
	enablePlayground bool

	logger  *observability.Logger
	metrics *observability.Metrics
}

// Sessions is the slice of the session store used by the negotiator
type Sessions interface {
	Get(ctx context.Context, id string) (string, error)
	Create(ctx context.Context, userID string) (string, error)
}

// NegotiatorConfig carries the negotiator's policy knobs
type NegotiatorConfig struct {
	SessionTTL       time.Duration
	EnableSwagger    bool
	EnablePlayground bool
}

// NewAuthNegotiator creates the negotiator middleware
func NewAuthNegotiator(
	users auth.UserStore,
	sessions Sessions,
	tokens *auth.TokenService,
	apiKeys *auth.APIKeyAuthenticator,
	cfg NegotiatorConfig,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *AuthNegotiator {
	return &AuthNegotiator{
		users:            users,
		sessions:         sessions,
		tokens:           tokens,
		apiKeys:          apiKeys,
		sessionTTL:       cfg.SessionTTL,
		enableSwagger:    cfg.EnableSwagger,
		enablePlayground: cfg.EnablePlayground,
		logger:           logger,
		metrics:          metrics,
	}
}

// Handler wraps an HTTP handler with authentication negotiation
func (m *AuthNegotiator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Session cookie first. A cookie that no longer resolves falls
		// through to the other paths instead of failing the request.
		if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
			ac, err := m.authenticateSession(r, cookie.Value)
			if err == nil {
				m.countAttempt(observability.AuthMethodSession, nil)
				m.pass(w, r, next, ac)
				return
			}
			if !errors.Is(err, auth.ErrNotFound) {
				m.countAttempt(observability.AuthMethodSession, err)
				m.writeAuthError(w, err)
				return
			}
		}

		if header := r.Header.Get("Authorization"); header != "" {
			m.authenticateHeader(w, r, next, header)
			return
		}

		m.challenge(w, r, next)
	})
}

// authenticateSession resolves a session id to a live, unlocked user. A
// stale session returns auth.ErrNotFound so the caller can fall through.
func (m *AuthNegotiator) authenticateSession(r *http.Request, sessionID string) (*auth.AuthContext, error) {
	userID, err := m.sessions.Get(r.Context(), sessionID)
	if err != nil {
		return nil, err
	}

	user, err := m.users.UserByID(r.Context(), userID)
	if errors.Is(err, auth.ErrNotFound) {
		// Session outlived its user.
		return nil, auth.ErrUnauthorized
	}
	if err != nil {
		return nil, auth.Internal("load session user", err)
	}

	// The session path reports a locked account as a plain credential
	// failure so the response does not reveal the account state.
	if user.IsLocked {
		return nil, auth.ErrUnauthorized
	}

	return &auth.AuthContext{User: *user}, nil
}

// authenticateHeader handles the Authorization header paths. An unsupported
// scheme, or Basic outside the OPDS surface, is a credential failure.
func (m *AuthNegotiator) authenticateHeader(w http.ResponseWriter, r *http.Request, next http.Handler, header string) {
	switch {
	case strings.HasPrefix(header, "Bearer ") && len(header) > 7:
		m.authenticateBearer(w, r, next, header[7:])
	case strings.HasPrefix(header, "Basic ") && isOPDSPath(r.URL.Path):
		m.authenticateBasic(w, r, next, header[6:])
	default:
		m.countAttempt(observability.AuthMethodNone, auth.ErrUnauthorized)
		m.writeAuthError(w, auth.ErrUnauthorized)
	}
}

// authenticateBearer routes a bearer credential to the API key authenticator
// when it carries the key prefix, otherwise verifies it as an access token
func (m *AuthNegotiator) authenticateBearer(w http.ResponseWriter, r *http.Request, next http.Handler, token string) {
	if auth.LooksLikeAPIKey(token) {
		pak, err := auth.ParseAPIKey(token)
		if err != nil {
			m.countAttempt(observability.AuthMethodAPIKey, auth.ErrUnauthorized)
			m.writeAuthError(w, auth.ErrUnauthorized)
			return
		}
		user, err := m.apiKeys.Authenticate(r.Context(), pak)
		m.countAttempt(observability.AuthMethodAPIKey, err)
		if err != nil {
			m.writeAuthError(w, err)
			return
		}
		m.pass(w, r, next, &auth.AuthContext{User: *user, APIKey: token})
		return
	}

	userID, err := m.tokens.VerifyAccess(token)
	if err != nil {
		m.countAttempt(observability.AuthMethodBearer, err)
		m.writeAuthError(w, err)
		return
	}

	user, err := m.users.UserByID(r.Context(), userID)
	if errors.Is(err, auth.ErrNotFound) {
		err = auth.ErrUnauthorized
	} else if err != nil {
		err = auth.Internal("load bearer user", err)
	}
	if err != nil {
		m.countAttempt(observability.AuthMethodBearer, err)
		m.writeAuthError(w, err)
		return
	}

	if user.IsLocked {
		err := auth.Forbidden(auth.LockedAccountMessage)
		m.countAttempt(observability.AuthMethodBearer, err)
		m.writeAuthError(w, err)
		return
	}

	m.countAttempt(observability.AuthMethodBearer, nil)
	m.pass(w, r, next, &auth.AuthContext{User: *user})
}

// authenticateBasic verifies a Basic payload against the stored password
// hash. Only reached for OPDS paths.
func (m *AuthNegotiator) authenticateBasic(w http.ResponseWriter, r *http.Request, next http.Handler, payload string) {
	fail := func(err error) {
		m.countAttempt(observability.AuthMethodBasic, err)
		m.writeAuthError(w, err)
	}

	creds, err := auth.DecodeBasicCredentials(payload)
	if err != nil {
		fail(err)
		return
	}

	user, err := m.users.UserByUsername(r.Context(), creds.Username)
	if errors.Is(err, auth.ErrNotFound) {
		fail(auth.ErrUnauthorized)
		return
	}
	if err != nil {
		fail(auth.Internal("load basic user", err))
		return
	}

	if !auth.VerifyPassword(user.HashedPassword, creds.Password) {
		fail(auth.ErrUnauthorized)
		return
	}
	if user.IsLocked {
		fail(auth.Forbidden(auth.LockedAccountMessage))
		return
	}

	if r.Header.Get(SaveSessionHeader) == "true" {
		if id, err := m.sessions.Create(r.Context(), user.ID); err != nil {
			m.logger.WithError(err).WithField("user_id", user.ID).Error("Failed to create session for basic login")
		} else {
			http.SetCookie(w, session.NewCookie(id, m.sessionTTL))
		}
	}

	m.countAttempt(observability.AuthMethodBasic, nil)
	m.pass(w, r, next, &auth.AuthContext{User: *user})
}

// challenge handles the no-credentials case, branching on the target surface
func (m *AuthNegotiator) challenge(w http.ResponseWriter, r *http.Request, next http.Handler) {
	path := r.URL.Path

	switch {
	case path == opds.AuthDocumentRoute:
		// The discovery document itself is served unauthenticated.
		next.ServeHTTP(w, r)
		return
	case isOPDSPath(path):
		m.countAttempt(observability.AuthMethodNone, auth.ErrUnauthorized)
		m.writeOPDSChallenge(w, r)
		return
	case m.enableSwagger && strings.HasPrefix(path, swaggerPathPrefix):
		m.redirectToLogin(w, r)
		return
	case m.enablePlayground && r.Method == http.MethodGet && strings.HasPrefix(path, playgroundPathPrefix):
		m.redirectToLogin(w, r)
		return
	default:
		m.countAttempt(observability.AuthMethodNone, auth.ErrUnauthorized)
		m.writeAuthError(w, auth.ErrUnauthorized)
	}
}

func (m *AuthNegotiator) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := loginRedirectPath + "?redirect=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusFound)
}

// writeOPDSChallenge emits the Basic challenge for unauthenticated OPDS
// requests. Version 2.0 clients get the structured authentication document;
// older clients get the bare header.
func (m *AuthNegotiator) writeOPDSChallenge(w http.ResponseWriter, r *http.Request) {
	version := opdsVersion(r.URL.Path)

	// Stale session cookies keep clients stuck in a challenge loop, so
	// every challenge asks the client to drop its cookie.
	http.SetCookie(w, session.DeleteCookie())
	w.Header().Set("WWW-Authenticate", `Basic realm="stump OPDS v`+version+`"`)

	if version != "2.0" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	serviceURL := hostURL(r)
	w.Header().Set("Authorization", "Basic")
	w.Header().Set("Link", "<"+serviceURL+opds.AuthDocumentRoute+">; rel=\""+opds.AuthenticationDocumentRel+"\"; type=\""+opds.AuthenticationDocumentType+"\"")
	w.Header().Set("Content-Type", opds.AuthenticationDocumentType+"; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)

	doc := opds.NewAuthenticationDocument(serviceURL)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		m.logger.WithError(err).Error("Failed to write OPDS authentication document")
	}
}

// writeAuthError maps the closed error taxonomy onto HTTP responses. The
// wrapped cause of an internal error is logged and never surfaced.
func (m *AuthNegotiator) writeAuthError(w http.ResponseWriter, err error) {
	var forbidden *auth.ForbiddenError
	var internal *auth.InternalError
	switch {
	case errors.As(err, &forbidden):
		httputil.WriteForbidden(w, forbidden.Reason)
	case errors.As(err, &internal):
		m.logger.WithError(internal).Error("Authentication failed internally")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	default:
		httputil.WriteUnauthorized(w, "unauthorized")
	}
}

func (m *AuthNegotiator) pass(w http.ResponseWriter, r *http.Request, next http.Handler, ac *auth.AuthContext) {
	ctx := contextkeys.WithAuth(r.Context(), ac)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (m *AuthNegotiator) countAttempt(method string, err error) {
	if m.metrics == nil {
		return
	}
	outcome := observability.OutcomeOK
	var forbidden *auth.ForbiddenError
	var internal *auth.InternalError
	switch {
	case err == nil:
	case errors.As(err, &forbidden):
		outcome = observability.OutcomeForbidden
	case errors.As(err, &internal):
		outcome = observability.OutcomeError
	default:
		outcome = observability.OutcomeUnauthorized
	}
	m.metrics.AuthAttemptsTotal.WithLabelValues(method, outcome).Inc()
}

// GetAuthContext extracts the authenticated identity from a request, or nil
// when the request never passed the negotiator
func GetAuthContext(r *http.Request) *auth.AuthContext {
	v := r.Context().Value(contextkeys.AuthKey)
	if v == nil {
		return nil
	}
	ac, ok := v.(*auth.AuthContext)
	if !ok {
		return nil
	}
	return ac
}

func isOPDSPath(path string) bool {
	return strings.HasPrefix(path, opdsPathPrefix)
}

// opdsVersion extracts the protocol version from paths like
// /opds/v2.0/catalog. Anything unparsable is treated as the oldest
// supported version.
func opdsVersion(path string) string {
	trimmed := strings.TrimPrefix(path, opdsPathPrefix+"/")
	seg, _, _ := strings.Cut(trimmed, "/")
	if strings.HasPrefix(seg, "v") && len(seg) > 1 {
		return seg[1:]
	}
	return "1.2"
}

func hostURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
