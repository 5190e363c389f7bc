package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/skridofly/stump/pkg/auth"
	"github.com/skridofly/stump/pkg/httputil"
	"github.com/skridofly/stump/pkg/middleware"
	"github.com/skridofly/stump/pkg/observability"
	"github.com/skridofly/stump/pkg/session"
)

// SessionManager is the slice of the session store the auth handlers need
type SessionManager interface {
	Create(ctx context.Context, userID string) (string, error)
	Delete(ctx context.Context, id string) error
}

// AuthHandlers serves the credential lifecycle routes
type AuthHandlers struct {
	users      auth.UserStore
	sessions   SessionManager
	tokens     *auth.TokenService
	sessionTTL time.Duration
	logger     *observability.Logger
}

// NewAuthHandlers creates the authentication handlers
func NewAuthHandlers(
	users auth.UserStore,
	sessions SessionManager,
	tokens *auth.TokenService,
	sessionTTL time.Duration,
	logger *observability.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		users:      users,
		sessions:   sessions,
		tokens:     tokens,
		sessionTTL: sessionTTL,
		logger:     logger,
	}
}

// RegisterPublicRoutes registers the routes that present credentials and so
// run outside the negotiator
func (h *AuthHandlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/auth/login", h.login).Methods("POST")
	router.HandleFunc("/api/v1/auth/refresh", h.refresh).Methods("POST")
	router.HandleFunc("/api/v1/auth/logout", h.logout).Methods("POST")
}

// RegisterProtectedRoutes registers the routes behind the negotiator
func (h *AuthHandlers) RegisterProtectedRoutes(router *mux.Router) {
	router.HandleFunc("/auth/me", h.me).Methods("GET")
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User auth.User `json:"user"`
	*auth.TokenPair
}

// login verifies a username/password pair, issues a token pair and opens a
// session. Lookup and hash failures are indistinguishable to the caller.
func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "username and password are required")
		return
	}

	user, err := h.users.UserByUsername(r.Context(), req.Username)
	if errors.Is(err, auth.ErrNotFound) {
		httputil.WriteUnauthorized(w, "unauthorized")
		return
	}
	if err != nil {
		writeAuthError(w, h.logger, auth.Internal("load login user", err))
		return
	}

	if !auth.VerifyPassword(user.HashedPassword, req.Password) {
		httputil.WriteUnauthorized(w, "unauthorized")
		return
	}
	if user.IsLocked {
		writeAuthError(w, h.logger, auth.Forbidden(auth.LockedAccountMessage))
		return
	}

	pair, err := h.tokens.IssuePair(r.Context(), user.ID)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}

	if sessionID, err := h.sessions.Create(r.Context(), user.ID); err != nil {
		h.logger.WithError(err).WithField("user_id", user.ID).Error("Failed to create login session")
	} else {
		http.SetCookie(w, session.NewCookie(sessionID, h.sessionTTL))
	}

	h.logger.WithField("user_id", user.ID).Info("User logged in")
	httputil.WriteSuccess(w, loginResponse{User: *user, TokenPair: pair})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// refresh exchanges a valid refresh token for a new pair
func (h *AuthHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		httputil.WriteBadRequest(w, "refreshToken is required")
		return
	}

	jti, err := h.tokens.ExtractRefreshJTI(req.RefreshToken)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}

	pair, err := h.tokens.Exchange(r.Context(), jti)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}

	httputil.WriteSuccess(w, pair)
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// logout revokes the presented refresh token and destroys the session. It
// succeeds even when there is nothing left to revoke.
func (h *AuthHandlers) logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	// The body is optional; a session-only client sends none.
	_ = httputil.ParseJSON(r, &req)

	if req.RefreshToken != "" {
		if jti, err := h.tokens.ExtractRefreshJTI(req.RefreshToken); err == nil {
			if err := h.tokens.Revoke(r.Context(), jti); err != nil {
				writeAuthError(w, h.logger, err)
				return
			}
		}
	}

	if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
		if err := h.sessions.Delete(r.Context(), cookie.Value); err != nil {
			h.logger.WithError(err).Error("Failed to delete session on logout")
		}
	}
	http.SetCookie(w, session.DeleteCookie())

	httputil.WriteNoContent(w)
}

// me echoes the authenticated identity
func (h *AuthHandlers) me(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r)
	if ac == nil {
		httputil.WriteUnauthorized(w, "unauthorized")
		return
	}
	httputil.WriteSuccess(w, ac.User)
}
