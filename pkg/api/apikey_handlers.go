package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/skridofly/stump/pkg/auth"
	"github.com/skridofly/stump/pkg/guard"
	"github.com/skridofly/stump/pkg/httputil"
	"github.com/skridofly/stump/pkg/middleware"
	"github.com/skridofly/stump/pkg/observability"
)

// APIKeyStore is the slice of the persistence layer the key handlers need
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, rec *auth.APIKeyRecord) error
	APIKeysForUser(ctx context.Context, userID string) ([]*auth.APIKeyRecord, error)
	DeleteAPIKey(ctx context.Context, id int64, userID string) error
}

// APIKeyHandlers serves API key management for the authenticated user
type APIKeyHandlers struct {
	keys   APIKeyStore
	gate   guard.Guard
	logger *observability.Logger
}

// NewAPIKeyHandlers creates the API key handlers
func NewAPIKeyHandlers(keys APIKeyStore, logger *observability.Logger) *APIKeyHandlers {
	return &APIKeyHandlers{
		keys:   keys,
		gate:   guard.Permission(auth.PermissionAccessAPIKeys),
		logger: logger,
	}
}

// RegisterRoutes registers the key routes on a negotiated subrouter
func (h *APIKeyHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api-keys", h.create).Methods("POST")
	router.HandleFunc("/api-keys", h.list).Methods("GET")
	router.HandleFunc("/api-keys/{id}", h.delete).Methods("DELETE")
}

// authorize runs the permission gate and returns the caller, or nil after
// writing the failure response
func (h *APIKeyHandlers) authorize(w http.ResponseWriter, r *http.Request) *auth.AuthContext {
	ac := middleware.GetAuthContext(r)
	if err := h.gate(r.Context(), ac); err != nil {
		writeAuthError(w, h.logger, err)
		return nil
	}
	return ac
}

type createAPIKeyRequest struct {
	Name        string             `json:"name"`
	Inherit     bool               `json:"inherit"`
	Permissions auth.PermissionSet `json:"permissions,omitempty"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
}

type createAPIKeyResponse struct {
	// APIKey is the full prefixed key, shown exactly once
	APIKey string             `json:"api_key"`
	Key    *auth.APIKeyRecord `json:"key"`
}

// create mints a new key for the caller. Custom-mode keys may only scope
// down: every requested permission must be one the caller already holds.
func (h *APIKeyHandlers) create(w http.ResponseWriter, r *http.Request) {
	ac := h.authorize(w, r)
	if ac == nil {
		return
	}

	var req createAPIKeyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		httputil.WriteBadRequest(w, "expires_at must be in the future")
		return
	}

	if !req.Inherit && !ac.User.IsServerOwner {
		for _, p := range req.Permissions {
			if !ac.User.Permissions.Contains(p) {
				httputil.WriteBadRequest(w, "cannot grant a permission you do not hold")
				return
			}
		}
	}

	pak, err := auth.GenerateAPIKey()
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}

	rec := &auth.APIKeyRecord{
		UserID:        ac.User.ID,
		Name:          req.Name,
		ShortToken:    pak.ShortToken,
		LongTokenHash: auth.HashLongToken(pak.LongToken),
		Inherit:       req.Inherit,
		Permissions:   req.Permissions,
		ExpiresAt:     req.ExpiresAt,
	}
	if err := h.keys.CreateAPIKey(r.Context(), rec); err != nil {
		writeAuthError(w, h.logger, auth.Internal("create api key", err))
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"user_id":    ac.User.ID,
		"api_key_id": rec.ID,
	}).Info("API key created")

	httputil.WriteCreated(w, createAPIKeyResponse{
		APIKey: pak.String(),
		Key:    rec,
	})
}

// list returns the caller's keys. Hashes never serialize.
func (h *APIKeyHandlers) list(w http.ResponseWriter, r *http.Request) {
	ac := h.authorize(w, r)
	if ac == nil {
		return
	}

	keys, err := h.keys.APIKeysForUser(r.Context(), ac.User.ID)
	if err != nil {
		writeAuthError(w, h.logger, auth.Internal("list api keys", err))
		return
	}
	if keys == nil {
		keys = []*auth.APIKeyRecord{}
	}
	httputil.WriteSuccess(w, keys)
}

// delete removes one of the caller's keys
func (h *APIKeyHandlers) delete(w http.ResponseWriter, r *http.Request) {
	ac := h.authorize(w, r)
	if ac == nil {
		return
	}

	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	err := h.keys.DeleteAPIKey(r.Context(), id, ac.User.ID)
	if errors.Is(err, auth.ErrNotFound) {
		httputil.WriteNotFound(w, "api key not found")
		return
	}
	if err != nil {
		writeAuthError(w, h.logger, auth.Internal("delete api key", err))
		return
	}

	httputil.WriteNoContent(w)
}
