// Package api assembles the HTTP surface: the public authentication routes,
// the negotiated API and OPDS routes, and the metrics endpoint.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/skridofly/stump/pkg/auth"
	"github.com/skridofly/stump/pkg/httputil"
	"github.com/skridofly/stump/pkg/middleware"
	"github.com/skridofly/stump/pkg/observability"
	"github.com/skridofly/stump/pkg/opds"
)

// Server wires handlers and middleware into one router
type Server struct {
	router     *mux.Router
	negotiator *middleware.AuthNegotiator

	authHandlers   *AuthHandlers
	apiKeyHandlers *APIKeyHandlers

	enableSwagger bool

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewServer creates the API server and sets up its routes
func NewServer(
	negotiator *middleware.AuthNegotiator,
	authHandlers *AuthHandlers,
	apiKeyHandlers *APIKeyHandlers,
	enableSwagger bool,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		router:         mux.NewRouter(),
		negotiator:     negotiator,
		authHandlers:   authHandlers,
		apiKeyHandlers: apiKeyHandlers,
		enableSwagger:  enableSwagger,
		logger:         logger,
		metrics:        metrics,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
	)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	// Credential-presenting routes stay outside the negotiator.
	s.authHandlers.RegisterPublicRoutes(s.router)

	protected := s.router.PathPrefix("/api/v1").Subrouter()
	protected.Use(mux.MiddlewareFunc(s.negotiator.Handler))
	s.authHandlers.RegisterProtectedRoutes(protected)
	s.apiKeyHandlers.RegisterRoutes(protected)

	// The whole OPDS surface goes through the negotiator so unmatched and
	// unauthenticated paths get the Basic challenge before any routing 404.
	opdsRouter := s.router.PathPrefix("/opds").Subrouter()
	opdsRouter.Use(mux.MiddlewareFunc(s.negotiator.Handler))
	opdsRouter.HandleFunc("/v2.0/auth", s.opdsAuthDocument).Methods("GET")
	opdsRouter.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "not found")
	})

	if s.enableSwagger {
		s.router.PathPrefix("/swagger-ui").Handler(s.negotiator.Handler(http.NotFoundHandler()))
	}
}

// Handler returns the fully assembled HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// opdsAuthDocument serves the OPDS authentication document. The negotiator
// passes this route through unauthenticated.
func (s *Server) opdsAuthDocument(w http.ResponseWriter, r *http.Request) {
	doc := opds.NewAuthenticationDocument(hostURL(r))
	w.Header().Set("Content-Type", opds.AuthenticationDocumentType)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.logger.WithError(err).Error("Failed to write authentication document")
	}
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

// writeAuthError maps the closed error taxonomy onto HTTP responses
func writeAuthError(w http.ResponseWriter, logger *observability.Logger, err error) {
	var forbidden *auth.ForbiddenError
	var internal *auth.InternalError
	switch {
	case errors.As(err, &forbidden):
		httputil.WriteForbidden(w, forbidden.Reason)
	case errors.As(err, &internal):
		logger.WithError(internal).Error("Request failed internally")
		httputil.WriteInternalError(w)
	default:
		httputil.WriteUnauthorized(w, "unauthorized")
	}
}
