// Package auth implements the identity and credential layer of the server:
// password verification, JWT access/refresh token pairs with server-side
// revocation records, and prefixed API keys.
//
// The package produces AuthContext values which the negotiator middleware
// (pkg/middleware) attaches to requests and the guard layer (pkg/guard)
// evaluates. All persistence is reached through the small store interfaces
// declared here so callers can supply fakes in tests.
package auth
