// Package guard provides composable authorization predicates evaluated
// against an authenticated request context after the negotiator has run.
// Predicates are plain functions combined with All/Any so guard composition
// is checked at compile time rather than through runtime polymorphism.
package guard

import (
	"context"
	"errors"

	"github.com/skridofly/stump/pkg/auth"
)

// Guard is an authorization predicate. It returns nil to allow the
// operation, auth.ErrUnauthorized when no identity is present, or a
// *auth.ForbiddenError when the identity is disallowed.
type Guard func(ctx context.Context, ac *auth.AuthContext) error

// Feature names an optional server feature that can be toggled in
// configuration
type Feature string

const (
	FeatureUpload       Feature = "upload"
	FeatureKoreaderSync Feature = "koreader_sync"
)

// FeatureSource reports whether an optional server feature is enabled.
// Implemented by the configuration layer.
type FeatureSource interface {
	FeatureEnabled(feature string) bool
}

// MembershipResolver resolves a user's role within a book club. A lookup
// that matches no membership returns auth.ErrNotFound.
type MembershipResolver interface {
	ClubRoleForUser(ctx context.Context, userID, clubID string) (auth.ClubRole, error)
}

// ServerOwner passes only for the server owner
func ServerOwner() Guard {
	return func(_ context.Context, ac *auth.AuthContext) error {
		if ac == nil {
			return auth.ErrUnauthorized
		}
		if ac.User.IsServerOwner {
			return nil
		}
		return auth.Forbidden(auth.ForbiddenActionMessage)
	}
}

// Self passes only when the authenticated user is the target user
func Self(targetID string) Guard {
	return func(_ context.Context, ac *auth.AuthContext) error {
		if ac == nil {
			return auth.ErrUnauthorized
		}
		if ac.User.ID == targetID {
			return nil
		}
		return auth.Forbidden(auth.ForbiddenActionMessage)
	}
}

// Permission passes when the user holds any of the required permissions and
// is not locked. The server owner always passes.
func Permission(required ...auth.Permission) Guard {
	return func(_ context.Context, ac *auth.AuthContext) error {
		if ac == nil {
			return auth.ErrUnauthorized
		}
		if ac.User.IsServerOwner {
			return nil
		}
		if ac.User.Permissions.ContainsAny(required...) && !ac.User.IsLocked {
			return nil
		}
		return auth.Forbidden(auth.ForbiddenActionMessage)
	}
}

// FeatureEnabled passes when the named optional feature is enabled in
// configuration. It is independent of the identity.
func FeatureEnabled(features FeatureSource, feature Feature) Guard {
	return func(_ context.Context, _ *auth.AuthContext) error {
		if features.FeatureEnabled(string(feature)) {
			return nil
		}
		return auth.Forbidden(auth.DisabledFeatureMessage)
	}
}

// ClubRole passes when the user's membership in the club holds at least the
// given role and the user is not locked. Absence of a membership fails
// closed. The server owner always passes.
func ClubRole(memberships MembershipResolver, clubID string, minRole auth.ClubRole) Guard {
	return func(ctx context.Context, ac *auth.AuthContext) error {
		if ac == nil {
			return auth.ErrUnauthorized
		}
		if ac.User.IsServerOwner {
			return nil
		}

		role, err := memberships.ClubRoleForUser(ctx, ac.User.ID, clubID)
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Forbidden(auth.ForbiddenActionMessage)
		}
		if err != nil {
			return auth.Internal("resolve club membership", err)
		}

		if role >= minRole && !ac.User.IsLocked {
			return nil
		}
		return auth.Forbidden(auth.ForbiddenActionMessage)
	}
}

// All combines guards so every one must pass, short-circuiting on the first
// failure. This is the default composition when several guards protect one
// operation.
func All(guards ...Guard) Guard {
	return func(ctx context.Context, ac *auth.AuthContext) error {
		for _, g := range guards {
			if err := g(ctx, ac); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any combines guards so a single pass allows the operation. When every
// guard fails the last failure is returned.
func Any(guards ...Guard) Guard {
	return func(ctx context.Context, ac *auth.AuthContext) error {
		if len(guards) == 0 {
			return nil
		}
		var err error
		for _, g := range guards {
			if err = g(ctx, ac); err == nil {
				return nil
			}
		}
		return err
	}
}
