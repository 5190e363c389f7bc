package auth

import (
	"errors"
	"fmt"
)

// Fixed messages surfaced on Forbidden responses. These are deliberately
// constant so responses never echo internal detail.
const (
	LockedAccountMessage   = "Account is locked. Please contact the server owner."
	ForbiddenActionMessage = "You do not have permission to perform this action"
	DisabledFeatureMessage = "This feature is not enabled on this server"
)

// ErrUnauthorized is the terminal failure for any missing or invalid
// credential. It intentionally carries no detail about which factor failed.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotFound is returned by store implementations when a lookup matches no
// row. Callers in this package map it into the closed taxonomy; it never
// reaches an HTTP response directly.
var ErrNotFound = errors.New("record not found")

// ForbiddenError is an authenticated-but-disallowed failure. Reason is one
// of the fixed message constants above.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Reason)
}

// Forbidden builds a ForbiddenError with the given fixed reason
func Forbidden(reason string) error {
	return &ForbiddenError{Reason: reason}
}

// InternalError wraps a signing, hashing or storage failure. The wrapped
// error is logged server-side and never surfaced to the caller.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Internal wraps err as an InternalError for the given operation
func Internal(op string, err error) error {
	return &InternalError{Op: op, Err: err}
}

// mapLookupErr converts a store lookup error into the closed taxonomy:
// a missing row is an invalid credential, anything else is internal.
// This is the single funnel for collaborator errors so new store error
// variants cannot silently pass through as credentials failures.
func mapLookupErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return ErrUnauthorized
	default:
		return Internal(op, err)
	}
}
