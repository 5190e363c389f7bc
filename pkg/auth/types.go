package auth

import (
	"context"
	"time"
)

// Permission is a named capability a user may be granted. Values use the
// SCREAMING_SNAKE_CASE wire form stored in the database and exposed over
// the API.
type Permission string

const (
	// PermissionAccessAPIKeys grants access to read/create the user's own API keys
	PermissionAccessAPIKeys Permission = "ACCESS_API_KEYS"
	// PermissionAccessBookClub grants access to the book club feature
	PermissionAccessBookClub Permission = "ACCESS_BOOK_CLUB"
	// PermissionCreateBookClub grants access to create a book club
	PermissionCreateBookClub Permission = "CREATE_BOOK_CLUB"
	// PermissionAccessSmartList grants access to the smart list feature
	PermissionAccessSmartList Permission = "ACCESS_SMART_LIST"
	// PermissionAccessKoreaderSync grants access to the koreader sync feature
	PermissionAccessKoreaderSync Permission = "ACCESS_KOREADER_SYNC"
	// PermissionFileExplorer grants access to the file explorer
	PermissionFileExplorer Permission = "FILE_EXPLORER"
	// PermissionUploadFile grants access to upload files to a library
	PermissionUploadFile Permission = "UPLOAD_FILE"
	// PermissionDownloadFile grants access to download files from a library
	PermissionDownloadFile Permission = "DOWNLOAD_FILE"
	// PermissionCreateLibrary grants access to create a library
	PermissionCreateLibrary Permission = "CREATE_LIBRARY"
	// PermissionEditLibrary grants access to edit basic details about a library
	PermissionEditLibrary Permission = "EDIT_LIBRARY"
	// PermissionScanLibrary grants access to scan a library for new files
	PermissionScanLibrary Permission = "SCAN_LIBRARY"
	// PermissionManageLibrary grants access to manage a library
	PermissionManageLibrary Permission = "MANAGE_LIBRARY"
	// PermissionDeleteLibrary grants access to delete a library
	PermissionDeleteLibrary Permission = "DELETE_LIBRARY"
	// PermissionReadUsers grants access to query users
	PermissionReadUsers Permission = "READ_USERS"
	// PermissionManageUsers grants access to create, edit and delete users
	PermissionManageUsers Permission = "MANAGE_USERS"
)

// PermissionSet is the collection of permissions granted to an identity
type PermissionSet []Permission

// Contains reports whether the set includes the given permission
func (s PermissionSet) Contains(p Permission) bool {
	for _, have := range s {
		if have == p {
			return true
		}
	}
	return false
}

// ContainsAny reports whether the set includes at least one of the given
// permissions
func (s PermissionSet) ContainsAny(ps ...Permission) bool {
	for _, p := range ps {
		if s.Contains(p) {
			return true
		}
	}
	return false
}

// ClubRole is a member's role within a book club, ordered by privilege
type ClubRole int

const (
	ClubRoleMember ClubRole = iota
	ClubRoleModerator
	ClubRoleAdmin
	ClubRoleCreator
)

func (r ClubRole) String() string {
	switch r {
	case ClubRoleMember:
		return "MEMBER"
	case ClubRoleModerator:
		return "MODERATOR"
	case ClubRoleAdmin:
		return "ADMIN"
	case ClubRoleCreator:
		return "CREATOR"
	default:
		return "UNKNOWN"
	}
}

// User is the authenticated-identity snapshot resolved from the persistence
// layer. It is read-only within a request; permission and lock state are
// owned by the user management surface.
type User struct {
	ID             string        `json:"id"`
	Username       string        `json:"username"`
	HashedPassword string        `json:"-"`
	IsLocked       bool          `json:"is_locked"`
	IsServerOwner  bool          `json:"is_server_owner"`
	Permissions    PermissionSet `json:"permissions"`
	AgeRestriction *int          `json:"age_restriction,omitempty"`
}

// RefreshTokenRecord is the persisted revocation record for a refresh token,
// keyed by the jti claim embedded in the signed token. Deleting the record
// invalidates the token regardless of its signature.
type RefreshTokenRecord struct {
	JTI       string
	UserID    string
	ExpiresAt time.Time
}

// APIKeyRecord is a stored API key. Only the keyed hash of the long token
// component is persisted; the full key is shown to the creator exactly once.
type APIKeyRecord struct {
	ID            int64         `json:"id"`
	UserID        string        `json:"user_id"`
	Name          string        `json:"name"`
	ShortToken    string        `json:"short_token"`
	LongTokenHash string        `json:"-"`
	// Inherit means the key carries the owning user's permissions at
	// validation time. When false, Permissions is the key's exact
	// (scoped-down) permission set.
	Inherit     bool          `json:"inherit"`
	Permissions PermissionSet `json:"permissions,omitempty"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time    `json:"last_used_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// AuthContext is the per-request authenticated identity produced by exactly
// one of the authentication paths. APIKey holds the raw presented key when
// the request authenticated with one, and is empty otherwise.
type AuthContext struct {
	User   User
	APIKey string
}

// UsedAPIKey reports whether this request authenticated with an API key
func (ac *AuthContext) UsedAPIKey() bool {
	return ac.APIKey != ""
}

// UserStore resolves users from the persistence layer. Implementations
// return ErrNotFound for missing rows.
type UserStore interface {
	UserByID(ctx context.Context, id string) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
}

// RefreshTokenStore persists refresh-token revocation records.
// Implementations return ErrNotFound for missing rows.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, rec RefreshTokenRecord) error
	RefreshTokenByID(ctx context.Context, jti string) (*RefreshTokenRecord, error)
	DeleteRefreshToken(ctx context.Context, jti string) error
}

// APIKeyStore persists API key records. Lookup filters out expired keys;
// implementations return ErrNotFound when no live row matches.
type APIKeyStore interface {
	APIKeyByShortToken(ctx context.Context, shortToken, longTokenHash string, now time.Time) (*APIKeyRecord, error)
	TouchAPIKeyLastUsed(ctx context.Context, id int64, at time.Time) error
}
