package auth

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// DecodedCredentials is the username and plaintext password recovered from a
// Basic authorization payload
type DecodedCredentials struct {
	Username string
	Password string
}

// HashPassword returns a bcrypt hash of the password using the given cost
func HashPassword(plain string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", Internal("hash password", err)
	}
	return string(b), nil
}

// VerifyPassword compares a bcrypt hash against a plaintext password
func VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// DecodeBasicCredentials decodes the base64 payload of a Basic authorization
// header into a username/password pair. The payload splits on the first ':'
// only, so passwords may contain colons. An empty username or password is
// rejected as an invalid credential.
func DecodeBasicCredentials(encoded string) (DecodedCredentials, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return DecodedCredentials{}, Internal("decode basic credentials", err)
	}
	if !utf8.Valid(raw) {
		return DecodedCredentials{}, ErrUnauthorized
	}

	username, password, found := strings.Cut(string(raw), ":")
	if !found || username == "" || password == "" {
		return DecodedCredentials{}, ErrUnauthorized
	}

	return DecodedCredentials{Username: username, Password: password}, nil
}
