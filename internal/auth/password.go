package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrInvalidPassword = errors.New("invalid password")

// PasswordVerifier checks a shared secret such as the tunnel usage password
// or the maintenance password. An empty Expected value means no password is
// configured and every candidate is accepted.
type PasswordVerifier struct {
	Expected string
}

// Required reports whether callers must present a password.
func (v PasswordVerifier) Required() bool {
	return v.Expected != ""
}

func (v PasswordVerifier) Verify(candidate string) error {
	if !v.Required() {
		return nil
	}
	if candidate == "" {
		return ErrInvalidPassword
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(v.Expected)) != 1 {
		return ErrInvalidPassword
	}
	return nil
}
