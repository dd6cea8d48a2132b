// Package xsrf issues and checks anti-forgery tokens bound to a user and an
// action name.
package xsrf

import (
	"time"

	"golang.org/x/net/xsrftoken"
)

// DefaultTimeout is how long an issued token stays valid.
const DefaultTimeout = xsrftoken.Timeout

// Tokens generates and validates tokens with a shared secret.
type Tokens struct {
	secret  string
	timeout time.Duration
}

// New returns a token issuer. A zero timeout uses DefaultTimeout.
func New(secret string, timeout time.Duration) *Tokens {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tokens{secret: secret, timeout: timeout}
}

// Generate returns a token for user performing action.
func (t *Tokens) Generate(user, action string) string {
	return xsrftoken.Generate(t.secret, user, action)
}

// Valid reports whether token was issued to user for action and has not
// expired.
func (t *Tokens) Valid(token, user, action string) bool {
	if token == "" {
		return false
	}
	return xsrftoken.ValidFor(token, t.secret, user, action, t.timeout)
}
