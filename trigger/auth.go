// ABOUTME: Per-webhook authentication: none, a shared header value, or HTTP basic credentials.
// ABOUTME: Secrets are compared in constant time; a failed check maps to 401 at the HTTP boundary.
package trigger

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized is returned when a request fails a registration's auth check.
var ErrUnauthorized = errors.New("webhook authentication failed")

// AuthType selects how a webhook authenticates callers.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthHeader AuthType = "header"
	AuthBasic  AuthType = "basic"
)

// Auth is the credential a webhook requires.
type Auth struct {
	Type        AuthType
	HeaderName  string
	HeaderValue string
	Username    string
	Password    string
}

func (a Auth) kind() AuthType {
	if a.Type == "" {
		return AuthNone
	}
	return a.Type
}

func (a Auth) validate() error {
	switch a.kind() {
	case AuthNone:
		return nil
	case AuthHeader:
		if a.HeaderName == "" || a.HeaderValue == "" {
			return fmt.Errorf("header auth requires a header name and value")
		}
		return nil
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("basic auth requires a username")
		}
		return nil
	default:
		return fmt.Errorf("unknown webhook auth type %q", a.Type)
	}
}

// Check verifies r against the credential.
func (a Auth) Check(r *http.Request) error {
	switch a.kind() {
	case AuthNone:
		return nil
	case AuthHeader:
		got := r.Header.Get(a.HeaderName)
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.HeaderValue)) == 1 {
			return nil
		}
	case AuthBasic:
		user, pass, ok := r.BasicAuth()
		if !ok {
			return ErrUnauthorized
		}
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.Password)) == 1
		if userOK && passOK {
			return nil
		}
	}
	return ErrUnauthorized
}
