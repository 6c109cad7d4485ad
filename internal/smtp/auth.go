// Package smtp implements the gateway's inbound SMTP listener: STARTTLS,
// optional AUTH, a message size limit, and a narrow handler seam that
// decides the reply to each accepted DATA transaction.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
)

// ErrAuthFailed is returned when credentials do not match.
var ErrAuthFailed = errors.New("authentication failed")

// Authenticator checks SMTP AUTH credentials against a single configured
// account.
type Authenticator struct {
	username []byte
	password []byte
}

// NewAuthenticator creates an Authenticator. Authentication is disabled
// unless both username and password are set.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: []byte(username),
		password: []byte(password),
	}
}

// Enabled reports whether clients must authenticate before MAIL.
func (a *Authenticator) Enabled() bool {
	return len(a.username) > 0 && len(a.password) > 0
}

// VerifyPlain checks a base64 AUTH PLAIN response
// (authzid NUL authcid NUL password). The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	srv := sasl.NewPlainServer(func(_, username, password string) error {
		return a.check(username, password)
	})
	if _, _, err := srv.Next(decoded); err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		return fmt.Errorf("invalid AUTH PLAIN response: %w", err)
	}
	return nil
}

// VerifyLogin checks the base64 username and password collected by the
// AUTH LOGIN challenge exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}
	return a.check(string(user), string(pass))
}

func (a *Authenticator) check(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), a.username)
	passOK := subtle.ConstantTimeCompare([]byte(password), a.password)
	if userOK&passOK != 1 {
		return ErrAuthFailed
	}
	return nil
}
