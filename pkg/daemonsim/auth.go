// pkg/daemonsim/auth.go
package daemonsim

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ErrBadCredentials is returned by authenticators that reject a login.
var ErrBadCredentials = errors.New("bad credentials")

// Authenticator checks the credentials carried by the init call.
type Authenticator interface {
	Authenticate(username, password string) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(username, password string) error

func (f AuthenticatorFunc) Authenticate(username, password string) error { return f(username, password) }

// AllowAll accepts any credentials.
var AllowAll = AuthenticatorFunc(func(string, string) error { return nil })

// StaticCredentials accepts exactly one username and password.
type StaticCredentials struct {
	Username string
	Password string
}

func (c StaticCredentials) Authenticate(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) == 1
	if !userOK || !passOK {
		return ErrBadCredentials
	}
	return nil
}

// TokenAuthenticator accepts an HS256 JWT in the password slot whose subject
// is the username.
type TokenAuthenticator struct {
	Secret []byte
	Issuer string
}

// IssueToken signs a token for username valid for ttl.
func (a TokenAuthenticator) IssueToken(username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.RegisteredClaims{
		Subject:   username,
		Issuer:    a.Issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

func (a TokenAuthenticator) Authenticate(username, password string) error {
	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithSubject(username),
	}
	if a.Issuer != "" {
		opts = append(opts, gojwt.WithIssuer(a.Issuer))
	}
	_, err := gojwt.ParseWithClaims(password, &gojwt.RegisteredClaims{}, func(*gojwt.Token) (interface{}, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadCredentials, err)
	}
	return nil
}
