package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for malformed or expired credentials.
	ErrInvalidToken = errors.New("session: invalid token")
	// ErrNotSignedIn is returned when no credential is available.
	ErrNotSignedIn = errors.New("session: not signed in")
)

// Credential is a bearer token issued to the companion device together
// with the claims the device needs locally.
type Credential struct {
	Token     string
	Subject   string
	ExpiresAt time.Time // zero when the token does not expire
}

// Expired reports whether the credential is no longer usable at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ParseCredential reads the subject and expiry from a JWT. The signature
// is not checked here; the zone service verifies it on every request.
func ParseCredential(token string, now time.Time) (Credential, error) {
	if token == "" {
		return Credential{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Credential{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	c := Credential{Token: token, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
	}
	if c.Expired(now) {
		return Credential{}, fmt.Errorf("%w: expired at %s", ErrInvalidToken, c.ExpiresAt.Format(time.RFC3339))
	}
	return c, nil
}

// Credentials holds the signed-in credential in memory. It is the token
// source for the zone service client.
type Credentials struct {
	mu  sync.RWMutex
	cur *Credential
}

// Set replaces the current credential.
func (c *Credentials) Set(cred Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = &cred
}

// Clear forgets the current credential.
func (c *Credentials) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = nil
}

// Current returns the credential, if any.
func (c *Credentials) Current() (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return Credential{}, false
	}
	return *c.cur, true
}

// Token returns the bearer token for outgoing requests.
func (c *Credentials) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cred, ok := c.Current()
	if !ok {
		return "", ErrNotSignedIn
	}
	return cred.Token, nil
}
