// Package auth supplies the session credential presented to the voice
// backend.
//
// A [Source] resolves a bearer token from, in order, a static value, an
// environment variable and a file. JWT-shaped tokens are inspected without
// signature verification (the backend verifies them) so that an expired
// token is rejected locally instead of failing the handshake five times.
// Opaque tokens are passed through unchanged.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultEnv is the environment variable read when none is configured.
const DefaultEnv = "SUMNEX_TOKEN"

var (
	// ErrNoToken means no credential is configured.
	ErrNoToken = errors.New("auth: no session token")

	// ErrExpired means the credential's exp claim has passed.
	ErrExpired = errors.New("auth: session token expired")

	// ErrMalformed means a JWT-shaped credential could not be parsed.
	ErrMalformed = errors.New("auth: malformed session token")
)

// Option is a functional option for [NewSource].
type Option func(*Source)

// WithStatic sets a fixed token that takes precedence over env and file.
func WithStatic(token string) Option {
	return func(s *Source) { s.static = token }
}

// WithEnv sets the environment variable to read. Default: [DefaultEnv].
// An empty name disables the lookup.
func WithEnv(name string) Option {
	return func(s *Source) { s.env = name }
}

// WithFile sets a file holding the token. It is re-read on every call so a
// refreshed token is picked up without a restart.
func WithFile(path string) Option {
	return func(s *Source) { s.file = path }
}

// WithLeeway treats tokens expiring within d as already expired.
func WithLeeway(d time.Duration) Option {
	return func(s *Source) { s.leeway = d }
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// Source resolves the session token. It is safe for concurrent use.
type Source struct {
	static string
	env    string
	file   string
	leeway time.Duration
	now    func() time.Time
}

// NewSource creates a token source.
func NewSource(opts ...Option) *Source {
	s := &Source{env: DefaultEnv, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Token returns a usable token or an error wrapping [ErrNoToken],
// [ErrExpired] or [ErrMalformed].
func (s *Source) Token(_ context.Context) (string, error) {
	token, err := s.lookup()
	if err != nil {
		return "", err
	}
	exp, ok, err := Expiry(token)
	if err != nil {
		return "", err
	}
	if ok && !s.now().Add(s.leeway).Before(exp) {
		return "", fmt.Errorf("%w at %s", ErrExpired, exp.Format(time.RFC3339))
	}
	return token, nil
}

func (s *Source) lookup() (string, error) {
	if t := strings.TrimSpace(s.static); t != "" {
		return t, nil
	}
	if s.env != "" {
		if t := strings.TrimSpace(os.Getenv(s.env)); t != "" {
			return t, nil
		}
	}
	if s.file != "" {
		data, err := os.ReadFile(s.file)
		if err != nil {
			return "", fmt.Errorf("%w: read %s: %w", ErrNoToken, s.file, err)
		}
		if t := strings.TrimSpace(string(data)); t != "" {
			return t, nil
		}
	}
	return "", ErrNoToken
}

// Expiry reports the exp claim of a JWT-shaped token. ok is false for opaque
// tokens and for JWTs without an exp claim.
func Expiry(token string) (exp time.Time, ok bool, err error) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false, nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}
