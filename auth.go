package uplink

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator provides a fresh auth token for protocol requests that
// require one.
type Authenticator interface {
	Authenticate(ctx context.Context) (string, error)
}

// TokenProvider supplies a raw token in some way chosen by the host
// application, for example from an OAuth refresh flow.
type TokenProvider func(ctx context.Context) (string, error)

// JWTAuthenticator authenticates requests with a JWT obtained from a token
// provider. Tokens are screened client-side: an empty, unparseable or
// already expired token fails with ErrNotAuthenticated instead of burning a
// request on a guaranteed 401. Signature verification stays with the
// server.
type JWTAuthenticator struct {
	Provider TokenProvider
	// Leeway widens the expiry check to absorb clock skew. Optional.
	Leeway time.Duration
}

func (a JWTAuthenticator) Authenticate(ctx context.Context) (string, error) {
	token, err := a.Provider(ctx)
	if err != nil {
		return "", fmt.Errorf("token provider failed: %s: %w", err, ErrNotAuthenticated)
	}
	if token == "" {
		return "", fmt.Errorf("provided JWT token was empty: %w", ErrNotAuthenticated)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("provided token is not a valid JWT: %s: %w", err, ErrNotAuthenticated)
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil {
		return "", fmt.Errorf("provided JWT has a malformed expiry claim: %w", ErrNotAuthenticated)
	}
	if expiry != nil && time.Now().Add(-a.Leeway).After(expiry.Time) {
		return "", fmt.Errorf("provided JWT expired at %s: %w", expiry.Time, ErrNotAuthenticated)
	}
	return token, nil
}
