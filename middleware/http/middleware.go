// Package http provides HTTP middleware that resolves the calling account and
// authenticates worker callbacks.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v5"
)

// AccountIDExtractor extracts the account ID from an HTTP request
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(r *http.Request) string

// Config holds authentication middleware configuration
type Config struct {
	// JWTSecret verifies HS256 bearer tokens. The account ID is the sub claim.
	JWTSecret []byte

	// AccountHeader is a header set by a trusted upstream gateway carrying the
	// account ID. Used when no bearer token is present. Empty disables it.
	AccountHeader string

	// OnUnauthorized is called when no account can be resolved
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request, err error)
}

// Validate checks that at least one way of resolving the account is configured
func (c Config) Validate() error {
	if len(c.JWTSecret) == 0 && c.AccountHeader == "" {
		return errors.New("either a JWT secret or an account header is required")
	}
	return nil
}

var (
	// ErrMissingCredentials is returned when a request has neither a bearer token nor the account header
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrInvalidToken is returned when a bearer token fails verification
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticate creates a middleware that resolves the account ID and stores
// it in the request context. Requests without an account are rejected.
func Authenticate(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := resolveAccountID(config, r)
			if err != nil {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r, err)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
		})
	}
}

func resolveAccountID(config Config, r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" && len(config.JWTSecret) > 0 {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return "", ErrInvalidToken
		}
		return parseToken(strings.TrimSpace(token), config.JWTSecret)
	}
	if config.AccountHeader != "" {
		if id := strings.TrimSpace(r.Header.Get(config.AccountHeader)); id != "" {
			return id, nil
		}
	}
	return "", ErrMissingCredentials
}

func parseToken(tokenString string, secret []byte) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// WorkerTokenHeader carries the shared worker callback token
const WorkerTokenHeader = "X-Worker-Token"

// WorkerToken creates a middleware that admits only requests carrying the
// shared worker token in the X-Worker-Token header or the token query
// parameter. An empty token rejects every request.
func WorkerToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(WorkerTokenHeader)
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitByAccount limits requests per account per minute. Requests without
// an account in the context are limited by IP. Apply after Authenticate.
func RateLimitByAccount(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if id := AccountIDFromContext(r.Context()); id != "" {
				return "account:" + id, nil
			}
			return httprate.KeyByIP(r)
		}),
	)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// AccountIDKey is the context key for the account ID
	AccountIDKey ContextKey = "ledger:accountID"
)

// WithAccountID adds the account ID to a context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// AccountIDFromContext returns the account ID stored by Authenticate, or ""
func AccountIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(AccountIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns an AccountIDExtractor that reads the account ID stored by Authenticate
func FromContext() AccountIDExtractor {
	return func(r *http.Request) string {
		return AccountIDFromContext(r.Context())
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
