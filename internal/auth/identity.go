// ABOUTME: Caller identity resolution for chat requests
// ABOUTME: Maps bearer JWTs to user ids, falls back to anonymous visitor ids

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/store"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Resolver turns an inbound HTTP request into a caller identity.
// Session issuance itself lives outside this service; the resolver only
// verifies what the upstream issuer signed.
type Resolver struct {
	secret []byte
}

// NewResolver creates a Resolver. With an empty secret every caller is
// resolved as an anonymous visitor and bearer tokens are ignored.
func NewResolver(secret []byte) *Resolver {
	return &Resolver{secret: secret}
}

// Resolve produces the identity for a request. Exactly one of UserID or
// VisitorID is set on the result, never both.
//
// Precedence: a valid bearer token wins; otherwise the caller-supplied
// visitor id is kept; otherwise a fresh visitor id is generated so anonymous
// clients can attach themselves to future turns.
func (r *Resolver) Resolve(req *http.Request, visitorID string) (store.Identity, error) {
	if token := bearerToken(req); token != "" && len(r.secret) > 0 {
		userID, err := r.verify(token)
		if err != nil {
			return store.Identity{}, err
		}
		return store.Identity{UserID: userID}, nil
	}

	if visitorID == "" {
		visitorID = uuid.New().String()
	}
	return store.Identity{VisitorID: visitorID}, nil
}

// bearerToken extracts the token from an Authorization header, if any
func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// verify validates the token and extracts the user ID from the "sub" claim
func (r *Resolver) verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate creates a new JWT token for the given user ID with expiration.
// Used by tests and local tooling; production tokens come from the upstream
// session issuer.
func (r *Resolver) Generate(userID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.secret)
}
