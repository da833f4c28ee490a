package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context key for candidate data
type contextKey string

const candidateContextKey contextKey = "candidate"

// JWTClaims represents the claims in the JWT token. Tokens are issued by the
// practice platform; this service only verifies them.
type JWTClaims struct {
	jwt.RegisteredClaims
	CandidateID string `json:"candidate_id"`
	Name        string `json:"name,omitempty"`
}

// AuthCandidate is the authenticated caller.
type AuthCandidate struct {
	ID   string
	Name string
}

// withAuth validates the bearer token. Browsers cannot set headers on a
// websocket handshake, so a token query parameter is accepted too.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tokenString, err := tokenFromRequest(req)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusUnauthorized)
			return
		}

		claims, err := parseToken(r.cfg.JWTSecret, tokenString)
		if err != nil {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		candidate := &AuthCandidate{ID: claims.CandidateID, Name: claims.Name}
		ctx := context.WithValue(req.Context(), candidateContextKey, candidate)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

func tokenFromRequest(req *http.Request) (string, error) {
	authHeader := req.Header.Get("Authorization")
	if authHeader == "" {
		if tok := req.URL.Query().Get("token"); tok != "" {
			return tok, nil
		}
		return "", errors.New("missing authorization header")
	}

	// Expect "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid authorization format")
	}
	return parts[1], nil
}

func parseToken(secret, tokenString string) (*JWTClaims, error) {
	if secret == "" {
		return nil, errors.New("jwt secret not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || claims.CandidateID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// getAuthCandidate extracts the authenticated candidate from context
func getAuthCandidate(ctx context.Context) *AuthCandidate {
	c, _ := ctx.Value(candidateContextKey).(*AuthCandidate)
	return c
}

// IssueToken signs a token for candidateID. The server never issues tokens
// itself; local tools and tests use this.
func IssueToken(secret, candidateID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   candidateID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		CandidateID: candidateID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
