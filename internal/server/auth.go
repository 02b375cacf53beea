package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// minSecretLen guards against trivially brute-forceable HMAC keys
const minSecretLen = 32

// AgentClaims is the JWT payload issued to authenticated devices
type AgentClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// GenerateToken creates a signed JWT for a device session. The expiry
// duration is added to the current time to set the ExpiresAt field.
func GenerateToken(secret []byte, claims *AgentClaims, expiry time.Duration) (string, error) {
	if len(secret) < minSecretLen {
		return "", fmt.Errorf("signing secret must be at least %d bytes", minSecretLen)
	}

	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and validates a JWT string, returning the
// structured claims. Strictly pins the signing method to HS256 to
// prevent algorithm confusion attacks.
func ValidateToken(secret []byte, tokenStr string) (*AgentClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AgentClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*AgentClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

type contextKey string

const claimsContextKey contextKey = "agentClaims"

// claimsFrom returns the authenticated claims attached by the middleware
func claimsFrom(ctx context.Context) (*AgentClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*AgentClaims)
	return claims, ok
}

// requireAuth rejects requests without a valid bearer token and stores
// the claims on the request context for handlers downstream
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenStr == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := ValidateToken(s.secret, tokenStr)
		if err != nil {
			s.logger.Warn("rejected token", "error", err)
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
