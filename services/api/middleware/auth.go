package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminRole = "admin"

// AdminClaims are the claims of an operator token.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// MintAdminToken signs an HS256 operator token valid for ttl from now.
func MintAdminToken(secret string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("admin secret is empty")
	}
	claims := AdminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   adminRole,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AdminOnly rejects requests that lack a valid operator bearer token.
// An empty secret disables the check.
func AdminOnly(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := parseBearer(r, []byte(secret)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				writeJSONError(w, http.StatusUnauthorized, err.Error(), "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseBearer(r *http.Request, secret []byte) (*AdminClaims, error) {
	hdr := r.Header.Get("Authorization")
	if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
		return nil, errors.New("missing bearer token")
	}
	claims := &AdminClaims{}
	tok, err := jwt.ParseWithClaims(strings.TrimSpace(hdr[7:]), claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role != adminRole {
		return nil, errors.New("token lacks admin role")
	}
	return claims, nil
}

func writeJSONError(w http.ResponseWriter, code int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": kind})
}
