package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// issueToken signs a bearer token for the control-plane user.
func (s *Server) issueToken() (string, error) {
	cfg := s.configfn().System.HTTPAPI
	expire := time.Duration(cfg.JWTExpire) * time.Second
	if expire <= 0 {
		expire = 7 * 24 * time.Hour
	}
	claims := jwt.RegisteredClaims{
		Subject:   "user",
		Issuer:    "langbot",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expire)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// checkPassword compares against the configured admin password in
// constant time.
func (s *Server) checkPassword(password string) bool {
	want := s.configfn().System.HTTPAPI.AdminPassword
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(want)) == 1
}

// requireAuth wraps a handler with bearer token verification. With no
// JWT secret configured the protected routes are unavailable.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := s.configfn().System.HTTPAPI.JWTSecret
		if secret == "" {
			writeError(w, http.StatusForbidden, "control plane auth is not configured")
			return
		}
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{},
			func(*jwt.Token) (any, error) { return []byte(secret), nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}
