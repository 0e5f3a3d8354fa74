package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// AuthClaims represents JWT claims
type AuthClaims struct {
	Account string   `json:"account"`
	Roles   []string `json:"roles"`
	jwt.RegisteredClaims
}

// AuthManager issues and validates the bearer tokens protecting the
// coordinator API. An empty secret disables authentication, which is
// only sensible on a devnet.
type AuthManager struct {
	secret      string
	tokenExpiry time.Duration
}

// NewAuthManager creates an authentication manager
func NewAuthManager(secret string, tokenExpiry time.Duration) *AuthManager {
	if tokenExpiry <= 0 {
		tokenExpiry = 24 * time.Hour
	}
	return &AuthManager{secret: secret, tokenExpiry: tokenExpiry}
}

// Enabled reports whether requests must carry a token
func (am *AuthManager) Enabled() bool {
	return am.secret != ""
}

// GenerateToken issues a signed token for an account
func (am *AuthManager) GenerateToken(account string, roles []string) (string, error) {
	claims := AuthClaims{
		Account: account,
		Roles:   roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(am.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "bcai-coordinator",
			Subject:   account,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(am.secret))
}

// ValidateToken validates a bearer token and returns its claims
func (am *AuthManager) ValidateToken(tokenString string) (*AuthClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AuthClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(am.secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*AuthClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// Middleware rejects requests without a valid bearer token. A no-op
// when authentication is disabled.
func (am *AuthManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeErrorResponse(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := am.ValidateToken(strings.TrimPrefix(header, "Bearer ")); err != nil {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
