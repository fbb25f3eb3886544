package manager

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
)

// TokenTimeout is the validity of tokens issued by the client
const TokenTimeout = 5 * time.Minute

const tokenSubject = "lopxy-cli"

// requiresAuthentication checks if a secret is configured
func (s *Server) requiresAuthentication() bool {
	return len(s.secret) > 0
}

// isAuthenticated checks the bearer token of the request
func (s *Server) isAuthenticated(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || tokenString == "" {
		return false
	}

	token, err := parseJWTToken(s.secret, tokenString)
	if err != nil {
		logger.Debug("JWT token validation failed: %v", err)
		return false
	}
	return token.Valid
}

// parseJWTToken parses and validates a JWT token
func parseJWTToken(secret []byte, tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
}

// createJWTToken signs a short-lived token for one client call
func createJWTToken(secret []byte) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTimeout)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}
