package agenthub

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when an agent's registration token does not
// verify.
var ErrUnauthorized = errors.New("agent unauthorized")

// AuthConfig selects how agents prove their identity.
type AuthConfig struct {
	// JWTSecret verifies HS256 tokens whose subject is the agent id.
	JWTSecret string
	// Tokens maps agent ids to static tokens.
	Tokens map[string]string
	// AllowAny accepts every agent. Development only.
	AllowAny bool
}

// Authenticator verifies agent registration tokens.
type Authenticator struct {
	secret   []byte
	tokens   map[string]string
	allowAny bool
}

// NewAuthenticator builds an Authenticator from cfg.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	tokens := make(map[string]string, len(cfg.Tokens))
	for id, token := range cfg.Tokens {
		tokens[id] = token
	}
	return &Authenticator{
		secret:   []byte(cfg.JWTSecret),
		tokens:   tokens,
		allowAny: cfg.AllowAny,
	}
}

// Verify checks token for agentID. A static token configured for the agent
// is tried first, then the JWT secret.
func (a *Authenticator) Verify(agentID, token string) error {
	if a == nil || a.allowAny {
		return nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if expected, ok := a.tokens[agentID]; ok && expected != "" {
		if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1 {
			return nil
		}
	}
	if len(a.secret) == 0 {
		return ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return ErrUnauthorized
	}
	if claims.Subject != agentID {
		return fmt.Errorf("%w: token subject does not match agent", ErrUnauthorized)
	}
	return nil
}

// IssueToken signs an HS256 token for agentID. A non-positive expiry issues
// a token that never expires.
func IssueToken(secret, agentID string, expiry time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	if strings.TrimSpace(agentID) == "" {
		return "", errors.New("agent id is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  agentID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
