// Package auth provides JWT bearer authentication for the HTTP API and
// bcrypt-hashed API key storage for issuing tokens.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ContextKey is the key type for context values.
type ContextKey string

// SubjectContextKey carries the authenticated subject.
const SubjectContextKey ContextKey = "subject"

const issuer = "groundgate"

// Claims are the JWT claims issued by this service.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// Service issues and validates tokens. API keys are registered with their
// secrets stored only as bcrypt hashes.
type Service struct {
	signingKey []byte
	tokenTTL   time.Duration
	logger     *zap.Logger

	mu      sync.RWMutex
	keyHash map[string][]byte // key id -> bcrypt hash of secret
}

// NewService creates an auth service with the given HS256 signing key.
func NewService(signingKey string, tokenTTL time.Duration, logger *zap.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Service{
		signingKey: []byte(signingKey),
		tokenTTL:   tokenTTL,
		logger:     logger,
		keyHash:    make(map[string][]byte),
	}
}

// RegisterAPIKey stores a bcrypt hash of the secret under keyID. The
// plaintext secret is never retained.
func (s *Service) RegisterAPIKey(keyID, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash api key: %w", err)
	}
	s.mu.Lock()
	s.keyHash[keyID] = hash
	s.mu.Unlock()
	return nil
}

// Exchange trades a valid API key pair for a signed bearer token.
func (s *Service) Exchange(keyID, secret string) (string, error) {
	s.mu.RLock()
	hash, ok := s.keyHash[keyID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown api key")
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return "", fmt.Errorf("invalid api key secret")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   keyID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			ID:        uuid.New().String(),
		},
		Scopes: []string{"tasks:write", "tasks:read", "evidence:write"},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a bearer token and returns its subject.
func (s *Service) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// subject in the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		subject, err := s.Validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			s.logger.Debug("Token rejected", zap.Error(err))
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), SubjectContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
