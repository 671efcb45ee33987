// Package auth implements bearer-token authentication for the SOC API:
// rotating short-TTL tokens with role-based access and optional source-IP
// binding. When no tokens are configured the API runs open, which is the
// expected setup for local development.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Role defines the access level of an API token.
type Role string

const (
	RoleViewer   Role = "viewer"   // read-only: alerts, playbooks, status, metrics
	RoleOperator Role = "operator" // viewer plus chat, miss reports, dry runs
	RoleAdmin    Role = "admin"    // full access including approvals and audit acknowledgement
)

// Permissions checked by the API layer.
const (
	PermRead     = "read"
	PermChat     = "chat"
	PermLearn    = "learn"
	PermApprove  = "approve"
	PermAuditAck = "audit.acknowledge"
)

// Token is an issued API token.
type Token struct {
	ID        string    `json:"id"`
	Secret    string    `json:"-"` // never serialized
	Role      Role      `json:"role"`
	SourceIP  string    `json:"source_ip,omitempty"` // IP binding (optional)
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the token has expired. Tokens without an
// expiry never expire.
func (t Token) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// TokenManager issues, validates, and revokes API tokens.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]Token // secret -> token
	ttl    time.Duration
	logger *slog.Logger
}

// NewTokenManager creates a manager issuing tokens with the given TTL
// (default one hour).
func NewTokenManager(ttl time.Duration, logger *slog.Logger) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		tokens: make(map[string]Token),
		ttl:    ttl,
		logger: logger.With("component", "auth.TokenManager"),
	}
}

// FromEnv creates a manager seeded with the static admin token from
// SOC_API_TOKEN. Returns nil when the variable is unset, which leaves
// the API unauthenticated.
func FromEnv(logger *slog.Logger) *TokenManager {
	secret := os.Getenv("SOC_API_TOKEN")
	if secret == "" {
		return nil
	}
	m := NewTokenManager(0, logger)
	m.mu.Lock()
	m.tokens[secret] = Token{
		ID:        "env-admin",
		Secret:    secret,
		Role:      RoleAdmin,
		CreatedAt: time.Now(),
	}
	m.mu.Unlock()
	return m
}

// CreateToken issues a new token with the manager's TTL.
func (m *TokenManager) CreateToken(role Role, sourceIP string) (Token, error) {
	secret, err := generateSecret()
	if err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}
	id, err := generateSecret()
	if err != nil {
		return Token{}, fmt.Errorf("generate token id: %w", err)
	}

	token := Token{
		ID:        id[:16],
		Secret:    secret,
		Role:      role,
		SourceIP:  sourceIP,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(m.ttl),
	}

	m.mu.Lock()
	m.tokens[secret] = token
	m.mu.Unlock()

	m.logger.Info("token created", "token_id", token.ID, "role", role, "expires_at", token.ExpiresAt)
	return token, nil
}

// ValidateToken resolves a secret to its token, enforcing expiry and the
// source-IP binding when set.
func (m *TokenManager) ValidateToken(secret, sourceIP string) (Token, error) {
	m.mu.RLock()
	token, ok := m.tokens[secret]
	m.mu.RUnlock()

	if !ok {
		return Token{}, fmt.Errorf("invalid token")
	}
	if token.IsExpired() {
		m.mu.Lock()
		delete(m.tokens, secret)
		m.mu.Unlock()
		return Token{}, fmt.Errorf("token expired")
	}
	if token.SourceIP != "" && token.SourceIP != sourceIP {
		m.logger.Warn("token used from wrong source",
			"token_id", token.ID, "expected_ip", token.SourceIP, "actual_ip", sourceIP)
		return Token{}, fmt.Errorf("token not valid from this address")
	}
	return token, nil
}

// RevokeToken removes a token immediately.
func (m *TokenManager) RevokeToken(secret string) {
	m.mu.Lock()
	if token, ok := m.tokens[secret]; ok {
		m.logger.Info("token revoked", "token_id", token.ID)
		delete(m.tokens, secret)
	}
	m.mu.Unlock()
}

// CleanExpired drops expired tokens and returns how many were removed.
func (m *TokenManager) CleanExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for secret, token := range m.tokens {
		if token.IsExpired() {
			delete(m.tokens, secret)
			count++
		}
	}
	return count
}

// ActiveTokenCount returns the number of live tokens.
func (m *TokenManager) ActiveTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, token := range m.tokens {
		if !token.IsExpired() {
			count++
		}
	}
	return count
}

// HasPermission reports whether a role may perform an action.
func HasPermission(role Role, perm string) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOperator:
		return perm != PermApprove && perm != PermAuditAck
	case RoleViewer:
		return perm == PermRead
	default:
		return false
	}
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
