// ABOUTME: Shared-token check for agents opening a WebSocket connection
// ABOUTME: Accepts either a plaintext token (constant-time compare) or a bcrypt hash

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrAgentUnauthorized is returned when an agent presents a wrong or missing token.
var ErrAgentUnauthorized = errors.New("agent token rejected")

// AgentTokenVerifier checks the token agents send in their handshake.
// The zero value accepts every agent.
type AgentTokenVerifier struct {
	plain []byte
	hash  []byte
}

// NewAgentTokenVerifier builds a verifier from config. If hash is set it
// wins over plain.
func NewAgentTokenVerifier(plain, hash string) (*AgentTokenVerifier, error) {
	v := &AgentTokenVerifier{}
	if hash = strings.TrimSpace(hash); hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("parsing agent token hash: %w", err)
		}
		v.hash = []byte(hash)
		return v, nil
	}
	if plain != "" {
		v.plain = []byte(plain)
	}
	return v, nil
}

// Enabled reports whether agents must present a token at all.
func (v *AgentTokenVerifier) Enabled() bool {
	return v != nil && (len(v.plain) > 0 || len(v.hash) > 0)
}

// Verify checks token against the configured secret.
func (v *AgentTokenVerifier) Verify(token string) error {
	if !v.Enabled() {
		return nil
	}
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrAgentUnauthorized)
	}
	if len(v.hash) > 0 {
		if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
			return ErrAgentUnauthorized
		}
		return nil
	}
	if subtle.ConstantTimeCompare(v.plain, []byte(token)) != 1 {
		return ErrAgentUnauthorized
	}
	return nil
}

// HashAgentToken returns a bcrypt hash suitable for auth.agent_token_bcrypt.
func HashAgentToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing agent token: %w", err)
	}
	return string(hash), nil
}
