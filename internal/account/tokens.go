package account

import (
	"time"

	"github.com/opencampus/registrar/pkg/crypto"
)

// tokenBytes is the entropy of an issued token before base64 encoding.
const tokenBytes = 32

// Token records the validity window of one issued bearer credential. A zero
// ExpiresAt means the token never expires.
type Token struct {
	IssuedAt  time.Time `json:"issued_at" toml:"issued_at"`
	ExpiresAt time.Time `json:"expires_at" toml:"expires_at"`
}

// Expired reports whether the token's window has passed.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// TokenSet is the collection of bearer tokens issued to one account. It is
// not synchronized; the owning account's lock serializes access.
type TokenSet struct {
	tokens map[string]Token
}

// NewTokenSet returns an empty set.
func NewTokenSet() *TokenSet {
	return &TokenSet{tokens: make(map[string]Token)}
}

func newTokenSetFrom(tokens map[string]Token) *TokenSet {
	set := NewTokenSet()
	for token, meta := range tokens {
		set.tokens[token] = meta
	}
	return set
}

// Issue generates a fresh opaque token valid for ttlDays from now, or
// forever when ttlDays is zero, and records it in the set.
func (s *TokenSet) Issue(now time.Time, ttlDays uint16) (string, error) {
	meta := Token{IssuedAt: now}
	if ttlDays > 0 {
		meta.ExpiresAt = now.Add(time.Duration(ttlDays) * 24 * time.Hour)
	}

	for {
		token, err := crypto.GenerateToken(tokenBytes)
		if err != nil {
			return "", err
		}
		if _, exists := s.tokens[token]; exists {
			continue
		}
		s.tokens[token] = meta
		return token, nil
	}
}

// Remove deletes the token and reports whether it was present. Expiry is not
// consulted; a token that outlived its window can still be logged out before
// the next sweep collects it.
func (s *TokenSet) Remove(token string) bool {
	if _, exists := s.tokens[token]; !exists {
		return false
	}
	delete(s.tokens, token)
	return true
}

// Valid reports whether the token is present and inside its window.
func (s *TokenSet) Valid(token string, now time.Time) bool {
	meta, exists := s.tokens[token]
	return exists && !meta.Expired(now)
}

// Refresh drops every expired token and returns how many were removed.
// Never-expiring tokens are untouched.
func (s *TokenSet) Refresh(now time.Time) int {
	removed := 0
	for token, meta := range s.tokens {
		if meta.Expired(now) {
			delete(s.tokens, token)
			removed++
		}
	}
	return removed
}

// Count returns the number of live entries, expired or not.
func (s *TokenSet) Count() int {
	return len(s.tokens)
}

func (s *TokenSet) snapshot() map[string]Token {
	out := make(map[string]Token, len(s.tokens))
	for token, meta := range s.tokens {
		out[token] = meta
	}
	return out
}
