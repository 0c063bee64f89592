package account

import (
	"time"

	"github.com/opencampus/registrar/pkg/crypto"
)

// DefaultVerificationTTL is the validity window of a freshly issued code.
const DefaultVerificationTTL = 15 * time.Minute

// VerificationContext pairs an email address with a single-use numeric code
// and its expiry. The same mechanism backs both signup activation and
// password reset; a context is discarded as a whole once its code has been
// consumed.
type VerificationContext struct {
	Email     string    `json:"email" toml:"email"`
	Code      uint32    `json:"code" toml:"code"`
	ExpiresAt time.Time `json:"expires_at" toml:"expires_at"`
}

// NewVerificationContext draws a fresh code for the address, valid until
// now+ttl. A non-positive ttl falls back to DefaultVerificationTTL.
func NewVerificationContext(email string, now time.Time, ttl time.Duration) (VerificationContext, error) {
	if ttl <= 0 {
		ttl = DefaultVerificationTTL
	}
	code, err := crypto.VerificationCode()
	if err != nil {
		return VerificationContext{}, err
	}
	return VerificationContext{
		Email:     email,
		Code:      code,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// IsExpired reports whether the code's validity window has passed.
func (v VerificationContext) IsExpired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}

// Matches reports whether the supplied code equals the stored one. Expiry is
// not consulted here; transitions check both conditions.
func (v VerificationContext) Matches(code uint32) bool {
	return v.Code == code
}
