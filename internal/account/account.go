package account

import (
	"time"

	"github.com/opencampus/registrar/pkg/crypto"
)

// State tags the two variants an account can be in. An account never moves
// back from verified to unverified; expired unverified accounts are removed,
// not demoted.
type State string

const (
	StateUnverified State = "unverified"
	StateVerified   State = "verified"
)

// Permission names a capability granted to a verified account.
type Permission string

const (
	PermissionPost           Permission = "post"
	PermissionApprovePost    Permission = "approve_post"
	PermissionViewAccounts   Permission = "view_accounts"
	PermissionManageAccounts Permission = "manage_accounts"
)

// Attributes is the payload of a verified account.
type Attributes struct {
	Email        string       `json:"email" toml:"email"`
	Name         string       `json:"name" toml:"name"`
	SchoolID     uint32       `json:"school_id" toml:"school_id"`
	Phone        string       `json:"phone,omitempty" toml:"phone,omitempty"`
	House        *string      `json:"house,omitempty" toml:"house,omitempty"`
	Organization *string      `json:"organization,omitempty" toml:"organization,omitempty"`
	Permissions  []Permission `json:"permissions,omitempty" toml:"permissions,omitempty"`
	RegisteredAt time.Time    `json:"registered_at" toml:"registered_at"`
	PasswordHash string       `json:"password_hash" toml:"password_hash"`
	TokenTTLDays uint16       `json:"token_ttl_days" toml:"token_ttl_days"`
}

// AttributeInput carries the caller-supplied profile for activation. The
// email is deliberately absent; identity is fixed by the pending
// verification context and cannot be changed at activation time.
type AttributeInput struct {
	Name         string       `json:"name" validate:"required,max=128"`
	SchoolID     uint32       `json:"school_id" validate:"required"`
	Phone        string       `json:"phone,omitempty" validate:"omitempty,e164"`
	House        *string      `json:"house,omitempty"`
	Organization *string      `json:"organization,omitempty"`
	Permissions  []Permission `json:"permissions,omitempty"`
	Password     string       `json:"password" validate:"required,min=8,max=72"`
	TokenTTLDays uint16       `json:"token_ttl_days"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// Metadata is the caller-facing projection of a verified account, stripped
// of credentials and policy fields.
type Metadata struct {
	ID           uint64  `json:"id"`
	Email        string  `json:"email"`
	Name         string  `json:"name"`
	SchoolID     uint32  `json:"school_id"`
	Phone        string  `json:"phone,omitempty"`
	House        *string `json:"house,omitempty"`
	Organization *string `json:"organization,omitempty"`
}

// Account is the tagged union at the heart of the registry: either an
// unverified signup holding only its pending verification context, or a
// verified account holding attributes, issued tokens and an optional
// password-reset context. Methods are not synchronized; the store wraps
// every account in its own lock and serializes transitions through it.
type Account struct {
	id      uint64
	state   State
	pending *VerificationContext
	attrs   Attributes
	tokens  *TokenSet
	reset   *VerificationContext
}

// NewUnverified creates a fresh unverified account around a pending
// verification context. Identity derives from the context's email.
func NewUnverified(pending VerificationContext) *Account {
	return &Account{
		id:      IDFromEmail(pending.Email),
		state:   StateUnverified,
		pending: &pending,
	}
}

// ID returns the account's stable identity.
func (a *Account) ID() uint64 { return a.id }

// State returns the current variant tag.
func (a *Account) State() State { return a.state }

// Email returns the address the account is keyed by.
func (a *Account) Email() string {
	if a.state == StateUnverified {
		return a.pending.Email
	}
	return a.attrs.Email
}

// RenewVerification replaces the pending context so a registration retry can
// mail a fresh code. Fails with ErrUserRegistered once the account has been
// activated.
func (a *Account) RenewVerification(pending VerificationContext) error {
	if a.state != StateUnverified {
		return ErrUserRegistered
	}
	a.pending = &pending
	return nil
}

// Activate moves the account from unverified to verified. The code must
// match the pending context and the context must still be inside its window;
// either failure leaves the account untouched so the caller can retry. The
// supplied password is hashed here, never stored in the clear.
func (a *Account) Activate(code uint32, input AttributeInput, now time.Time) error {
	if a.state != StateUnverified {
		return ErrUserRegistered
	}
	if a.pending == nil || a.pending.IsExpired(now) || !a.pending.Matches(code) {
		return ErrVerificationCode
	}

	registeredAt := input.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = now
	} else if registeredAt.After(now) {
		return ErrDateOutOfRange
	}

	hash, err := crypto.HashPassword(input.Password)
	if err != nil {
		return err
	}

	permissions := input.Permissions
	if permissions == nil {
		permissions = []Permission{PermissionPost}
	}

	a.attrs = Attributes{
		Email:        NormalizeEmail(a.pending.Email),
		Name:         input.Name,
		SchoolID:     input.SchoolID,
		Phone:        input.Phone,
		House:        input.House,
		Organization: input.Organization,
		Permissions:  permissions,
		RegisteredAt: registeredAt,
		PasswordHash: hash,
		TokenTTLDays: input.TokenTTLDays,
	}
	a.tokens = NewTokenSet()
	a.state = StateVerified
	a.pending = nil
	a.reset = nil
	return nil
}

// Login checks the password and issues a new bearer token governed by the
// account's expiry policy. Multiple live tokens are allowed; each login is
// another device.
func (a *Account) Login(password string, now time.Time) (string, error) {
	if a.state != StateVerified {
		return "", ErrUserUnverified
	}
	if !crypto.VerifyPassword(a.attrs.PasswordHash, password) {
		return "", ErrPasswordIncorrect
	}
	return a.tokens.Issue(now, a.attrs.TokenTTLDays)
}

// Logout revokes a single token.
func (a *Account) Logout(token string) error {
	if a.state != StateVerified {
		return ErrUserUnverified
	}
	if !a.tokens.Remove(token) {
		return ErrTokenIncorrect
	}
	return nil
}

// Authenticate reports whether the token is currently accepted for this
// account, failing with ErrTokenIncorrect for unknown or expired tokens.
func (a *Account) Authenticate(token string, now time.Time) error {
	if a.state != StateVerified {
		return ErrUserUnverified
	}
	if !a.tokens.Valid(token, now) {
		return ErrTokenIncorrect
	}
	return nil
}

// RequestPasswordReset installs a secondary verification context scoped to
// password reset, replacing any earlier one still pending.
func (a *Account) RequestPasswordReset(pending VerificationContext) error {
	if a.state != StateVerified {
		return ErrUserUnverified
	}
	a.reset = &pending
	return nil
}

// ResetPassword consumes the reset context and replaces the stored password
// hash. Without a prior RequestPasswordReset the call fails with
// ErrPermissionDenied.
func (a *Account) ResetPassword(code uint32, newPassword string, now time.Time) error {
	if a.state != StateVerified {
		return ErrUserUnverified
	}
	if a.reset == nil {
		return ErrPermissionDenied
	}
	if a.reset.IsExpired(now) || !a.reset.Matches(code) {
		return ErrVerificationCode
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return err
	}
	a.attrs.PasswordHash = hash
	a.reset = nil
	return nil
}

// Metadata returns the public projection of a verified account.
func (a *Account) Metadata() (Metadata, error) {
	if a.state != StateVerified {
		return Metadata{}, ErrUserUnverified
	}
	return Metadata{
		ID:           a.id,
		Email:        a.attrs.Email,
		Name:         a.attrs.Name,
		SchoolID:     a.attrs.SchoolID,
		Phone:        a.attrs.Phone,
		House:        a.attrs.House,
		Organization: a.attrs.Organization,
	}, nil
}

// Permissions returns a copy of the granted permission set; unverified
// accounts have none.
func (a *Account) Permissions() []Permission {
	if a.state != StateVerified || len(a.attrs.Permissions) == 0 {
		return nil
	}
	out := make([]Permission, len(a.attrs.Permissions))
	copy(out, a.attrs.Permissions)
	return out
}

// HasPermission reports whether the permission has been granted.
func (a *Account) HasPermission(p Permission) bool {
	if a.state != StateVerified {
		return false
	}
	for _, granted := range a.attrs.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// ExpiredUnverified reports whether this is an unverified account whose
// activation window has closed, making it eligible for removal.
func (a *Account) ExpiredUnverified(now time.Time) bool {
	return a.state == StateUnverified && a.pending != nil && a.pending.IsExpired(now)
}

// RefreshTokens sweeps expired tokens and returns how many were dropped.
func (a *Account) RefreshTokens(now time.Time) int {
	if a.state != StateVerified {
		return 0
	}
	return a.tokens.Refresh(now)
}

// ClearExpiredReset drops a reset context that ran out its window and
// reports whether one was cleared.
func (a *Account) ClearExpiredReset(now time.Time) bool {
	if a.reset == nil || !a.reset.IsExpired(now) {
		return false
	}
	a.reset = nil
	return true
}
