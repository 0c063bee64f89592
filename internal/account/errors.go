package account

import (
	"net/http"

	apperrors "github.com/opencampus/registrar/pkg/errors"
)

// Account level failures. Each carries the HTTP status an API layer maps it
// to, so callers translate 1:1 without inspecting error text.
var (
	// ErrVerificationCode is returned when a supplied code does not match the
	// pending context, or the context has already expired.
	ErrVerificationCode = apperrors.New("VERIFICATION_CODE_MISMATCH", "Verification code incorrect or expired", http.StatusForbidden)

	// ErrUserUnverified is returned when an operation requires a verified account.
	ErrUserUnverified = apperrors.New("USER_UNVERIFIED", "Account has not been verified", http.StatusForbidden)

	// ErrUserRegistered is returned when activation is attempted on an account
	// that already completed it.
	ErrUserRegistered = apperrors.New("USER_ALREADY_REGISTERED", "Account is already registered", http.StatusForbidden)

	// ErrPasswordIncorrect is returned on a login password mismatch.
	ErrPasswordIncorrect = apperrors.New("PASSWORD_INCORRECT", "Password incorrect", http.StatusForbidden)

	// ErrTokenIncorrect is returned when a token is absent from the account's set.
	ErrTokenIncorrect = apperrors.New("TOKEN_INCORRECT", "Token incorrect", http.StatusForbidden)

	// ErrEmailDomainNotAllowed is returned when a registration email does not
	// belong to an allowed institutional domain.
	ErrEmailDomainNotAllowed = apperrors.New("EMAIL_DOMAIN_NOT_ALLOWED", "Email domain is not an allowed school domain", http.StatusForbidden)

	// ErrDateOutOfRange is returned when a supplied timestamp is outside the
	// representable window.
	ErrDateOutOfRange = apperrors.New("DATE_OUT_OF_RANGE", "Date out of range", http.StatusForbidden)

	// ErrMailSend is returned when the verification mail could not be handed to
	// the transport. The pending context survives the failure.
	ErrMailSend = apperrors.New("MAIL_SEND_FAILED", "Failed to send verification mail", http.StatusInternalServerError)

	// ErrPermissionDenied is returned when a reset is attempted without a prior
	// reset request.
	ErrPermissionDenied = apperrors.New("PERMISSION_DENIED", "Permission denied", http.StatusForbidden)

	// ErrConflict is returned when an insert collides with an existing identity.
	ErrConflict = apperrors.New("ACCOUNT_CONFLICT", "Account already exists", http.StatusConflict)
)
