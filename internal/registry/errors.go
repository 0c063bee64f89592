package registry

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/opencampus/registrar/pkg/errors"
)

// ErrNotFound is returned when an operation targets an id the store does not
// hold.
var ErrNotFound = apperrors.New("ACCOUNT_NOT_FOUND", "Account not found", http.StatusNotFound)

// NotFoundError reports which id missed the store.
type NotFoundError struct {
	ID uint64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("account %d: not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AccountError attaches the offending id to an account-level failure so
// callers can report which record rejected the operation.
type AccountError struct {
	ID  uint64
	Err error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("account %d: %v", e.ID, e.Err)
}

func (e *AccountError) Unwrap() error { return e.Err }

// wrapAccount decorates an account-level error with its id, leaving already
// decorated errors and store misses untouched.
func wrapAccount(id uint64, err error) error {
	if err == nil {
		return nil
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	var ae *AccountError
	if errors.As(err, &ae) {
		return err
	}
	return &AccountError{ID: id, Err: err}
}
