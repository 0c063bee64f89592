package account

import "fmt"

// Record is the durable form of an account. It is a plain snapshot taken
// under the account's lock, safe to marshal from another goroutine. The
// storage backends decide its encoded shape; the full-range uint64 id in
// particular does not survive signed encodings as-is.
type Record struct {
	ID         uint64               `json:"id"`
	State      State                `json:"state"`
	Pending    *VerificationContext `json:"pending,omitempty"`
	Attributes *Attributes          `json:"attributes,omitempty"`
	Tokens     map[string]Token     `json:"tokens,omitempty"`
	Reset      *VerificationContext `json:"reset,omitempty"`
}

// Record snapshots the account for persistence.
func (a *Account) Record() Record {
	rec := Record{
		ID:    a.id,
		State: a.state,
	}

	if a.pending != nil {
		pending := *a.pending
		rec.Pending = &pending
	}
	if a.reset != nil {
		reset := *a.reset
		rec.Reset = &reset
	}
	if a.state == StateVerified {
		attrs := a.attrs
		attrs.Permissions = append([]Permission(nil), a.attrs.Permissions...)
		rec.Attributes = &attrs
		rec.Tokens = a.tokens.snapshot()
	}
	return rec
}

// FromRecord rebuilds an account from its durable form. Partial records are
// rejected outright so a corrupt file can never yield a half-initialized
// account.
func FromRecord(rec Record) (*Account, error) {
	switch rec.State {
	case StateUnverified:
		if rec.Pending == nil || rec.Pending.Email == "" {
			return nil, fmt.Errorf("unverified record %d: missing pending verification", rec.ID)
		}
		acc := NewUnverified(*rec.Pending)
		if rec.ID != 0 && rec.ID != acc.id {
			return nil, fmt.Errorf("record %d: identity does not match email %q", rec.ID, rec.Pending.Email)
		}
		return acc, nil

	case StateVerified:
		if rec.Attributes == nil || rec.Attributes.Email == "" {
			return nil, fmt.Errorf("verified record %d: missing attributes", rec.ID)
		}
		id := IDFromEmail(rec.Attributes.Email)
		if rec.ID != 0 && rec.ID != id {
			return nil, fmt.Errorf("record %d: identity does not match email %q", rec.ID, rec.Attributes.Email)
		}
		acc := &Account{
			id:     id,
			state:  StateVerified,
			attrs:  *rec.Attributes,
			tokens: newTokenSetFrom(rec.Tokens),
			reset:  rec.Reset,
		}
		return acc, nil

	default:
		return nil, fmt.Errorf("record %d: unknown state %q", rec.ID, rec.State)
	}
}
