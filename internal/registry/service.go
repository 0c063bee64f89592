package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencampus/registrar/internal/account"
	"github.com/opencampus/registrar/internal/storage"
	apperrors "github.com/opencampus/registrar/pkg/errors"
	"github.com/opencampus/registrar/pkg/logger"
	"github.com/opencampus/registrar/pkg/mail"
	"github.com/opencampus/registrar/pkg/metrics"
	"github.com/opencampus/registrar/pkg/validator"
)

const (
	mailKindSignup = "signup"
	mailKindReset  = "reset"
)

// Config tunes the registry service.
type Config struct {
	// AllowedDomains lists the institutional email domains accepted for
	// registration. Empty means the built-in school domains.
	AllowedDomains []string
	// VerificationTTL is the validity window of mailed codes.
	VerificationTTL time.Duration
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// Service owns the in-memory account store and implements every lifecycle
// operation on it. State transitions are synchronous and in-memory; durable
// writes ride on the background saver and mail delivery is the only
// operation that blocks on the outside world.
type Service struct {
	store   *Store
	records storage.RecordStore
	saver   *storage.Saver
	mailer  mail.Mailer
	allow   account.DomainAllowlist
	ttl     time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// New builds a service over the given collaborators. records is only read
// during Load; saver and mailer may be nil, which disables persistence and
// mail delivery respectively.
func New(records storage.RecordStore, saver *storage.Saver, mailer mail.Mailer, cfg Config) *Service {
	ttl := cfg.VerificationTTL
	if ttl <= 0 {
		ttl = account.DefaultVerificationTTL
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:   NewStore(),
		records: records,
		saver:   saver,
		mailer:  mailer,
		allow:   account.NewDomainAllowlist(cfg.AllowedDomains),
		ttl:     ttl,
		now:     now,
		log:     logger.WithModule("registry"),
	}
}

// Load reads every durable record into the store. Records that no longer
// parse or collide on identity are logged and skipped; the surviving ones
// are the process's working set.
func (s *Service) Load(ctx context.Context) error {
	if s.records == nil {
		return nil
	}

	recs, err := s.records.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	loaded := 0
	for _, rec := range recs {
		acc, err := account.FromRecord(rec)
		if err != nil {
			s.log.Warn("skipping invalid record", zap.Uint64("account_id", rec.ID), zap.Error(err))
			continue
		}
		if err := s.store.Insert(acc); err != nil {
			s.log.Warn("skipping duplicate record", zap.Uint64("account_id", acc.ID()), zap.Error(err))
			continue
		}
		metrics.AdjustAccounts(string(acc.State()), 1)
		loaded++
	}
	s.log.Info("accounts loaded", zap.Int("count", loaded), zap.Int("skipped", len(recs)-loaded))
	return nil
}

// Len reports how many accounts the store holds.
func (s *Service) Len() int {
	return s.store.Len()
}

// Register starts a signup for the address, or re-arms the pending
// verification when the same address registers again before activating.
// The verification code is mailed synchronously so transport failures
// surface here; the pending account survives them and a repeated Register
// acts as a resend.
func (s *Service) Register(ctx context.Context, email string) (uint64, error) {
	email = account.NormalizeEmail(email)
	if !s.allow.Allows(email) {
		return 0, account.ErrEmailDomainNotAllowed
	}

	id := account.IDFromEmail(email)
	pending, err := account.NewVerificationContext(email, s.now(), s.ttl)
	if err != nil {
		return 0, apperrors.ErrInternal.WithInternal(err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		var rec account.Record
		err := s.store.Update(id, func(acc *account.Account) error {
			if err := acc.RenewVerification(pending); err != nil {
				return err
			}
			rec = acc.Record()
			return nil
		})

		switch {
		case err == nil:
			s.persist(rec)
		case errors.Is(err, ErrNotFound):
			acc := account.NewUnverified(pending)
			if insErr := s.store.Insert(acc); insErr != nil {
				if errors.Is(insErr, account.ErrConflict) {
					// Raced with another registration of the same
					// address; renew that one instead.
					continue
				}
				return 0, wrapAccount(id, insErr)
			}
			metrics.AdjustAccounts(string(account.StateUnverified), 1)
			s.persist(acc.Record())
		default:
			return 0, wrapAccount(id, err)
		}

		if err := s.sendCode(ctx, mailKindSignup, email, pending.Code); err != nil {
			return 0, wrapAccount(id, err)
		}
		return id, nil
	}
	return 0, wrapAccount(id, account.ErrConflict)
}

// Activate turns a pending signup into a verified account. The attribute
// payload is validated before the transition; email identity is pinned by
// the pending context and cannot be supplied here.
func (s *Service) Activate(id uint64, code uint32, input account.AttributeInput) error {
	if err := validator.ValidateStruct(input); err != nil {
		return wrapAccount(id, apperrors.NewBadRequest(err.Error()))
	}

	now := s.now()
	var rec account.Record
	err := s.store.Update(id, func(acc *account.Account) error {
		if err := acc.Activate(code, input, now); err != nil {
			return err
		}
		rec = acc.Record()
		return nil
	})
	if err != nil {
		return wrapAccount(id, err)
	}

	metrics.AdjustAccounts(string(account.StateUnverified), -1)
	metrics.AdjustAccounts(string(account.StateVerified), 1)
	s.persist(rec)
	return nil
}

// Login checks the password and returns a fresh bearer token.
func (s *Service) Login(id uint64, password string) (string, error) {
	now := s.now()
	var token string
	var rec account.Record
	err := s.store.Update(id, func(acc *account.Account) error {
		issued, err := acc.Login(password, now)
		if err != nil {
			return err
		}
		token = issued
		rec = acc.Record()
		return nil
	})
	if err != nil {
		metrics.RecordLoginAttempt("failure")
		return "", wrapAccount(id, err)
	}

	metrics.RecordLoginAttempt("success")
	metrics.RecordTokenIssued()
	s.persist(rec)
	return token, nil
}

// Logout revokes one token.
func (s *Service) Logout(id uint64, token string) error {
	var rec account.Record
	err := s.store.Update(id, func(acc *account.Account) error {
		if err := acc.Logout(token); err != nil {
			return err
		}
		rec = acc.Record()
		return nil
	})
	if err != nil {
		return wrapAccount(id, err)
	}
	s.persist(rec)
	return nil
}

// Authenticate reports whether the token is currently valid for the account.
func (s *Service) Authenticate(id uint64, token string) error {
	now := s.now()
	err := s.store.View(id, func(acc *account.Account) error {
		return acc.Authenticate(token, now)
	})
	return wrapAccount(id, err)
}

// RequestPasswordReset arms the account's secondary verification context and
// mails its code to the account's address.
func (s *Service) RequestPasswordReset(ctx context.Context, id uint64) error {
	now := s.now()
	var rec account.Record
	var pending account.VerificationContext
	err := s.store.Update(id, func(acc *account.Account) error {
		ctxv, err := account.NewVerificationContext(acc.Email(), now, s.ttl)
		if err != nil {
			return apperrors.ErrInternal.WithInternal(err)
		}
		if err := acc.RequestPasswordReset(ctxv); err != nil {
			return err
		}
		pending = ctxv
		rec = acc.Record()
		return nil
	})
	if err != nil {
		return wrapAccount(id, err)
	}

	s.persist(rec)
	if err := s.sendCode(ctx, mailKindReset, pending.Email, pending.Code); err != nil {
		return wrapAccount(id, err)
	}
	return nil
}

// ResetPassword consumes the reset code and replaces the password.
func (s *Service) ResetPassword(id uint64, code uint32, newPassword string) error {
	if len(newPassword) < 8 || len(newPassword) > 72 {
		return wrapAccount(id, apperrors.NewBadRequest("password must be between 8 and 72 characters"))
	}

	now := s.now()
	var rec account.Record
	err := s.store.Update(id, func(acc *account.Account) error {
		if err := acc.ResetPassword(code, newPassword, now); err != nil {
			return err
		}
		rec = acc.Record()
		return nil
	})
	if err != nil {
		return wrapAccount(id, err)
	}
	s.persist(rec)
	return nil
}

// Metadata returns the public projection of a verified account.
func (s *Service) Metadata(id uint64) (account.Metadata, error) {
	var meta account.Metadata
	err := s.store.View(id, func(acc *account.Account) error {
		m, err := acc.Metadata()
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if err != nil {
		return account.Metadata{}, wrapAccount(id, err)
	}
	return meta, nil
}

// Permissions returns a copy of the account's granted permissions.
func (s *Service) Permissions(id uint64) ([]account.Permission, error) {
	var perms []account.Permission
	err := s.store.View(id, func(acc *account.Account) error {
		perms = acc.Permissions()
		return nil
	})
	if err != nil {
		return nil, wrapAccount(id, err)
	}
	return perms, nil
}

// HasPermission reports whether the account holds the permission.
func (s *Service) HasPermission(id uint64, p account.Permission) (bool, error) {
	var granted bool
	err := s.store.View(id, func(acc *account.Account) error {
		granted = acc.HasPermission(p)
		return nil
	})
	if err != nil {
		return false, wrapAccount(id, err)
	}
	return granted, nil
}

// Remove deletes the account and its durable record. Identity is never
// reused; a removed id stays NotFound until that address registers again.
func (s *Service) Remove(id uint64) error {
	state, removed := s.store.Remove(id)
	if !removed {
		return &NotFoundError{ID: id}
	}
	metrics.AdjustAccounts(string(state), -1)
	s.discard(id)
	return nil
}

// RefreshAll is the periodic sweep: drop unverified accounts whose window
// closed, then prune expired tokens and stale reset contexts on everyone
// else. Safe to run on any schedule.
func (s *Service) RefreshAll() {
	now := s.now()

	for _, id := range s.store.RemoveExpired(now) {
		metrics.AdjustAccounts(string(account.StateUnverified), -1)
		metrics.RecordSweepRemovals("unverified", 1)
		s.discard(id)
		s.log.Debug("expired unverified account removed", zap.Uint64("account_id", id))
	}

	var changed []account.Record
	s.store.Range(func(acc *account.Account) {
		dropped := acc.RefreshTokens(now)
		cleared := acc.ClearExpiredReset(now)
		metrics.RecordSweepRemovals("token", dropped)
		if dropped > 0 || cleared {
			changed = append(changed, acc.Record())
		}
	})
	for _, rec := range changed {
		s.persist(rec)
	}
}

// RefreshOne applies the same two sweep checks to a single account.
func (s *Service) RefreshOne(id uint64) error {
	now := s.now()

	_, found, removed := s.store.RemoveIf(id, func(acc *account.Account) bool {
		return acc.ExpiredUnverified(now)
	})
	if !found {
		return &NotFoundError{ID: id}
	}
	if removed {
		metrics.AdjustAccounts(string(account.StateUnverified), -1)
		metrics.RecordSweepRemovals("unverified", 1)
		s.discard(id)
		return nil
	}

	var rec account.Record
	mutated := false
	err := s.store.Update(id, func(acc *account.Account) error {
		dropped := acc.RefreshTokens(now)
		cleared := acc.ClearExpiredReset(now)
		metrics.RecordSweepRemovals("token", dropped)
		if dropped > 0 || cleared {
			rec = acc.Record()
			mutated = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if mutated {
		s.persist(rec)
	}
	return nil
}

func (s *Service) persist(rec account.Record) {
	if s.saver != nil {
		s.saver.Save(rec)
	}
}

func (s *Service) discard(id uint64) {
	if s.saver != nil {
		s.saver.Delete(id)
	}
}

// sendCode mails a verification code. A nil mailer or disabled SMTP skips
// delivery so development setups can read the code from the log instead.
func (s *Service) sendCode(ctx context.Context, kind, email string, code uint32) error {
	if s.mailer == nil {
		s.log.Debug("mail transport absent, code not delivered",
			zap.String("kind", kind), zap.String("email", email), zap.Uint32("code", code))
		return nil
	}

	minutes := int(s.ttl.Minutes())
	var msg mail.Message
	switch kind {
	case mailKindReset:
		msg = mail.Message{
			To:      email,
			Subject: "Reset your campus account password",
			Body:    fmt.Sprintf("Your password reset code is %06d.\r\nIt expires in %d minutes. If you did not request a reset, ignore this mail.", code, minutes),
		}
	default:
		msg = mail.Message{
			To:      email,
			Subject: "Verify your campus account",
			Body:    fmt.Sprintf("Your verification code is %06d.\r\nIt expires in %d minutes.", code, minutes),
		}
	}

	if err := s.mailer.Send(ctx, msg); err != nil {
		if errors.Is(err, mail.ErrSMTPDisabled) {
			s.log.Debug("smtp disabled, code not delivered",
				zap.String("kind", kind), zap.String("email", email), zap.Uint32("code", code))
			return nil
		}
		metrics.RecordVerificationMail(kind, "failed")
		return account.ErrMailSend.WithInternal(err)
	}
	metrics.RecordVerificationMail(kind, "sent")
	return nil
}
