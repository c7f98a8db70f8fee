package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/audit"
	"blog-auth-service/internal/otp"
	"blog-auth-service/internal/repository"
)

// RequestEmailUpdate sends a code to the new address. The account keeps
// its current email until the code is verified.
func (s *AuthService) RequestEmailUpdate(ctx context.Context, p Principal, newEmail string) (*Pending, error) {
	newEmail, err := normalizeEmail(newEmail)
	if err != nil {
		return nil, err
	}
	account, err := s.loadAccount(ctx, p.Role, p.AccountID)
	if err != nil {
		return nil, err
	}
	if newEmail == account.Email {
		return nil, apperror.Validation("email", "new email must be different from the current email")
	}
	if _, err := s.accounts.FindByEmail(ctx, p.Role, newEmail); err == nil {
		return nil, userExists("email")
	} else if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, apperror.Dependency("failed to check email", err)
	}

	ch, err := s.otp.Issue(ctx, challengeID(p.Role, newEmail), otp.PurposeEmailUpdate, otp.Metadata{
		metaUserID:   account.ID.String(),
		metaUserType: p.Role.String(),
		metaNewEmail: newEmail,
		metaEmail:    account.Email,
		metaName:     account.Name,
	})
	if err != nil {
		return nil, err
	}
	if err := s.deliverOTP(ctx, newEmail, account.Name, ch); err != nil {
		return nil, err
	}
	return &Pending{Email: newEmail, ExpiresIn: ch.ExpiresIn()}, nil
}

// VerifyEmailUpdate switches the account to the new address and alerts
// the old one.
func (s *AuthService) VerifyEmailUpdate(ctx context.Context, p Principal, newEmail, code string) error {
	newEmail, err := normalizeEmail(newEmail)
	if err != nil {
		return err
	}
	if code, err = validateCode(code); err != nil {
		return err
	}

	v, err := s.verifyOTP(ctx, p.Role, newEmail, code, otp.PurposeEmailUpdate)
	if err != nil {
		return err
	}
	if v.Metadata[metaUserID] != p.AccountID.String() || v.Metadata[metaNewEmail] != newEmail {
		s.reinstate(ctx, v)
		return apperror.ErrInvalidContext
	}

	account, err := s.loadAccount(ctx, p.Role, p.AccountID)
	if err != nil {
		if apperror.As(err).Kind() == apperror.KindDependencyFailure {
			s.reinstate(ctx, v)
		}
		return err
	}
	oldEmail := account.Email
	account.Email = newEmail
	if err := s.accounts.Update(ctx, account); err != nil {
		if field, dup := repository.IsDuplicate(err); dup {
			return userExists(field)
		}
		s.reinstate(ctx, v)
		return apperror.Dependency("failed to update email", err)
	}

	at := s.now()
	s.notify(ctx, "email_changed", func(ctx context.Context) error {
		return s.mailer.SendEmailChanged(ctx, oldEmail, account.Name, newEmail, at)
	})
	s.record(ctx, audit.Event{
		Type:      audit.TypeEmailUpdated,
		Outcome:   audit.OutcomeSuccess,
		Role:      p.Role.String(),
		AccountID: account.ID.String(),
		Email:     newEmail,
		Reason:    "previous=" + oldEmail,
	})
	s.logger.Info("Email updated", zap.String("account_id", account.ID.String()))
	return nil
}
