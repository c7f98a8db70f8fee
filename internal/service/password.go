package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/audit"
	"blog-auth-service/internal/hashing"
	"blog-auth-service/internal/models"
	"blog-auth-service/internal/otp"
	"blog-auth-service/internal/repository"
)

// RequestPasswordUpdate checks the current password and parks the new
// hash in a password_update challenge sent to the account's email.
func (s *AuthService) RequestPasswordUpdate(ctx context.Context, p Principal, oldPassword, newPassword string) (*Pending, error) {
	if oldPassword == "" {
		return nil, apperror.Validation("oldPassword", "current password is required")
	}
	if err := validatePassword(newPassword); err != nil {
		return nil, err
	}

	account, err := s.loadAccount(ctx, p.Role, p.AccountID)
	if err != nil {
		return nil, err
	}

	ok, err := s.credentials.CheckPassword(ctx, account, oldPassword)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.ErrInvalidCredentials.WithMessage("current password is incorrect")
	}
	same, err := s.credentials.CheckPassword(ctx, account, newPassword)
	if err != nil {
		return nil, err
	}
	if same {
		return nil, apperror.Validation("newPassword", "new password must be different from the current password")
	}

	hash, err := s.passwords.HashPassword(ctx, newPassword)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to hash password", err)
	}

	ch, err := s.otp.Issue(ctx, challengeID(p.Role, account.Email), otp.PurposePasswordUpdate, otp.Metadata{
		metaUserID:       account.ID.String(),
		metaUserType:     p.Role.String(),
		metaPasswordHash: hash,
	})
	if err != nil {
		return nil, err
	}
	if err := s.deliverOTP(ctx, account.Email, account.Name, ch); err != nil {
		return nil, err
	}
	return &Pending{Email: account.Email, ExpiresIn: ch.ExpiresIn()}, nil
}

// VerifyPasswordUpdate writes the pre-hashed password from the challenge.
func (s *AuthService) VerifyPasswordUpdate(ctx context.Context, p Principal, code string) error {
	code, err := validateCode(code)
	if err != nil {
		return err
	}
	account, err := s.loadAccount(ctx, p.Role, p.AccountID)
	if err != nil {
		return err
	}

	v, err := s.verifyOTP(ctx, p.Role, account.Email, code, otp.PurposePasswordUpdate)
	if err != nil {
		return err
	}
	if v.Metadata[metaUserID] != account.ID.String() || v.Metadata[metaPasswordHash] == "" {
		s.reinstate(ctx, v)
		return apperror.ErrInvalidContext
	}

	account.PasswordHash = v.Metadata[metaPasswordHash]
	account.LoginAttempts = 0
	account.LockUntil = nil
	if err := s.accounts.Update(ctx, account); err != nil {
		s.reinstate(ctx, v)
		return apperror.Dependency("failed to update password", err)
	}

	s.passwordChanged(ctx, account, audit.TypePasswordUpdated)
	return nil
}

func (s *AuthService) passwordChanged(ctx context.Context, account *models.Account, eventType string) {
	at := s.now()
	s.notify(ctx, "password_changed", func(ctx context.Context) error {
		return s.mailer.SendPasswordChanged(ctx, account.Email, account.Name, at)
	})
	s.record(ctx, audit.Event{
		Type:      eventType,
		Outcome:   audit.OutcomeSuccess,
		Role:      account.Role.String(),
		AccountID: account.ID.String(),
		Email:     account.Email,
	})
	s.logger.Info("Password changed",
		zap.String("account_id", account.ID.String()),
		zap.String("role", account.Role.String()))
}

// RequestPasswordReset emails a single-use reset link. The outcome is the
// same whether or not the email is registered.
func (s *AuthService) RequestPasswordReset(ctx context.Context, role models.Role, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	account, err := s.accounts.FindByEmail(ctx, role, email, repository.WithSecurityFields())
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			s.logger.Info("Password reset for unknown email", zap.String("email", email), zap.String("role", role.String()))
			return nil
		}
		return apperror.Dependency("failed to load account", err)
	}
	if !account.IsActive {
		s.logger.Info("Password reset for disabled account", zap.String("account_id", account.ID.String()))
		return nil
	}

	raw, err := newResetToken()
	if err != nil {
		return apperror.Wrap(apperror.CodeInternal, "failed to generate reset token", err)
	}
	expires := s.now().Add(s.resetTTL).UTC()
	account.PasswordResetTokenHash = hashing.HashToken(raw)
	account.PasswordResetExpires = &expires
	if err := s.accounts.Update(ctx, account); err != nil {
		return apperror.Dependency("failed to store reset token", err)
	}

	link := strings.TrimRight(s.mailer.DashboardURL(), "/") + "/reset-password?token=" + url.QueryEscape(raw)
	if err := s.mailer.SendPasswordResetLink(ctx, account.Email, account.Name, link, s.resetTTL); err != nil {
		account.PasswordResetTokenHash = ""
		account.PasswordResetExpires = nil
		if clearErr := s.accounts.Update(ctx, account); clearErr != nil {
			s.logger.Error("Failed to clear undelivered reset token",
				zap.String("account_id", account.ID.String()),
				zap.Error(clearErr))
		}
		s.record(ctx, audit.Event{
			Type:      audit.TypeDeliveryFailed,
			Outcome:   audit.OutcomeFailure,
			Role:      role.String(),
			AccountID: account.ID.String(),
			Email:     email,
			Reason:    "password_reset_link",
		})
		return nil
	}

	s.record(ctx, audit.Event{
		Type:      audit.TypePasswordResetRequest,
		Outcome:   audit.OutcomeSuccess,
		Role:      role.String(),
		AccountID: account.ID.String(),
		Email:     email,
	})
	return nil
}

// VerifyPasswordReset consumes a reset token and sets the new password.
func (s *AuthService) VerifyPasswordReset(ctx context.Context, role models.Role, resetToken, newPassword, confirmPassword string) error {
	resetToken = strings.TrimSpace(resetToken)
	if resetToken == "" {
		return apperror.Validation("token", "reset token is required")
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	if newPassword != confirmPassword {
		return apperror.Validation("confirmPassword", "passwords do not match")
	}

	account, err := s.accounts.FindByResetTokenHash(ctx, role, hashing.HashToken(resetToken), repository.WithSecurityFields())
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return apperror.ErrTokenInvalid.WithMessage("reset link is invalid or has already been used")
		}
		return apperror.Dependency("failed to load account", err)
	}

	if account.PasswordResetExpires == nil || !s.now().Before(*account.PasswordResetExpires) {
		account.PasswordResetTokenHash = ""
		account.PasswordResetExpires = nil
		if err := s.accounts.Update(ctx, account); err != nil {
			s.logger.Warn("Failed to clear expired reset token", zap.String("account_id", account.ID.String()), zap.Error(err))
		}
		return apperror.ErrTokenExpired.WithMessage("reset link has expired, please request a new one")
	}

	hash, err := s.passwords.HashPassword(ctx, newPassword)
	if err != nil {
		return apperror.Wrap(apperror.CodeInternal, "failed to hash password", err)
	}
	account.PasswordHash = hash
	account.PasswordResetTokenHash = ""
	account.PasswordResetExpires = nil
	account.LoginAttempts = 0
	account.LockUntil = nil
	if err := s.accounts.Update(ctx, account); err != nil {
		return apperror.Dependency("failed to update password", err)
	}

	s.passwordChanged(ctx, account, audit.TypePasswordResetDone)
	return nil
}

func newResetToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
