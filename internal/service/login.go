package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/audit"
	"blog-auth-service/internal/models"
	"blog-auth-service/internal/otp"
)

// Login checks the password and sends the second-factor code. No session
// begins until VerifyLogin succeeds.
func (s *AuthService) Login(ctx context.Context, role models.Role, email, password string) (*Pending, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, apperror.Validation("password", "password is required")
	}

	account, err := s.credentials.Authenticate(ctx, role, email, password)
	if err != nil {
		return nil, err
	}

	ch, err := s.otp.Issue(ctx, challengeID(role, email), otp.PurposeLogin, otp.Metadata{
		metaUserID:   account.ID.String(),
		metaUserType: role.String(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.deliverOTP(ctx, email, account.Name, ch); err != nil {
		return nil, err
	}

	s.record(ctx, audit.Event{
		Type:      audit.TypeLoginChallenged,
		Outcome:   audit.OutcomeSuccess,
		Role:      role.String(),
		AccountID: account.ID.String(),
		Email:     email,
	})
	return &Pending{Email: email, ExpiresIn: ch.ExpiresIn()}, nil
}

func (s *AuthService) VerifyLogin(ctx context.Context, role models.Role, email, code string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if code, err = validateCode(code); err != nil {
		return nil, err
	}

	v, err := s.verifyOTP(ctx, role, email, code, otp.PurposeLogin)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(v.Metadata[metaUserID])
	if err != nil {
		return nil, apperror.ErrInvalidContext
	}

	account, err := s.loadAccount(ctx, role, id)
	if err != nil {
		if apperror.As(err).Kind() == apperror.KindDependencyFailure {
			s.reinstate(ctx, v)
		}
		return nil, err
	}
	if !account.IsActive {
		return nil, apperror.ErrAccountDisabled
	}

	now := s.now().UTC()
	account.LastLogin = &now
	if err := s.accounts.Update(ctx, account); err != nil {
		s.logger.Warn("Failed to stamp last login",
			zap.String("account_id", account.ID.String()),
			zap.Error(err))
	}

	sess, err := s.session(account)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, "login_success", func(ctx context.Context) error {
		return s.mailer.SendLoginSuccess(ctx, account.Email, account.Name, now)
	})
	s.record(ctx, audit.Event{
		Type:      audit.TypeLoginCompleted,
		Outcome:   audit.OutcomeSuccess,
		Role:      role.String(),
		AccountID: account.ID.String(),
		Email:     email,
	})
	s.logger.Info("Login completed",
		zap.String("account_id", account.ID.String()),
		zap.String("role", role.String()))
	return sess, nil
}

// Logout blacklists the refresh token. A store failure fails the call so
// the client never believes a live token was revoked.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	if err := s.tokens.Revoke(ctx, refreshToken); err != nil {
		return err
	}

	event := audit.Event{Type: audit.TypeLogout, Outcome: audit.OutcomeSuccess}
	if claims, err := s.tokens.VerifyRefreshToken(refreshToken); err == nil {
		event.Role = claims.UserType.String()
		event.AccountID = claims.ID
	}
	s.record(ctx, event)
	return nil
}

func (s *AuthService) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return "", apperror.ErrTokenInvalid.WithMessage("refresh token is missing")
	}
	access, err := s.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	if claims, err := s.tokens.VerifyRefreshToken(refreshToken); err == nil {
		s.record(ctx, audit.Event{
			Type:      audit.TypeTokenRefreshed,
			Outcome:   audit.OutcomeSuccess,
			Role:      claims.UserType.String(),
			AccountID: claims.ID,
		})
	}
	return access, nil
}

// Me returns the caller's safe account fields.
func (s *AuthService) Me(ctx context.Context, p Principal) (*models.PublicAccount, error) {
	account, err := s.loadAccount(ctx, p.Role, p.AccountID)
	if err != nil {
		return nil, err
	}
	public := account.Public()
	return &public, nil
}
