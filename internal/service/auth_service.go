// Package service composes the OTP manager, credential verifier, token
// issuer and user directory into the registration, login, password and
// email flows.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/audit"
	"blog-auth-service/internal/credential"
	"blog-auth-service/internal/models"
	"blog-auth-service/internal/otp"
	"blog-auth-service/internal/repository"
	"blog-auth-service/internal/token"
)

// Metadata keys carried on OTP records.
const (
	metaName         = "name"
	metaUserName     = "user_name"
	metaEmail        = "email"
	metaPasswordHash = "passwordHash"
	metaUserType     = "userType"
	metaUserID       = "userId"
	metaNewEmail     = "newEmail"
)

// PasswordHasher is satisfied by hashing.Pool.
type PasswordHasher interface {
	HashPassword(ctx context.Context, password string) (string, error)
}

// Mailer is satisfied by notification.Mailer.
type Mailer interface {
	DashboardURL() string
	SendOTP(ctx context.Context, to, name string, purpose otp.Purpose, code string, expiresIn time.Duration) error
	SendWelcome(ctx context.Context, to, name string) error
	SendLoginSuccess(ctx context.Context, to, name string, at time.Time) error
	SendPasswordChanged(ctx context.Context, to, name string, at time.Time) error
	SendEmailChanged(ctx context.Context, oldEmail, name, newEmail string, at time.Time) error
	SendPasswordResetLink(ctx context.Context, to, name, link string, expiresIn time.Duration) error
}

// Auditor is satisfied by audit.Recorder.
type Auditor interface {
	Record(ctx context.Context, event audit.Event)
}

// Principal is the authenticated caller of a protected flow.
type Principal struct {
	AccountID uuid.UUID
	Role      models.Role
}

// Pending is returned when a flow waits for an OTP.
type Pending struct {
	Email     string `json:"email"`
	ExpiresIn int    `json:"expiresIn"`
}

// Session is the outcome of a completed login or registration.
type Session struct {
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
	Account          models.PublicAccount
}

type Deps struct {
	Accounts    repository.AccountRepository
	OTP         *otp.Manager
	Credentials *credential.Verifier
	Tokens      *token.Issuer
	Passwords   PasswordHasher
	Mailer      Mailer
	Audit       Auditor
	Logger      *zap.Logger

	// ResetTTL is the lifetime of password reset links.
	ResetTTL time.Duration
}

type AuthService struct {
	accounts    repository.AccountRepository
	otp         *otp.Manager
	credentials *credential.Verifier
	tokens      *token.Issuer
	passwords   PasswordHasher
	mailer      Mailer
	audit       Auditor
	logger      *zap.Logger
	resetTTL    time.Duration
	now         func() time.Time

	background sync.WaitGroup
}

type Option func(*AuthService)

func WithClock(now func() time.Time) Option {
	return func(s *AuthService) { s.now = now }
}

func NewAuthService(deps Deps, opts ...Option) *AuthService {
	s := &AuthService{
		accounts:    deps.Accounts,
		otp:         deps.OTP,
		credentials: deps.Credentials,
		tokens:      deps.Tokens,
		passwords:   deps.Passwords,
		mailer:      deps.Mailer,
		audit:       deps.Audit,
		logger:      deps.Logger,
		resetTTL:    deps.ResetTTL,
		now:         time.Now,
	}
	if s.resetTTL <= 0 {
		s.resetTTL = 10 * time.Minute
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wait blocks until background notifications have finished.
func (s *AuthService) Wait() {
	s.background.Wait()
}

// notify runs a best-effort send after the response has been decided.
func (s *AuthService) notify(ctx context.Context, what string, fn func(ctx context.Context) error) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("Background notification failed", zap.String("notification", what), zap.Error(err))
		}
	}()
}

// deliverOTP sends a freshly issued code. A failed send drops the
// challenge so no valid code is left without a way to deliver it.
func (s *AuthService) deliverOTP(ctx context.Context, to, name string, ch *otp.Challenge) error {
	err := s.mailer.SendOTP(ctx, to, name, ch.Purpose, ch.Code, ch.TTL)
	if err == nil {
		return nil
	}
	if invErr := s.otp.Invalidate(ctx, ch.Identity, ch.Purpose); invErr != nil {
		s.logger.Error("Failed to drop undeliverable OTP",
			zap.String("identity", ch.Identity),
			zap.String("purpose", string(ch.Purpose)),
			zap.Error(invErr))
	}
	s.record(ctx, audit.Event{
		Type:    audit.TypeDeliveryFailed,
		Outcome: audit.OutcomeFailure,
		Email:   to,
		Reason:  string(ch.Purpose),
	})
	return err
}

// challengeID scopes a challenge to a role partition; the same email may
// hold an account in each.
func challengeID(role models.Role, email string) string {
	return role.String() + ":" + email
}

// verifyOTP consumes a challenge and checks that it was issued for the
// given role. A role mismatch puts the challenge back.
func (s *AuthService) verifyOTP(ctx context.Context, role models.Role, email, code string, purpose otp.Purpose) (*otp.Verification, error) {
	v, err := s.otp.Verify(ctx, challengeID(role, email), code, purpose)
	if err != nil {
		if apperror.As(err).Kind() != apperror.KindDependencyFailure {
			s.record(ctx, audit.Event{
				Type:    audit.TypeOTPFailed,
				Outcome: audit.OutcomeFailure,
				Role:    role.String(),
				Email:   email,
				Reason:  string(apperror.CodeOf(err)),
			})
		}
		return nil, err
	}
	if v.Metadata[metaUserType] != role.String() {
		s.reinstate(ctx, v)
		return nil, apperror.ErrInvalidContext
	}
	return v, nil
}

func (s *AuthService) reinstate(ctx context.Context, v *otp.Verification) {
	if err := s.otp.Reinstate(ctx, v); err != nil {
		s.logger.Error("Failed to reinstate OTP",
			zap.String("identity", v.Identity),
			zap.String("purpose", string(v.Purpose)),
			zap.Error(err))
	}
}

// loadAccount fetches the account with security fields so it can be
// written back whole.
func (s *AuthService) loadAccount(ctx context.Context, role models.Role, id uuid.UUID) (*models.Account, error) {
	account, err := s.accounts.FindByID(ctx, role, id, repository.WithSecurityFields())
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, apperror.ErrUserNotFound
		}
		return nil, apperror.Dependency("failed to load account", err)
	}
	return account, nil
}

func (s *AuthService) session(account *models.Account) (*Session, error) {
	pair, err := s.tokens.IssuePair(account)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to issue tokens", err)
	}
	return &Session{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		Account:          account.Public(),
	}, nil
}

func (s *AuthService) record(ctx context.Context, event audit.Event) {
	if s.audit == nil {
		return
	}
	if info, ok := ClientFromContext(ctx); ok {
		event.IP = info.IP
		event.UserAgent = info.UserAgent
	}
	s.audit.Record(ctx, event)
}

// Authorize resolves an access token into a principal for the given route
// role. The account must still exist and be active.
func (s *AuthService) Authorize(ctx context.Context, accessToken string, role models.Role) (*Principal, error) {
	claims, err := s.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.UserType != role {
		return nil, apperror.ErrForbiddenRole
	}
	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, apperror.ErrTokenInvalid
	}
	account, err := s.accounts.FindByID(ctx, role, id)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, apperror.ErrUserNotFound.WithMessage("account no longer exists")
		}
		return nil, apperror.Dependency("failed to load account", err)
	}
	if !account.IsActive {
		return nil, apperror.ErrAccountDisabled
	}
	return &Principal{AccountID: account.ID, Role: role}, nil
}

// ClientInfo describes the caller for audit records.
type ClientInfo struct {
	IP        string
	UserAgent string
}

type clientKey struct{}

func WithClient(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey{}, info)
}

func ClientFromContext(ctx context.Context) (ClientInfo, bool) {
	info, ok := ctx.Value(clientKey{}).(ClientInfo)
	return info, ok
}

// CredentialObserver forwards credential outcomes to the audit trail.
func CredentialObserver(a Auditor) func(context.Context, credential.Event) {
	return func(ctx context.Context, e credential.Event) {
		event := audit.Event{
			Type:      audit.TypeLoginFailed,
			Outcome:   audit.OutcomeFailure,
			Role:      e.Role.String(),
			AccountID: e.AccountID,
			Email:     e.Email,
			Attempts:  e.Attempts,
		}
		switch e.Outcome {
		case "success":
			// The login is only complete after the OTP step.
			return
		case "locked":
			event.Type = audit.TypeAccountLocked
		}
		if info, ok := ClientFromContext(ctx); ok {
			event.IP = info.IP
			event.UserAgent = info.UserAgent
		}
		a.Record(ctx, event)
	}
}
