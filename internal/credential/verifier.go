// Package credential authenticates email and password against the user
// directory and enforces account standing and lockout.
package credential

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/config"
	"blog-auth-service/internal/models"
	"blog-auth-service/internal/repository"
)

// PasswordChecker compares a password with an encoded hash.
type PasswordChecker interface {
	VerifyPassword(ctx context.Context, password, encoded string) (bool, error)
}

// LockoutPolicy is the failure threshold and lock duration of one role.
type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
}

// Policies builds the per-role lockout policies from configuration.
func Policies(cfg config.LockoutConfig) map[models.Role]LockoutPolicy {
	return map[models.Role]LockoutPolicy{
		models.RoleAdmin:  {MaxAttempts: cfg.AdminMaxAttempts, Duration: cfg.AdminDuration},
		models.RolePublic: {MaxAttempts: cfg.PublicMaxAttempts, Duration: cfg.PublicDuration},
	}
}

// Event describes an authentication outcome worth auditing.
type Event struct {
	Role      models.Role
	AccountID string
	Email     string
	Outcome   string // "success", "failure", "locked"
	Attempts  int
}

type Verifier struct {
	accounts repository.AccountRepository
	checker  PasswordChecker
	policies map[models.Role]LockoutPolicy
	logger   *zap.Logger
	now      func() time.Time
	observe  func(context.Context, Event)
}

type Option func(*Verifier)

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithObserver receives every authentication outcome.
func WithObserver(fn func(context.Context, Event)) Option {
	return func(v *Verifier) { v.observe = fn }
}

func NewVerifier(accounts repository.AccountRepository, checker PasswordChecker, policies map[models.Role]LockoutPolicy, logger *zap.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		accounts: accounts,
		checker:  checker,
		policies: policies,
		logger:   logger,
		now:      time.Now,
		observe:  func(context.Context, Event) {},
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *Verifier) policy(role models.Role) LockoutPolicy {
	if p, ok := v.policies[role]; ok && p.MaxAttempts > 0 {
		return p
	}
	return LockoutPolicy{MaxAttempts: 5, Duration: 30 * time.Minute}
}

// Authenticate checks, in order: existence, lock, active flag, verified
// flag, then the password. A wrong password counts towards the role's
// lockout threshold; a correct one clears the counter and lock and stamps
// the last login.
func (v *Verifier) Authenticate(ctx context.Context, role models.Role, email, password string) (*models.Account, error) {
	account, err := v.accounts.FindByEmail(ctx, role, email, repository.WithSecurityFields())
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			v.logger.Info("Login for unknown account", zap.String("email", email), zap.String("role", role.String()))
			return nil, apperror.ErrInvalidCredentials
		}
		return nil, apperror.Dependency("failed to load account", err)
	}

	now := v.now()
	if account.IsLocked(now) {
		minutes := int(math.Ceil(float64(account.LockUntil.Sub(now).Milliseconds()) / 60000))
		return nil, apperror.ErrAccountLocked.
			WithInt(apperror.MetaRemainingMinutes, minutes).
			WithMessage(fmt.Sprintf("account is temporarily locked, try again in %d minutes", minutes))
	}
	if !account.IsActive {
		return nil, apperror.ErrAccountDisabled
	}
	if !account.IsVerified {
		return nil, apperror.ErrNotVerified
	}

	ok, err := v.CheckPassword(ctx, account, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, v.recordFailure(ctx, account, now)
	}

	account.LoginAttempts = 0
	account.LockUntil = nil
	stamp := now.UTC()
	account.LastLogin = &stamp
	if err := v.accounts.Update(ctx, account); err != nil {
		return nil, apperror.Dependency("failed to update account", err)
	}

	v.observe(ctx, Event{Role: role, AccountID: account.ID.String(), Email: email, Outcome: "success"})
	return account, nil
}

// CheckPassword compares password with the account's stored hash. The
// account must have been loaded with security fields.
func (v *Verifier) CheckPassword(ctx context.Context, account *models.Account, password string) (bool, error) {
	if account.PasswordHash == "" {
		return false, nil
	}
	ok, err := v.checker.VerifyPassword(ctx, password, account.PasswordHash)
	if err != nil {
		if ctx.Err() != nil {
			return false, apperror.Dependency("password check cancelled", err)
		}
		v.logger.Error("Stored password hash unusable",
			zap.String("account_id", account.ID.String()),
			zap.Error(err))
		return false, nil
	}
	return ok, nil
}

func (v *Verifier) recordFailure(ctx context.Context, account *models.Account, now time.Time) error {
	policy := v.policy(account.Role)

	state, err := v.accounts.RecordLoginFailure(ctx, account.Role, account.ID, policy.MaxAttempts, policy.Duration, now)
	if err != nil {
		return apperror.Dependency("failed to record login failure", err)
	}
	account.LoginAttempts = state.Attempts
	account.LockUntil = state.LockUntil

	if !state.Locked && state.LockUntil != nil {
		// A concurrent failure locked the account first.
		minutes := int(math.Ceil(float64(state.LockUntil.Sub(now).Milliseconds()) / 60000))
		return apperror.ErrAccountLocked.
			WithInt(apperror.MetaRemainingMinutes, minutes).
			WithMessage(fmt.Sprintf("account is temporarily locked, try again in %d minutes", minutes))
	}

	event := Event{
		Role:      account.Role,
		AccountID: account.ID.String(),
		Email:     account.Email,
		Outcome:   "failure",
		Attempts:  state.Attempts,
	}
	if state.Locked {
		event.Outcome = "locked"
		v.observe(ctx, event)
		v.logger.Warn("Account locked after failed logins",
			zap.String("account_id", account.ID.String()),
			zap.String("role", account.Role.String()),
			zap.Int("attempts", state.Attempts))
		minutes := int(math.Ceil(policy.Duration.Minutes()))
		return apperror.ErrInvalidCredentials.
			WithInt(apperror.MetaRemainingMinutes, minutes).
			WithMessage(fmt.Sprintf("too many failed attempts, account locked for %d minutes", minutes))
	}

	v.observe(ctx, event)
	left := policy.MaxAttempts - state.Attempts
	return apperror.ErrInvalidCredentials.
		WithInt(apperror.MetaRemainingAttempts, left).
		WithMessage(fmt.Sprintf("invalid email or password, %d attempts remaining", left))
}
