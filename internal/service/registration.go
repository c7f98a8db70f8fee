package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/audit"
	"blog-auth-service/internal/models"
	"blog-auth-service/internal/otp"
	"blog-auth-service/internal/repository"
)

type RegisterInput struct {
	Name     string `json:"name"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegistrationStatus tells a client whether an email can still register.
type RegistrationStatus struct {
	Exists      bool `json:"exists"`
	IsVerified  bool `json:"isVerified"`
	IsActive    bool `json:"isActive"`
	CanRegister bool `json:"canRegister"`
}

// Register validates the request and parks it in a registration challenge.
// No account exists until the code is verified.
func (s *AuthService) Register(ctx context.Context, role models.Role, in RegisterInput) (*Pending, error) {
	name, err := validateName(in.Name)
	if err != nil {
		return nil, err
	}
	userName, err := validateUserName(in.UserName)
	if err != nil {
		return nil, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}

	if err := s.ensureAvailable(ctx, role, email, userName); err != nil {
		return nil, err
	}

	hash, err := s.passwords.HashPassword(ctx, in.Password)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to hash password", err)
	}

	ch, err := s.otp.Issue(ctx, challengeID(role, email), otp.PurposeRegistration, otp.Metadata{
		metaName:         name,
		metaUserName:     userName,
		metaEmail:        email,
		metaPasswordHash: hash,
		metaUserType:     role.String(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.deliverOTP(ctx, email, name, ch); err != nil {
		return nil, err
	}

	s.record(ctx, audit.Event{
		Type:    audit.TypeRegistrationStarted,
		Outcome: audit.OutcomeSuccess,
		Role:    role.String(),
		Email:   email,
	})
	s.logger.Info("Registration OTP issued", zap.String("email", email), zap.String("role", role.String()))
	return &Pending{Email: email, ExpiresIn: ch.ExpiresIn()}, nil
}

func (s *AuthService) ensureAvailable(ctx context.Context, role models.Role, email, userName string) error {
	if _, err := s.accounts.FindByEmail(ctx, role, email); err == nil {
		return userExists("email")
	} else if !errors.Is(err, repository.ErrAccountNotFound) {
		return apperror.Dependency("failed to check email", err)
	}
	if _, err := s.accounts.FindByUserName(ctx, role, userName); err == nil {
		return userExists("user_name")
	} else if !errors.Is(err, repository.ErrAccountNotFound) {
		return apperror.Dependency("failed to check username", err)
	}
	return nil
}

// VerifyRegistration creates the account from the challenge metadata and
// starts a session. A store failure puts the challenge back so the client
// can retry; a retry after a create that did land is accepted when the
// stored password hash matches.
func (s *AuthService) VerifyRegistration(ctx context.Context, role models.Role, email, code string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if code, err = validateCode(code); err != nil {
		return nil, err
	}

	v, err := s.verifyOTP(ctx, role, email, code, otp.PurposeRegistration)
	if err != nil {
		return nil, err
	}
	md := v.Metadata
	if md[metaPasswordHash] == "" || md[metaUserName] == "" || md[metaEmail] != email {
		return nil, apperror.ErrNoOTPFound.WithMessage("registration details are missing, please register again")
	}

	stamp := s.now().UTC()
	account := &models.Account{
		Role:         role,
		Name:         md[metaName],
		UserName:     md[metaUserName],
		Email:        email,
		IsVerified:   true,
		IsActive:     true,
		LastLogin:    &stamp,
		PasswordHash: md[metaPasswordHash],
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		field, dup := repository.IsDuplicate(err)
		if !dup {
			s.reinstate(ctx, v)
			return nil, apperror.Dependency("failed to create account", err)
		}
		existing, findErr := s.accounts.FindByEmail(ctx, role, email, repository.WithSecurityFields())
		if findErr != nil || field != "email" || existing.PasswordHash != account.PasswordHash {
			s.logger.Info("Registration lost a uniqueness race",
				zap.String("email", email),
				zap.String("field", field))
			return nil, userExists(field)
		}
		account = existing
	}

	sess, err := s.session(account)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, "welcome", func(ctx context.Context) error {
		return s.mailer.SendWelcome(ctx, account.Email, account.Name)
	})
	s.record(ctx, audit.Event{
		Type:      audit.TypeRegistrationCompleted,
		Outcome:   audit.OutcomeSuccess,
		Role:      role.String(),
		AccountID: account.ID.String(),
		Email:     email,
	})
	s.logger.Info("Account registered",
		zap.String("account_id", account.ID.String()),
		zap.String("role", role.String()))
	return sess, nil
}

func (s *AuthService) CheckRegistrationStatus(ctx context.Context, role models.Role, email string) (*RegistrationStatus, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	account, err := s.accounts.FindByEmail(ctx, role, email)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return &RegistrationStatus{CanRegister: true}, nil
		}
		return nil, apperror.Dependency("failed to check registration", err)
	}
	return &RegistrationStatus{
		Exists:     true,
		IsVerified: account.IsVerified,
		IsActive:   account.IsActive,
	}, nil
}
