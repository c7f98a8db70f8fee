package service

import (
	"context"
	"errors"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/models"
	"blog-auth-service/internal/otp"
	"blog-auth-service/internal/repository"
)

type OTPStatus struct {
	Exists    bool `json:"exists"`
	ExpiresIn int  `json:"expiresIn"`
}

func parsePurpose(s string) (otp.Purpose, error) {
	p, ok := otp.ParsePurpose(s)
	if !ok {
		return "", apperror.Validation("type", "invalid OTP type")
	}
	return p, nil
}

// ResendOTP sends a fresh code for a pending challenge, subject to the
// resend cooldown.
func (s *AuthService) ResendOTP(ctx context.Context, role models.Role, email, purpose string) (*Pending, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	p, err := parsePurpose(purpose)
	if err != nil {
		return nil, err
	}

	// Registration details live only in the pending challenge.
	md, err := s.otp.Peek(ctx, challengeID(role, email), p)
	if err != nil {
		if errors.Is(err, apperror.ErrOTPExpired) {
			if p == otp.PurposeRegistration {
				return nil, apperror.ErrNoOTPFound.WithMessage("registration session expired, please register again")
			}
			return nil, apperror.ErrNoOTPFound
		}
		return nil, err
	}
	if md[metaUserType] != role.String() {
		return nil, apperror.ErrInvalidContext
	}

	name := md[metaName]
	if account, err := s.accounts.FindByEmail(ctx, role, email); err == nil {
		name = account.Name
	} else if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, apperror.Dependency("failed to load account", err)
	}

	ch, err := s.otp.Resend(ctx, challengeID(role, email), p, nil)
	if err != nil {
		return nil, err
	}
	if err := s.deliverOTP(ctx, email, name, ch); err != nil {
		return nil, err
	}
	return &Pending{Email: email, ExpiresIn: ch.ExpiresIn()}, nil
}

func (s *AuthService) CheckOTPStatus(ctx context.Context, role models.Role, email, purpose string) (*OTPStatus, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	p, err := parsePurpose(purpose)
	if err != nil {
		return nil, err
	}
	exists, err := s.otp.Exists(ctx, challengeID(role, email), p)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &OTPStatus{}, nil
	}
	ttl, err := s.otp.RemainingTTL(ctx, challengeID(role, email), p)
	if err != nil {
		return nil, err
	}
	return &OTPStatus{Exists: true, ExpiresIn: int(ttl.Seconds())}, nil
}
