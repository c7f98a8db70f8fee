package otp

import (
	"time"

	"blog-auth-service/internal/config"
)

// Purpose tags which flow a challenge belongs to.
type Purpose string

const (
	PurposeRegistration   Purpose = "registration"
	PurposeLogin          Purpose = "login"
	PurposePasswordReset  Purpose = "password_reset"
	PurposePasswordUpdate Purpose = "password_update"
	PurposeEmailUpdate    Purpose = "email_update"
)

var purposes = []Purpose{
	PurposeRegistration,
	PurposeLogin,
	PurposePasswordReset,
	PurposePasswordUpdate,
	PurposeEmailUpdate,
}

func (p Purpose) Valid() bool {
	for _, known := range purposes {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePurpose accepts the wire names above.
func ParsePurpose(s string) (Purpose, bool) {
	p := Purpose(s)
	return p, p.Valid()
}

// Label is the human wording used in messages.
func (p Purpose) Label() string {
	switch p {
	case PurposeRegistration:
		return "account registration"
	case PurposeLogin:
		return "login"
	case PurposePasswordReset:
		return "password reset"
	case PurposePasswordUpdate:
		return "password update"
	case PurposeEmailUpdate:
		return "email update"
	}
	return string(p)
}

// TTLs returns the per-purpose record lifetimes from configuration.
func TTLs(cfg config.OTPConfig) map[Purpose]time.Duration {
	return map[Purpose]time.Duration{
		PurposeRegistration:   cfg.RegistrationTTL,
		PurposeLogin:          cfg.LoginTTL,
		PurposePasswordReset:  cfg.PasswordResetTTL,
		PurposePasswordUpdate: cfg.PasswordUpdateTTL,
		PurposeEmailUpdate:    cfg.EmailUpdateTTL,
	}
}
