package service

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"blog-auth-service/internal/apperror"
)

var (
	emailPattern    = regexp.MustCompile(`^\w+([\.-]?\w+)*@\w+([\.-]?\w+)*(\.\w{2,10})+$`)
	userNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	codePattern     = regexp.MustCompile(`^[0-9]{4,10}$`)
)

const minPasswordLength = 8

// normalizeEmail trims and lowercases, then checks the shape.
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", apperror.Validation("email", "email is required")
	}
	if !emailPattern.MatchString(email) {
		return "", apperror.Validation("email", "please provide a valid email address")
	}
	return email, nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < 2 || n > 15 {
		return "", apperror.Validation("name", "name must be between 2 and 15 characters")
	}
	return name, nil
}

func validateUserName(userName string) (string, error) {
	userName = strings.TrimSpace(userName)
	if n := len(userName); n < 3 || n > 20 {
		return "", apperror.Validation("user_name", "username must be between 3 and 20 characters")
	}
	if !userNamePattern.MatchString(userName) {
		return "", apperror.Validation("user_name", "username can only contain letters, numbers and underscores")
	}
	return userName, nil
}

func validatePassword(password string) error {
	if password == "" {
		return apperror.Validation("password", "password is required")
	}
	if utf8.RuneCountInString(password) < minPasswordLength {
		return apperror.ErrWeakPassword.
			With(apperror.MetaField, "password").
			WithMessage("password must be at least 8 characters long")
	}
	return nil
}

func validateCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if !codePattern.MatchString(code) {
		return "", apperror.Validation("otp", "a valid OTP is required")
	}
	return code, nil
}

func userExists(field string) error {
	return apperror.ErrUserExists.
		With(apperror.MetaField, field).
		WithMessage("user with this " + strings.ReplaceAll(field, "_", " ") + " already exists")
}
