package models

import (
	"time"

	"github.com/google/uuid"
)

// Role partitions accounts. It is carried in token claims and selects the
// directory partition and lockout policy.
type Role string

const (
	RoleAdmin  Role = "admin"
	RolePublic Role = "public"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RolePublic
}

func (r Role) String() string {
	return string(r)
}

// ParseRole accepts the role names used in routes and token claims.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}

// Account is a registered identity in one of the two partitions.
type Account struct {
	ID         uuid.UUID  `db:"account_id"`
	Role       Role       `db:"role"`
	UserBucket int        `db:"user_bucket"`
	Name       string     `db:"name"`
	UserName   string     `db:"user_name"`
	Email      string     `db:"email"`
	IsVerified bool       `db:"is_verified"`
	IsActive   bool       `db:"is_active"`
	LastLogin  *time.Time `db:"last_login"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`

	// Security fields. Only populated when the repository is asked for them.
	PasswordHash           string     `db:"password_hash"`
	LoginAttempts          int        `db:"login_attempts"`
	LockUntil              *time.Time `db:"lock_until"`
	PasswordResetTokenHash string     `db:"password_reset_token"`
	PasswordResetExpires   *time.Time `db:"password_reset_expires"`
}

// IsLocked reports whether a lock is in force at now.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockUntil != nil && a.LockUntil.After(now)
}

// ClearSecurityFields drops everything that must not leave the credential
// boundary.
func (a *Account) ClearSecurityFields() {
	a.PasswordHash = ""
	a.LoginAttempts = 0
	a.LockUntil = nil
	a.PasswordResetTokenHash = ""
	a.PasswordResetExpires = nil
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	c.LastLogin = cloneTime(a.LastLogin)
	c.LockUntil = cloneTime(a.LockUntil)
	c.PasswordResetExpires = cloneTime(a.PasswordResetExpires)
	return &c
}

// Public returns the caller-facing view of the account.
func (a *Account) Public() PublicAccount {
	return PublicAccount{
		ID:         a.ID.String(),
		Role:       a.Role,
		Name:       a.Name,
		UserName:   a.UserName,
		Email:      a.Email,
		IsVerified: a.IsVerified,
		IsActive:   a.IsActive,
		LastLogin:  a.LastLogin,
		CreatedAt:  a.CreatedAt,
	}
}

// PublicAccount is the safe projection returned to API callers.
type PublicAccount struct {
	ID         string     `json:"id"`
	Role       Role       `json:"userType"`
	Name       string     `json:"name"`
	UserName   string     `json:"user_name"`
	Email      string     `json:"email"`
	IsVerified bool       `json:"isVerified"`
	IsActive   bool       `json:"isActive"`
	LastLogin  *time.Time `json:"lastLogin,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
