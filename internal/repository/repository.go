// Package repository declares the storage capabilities the auth core
// depends on. Concrete drivers live in the sub-packages.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blog-auth-service/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by ephemeral stores for absent or expired keys.
	ErrNotFound = errors.New("key not found")
	// ErrAccountNotFound is returned by account repositories.
	ErrAccountNotFound = errors.New("account not found")
)

// DuplicateError reports a uniqueness violation on one account field.
type DuplicateError struct {
	Field string // "email" or "user_name"
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("account with this %s already exists", e.Field)
}

// IsDuplicate returns the colliding field when err is a uniqueness violation.
func IsDuplicate(err error) (string, bool) {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup.Field, true
	}
	return "", false
}

// EphemeralStore is a key-value store with per-key expiry. Expiry is
// enforced by the store.
type EphemeralStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// IncrField atomically adds one to an integer field of the JSON object
	// stored at key, keeps the remaining TTL and returns the new value. It
	// returns ErrNotFound when the key is gone.
	IncrField(ctx context.Context, key, field string) (int, error)
	Delete(ctx context.Context, key string) error
	// Take deletes key and reports whether this call removed it.
	Take(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// FindOption tunes account lookups.
type FindOption func(*FindOptions)

type FindOptions struct {
	IncludeSecurity bool
}

// WithSecurityFields includes the password hash, attempt counter, lock and
// reset-token fields, which are excluded by default.
func WithSecurityFields() FindOption {
	return func(o *FindOptions) { o.IncludeSecurity = true }
}

// ApplyFindOptions folds opts into a FindOptions value.
func ApplyFindOptions(opts []FindOption) FindOptions {
	var o FindOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Project applies the security projection to a freshly loaded account.
func Project(account *models.Account, opts []FindOption) *models.Account {
	if !ApplyFindOptions(opts).IncludeSecurity {
		account.ClearSecurityFields()
	}
	return account
}

// AccountRepository is the user directory. The role selects the partition.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	FindByID(ctx context.Context, role models.Role, id uuid.UUID, opts ...FindOption) (*models.Account, error)
	FindByEmail(ctx context.Context, role models.Role, email string, opts ...FindOption) (*models.Account, error)
	FindByUserName(ctx context.Context, role models.Role, userName string, opts ...FindOption) (*models.Account, error)
	FindByResetTokenHash(ctx context.Context, role models.Role, tokenHash string, opts ...FindOption) (*models.Account, error)
	// Update persists every mutable field of account, including security
	// fields, keyed by (role, id).
	Update(ctx context.Context, account *models.Account) error
	// RecordLoginFailure counts one failed password check against the
	// account in a single atomic step and locks it when the count reaches
	// maxAttempts.
	RecordLoginFailure(ctx context.Context, role models.Role, id uuid.UUID, maxAttempts int, lockFor time.Duration, now time.Time) (*LoginFailure, error)
	HealthCheck(ctx context.Context) error
}

// LoginFailure is the lockout state after one recorded failure.
type LoginFailure struct {
	Attempts  int
	LockUntil *time.Time
	// Locked is set only for the failure that reached the threshold.
	Locked bool
}

// NextLoginFailure folds one failure into the current counter and lock. An
// elapsed lock starts a fresh window; a live lock is left as it is.
func NextLoginFailure(attempts int, lockUntil *time.Time, maxAttempts int, lockFor time.Duration, now time.Time) LoginFailure {
	if lockUntil != nil {
		if lockUntil.After(now) {
			return LoginFailure{Attempts: attempts, LockUntil: lockUntil}
		}
		attempts = 0
	}
	next := LoginFailure{Attempts: attempts + 1}
	if next.Attempts >= maxAttempts {
		until := now.Add(lockFor).UTC()
		next.LockUntil = &until
		next.Locked = true
	}
	return next
}
