package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"blog-auth-service/internal/models"
	"blog-auth-service/internal/repository"
)

const selectAccount = `
	SELECT account_id, role, user_bucket, name, user_name, email,
	       is_verified, is_active, last_login, created_at, updated_at,
	       password_hash, login_attempts, lock_until, password_reset_token, password_reset_expires
	FROM accounts`

// AccountRepository is the PostgreSQL implementation of
// repository.AccountRepository. Uniqueness comes from the
// (role, email) and (role, user_name) constraints.
type AccountRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewAccountRepository(db *pgxpool.Pool, logger *zap.Logger) *AccountRepository {
	return &AccountRepository{db: db, logger: logger}
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO accounts (
			account_id, role, user_bucket, name, user_name, email,
			is_verified, is_active, last_login, created_at, updated_at,
			password_hash, login_attempts, lock_until, password_reset_token, password_reset_expires
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		account.ID, account.Role.String(), account.UserBucket, account.Name, account.UserName, account.Email,
		account.IsVerified, account.IsActive, account.LastLogin, account.CreatedAt, account.UpdatedAt,
		account.PasswordHash, account.LoginAttempts, account.LockUntil,
		nullableString(account.PasswordResetTokenHash), account.PasswordResetExpires,
	)
	if err != nil {
		if dup := duplicateFrom(err); dup != nil {
			return dup
		}
		r.logger.Error("Error inserting account", zap.String("role", account.Role.String()), zap.Error(err))
		return fmt.Errorf("failed to create account: %w", err)
	}

	r.logger.Info("Account created",
		zap.String("account_id", account.ID.String()),
		zap.String("role", account.Role.String()))
	return nil
}

func (r *AccountRepository) FindByID(ctx context.Context, role models.Role, id uuid.UUID, opts ...repository.FindOption) (*models.Account, error) {
	return r.findOne(ctx, selectAccount+` WHERE role = $1 AND account_id = $2`, opts, role.String(), id)
}

func (r *AccountRepository) FindByEmail(ctx context.Context, role models.Role, email string, opts ...repository.FindOption) (*models.Account, error) {
	return r.findOne(ctx, selectAccount+` WHERE role = $1 AND email = $2`, opts, role.String(), email)
}

func (r *AccountRepository) FindByUserName(ctx context.Context, role models.Role, userName string, opts ...repository.FindOption) (*models.Account, error) {
	return r.findOne(ctx, selectAccount+` WHERE role = $1 AND user_name = $2`, opts, role.String(), userName)
}

func (r *AccountRepository) FindByResetTokenHash(ctx context.Context, role models.Role, tokenHash string, opts ...repository.FindOption) (*models.Account, error) {
	if tokenHash == "" {
		return nil, repository.ErrAccountNotFound
	}
	return r.findOne(ctx, selectAccount+` WHERE role = $1 AND password_reset_token = $2`, opts, role.String(), tokenHash)
}

func (r *AccountRepository) Update(ctx context.Context, account *models.Account) error {
	account.UpdatedAt = time.Now().UTC()

	tag, err := r.db.Exec(ctx, `
		UPDATE accounts SET
			name = $3, user_name = $4, email = $5,
			is_verified = $6, is_active = $7, last_login = $8, updated_at = $9,
			password_hash = $10, login_attempts = $11, lock_until = $12,
			password_reset_token = $13, password_reset_expires = $14
		WHERE role = $1 AND account_id = $2`,
		account.Role.String(), account.ID,
		account.Name, account.UserName, account.Email,
		account.IsVerified, account.IsActive, account.LastLogin, account.UpdatedAt,
		account.PasswordHash, account.LoginAttempts, account.LockUntil,
		nullableString(account.PasswordResetTokenHash), account.PasswordResetExpires,
	)
	if err != nil {
		if dup := duplicateFrom(err); dup != nil {
			return dup
		}
		r.logger.Error("Error updating account", zap.String("account_id", account.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrAccountNotFound
	}
	return nil
}

// RecordLoginFailure bumps the counter in one UPDATE; the SET expressions
// read the pre-update row, so concurrent failures each count once.
func (r *AccountRepository) RecordLoginFailure(ctx context.Context, role models.Role, id uuid.UUID, maxAttempts int, lockFor time.Duration, now time.Time) (*repository.LoginFailure, error) {
	now = now.UTC().Truncate(time.Microsecond)
	until := now.Add(lockFor)

	var out repository.LoginFailure
	err := r.db.QueryRow(ctx, `
		UPDATE accounts SET
			login_attempts = CASE
				WHEN lock_until > $3 THEN login_attempts
				WHEN lock_until IS NOT NULL THEN 1
				ELSE login_attempts + 1 END,
			lock_until = CASE
				WHEN lock_until > $3 THEN lock_until
				WHEN (CASE WHEN lock_until IS NOT NULL THEN 1 ELSE login_attempts + 1 END) >= $4 THEN $5
				ELSE NULL END,
			updated_at = $3
		WHERE role = $1 AND account_id = $2
		RETURNING login_attempts, lock_until`,
		role.String(), id, now, maxAttempts, until,
	).Scan(&out.Attempts, &out.LockUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrAccountNotFound
		}
		r.logger.Error("Error recording login failure", zap.String("account_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to record login failure: %w", err)
	}
	out.Locked = out.LockUntil != nil && out.LockUntil.Equal(until)
	return &out, nil
}

func (r *AccountRepository) HealthCheck(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *AccountRepository) findOne(ctx context.Context, query string, opts []repository.FindOption, args ...interface{}) (*models.Account, error) {
	var (
		a          models.Account
		role       string
		resetToken *string
	)
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&a.ID, &role, &a.UserBucket, &a.Name, &a.UserName, &a.Email,
		&a.IsVerified, &a.IsActive, &a.LastLogin, &a.CreatedAt, &a.UpdatedAt,
		&a.PasswordHash, &a.LoginAttempts, &a.LockUntil, &resetToken, &a.PasswordResetExpires,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	a.Role = models.Role(role)
	if resetToken != nil {
		a.PasswordResetTokenHash = *resetToken
	}
	return repository.Project(&a, opts), nil
}

// duplicateFrom maps a unique violation to the colliding field.
func duplicateFrom(err error) *repository.DuplicateError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	if strings.Contains(pgErr.ConstraintName, "user_name") {
		return &repository.DuplicateError{Field: "user_name"}
	}
	return &repository.DuplicateError{Field: "email"}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
