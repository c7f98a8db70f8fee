package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"blog-auth-service/internal/bucketing"
	"blog-auth-service/internal/models"
	"blog-auth-service/internal/repository"
)

const maxCASRetries = 8

// AccountRepository stores accounts partitioned by (role, user_bucket).
// Email, user_name and reset-token lookups go through lookup tables whose
// rows are claimed with lightweight transactions, which is what enforces
// uniqueness per role.
type AccountRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
	logger  *zap.Logger
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.Manager, logger *zap.Logger) *AccountRepository {
	return &AccountRepository{client: client, buckets: buckets, logger: logger}
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	account.UserBucket = r.buckets.UserBucket(account.ID)

	st := r.client.Statements
	role := account.Role.String()
	id := gocql.UUID(account.ID)

	if err := r.claim(ctx, st.ClaimEmail, "email", role, account.Email, id, account.UserBucket); err != nil {
		return err
	}
	if err := r.claim(ctx, st.ClaimUserName, "user_name", role, account.UserName, id, account.UserBucket); err != nil {
		r.release(ctx, st.ReleaseEmail, role, account.Email, id)
		return err
	}

	err := r.client.Query(ctx, st.InsertAccount, append([]interface{}{
		role, account.UserBucket, id,
	}, accountValues(account)...)...).Exec()
	if err != nil {
		r.release(ctx, st.ReleaseEmail, role, account.Email, id)
		r.release(ctx, st.ReleaseUserName, role, account.UserName, id)
		r.logger.Error("Failed to create account",
			zap.String("account_id", account.ID.String()),
			zap.String("role", role),
			zap.Error(err))
		return fmt.Errorf("failed to create account: %w", err)
	}

	if account.PasswordResetTokenHash != "" {
		if err := r.indexResetToken(ctx, account); err != nil {
			return err
		}
	}

	r.logger.Info("Account created",
		zap.String("account_id", account.ID.String()),
		zap.String("role", role),
		zap.Int("user_bucket", account.UserBucket))
	return nil
}

func (r *AccountRepository) FindByID(ctx context.Context, role models.Role, id uuid.UUID, opts ...repository.FindOption) (*models.Account, error) {
	account, err := r.load(ctx, role, r.buckets.UserBucket(id), gocql.UUID(id))
	if err != nil {
		return nil, err
	}
	return repository.Project(account, opts), nil
}

func (r *AccountRepository) FindByEmail(ctx context.Context, role models.Role, email string, opts ...repository.FindOption) (*models.Account, error) {
	return r.findVia(ctx, r.client.Statements.SelectEmail, role, email, opts)
}

func (r *AccountRepository) FindByUserName(ctx context.Context, role models.Role, userName string, opts ...repository.FindOption) (*models.Account, error) {
	return r.findVia(ctx, r.client.Statements.SelectUserName, role, userName, opts)
}

func (r *AccountRepository) FindByResetTokenHash(ctx context.Context, role models.Role, tokenHash string, opts ...repository.FindOption) (*models.Account, error) {
	if tokenHash == "" {
		return nil, repository.ErrAccountNotFound
	}
	account, err := r.findVia(ctx, r.client.Statements.SelectResetToken, role, tokenHash, []repository.FindOption{repository.WithSecurityFields()})
	if err != nil {
		return nil, err
	}
	// The lookup row can outlive a cleared token until its TTL runs out.
	if account.PasswordResetTokenHash != tokenHash {
		return nil, repository.ErrAccountNotFound
	}
	return repository.Project(account, opts), nil
}

func (r *AccountRepository) Update(ctx context.Context, account *models.Account) error {
	current, err := r.load(ctx, account.Role, r.buckets.UserBucket(account.ID), gocql.UUID(account.ID))
	if err != nil {
		return err
	}

	st := r.client.Statements
	role := account.Role.String()
	id := gocql.UUID(account.ID)
	bucket := current.UserBucket

	var claimed []lookupRow
	for _, row := range changedLookups(st, current, account) {
		if err := r.claim(ctx, row.claim, row.field, role, row.value, id, bucket); err != nil {
			r.releaseAll(ctx, claimed, role, id)
			return err
		}
		claimed = append(claimed, row)
	}

	account.UpdatedAt = time.Now().UTC()
	account.UserBucket = bucket
	applied, err := r.client.Query(ctx, st.UpdateAccount,
		account.Name, account.UserName, account.Email,
		account.IsVerified, account.IsActive, account.LastLogin, account.UpdatedAt,
		account.PasswordHash, account.LoginAttempts, account.LockUntil,
		account.PasswordResetTokenHash, account.PasswordResetExpires,
		role, bucket, id,
	).MapScanCAS(map[string]interface{}{})
	if err != nil || !applied {
		// The account still owns its old lookup rows.
		r.releaseAll(ctx, claimed, role, id)
	}
	if err != nil {
		r.logger.Error("Failed to update account",
			zap.String("account_id", account.ID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to update account: %w", err)
	}
	if !applied {
		return repository.ErrAccountNotFound
	}

	if account.Email != current.Email {
		r.release(ctx, st.ReleaseEmail, role, current.Email, id)
	}
	if account.UserName != current.UserName {
		r.release(ctx, st.ReleaseUserName, role, current.UserName, id)
	}
	if account.PasswordResetTokenHash != current.PasswordResetTokenHash {
		if current.PasswordResetTokenHash != "" {
			if err := r.client.Query(ctx, st.DeleteResetToken, role, current.PasswordResetTokenHash).Exec(); err != nil {
				r.logger.Warn("Failed to drop reset token index", zap.String("account_id", account.ID.String()), zap.Error(err))
			}
		}
		if account.PasswordResetTokenHash != "" {
			if err := r.indexResetToken(ctx, account); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordLoginFailure is a compare-and-set on (login_attempts, lock_until)
// retried against the latest row until it applies.
func (r *AccountRepository) RecordLoginFailure(ctx context.Context, role models.Role, id uuid.UUID, maxAttempts int, lockFor time.Duration, now time.Time) (*repository.LoginFailure, error) {
	bucket := r.buckets.UserBucket(id)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := r.load(ctx, role, bucket, gocql.UUID(id))
		if err != nil {
			return nil, err
		}
		next := repository.NextLoginFailure(current.LoginAttempts, current.LockUntil, maxAttempts, lockFor, now)
		if !next.Locked && next.LockUntil != nil {
			// Someone else locked it since the caller looked.
			return &next, nil
		}

		applied, err := r.client.Query(ctx, r.client.Statements.RecordFailure,
			next.Attempts, next.LockUntil, now.UTC(),
			role.String(), bucket, gocql.UUID(id),
			current.LoginAttempts, current.LockUntil,
		).MapScanCAS(map[string]interface{}{})
		if err != nil {
			r.logger.Error("Failed to record login failure",
				zap.String("account_id", id.String()),
				zap.Error(err))
			return nil, fmt.Errorf("failed to record login failure: %w", err)
		}
		if applied {
			return &next, nil
		}
		r.logger.Debug("Login failure counter contended, retrying",
			zap.String("account_id", id.String()),
			zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("failed to record login failure for %s: too much contention", id)
}

func (r *AccountRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func (r *AccountRepository) findVia(ctx context.Context, stmt string, role models.Role, key string, opts []repository.FindOption) (*models.Account, error) {
	var (
		id     gocql.UUID
		bucket int
	)
	err := r.client.ScanWithRetry(r.client.Query(ctx, stmt, role.String(), key), &id, &bucket)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}
	account, err := r.load(ctx, role, bucket, id)
	if err != nil {
		return nil, err
	}
	return repository.Project(account, opts), nil
}

func (r *AccountRepository) load(ctx context.Context, role models.Role, bucket int, id gocql.UUID) (*models.Account, error) {
	var (
		a         models.Account
		roleName  string
		accountID gocql.UUID
	)
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Statements.SelectAccount, role.String(), bucket, id),
		&roleName, &a.UserBucket, &accountID, &a.Name, &a.UserName, &a.Email,
		&a.IsVerified, &a.IsActive, &a.LastLogin, &a.CreatedAt, &a.UpdatedAt,
		&a.PasswordHash, &a.LoginAttempts, &a.LockUntil, &a.PasswordResetTokenHash, &a.PasswordResetExpires)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrAccountNotFound
		}
		r.logger.Error("Failed to load account",
			zap.String("account_id", accountID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	a.ID = uuid.UUID(accountID)
	a.Role = models.Role(roleName)
	return &a, nil
}

func (r *AccountRepository) claim(ctx context.Context, stmt, field, role, value string, id gocql.UUID, bucket int) error {
	applied, err := r.client.Query(ctx, stmt, role, value, id, bucket).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", field, err)
	}
	if !applied {
		return &repository.DuplicateError{Field: field}
	}
	return nil
}

func (r *AccountRepository) release(ctx context.Context, stmt, role, value string, id gocql.UUID) {
	if _, err := r.client.Query(ctx, stmt, role, value, id).MapScanCAS(map[string]interface{}{}); err != nil {
		r.logger.Warn("Failed to release lookup row", zap.String("value", value), zap.Error(err))
	}
}

// lookupRow is one uniqueness row an update has to claim.
type lookupRow struct {
	field   string
	value   string
	claim   string
	release string
}

// changedLookups lists the lookup rows next needs that current does not own.
func changedLookups(st Statements, current, next *models.Account) []lookupRow {
	var rows []lookupRow
	if next.Email != current.Email {
		rows = append(rows, lookupRow{field: "email", value: next.Email, claim: st.ClaimEmail, release: st.ReleaseEmail})
	}
	if next.UserName != current.UserName {
		rows = append(rows, lookupRow{field: "user_name", value: next.UserName, claim: st.ClaimUserName, release: st.ReleaseUserName})
	}
	return rows
}

func (r *AccountRepository) releaseAll(ctx context.Context, rows []lookupRow, role string, id gocql.UUID) {
	for _, row := range rows {
		r.release(ctx, row.release, role, row.value, id)
	}
}

func (r *AccountRepository) indexResetToken(ctx context.Context, account *models.Account) error {
	ttl := 600
	if account.PasswordResetExpires != nil {
		if secs := int(time.Until(*account.PasswordResetExpires).Seconds()) + 1; secs > 0 {
			ttl = secs
		}
	}
	err := r.client.Query(ctx, r.client.Statements.InsertResetToken,
		account.Role.String(), account.PasswordResetTokenHash, gocql.UUID(account.ID), account.UserBucket, ttl).Exec()
	if err != nil {
		return fmt.Errorf("failed to index reset token: %w", err)
	}
	return nil
}

func accountValues(a *models.Account) []interface{} {
	return []interface{}{
		a.Name, a.UserName, a.Email,
		a.IsVerified, a.IsActive, a.LastLogin, a.CreatedAt, a.UpdatedAt,
		a.PasswordHash, a.LoginAttempts, a.LockUntil, a.PasswordResetTokenHash, a.PasswordResetExpires,
	}
}
