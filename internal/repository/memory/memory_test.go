package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blog-auth-service/internal/models"
	"blog-auth-service/internal/repository"
)

func TestEphemeralStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewEphemeralStore()

	require.NoError(t, store.SetWithTTL(ctx, "otp:login:a@b.c", []byte(`{"purpose":"login","attempts":0}`), time.Minute))

	ttl, err := store.TTL(ctx, "otp:login:a@b.c")
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 1)

	store.Advance(30 * time.Second)
	n, err := store.IncrField(ctx, "otp:login:a@b.c", "attempts")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ttl, err = store.TTL(ctx, "otp:login:a@b.c")
	require.NoError(t, err)
	assert.InDelta(t, 30, ttl.Seconds(), 1, "increment must keep the remaining ttl")

	got, err := store.Get(ctx, "otp:login:a@b.c")
	require.NoError(t, err)
	assert.JSONEq(t, `{"purpose":"login","attempts":1}`, string(got))

	store.Advance(31 * time.Second)
	_, err = store.Get(ctx, "otp:login:a@b.c")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = store.IncrField(ctx, "otp:login:a@b.c", "attempts")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEphemeralStoreIncrFieldIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewEphemeralStore()
	require.NoError(t, store.SetWithTTL(ctx, "otp:login:a@b.c", []byte(`{"codeHash":"x"}`), time.Minute))

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrField(ctx, "otp:login:a@b.c", "attempts")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := store.IncrField(ctx, "otp:login:a@b.c", "attempts")
	require.NoError(t, err)
	assert.Equal(t, workers+1, n)
}

func TestEphemeralStoreTake(t *testing.T) {
	ctx := context.Background()
	store := NewEphemeralStore()
	require.NoError(t, store.SetWithTTL(ctx, "otp:login:a@b.c", []byte("{}"), time.Minute))

	taken, err := store.Take(ctx, "otp:login:a@b.c")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = store.Take(ctx, "otp:login:a@b.c")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestEphemeralStoreCountPrefixAndFailure(t *testing.T) {
	ctx := context.Background()
	store := NewEphemeralStore()
	require.NoError(t, store.SetWithTTL(ctx, "otp:a", []byte("1"), time.Minute))
	require.NoError(t, store.SetWithTTL(ctx, "otp:b", []byte("1"), time.Second))
	require.NoError(t, store.SetWithTTL(ctx, "revoked:x", []byte("1"), 0))

	store.Advance(2 * time.Second)
	n, err := store.CountPrefix(ctx, "otp:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ttl, err := store.TTL(ctx, "revoked:x")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)

	boom := errors.New("down")
	store.FailWith = boom
	_, err = store.Exists(ctx, "otp:a")
	assert.ErrorIs(t, err, boom)
}

func newAccount(role models.Role, email, userName string) *models.Account {
	return &models.Account{
		Role:         role,
		Name:         "Jane",
		UserName:     userName,
		Email:        email,
		IsVerified:   true,
		IsActive:     true,
		PasswordHash: "hash",
	}
}

func TestAccountStoreUniquenessIsPerRole(t *testing.T) {
	ctx := context.Background()
	store := NewAccountStore()

	require.NoError(t, store.Create(ctx, newAccount(models.RolePublic, "jane@x.io", "jane")))
	require.NoError(t, store.Create(ctx, newAccount(models.RoleAdmin, "jane@x.io", "jane")))

	err := store.Create(ctx, newAccount(models.RolePublic, "jane@x.io", "other"))
	field, ok := repository.IsDuplicate(err)
	require.True(t, ok)
	assert.Equal(t, "email", field)

	err = store.Create(ctx, newAccount(models.RolePublic, "new@x.io", "jane"))
	field, ok = repository.IsDuplicate(err)
	require.True(t, ok)
	assert.Equal(t, "user_name", field)
	assert.Equal(t, 2, store.Len())
}

func TestAccountStoreProjectionAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewAccountStore()
	account := newAccount(models.RolePublic, "jane@x.io", "jane")
	require.NoError(t, store.Create(ctx, account))

	plain, err := store.FindByEmail(ctx, models.RolePublic, "jane@x.io")
	require.NoError(t, err)
	assert.Empty(t, plain.PasswordHash)

	full, err := store.FindByID(ctx, models.RolePublic, account.ID, repository.WithSecurityFields())
	require.NoError(t, err)
	assert.Equal(t, "hash", full.PasswordHash)

	_, err = store.FindByID(ctx, models.RoleAdmin, account.ID)
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)

	full.Email = "jane2@x.io"
	full.PasswordResetTokenHash = "abc"
	require.NoError(t, store.Update(ctx, full))

	_, err = store.FindByEmail(ctx, models.RolePublic, "jane@x.io")
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)

	byToken, err := store.FindByResetTokenHash(ctx, models.RolePublic, "abc", repository.WithSecurityFields())
	require.NoError(t, err)
	assert.Equal(t, "jane2@x.io", byToken.Email)
	assert.Equal(t, 1, store.UpdateCalls)
}

func TestAccountStoreRecordLoginFailure(t *testing.T) {
	ctx := context.Background()
	store := NewAccountStore()
	account := newAccount(models.RoleAdmin, "root@x.io", "root")
	require.NoError(t, store.Create(ctx, account))
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 2; i++ {
		state, err := store.RecordLoginFailure(ctx, models.RoleAdmin, account.ID, 3, 15*time.Minute, now)
		require.NoError(t, err)
		assert.Equal(t, i, state.Attempts)
		assert.False(t, state.Locked)
		assert.Nil(t, state.LockUntil)
	}

	state, err := store.RecordLoginFailure(ctx, models.RoleAdmin, account.ID, 3, 15*time.Minute, now)
	require.NoError(t, err)
	assert.True(t, state.Locked)
	require.NotNil(t, state.LockUntil)
	assert.True(t, state.LockUntil.Equal(now.Add(15*time.Minute)))

	// A live lock is left alone.
	state, err = store.RecordLoginFailure(ctx, models.RoleAdmin, account.ID, 3, 15*time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, state.Locked)
	assert.Equal(t, 3, state.Attempts)

	// An elapsed lock restarts the window.
	state, err = store.RecordLoginFailure(ctx, models.RoleAdmin, account.ID, 3, 15*time.Minute, now.Add(16*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, state.Attempts)
	assert.Nil(t, state.LockUntil)

	stored, err := store.FindByID(ctx, models.RoleAdmin, account.ID, repository.WithSecurityFields())
	require.NoError(t, err)
	assert.Equal(t, 1, stored.LoginAttempts)
	assert.Zero(t, store.UpdateCalls)

	_, err = store.RecordLoginFailure(ctx, models.RolePublic, account.ID, 3, 15*time.Minute, now)
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
}
