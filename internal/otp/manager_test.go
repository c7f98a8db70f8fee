package otp

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/config"
	"blog-auth-service/internal/encryption"
	"blog-auth-service/internal/hashing"
	"blog-auth-service/internal/repository"
	"blog-auth-service/internal/repository/memory"
)

const identity = "ada@x.com"

func newManager(t *testing.T, options ...ManagerOption) (*Manager, *memory.EphemeralStore) {
	t.Helper()
	store := memory.NewEphemeralStore()
	return newManagerOn(t, store, store.Now, options...), store
}

func newManagerOn(t *testing.T, store repository.EphemeralStore, now func() time.Time, options ...ManagerOption) *Manager {
	t.Helper()
	hasher, err := hashing.NewHasher(config.HashingConfig{Peppers: "1:test-pepper"})
	require.NoError(t, err)

	opts := Options{
		Length:         6,
		MaxAttempts:    5,
		ResendCooldown: 30 * time.Second,
		TTLs: map[Purpose]time.Duration{
			PurposeRegistration: 10 * time.Minute,
			PurposeLogin:        5 * time.Minute,
		},
	}
	options = append([]ManagerOption{WithClock(now)}, options...)
	return NewManager(store, hasher, opts, zap.NewNop(), options...)
}

// slowReads delays every Get like a network round trip would.
type slowReads struct {
	*memory.EphemeralStore
	delay time.Duration
}

func (s slowReads) Get(ctx context.Context, key string) ([]byte, error) {
	time.Sleep(s.delay)
	return s.EphemeralStore.Get(ctx, key)
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestIssueProducesNumericCode(t *testing.T) {
	m, store := newManager(t)
	ch, err := m.Issue(context.Background(), identity, PurposeLogin, Metadata{"userId": "u1"})
	require.NoError(t, err)

	assert.Len(t, ch.Code, 6)
	assert.Equal(t, "", strings.Trim(ch.Code, "0123456789"))
	assert.Equal(t, 300, ch.ExpiresIn())

	raw, err := store.Get(context.Background(), "otp:login:ada@x.com")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), ch.Code, "clear code must not be stored")
}

func TestVerifySingleUse(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	ch, err := m.Issue(ctx, identity, PurposeRegistration, Metadata{"name": "Ada", "passwordHash": "$argon2id$abc"})
	require.NoError(t, err)

	v, err := m.Verify(ctx, identity, ch.Code, PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, "Ada", v.Metadata["name"])
	assert.Equal(t, "$argon2id$abc", v.Metadata["passwordHash"])

	_, err = m.Verify(ctx, identity, ch.Code, PurposeRegistration)
	assert.ErrorIs(t, err, apperror.ErrOTPExpired)
}

func TestVerifyAttemptCeiling(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	ch, err := m.Issue(ctx, identity, PurposeLogin, nil)
	require.NoError(t, err)
	bad := wrongCode(ch.Code)

	for want := 4; want >= 1; want-- {
		_, err := m.Verify(ctx, identity, bad, PurposeLogin)
		require.ErrorIs(t, err, apperror.ErrInvalidOTP)
		assert.Equal(t, want, mustAttempts(t, err))
	}

	_, err = m.Verify(ctx, identity, bad, PurposeLogin)
	assert.ErrorIs(t, err, apperror.ErrTooManyAttempts)

	_, err = m.Verify(ctx, identity, ch.Code, PurposeLogin)
	assert.ErrorIs(t, err, apperror.ErrOTPExpired)
}

func mustAttempts(t *testing.T, err error) int {
	t.Helper()
	var appErr *apperror.Error
	require.True(t, errors.As(err, &appErr))
	n, convErr := strconv.Atoi(appErr.Metadata[apperror.MetaRemainingAttempts])
	require.NoError(t, convErr)
	return n
}

func TestThreeWrongThenCorrectSucceeds(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	ch, err := m.Issue(ctx, identity, PurposeLogin, Metadata{"userId": "u1"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.Verify(ctx, identity, wrongCode(ch.Code), PurposeLogin)
		require.ErrorIs(t, err, apperror.ErrInvalidOTP)
	}
	v, err := m.Verify(ctx, identity, ch.Code, PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, "u1", v.Metadata["userId"])
}

func TestConcurrentWrongCodesShareTheCeiling(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEphemeralStore()
	m := newManagerOn(t, slowReads{EphemeralStore: store, delay: 20 * time.Millisecond}, store.Now)
	ch, err := m.Issue(ctx, identity, PurposeLogin, nil)
	require.NoError(t, err)
	wrong := wrongCode(ch.Code)

	const workers = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Verify(ctx, identity, wrong, PurposeLogin)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var invalid, exhausted int
	for _, err := range errs {
		require.Error(t, err)
		switch {
		case errors.Is(err, apperror.ErrInvalidOTP):
			invalid++
		case errors.Is(err, apperror.ErrTooManyAttempts):
			exhausted++
		default:
			assert.ErrorIs(t, err, apperror.ErrOTPExpired)
		}
	}
	assert.Equal(t, 4, invalid, "each attempt below the ceiling is spent once")
	assert.GreaterOrEqual(t, exhausted, 1)

	exists, err := store.Exists(ctx, "otp:login:ada@x.com")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.Verify(ctx, identity, ch.Code, PurposeLogin)
	assert.ErrorIs(t, err, apperror.ErrOTPExpired)
}

func TestConcurrentCorrectCodeSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	ch, err := m.Issue(ctx, identity, PurposeRegistration, Metadata{"name": "Ada"})
	require.NoError(t, err)

	const workers = 4
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Verify(ctx, identity, ch.Code, PurposeRegistration); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, apperror.ErrOTPExpired)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}

func TestVerifyPurposeIsolation(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)
	ch, err := m.Issue(ctx, identity, PurposeLogin, nil)
	require.NoError(t, err)

	_, err = m.Verify(ctx, identity, ch.Code, PurposeRegistration)
	assert.ErrorIs(t, err, apperror.ErrOTPExpired)

	// A record stored under the wrong key is rejected as a context mismatch.
	raw, err := store.Get(ctx, Key(PurposeLogin, identity))
	require.NoError(t, err)
	require.NoError(t, store.SetWithTTL(ctx, Key(PurposeEmailUpdate, identity), raw, time.Minute))
	_, err = m.Verify(ctx, identity, ch.Code, PurposeEmailUpdate)
	assert.ErrorIs(t, err, apperror.ErrInvalidContext)
}

func TestVerifyAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)
	ch, err := m.Issue(ctx, identity, PurposeLogin, nil)
	require.NoError(t, err)

	store.Advance(5*time.Minute + time.Second)
	_, err = m.Verify(ctx, identity, ch.Code, PurposeLogin)
	assert.ErrorIs(t, err, apperror.ErrOTPExpired)

	_, err = m.Resend(ctx, identity, PurposeLogin, nil)
	assert.ErrorIs(t, err, apperror.ErrNoOTPFound)

	fresh, err := m.Resend(ctx, identity, PurposeRegistration, Metadata{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, 600, fresh.ExpiresIn())
}

func TestResendCooldown(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)
	first, err := m.Issue(ctx, identity, PurposeLogin, Metadata{"userId": "u1"})
	require.NoError(t, err)

	store.Advance(10 * time.Second)
	_, err = m.Resend(ctx, identity, PurposeLogin, nil)
	require.ErrorIs(t, err, apperror.ErrResendCooldown)
	var appErr *apperror.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "20", appErr.Metadata[apperror.MetaRetryAfter])

	store.Advance(21 * time.Second)
	second, err := m.Resend(ctx, identity, PurposeLogin, Metadata{"extra": "1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Code, second.Code)

	_, err = m.Verify(ctx, identity, first.Code, PurposeLogin)
	require.ErrorIs(t, err, apperror.ErrInvalidOTP)

	v, err := m.Verify(ctx, identity, second.Code, PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, "u1", v.Metadata["userId"])
	assert.Equal(t, "1", v.Metadata["extra"])
	assert.Equal(t, "1", v.Metadata[MetaResendCount])
}

func TestInvalidateAndExists(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	_, err := m.Issue(ctx, identity, PurposeEmailUpdate, nil)
	require.NoError(t, err)

	ok, err := m.Exists(ctx, identity, PurposeEmailUpdate)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := m.RemainingTTL(ctx, identity, PurposeEmailUpdate)
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, m.Invalidate(ctx, identity, PurposeEmailUpdate))
	ok, err = m.Exists(ctx, identity, PurposeEmailUpdate)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err = m.RemainingTTL(ctx, identity, PurposeEmailUpdate)
	require.NoError(t, err)
	assert.Zero(t, ttl)
}

func TestReinstateAfterConsumption(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	ch, err := m.Issue(ctx, identity, PurposeRegistration, Metadata{"name": "Ada"})
	require.NoError(t, err)

	v, err := m.Verify(ctx, identity, ch.Code, PurposeRegistration)
	require.NoError(t, err)
	require.NoError(t, m.Reinstate(ctx, v))

	again, err := m.Verify(ctx, identity, ch.Code, PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, "Ada", again.Metadata["name"])
}

func TestStoreFailureIsDependencyFailure(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)
	store.FailWith = errors.New("connection refused")

	_, err := m.Issue(ctx, identity, PurposeLogin, nil)
	assert.Equal(t, apperror.KindDependencyFailure, apperror.As(err).Kind())

	_, err = m.Verify(ctx, identity, "123456", PurposeLogin)
	assert.Equal(t, apperror.KindDependencyFailure, apperror.As(err).Kind())
}

func TestSealedMetadata(t *testing.T) {
	ctx := context.Background()
	provider, _, err := encryption.NewLocalKeyProvider(strings.Repeat("0f", 32))
	require.NoError(t, err)
	sealer := encryption.NewEncryptionManager(provider, time.Hour, zap.NewNop())

	m, store := newManager(t, WithSealer(sealer))
	ch, err := m.Issue(ctx, identity, PurposePasswordUpdate, Metadata{"passwordHash": "secret-hash"})
	require.NoError(t, err)

	raw, err := store.Get(ctx, Key(PurposePasswordUpdate, identity))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-hash")

	peeked, err := m.Peek(ctx, identity, PurposePasswordUpdate)
	require.NoError(t, err)
	assert.Equal(t, "secret-hash", peeked["passwordHash"])

	v, err := m.Verify(ctx, identity, ch.Code, PurposePasswordUpdate)
	require.NoError(t, err)
	assert.Equal(t, "secret-hash", v.Metadata["passwordHash"])
}

func TestPurposeParsing(t *testing.T) {
	p, ok := ParsePurpose("password_reset")
	assert.True(t, ok)
	assert.Equal(t, PurposePasswordReset, p)

	_, ok = ParsePurpose("bogus")
	assert.False(t, ok)
}
