package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/audit"
	"blog-auth-service/internal/config"
	"blog-auth-service/internal/credential"
	"blog-auth-service/internal/hashing"
	"blog-auth-service/internal/models"
	"blog-auth-service/internal/otp"
	"blog-auth-service/internal/repository"
	"blog-auth-service/internal/repository/memory"
	"blog-auth-service/internal/token"
)

type sentOTP struct {
	to      string
	purpose otp.Purpose
	code    string
}

type fakeMailer struct {
	mu      sync.Mutex
	otps    []sentOTP
	sent    []string // "<kind>:<to>"
	links   []string
	otpErr  error
	linkErr error
}

func (m *fakeMailer) DashboardURL() string { return "https://dash.example.com" }

func (m *fakeMailer) SendOTP(ctx context.Context, to, name string, purpose otp.Purpose, code string, expiresIn time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.otpErr != nil {
		return m.otpErr
	}
	m.otps = append(m.otps, sentOTP{to: to, purpose: purpose, code: code})
	return nil
}

func (m *fakeMailer) record(kind, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, kind+":"+to)
	return nil
}

func (m *fakeMailer) SendWelcome(ctx context.Context, to, name string) error {
	return m.record("welcome", to)
}

func (m *fakeMailer) SendLoginSuccess(ctx context.Context, to, name string, at time.Time) error {
	return m.record("login_success", to)
}

func (m *fakeMailer) SendPasswordChanged(ctx context.Context, to, name string, at time.Time) error {
	return m.record("password_changed", to)
}

func (m *fakeMailer) SendEmailChanged(ctx context.Context, oldEmail, name, newEmail string, at time.Time) error {
	return m.record("email_changed", oldEmail)
}

func (m *fakeMailer) SendPasswordResetLink(ctx context.Context, to, name, link string, expiresIn time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.linkErr != nil {
		return m.linkErr
	}
	m.links = append(m.links, link)
	return nil
}

func (m *fakeMailer) lastCode(t *testing.T, to string, purpose otp.Purpose) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.otps) - 1; i >= 0; i-- {
		if m.otps[i].to == to && m.otps[i].purpose == purpose {
			return m.otps[i].code
		}
	}
	t.Fatalf("no %s code sent to %s", purpose, to)
	return ""
}

func (m *fakeMailer) sentMail() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAuditor) Record(ctx context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAuditor) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc      *AuthService
	store    *memory.EphemeralStore
	accounts *memory.AccountStore
	mailer   *fakeMailer
	auditor  *recordingAuditor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hasher, err := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           "1:pepper",
	})
	require.NoError(t, err)
	pool := hashing.NewPool(hasher, 2)

	store := memory.NewEphemeralStore()
	accounts := memory.NewAccountStore()
	mailer := &fakeMailer{}
	auditor := &recordingAuditor{}
	logger := zap.NewNop()

	manager := otp.NewManager(store, hasher, otp.Options{
		Length:         6,
		MaxAttempts:    5,
		ResendCooldown: 30 * time.Second,
		TTLs: map[otp.Purpose]time.Duration{
			otp.PurposeRegistration:   10 * time.Minute,
			otp.PurposeLogin:          5 * time.Minute,
			otp.PurposePasswordReset:  10 * time.Minute,
			otp.PurposePasswordUpdate: 5 * time.Minute,
			otp.PurposeEmailUpdate:    10 * time.Minute,
		},
	}, logger, otp.WithClock(store.Now))

	verifier := credential.NewVerifier(accounts, pool, credential.Policies(config.LockoutConfig{
		AdminMaxAttempts:  3,
		AdminDuration:     15 * time.Minute,
		PublicMaxAttempts: 5,
		PublicDuration:    30 * time.Minute,
	}), logger, credential.WithClock(store.Now), credential.WithObserver(CredentialObserver(auditor)))

	issuer, err := token.NewIssuer(config.JWTConfig{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "blog-auth-service",
	}, store, accounts, logger, token.WithClock(store.Now))
	require.NoError(t, err)

	svc := NewAuthService(Deps{
		Accounts:    accounts,
		OTP:         manager,
		Credentials: verifier,
		Tokens:      issuer,
		Passwords:   pool,
		Mailer:      mailer,
		Audit:       auditor,
		Logger:      logger,
		ResetTTL:    10 * time.Minute,
	}, WithClock(store.Now))
	t.Cleanup(svc.Wait)

	return &fixture{svc: svc, store: store, accounts: accounts, mailer: mailer, auditor: auditor}
}

const testPassword = "correct-horse"

func (f *fixture) pendingOTPs(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountPrefix(context.Background(), "otp:")
	require.NoError(t, err)
	return n
}

func (f *fixture) register(t *testing.T, role models.Role, email, userName string) *Session {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.Register(ctx, role, RegisterInput{
		Name:     "Ada",
		UserName: userName,
		Email:    email,
		Password: testPassword,
	})
	require.NoError(t, err)
	sess, err := f.svc.VerifyRegistration(ctx, role, email, f.mailer.lastCode(t, email, otp.PurposeRegistration))
	require.NoError(t, err)
	return sess
}

// parkedHash reads the password hash a pending challenge carries in its metadata.
func (f *fixture) parkedHash(t *testing.T, purpose otp.Purpose, role models.Role, email string) string {
	t.Helper()
	raw, err := f.store.Get(context.Background(), otp.Key(purpose, challengeID(role, email)))
	require.NoError(t, err)
	var rec struct {
		Metadata otp.Metadata `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(raw, &rec))
	require.NotEmpty(t, rec.Metadata[metaPasswordHash])
	return rec.Metadata[metaPasswordHash]
}

func (f *fixture) storedHash(t *testing.T, role models.Role, email string) string {
	t.Helper()
	account, err := f.accounts.FindByEmail(context.Background(), role, email, repository.WithSecurityFields())
	require.NoError(t, err)
	return account.PasswordHash
}

func principalOf(t *testing.T, sess *Session) Principal {
	t.Helper()
	return Principal{AccountID: uuid.MustParse(sess.Account.ID), Role: sess.Account.Role}
}

func TestRegistrationCreatesAccountOnlyAfterVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.svc.Register(ctx, models.RolePublic, RegisterInput{
		Name:     "Ada",
		UserName: "ada99",
		Email:    "  Ada@X.com ",
		Password: testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, "ada@x.com", pending.Email)
	assert.Equal(t, 600, pending.ExpiresIn)
	assert.Equal(t, 0, f.accounts.Len())

	sess, err := f.svc.VerifyRegistration(ctx, models.RolePublic, "ada@x.com", f.mailer.lastCode(t, "ada@x.com", otp.PurposeRegistration))
	require.NoError(t, err)
	assert.Equal(t, 1, f.accounts.Len())
	assert.Equal(t, "ada@x.com", sess.Account.Email)
	assert.Equal(t, "ada99", sess.Account.UserName)
	assert.True(t, sess.Account.IsVerified)
	assert.True(t, sess.Account.IsActive)
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken)

	stored, err := f.accounts.FindByEmail(ctx, models.RolePublic, "ada@x.com")
	require.NoError(t, err)
	assert.Empty(t, stored.PasswordHash, "security fields are not projected by default")

	p, err := f.svc.Authorize(ctx, sess.AccessToken, models.RolePublic)
	require.NoError(t, err)
	assert.Equal(t, sess.Account.ID, p.AccountID.String())

	f.svc.Wait()
	assert.Contains(t, f.mailer.sentMail(), "welcome:ada@x.com")
	assert.Equal(t, []string{audit.TypeRegistrationStarted, audit.TypeRegistrationCompleted}, f.auditor.types())
}

func TestRegisterRejectsTakenIdentifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, models.RolePublic, "ada@x.com", "ada99")

	_, err := f.svc.Register(ctx, models.RolePublic, RegisterInput{Name: "Ada", UserName: "other", Email: "ada@x.com", Password: testPassword})
	require.ErrorIs(t, err, apperror.ErrUserExists)
	assert.Equal(t, "email", apperror.As(err).Metadata[apperror.MetaField])

	_, err = f.svc.Register(ctx, models.RolePublic, RegisterInput{Name: "Ada", UserName: "ada99", Email: "new@x.com", Password: testPassword})
	require.ErrorIs(t, err, apperror.ErrUserExists)
	assert.Equal(t, "user_name", apperror.As(err).Metadata[apperror.MetaField])

	// The admin partition is separate.
	_, err = f.svc.Register(ctx, models.RoleAdmin, RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword})
	assert.NoError(t, err)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	valid := RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword}

	tests := []struct {
		name   string
		mutate func(*RegisterInput)
		code   apperror.Code
		field  string
	}{
		{"bad email", func(in *RegisterInput) { in.Email = "not-an-email" }, apperror.CodeValidationFailed, "email"},
		{"short name", func(in *RegisterInput) { in.Name = "A" }, apperror.CodeValidationFailed, "name"},
		{"username charset", func(in *RegisterInput) { in.UserName = "ada-99" }, apperror.CodeValidationFailed, "user_name"},
		{"short username", func(in *RegisterInput) { in.UserName = "ad" }, apperror.CodeValidationFailed, "user_name"},
		{"weak password", func(in *RegisterInput) { in.Password = "short" }, apperror.CodeWeakPassword, "password"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := f.svc.Register(context.Background(), models.RolePublic, in)
			require.Error(t, err)
			appErr := apperror.As(err)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.field, appErr.Metadata[apperror.MetaField])
		})
	}
	assert.Equal(t, 0, f.pendingOTPs(t))
}

func TestVerifyRegistrationWrongCodeKeepsChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, models.RolePublic, RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword})
	require.NoError(t, err)
	code := f.mailer.lastCode(t, "ada@x.com", otp.PurposeRegistration)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err = f.svc.VerifyRegistration(ctx, models.RolePublic, "ada@x.com", wrong)
	require.ErrorIs(t, err, apperror.ErrInvalidOTP)
	assert.Equal(t, "4", apperror.As(err).Metadata[apperror.MetaRemainingAttempts])
	assert.Contains(t, f.auditor.types(), audit.TypeOTPFailed)

	_, err = f.svc.VerifyRegistration(ctx, models.RolePublic, "ada@x.com", code)
	require.NoError(t, err)

	// Consumed.
	_, err = f.svc.VerifyRegistration(ctx, models.RolePublic, "ada@x.com", code)
	assert.ErrorIs(t, err, apperror.ErrOTPExpired)
}

func TestChallengesArePartitionedByRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, models.RolePublic, RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword})
	require.NoError(t, err)
	publicCode := f.mailer.lastCode(t, "ada@x.com", otp.PurposeRegistration)

	// A public code means nothing to the admin partition.
	_, err = f.svc.VerifyRegistration(ctx, models.RoleAdmin, "ada@x.com", publicCode)
	require.ErrorIs(t, err, apperror.ErrOTPExpired)
	assert.Equal(t, 0, f.accounts.Len())

	// A pending admin registration for the same email leaves the public one alone.
	_, err = f.svc.Register(ctx, models.RoleAdmin, RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword})
	require.NoError(t, err)
	adminCode := f.mailer.lastCode(t, "ada@x.com", otp.PurposeRegistration)
	assert.Equal(t, 2, f.pendingOTPs(t))

	sess, err := f.svc.VerifyRegistration(ctx, models.RolePublic, "ada@x.com", publicCode)
	require.NoError(t, err)
	assert.Equal(t, models.RolePublic, sess.Account.Role)

	sess, err = f.svc.VerifyRegistration(ctx, models.RoleAdmin, "ada@x.com", adminCode)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, sess.Account.Role)
	assert.Equal(t, 2, f.accounts.Len())
}

func TestVerifyRegistrationReinstatesOnDirectoryFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, models.RolePublic, RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword})
	require.NoError(t, err)
	code := f.mailer.lastCode(t, "ada@x.com", otp.PurposeRegistration)

	f.accounts.FailWith = errors.New("cluster unavailable")
	_, err = f.svc.VerifyRegistration(ctx, models.RolePublic, "ada@x.com", code)
	require.Error(t, err)
	assert.Equal(t, apperror.KindDependencyFailure, apperror.As(err).Kind())

	f.accounts.FailWith = nil
	_, err = f.svc.VerifyRegistration(ctx, models.RolePublic, "ada@x.com", code)
	require.NoError(t, err)
	assert.Equal(t, 1, f.accounts.Len())
}

func TestFailedDeliveryDropsChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mailer.otpErr = apperror.ErrSendFailed

	_, err := f.svc.Register(ctx, models.RolePublic, RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword})
	require.ErrorIs(t, err, apperror.ErrSendFailed)

	status, err := f.svc.CheckOTPStatus(ctx, models.RolePublic, "ada@x.com", "registration")
	require.NoError(t, err)
	assert.False(t, status.Exists)
	assert.Contains(t, f.auditor.types(), audit.TypeDeliveryFailed)
}

func TestLoginRequiresSecondFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, models.RolePublic, "ada@x.com", "ada99")
	f.store.Advance(time.Minute)

	pending, err := f.svc.Login(ctx, models.RolePublic, "ADA@x.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, 300, pending.ExpiresIn)

	sess, err := f.svc.VerifyLogin(ctx, models.RolePublic, "ada@x.com", f.mailer.lastCode(t, "ada@x.com", otp.PurposeLogin))
	require.NoError(t, err)
	require.NotNil(t, sess.Account.LastLogin)
	assert.WithinDuration(t, f.store.Now(), *sess.Account.LastLogin, time.Second)

	f.svc.Wait()
	assert.Contains(t, f.mailer.sentMail(), "login_success:ada@x.com")
	assert.Contains(t, f.auditor.types(), audit.TypeLoginChallenged)
	assert.Contains(t, f.auditor.types(), audit.TypeLoginCompleted)
}

func TestLoginFailuresLockAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, models.RoleAdmin, "root@x.com", "root")

	for i := 0; i < 2; i++ {
		_, err := f.svc.Login(ctx, models.RoleAdmin, "root@x.com", "wrong-password")
		require.ErrorIs(t, err, apperror.ErrInvalidCredentials)
	}
	_, err := f.svc.Login(ctx, models.RoleAdmin, "root@x.com", "wrong-password")
	require.ErrorIs(t, err, apperror.ErrInvalidCredentials)
	assert.Equal(t, "15", apperror.As(err).Metadata[apperror.MetaRemainingMinutes])

	_, err = f.svc.Login(ctx, models.RoleAdmin, "root@x.com", testPassword)
	require.ErrorIs(t, err, apperror.ErrAccountLocked)

	types := f.auditor.types()
	assert.Contains(t, types, audit.TypeLoginFailed)
	assert.Contains(t, types, audit.TypeAccountLocked)
}

func TestLoginUnknownEmailIsGeneric(t *testing.T) {
	f := newFixture(t)
	f.register(t, models.RolePublic, "ada@x.com", "ada99")

	_, err := f.svc.Login(context.Background(), models.RoleAdmin, "ada@x.com", testPassword)
	assert.ErrorIs(t, err, apperror.ErrInvalidCredentials)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, models.RolePublic, "ada@x.com", "ada99")

	access, err := f.svc.RefreshAccessToken(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, access)

	require.NoError(t, f.svc.Logout(ctx, sess.RefreshToken))
	_, err = f.svc.RefreshAccessToken(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, apperror.ErrTokenRevoked)

	assert.NoError(t, f.svc.Logout(ctx, ""))
	_, err = f.svc.RefreshAccessToken(ctx, " ")
	assert.ErrorIs(t, err, apperror.ErrTokenInvalid)
	assert.Contains(t, f.auditor.types(), audit.TypeLogout)
}

func TestLogoutFailsWhenStoreIsDown(t *testing.T) {
	f := newFixture(t)
	sess := f.register(t, models.RolePublic, "ada@x.com", "ada99")

	f.store.FailWith = errors.New("redis down")
	err := f.svc.Logout(context.Background(), sess.RefreshToken)
	require.Error(t, err)
	assert.Equal(t, apperror.KindDependencyFailure, apperror.As(err).Kind())
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, models.RolePublic, "ada@x.com", "ada99")

	_, err := f.svc.Authorize(ctx, sess.AccessToken, models.RoleAdmin)
	assert.ErrorIs(t, err, apperror.ErrForbiddenRole)

	_, err = f.svc.Authorize(ctx, sess.RefreshToken, models.RolePublic)
	assert.ErrorIs(t, err, apperror.ErrTokenInvalid)

	stored, err := f.accounts.FindByID(ctx, models.RolePublic, uuid.MustParse(sess.Account.ID), repository.WithSecurityFields())
	require.NoError(t, err)
	stored.IsActive = false
	require.NoError(t, f.accounts.Update(ctx, stored))

	_, err = f.svc.Authorize(ctx, sess.AccessToken, models.RolePublic)
	assert.ErrorIs(t, err, apperror.ErrAccountDisabled)
}

func TestMeReturnsPublicFields(t *testing.T) {
	f := newFixture(t)
	sess := f.register(t, models.RolePublic, "ada@x.com", "ada99")

	me, err := f.svc.Me(context.Background(), principalOf(t, sess))
	require.NoError(t, err)
	assert.Equal(t, "ada@x.com", me.Email)
	assert.Equal(t, models.RolePublic, me.Role)
}

func TestPasswordUpdateFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, models.RolePublic, "ada@x.com", "ada99")
	p := principalOf(t, sess)

	_, err := f.svc.RequestPasswordUpdate(ctx, p, "not-the-password", "brand-new-secret")
	require.ErrorIs(t, err, apperror.ErrInvalidCredentials)

	_, err = f.svc.RequestPasswordUpdate(ctx, p, testPassword, testPassword)
	require.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.svc.RequestPasswordUpdate(ctx, p, testPassword, "short")
	require.ErrorIs(t, err, apperror.ErrWeakPassword)

	pending, err := f.svc.RequestPasswordUpdate(ctx, p, testPassword, "brand-new-secret")
	require.NoError(t, err)
	assert.Equal(t, "ada@x.com", pending.Email)

	// Nothing changes until the code is verified.
	_, err = f.svc.Login(ctx, models.RolePublic, "ada@x.com", testPassword)
	require.NoError(t, err)

	require.NoError(t, f.svc.VerifyPasswordUpdate(ctx, p, f.mailer.lastCode(t, "ada@x.com", otp.PurposePasswordUpdate)))

	_, err = f.svc.Login(ctx, models.RolePublic, "ada@x.com", testPassword)
	require.ErrorIs(t, err, apperror.ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, models.RolePublic, "ada@x.com", "brand-new-secret")
	require.NoError(t, err)

	f.svc.Wait()
	assert.Contains(t, f.mailer.sentMail(), "password_changed:ada@x.com")
	assert.Contains(t, f.auditor.types(), audit.TypePasswordUpdated)
}

func resetTokenFrom(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "/reset-password", u.Path)
	return u.Query().Get("token")
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, models.RolePublic, "ada@x.com", "ada99")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, models.RolePublic, "nobody@x.com"))
	assert.Empty(t, f.mailer.links)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, models.RolePublic, "ada@x.com"))
	require.Len(t, f.mailer.links, 1)
	raw := resetTokenFrom(t, f.mailer.links[0])
	require.Len(t, raw, 64)

	stored, err := f.accounts.FindByEmail(ctx, models.RolePublic, "ada@x.com", repository.WithSecurityFields())
	require.NoError(t, err)
	assert.Equal(t, hashing.HashToken(raw), stored.PasswordResetTokenHash)

	err = f.svc.VerifyPasswordReset(ctx, models.RolePublic, raw, "brand-new-secret", "different-secret")
	require.ErrorIs(t, err, apperror.ErrValidation)

	require.NoError(t, f.svc.VerifyPasswordReset(ctx, models.RolePublic, raw, "brand-new-secret", "brand-new-secret"))

	err = f.svc.VerifyPasswordReset(ctx, models.RolePublic, raw, "another-secret", "another-secret")
	require.ErrorIs(t, err, apperror.ErrTokenInvalid)

	_, err = f.svc.Login(ctx, models.RolePublic, "ada@x.com", "brand-new-secret")
	require.NoError(t, err)
	assert.Contains(t, f.auditor.types(), audit.TypePasswordResetDone)
}

func TestPasswordResetLinkExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, models.RolePublic, "ada@x.com", "ada99")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, models.RolePublic, "ada@x.com"))
	raw := resetTokenFrom(t, f.mailer.links[0])

	f.store.Advance(11 * time.Minute)
	err := f.svc.VerifyPasswordReset(ctx, models.RolePublic, raw, "brand-new-secret", "brand-new-secret")
	require.ErrorIs(t, err, apperror.ErrTokenExpired)

	err = f.svc.VerifyPasswordReset(ctx, models.RolePublic, raw, "brand-new-secret", "brand-new-secret")
	assert.ErrorIs(t, err, apperror.ErrTokenInvalid)
}

func TestPasswordResetDeliveryFailureIsSilent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, models.RolePublic, "ada@x.com", "ada99")
	f.mailer.linkErr = apperror.ErrSendFailed

	require.NoError(t, f.svc.RequestPasswordReset(ctx, models.RolePublic, "ada@x.com"))

	stored, err := f.accounts.FindByEmail(ctx, models.RolePublic, "ada@x.com", repository.WithSecurityFields())
	require.NoError(t, err)
	assert.Empty(t, stored.PasswordResetTokenHash)
	assert.Nil(t, stored.PasswordResetExpires)
	assert.Contains(t, f.auditor.types(), audit.TypeDeliveryFailed)
}

func TestEmailUpdateFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, models.RolePublic, "ada@x.com", "ada99")
	f.register(t, models.RolePublic, "taken@x.com", "grace")
	p := principalOf(t, sess)

	_, err := f.svc.RequestEmailUpdate(ctx, p, "ADA@x.com")
	require.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.svc.RequestEmailUpdate(ctx, p, "taken@x.com")
	require.ErrorIs(t, err, apperror.ErrUserExists)

	pending, err := f.svc.RequestEmailUpdate(ctx, p, "new@x.com")
	require.NoError(t, err)
	assert.Equal(t, "new@x.com", pending.Email)

	me, err := f.svc.Me(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "ada@x.com", me.Email)

	require.NoError(t, f.svc.VerifyEmailUpdate(ctx, p, "new@x.com", f.mailer.lastCode(t, "new@x.com", otp.PurposeEmailUpdate)))

	me, err = f.svc.Me(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "new@x.com", me.Email)

	// The password survives the update.
	_, err = f.svc.Login(ctx, models.RolePublic, "new@x.com", testPassword)
	require.NoError(t, err)

	f.svc.Wait()
	assert.Contains(t, f.mailer.sentMail(), "email_changed:ada@x.com")
	assert.Contains(t, f.auditor.types(), audit.TypeEmailUpdated)
}

func TestEmailUpdateCodeIsBoundToAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada := f.register(t, models.RolePublic, "ada@x.com", "ada99")
	grace := f.register(t, models.RolePublic, "grace@x.com", "grace")

	_, err := f.svc.RequestEmailUpdate(ctx, principalOf(t, ada), "new@x.com")
	require.NoError(t, err)
	code := f.mailer.lastCode(t, "new@x.com", otp.PurposeEmailUpdate)

	err = f.svc.VerifyEmailUpdate(ctx, principalOf(t, grace), "new@x.com", code)
	require.ErrorIs(t, err, apperror.ErrInvalidContext)

	require.NoError(t, f.svc.VerifyEmailUpdate(ctx, principalOf(t, ada), "new@x.com", code))
}

func TestResendOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, models.RolePublic, RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword})
	require.NoError(t, err)
	first := f.mailer.lastCode(t, "ada@x.com", otp.PurposeRegistration)

	_, err = f.svc.ResendOTP(ctx, models.RolePublic, "ada@x.com", "registration")
	require.ErrorIs(t, err, apperror.ErrResendCooldown)
	assert.NotEmpty(t, apperror.As(err).Metadata[apperror.MetaRetryAfter])

	f.store.Advance(31 * time.Second)
	_, err = f.svc.ResendOTP(ctx, models.RoleAdmin, "ada@x.com", "registration")
	require.ErrorIs(t, err, apperror.ErrNoOTPFound)

	pending, err := f.svc.ResendOTP(ctx, models.RolePublic, "ada@x.com", "registration")
	require.NoError(t, err)
	assert.Equal(t, 600, pending.ExpiresIn)
	second := f.mailer.lastCode(t, "ada@x.com", otp.PurposeRegistration)
	assert.NotEqual(t, first, second)

	// Registration details survive the resend.
	sess, err := f.svc.VerifyRegistration(ctx, models.RolePublic, "ada@x.com", second)
	require.NoError(t, err)
	assert.Equal(t, "ada99", sess.Account.UserName)
}

func TestRegistrationStoresTheParkedHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, models.RolePublic, RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword})
	require.NoError(t, err)
	parked := f.parkedHash(t, otp.PurposeRegistration, models.RolePublic, "ada@x.com")

	_, err = f.svc.VerifyRegistration(ctx, models.RolePublic, "ada@x.com", f.mailer.lastCode(t, "ada@x.com", otp.PurposeRegistration))
	require.NoError(t, err)
	assert.Equal(t, parked, f.storedHash(t, models.RolePublic, "ada@x.com"))

	_, err = f.svc.Login(ctx, models.RolePublic, "ada@x.com", testPassword)
	require.NoError(t, err)
}

func TestPasswordUpdateStoresTheParkedHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, models.RolePublic, "ada@x.com", "ada99")
	p := principalOf(t, sess)
	before := f.storedHash(t, models.RolePublic, "ada@x.com")

	_, err := f.svc.RequestPasswordUpdate(ctx, p, testPassword, "brand-new-secret")
	require.NoError(t, err)
	parked := f.parkedHash(t, otp.PurposePasswordUpdate, models.RolePublic, "ada@x.com")
	assert.NotEqual(t, before, parked)
	assert.Equal(t, before, f.storedHash(t, models.RolePublic, "ada@x.com"))

	require.NoError(t, f.svc.VerifyPasswordUpdate(ctx, p, f.mailer.lastCode(t, "ada@x.com", otp.PurposePasswordUpdate)))
	assert.Equal(t, parked, f.storedHash(t, models.RolePublic, "ada@x.com"))
}

func TestWrongLoginCodesDoNotLockAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, models.RolePublic, "ada@x.com", "ada99")

	_, err := f.svc.Login(ctx, models.RolePublic, "ada@x.com", testPassword)
	require.NoError(t, err)
	code := f.mailer.lastCode(t, "ada@x.com", otp.PurposeLogin)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 1; i <= 3; i++ {
		_, err = f.svc.VerifyLogin(ctx, models.RolePublic, "ada@x.com", wrong)
		require.ErrorIs(t, err, apperror.ErrInvalidOTP)
		assert.Equal(t, strconv.Itoa(5-i), apperror.As(err).Metadata[apperror.MetaRemainingAttempts])
	}

	account, err := f.accounts.FindByEmail(ctx, models.RolePublic, "ada@x.com", repository.WithSecurityFields())
	require.NoError(t, err)
	assert.Zero(t, account.LoginAttempts)
	assert.Nil(t, account.LockUntil)

	sess, err := f.svc.VerifyLogin(ctx, models.RolePublic, "ada@x.com", code)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AccessToken)
}

func TestRegistrationResendAfterExpiryNeedsNewRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, models.RolePublic, RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword})
	require.NoError(t, err)

	f.store.Advance(11 * time.Minute)
	_, err = f.svc.ResendOTP(ctx, models.RolePublic, "ada@x.com", "registration")
	require.ErrorIs(t, err, apperror.ErrNoOTPFound)
	assert.Contains(t, apperror.As(err).Message, "register again")

	_, err = f.svc.Register(ctx, models.RolePublic, RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword})
	require.NoError(t, err)
	_, err = f.svc.VerifyRegistration(ctx, models.RolePublic, "ada@x.com", f.mailer.lastCode(t, "ada@x.com", otp.PurposeRegistration))
	require.NoError(t, err)
}

func TestResendWithoutPendingChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ResendOTP(ctx, models.RolePublic, "ada@x.com", "registration")
	require.ErrorIs(t, err, apperror.ErrNoOTPFound)

	_, err = f.svc.ResendOTP(ctx, models.RolePublic, "ada@x.com", "login")
	require.ErrorIs(t, err, apperror.ErrNoOTPFound)

	_, err = f.svc.ResendOTP(ctx, models.RolePublic, "ada@x.com", "sms")
	require.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, 0, f.pendingOTPs(t))
}

func TestStatusChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.svc.CheckRegistrationStatus(ctx, models.RolePublic, "ada@x.com")
	require.NoError(t, err)
	assert.True(t, status.CanRegister)

	_, err = f.svc.Register(ctx, models.RolePublic, RegisterInput{Name: "Ada", UserName: "ada99", Email: "ada@x.com", Password: testPassword})
	require.NoError(t, err)

	otpStatus, err := f.svc.CheckOTPStatus(ctx, models.RolePublic, "ada@x.com", "registration")
	require.NoError(t, err)
	assert.True(t, otpStatus.Exists)
	assert.InDelta(t, 600, otpStatus.ExpiresIn, 1)

	_, err = f.svc.VerifyRegistration(ctx, models.RolePublic, "ada@x.com", f.mailer.lastCode(t, "ada@x.com", otp.PurposeRegistration))
	require.NoError(t, err)

	status, err = f.svc.CheckRegistrationStatus(ctx, models.RolePublic, "ada@x.com")
	require.NoError(t, err)
	assert.Equal(t, RegistrationStatus{Exists: true, IsVerified: true, IsActive: true}, *status)
}
