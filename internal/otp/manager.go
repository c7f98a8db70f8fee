// Package otp issues, verifies and expires one-time codes scoped by
// (purpose, identity). A record carries the pending state of its flow as
// metadata until the code is verified.
package otp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/repository"
)

// MetaResendCount is kept in metadata across resends.
const MetaResendCount = "resendCount"

// Metadata is the pending state carried by a challenge.
type Metadata map[string]string

func (m Metadata) clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Digester binds codes to their purpose and identity.
type Digester interface {
	DigestOTP(purpose, identity, code string) string
	MatchOTP(purpose, identity, code, digest string) bool
}

// Sealer encrypts metadata before it reaches the store.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) (string, error)
	Open(ctx context.Context, sealed string) ([]byte, error)
}

// Challenge is the result of issuing a code. Code is the only place the
// clear code exists; it goes to the notification sender and nowhere else.
type Challenge struct {
	Identity string
	Purpose  Purpose
	Code     string
	TTL      time.Duration
}

// ExpiresIn is TTL in whole seconds.
func (c *Challenge) ExpiresIn() int {
	return int(c.TTL / time.Second)
}

// Verification is a consumed challenge.
type Verification struct {
	Identity string
	Purpose  Purpose
	Metadata Metadata

	record    record
	remaining time.Duration
}

const attemptsField = "attempts"

type record struct {
	CodeHash  string    `json:"codeHash"`
	Purpose   Purpose   `json:"purpose"`
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"createdAt"`
	Attempts  int       `json:"attempts"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	Sealed    string    `json:"sealed,omitempty"`
}

type Options struct {
	Length         int
	MaxAttempts    int
	ResendCooldown time.Duration
	TTLs           map[Purpose]time.Duration
}

type Manager struct {
	store    repository.EphemeralStore
	digester Digester
	sealer   Sealer
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

type ManagerOption func(*Manager)

// WithSealer encrypts record metadata at rest.
func WithSealer(s Sealer) ManagerOption {
	return func(m *Manager) { m.sealer = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(store repository.EphemeralStore, digester Digester, opts Options, logger *zap.Logger, options ...ManagerOption) *Manager {
	if opts.Length <= 0 {
		opts.Length = 6
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	m := &Manager{
		store:    store,
		digester: digester,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Key is the store key of a challenge.
func Key(purpose Purpose, identity string) string {
	return "otp:" + string(purpose) + ":" + identity
}

func (m *Manager) ttl(purpose Purpose) time.Duration {
	if d, ok := m.opts.TTLs[purpose]; ok && d > 0 {
		return d
	}
	return 10 * time.Minute
}

// Issue writes a fresh challenge, replacing any pending one for the same
// (purpose, identity).
func (m *Manager) Issue(ctx context.Context, identity string, purpose Purpose, metadata Metadata) (*Challenge, error) {
	if !purpose.Valid() {
		return nil, apperror.ErrInvalidContext
	}
	code, err := m.generateCode()
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to generate code", err)
	}
	return m.write(ctx, identity, purpose, code, metadata)
}

func (m *Manager) write(ctx context.Context, identity string, purpose Purpose, code string, metadata Metadata) (*Challenge, error) {
	rec := record{
		CodeHash:  m.digester.DigestOTP(string(purpose), identity, code),
		Purpose:   purpose,
		Identity:  identity,
		CreatedAt: m.now().UTC(),
	}
	if err := m.put(ctx, &rec, metadata); err != nil {
		return nil, err
	}

	ttl := m.ttl(purpose)
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to encode challenge", err)
	}
	if err := m.store.SetWithTTL(ctx, Key(purpose, identity), raw, ttl); err != nil {
		return nil, apperror.Dependency("failed to store OTP", err)
	}

	m.logger.Info("OTP issued",
		zap.String("identity", identity),
		zap.String("purpose", string(purpose)),
		zap.Duration("ttl", ttl))
	return &Challenge{Identity: identity, Purpose: purpose, Code: code, TTL: ttl}, nil
}

// Verify checks code. Every call that finds a record spends one attempt
// before the comparison; the attempt that reaches MaxAttempts destroys the
// record. A match consumes the record and returns its metadata.
func (m *Manager) Verify(ctx context.Context, identity, code string, purpose Purpose) (*Verification, error) {
	key := Key(purpose, identity)
	rec, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Purpose != purpose || rec.Identity != identity {
		m.logger.Warn("OTP context mismatch",
			zap.String("identity", identity),
			zap.String("requested", string(purpose)),
			zap.String("stored", string(rec.Purpose)))
		return nil, apperror.ErrInvalidContext
	}

	remaining, err := m.store.TTL(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.ErrOTPExpired
		}
		return nil, apperror.Dependency("failed to read OTP ttl", err)
	}

	// The store counts attempts so concurrent guesses cannot share one.
	attempts, err := m.store.IncrField(ctx, key, attemptsField)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.ErrOTPExpired
		}
		return nil, apperror.Dependency("failed to record OTP attempt", err)
	}
	rec.Attempts = attempts

	if rec.Attempts >= m.opts.MaxAttempts {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Error("Failed to delete exhausted OTP", zap.String("identity", identity), zap.Error(err))
		}
		m.logger.Warn("OTP attempts exhausted",
			zap.String("identity", identity),
			zap.String("purpose", string(purpose)))
		return nil, apperror.ErrTooManyAttempts
	}

	if !m.digester.MatchOTP(string(purpose), identity, code, rec.CodeHash) {
		left := m.opts.MaxAttempts - rec.Attempts
		return nil, apperror.ErrInvalidOTP.
			WithInt(apperror.MetaRemainingAttempts, left).
			WithMessage(fmt.Sprintf("invalid OTP, %d attempts remaining", left))
	}

	taken, err := m.store.Take(ctx, key)
	if err != nil {
		return nil, apperror.Dependency("failed to consume OTP", err)
	}
	if !taken {
		// Another request consumed or exhausted it first.
		return nil, apperror.ErrOTPExpired
	}

	metadata, err := m.metadataOf(ctx, rec)
	if err != nil {
		return nil, err
	}

	m.logger.Info("OTP verified",
		zap.String("identity", identity),
		zap.String("purpose", string(purpose)))
	return &Verification{
		Identity:  identity,
		Purpose:   purpose,
		Metadata:  metadata,
		record:    *rec,
		remaining: remaining,
	}, nil
}

// Reinstate puts a consumed challenge back with its remaining lifetime, so
// the caller can retry verification after a failed downstream write.
func (m *Manager) Reinstate(ctx context.Context, v *Verification) error {
	if v == nil || v.remaining <= 0 {
		return nil
	}
	raw, err := json.Marshal(v.record)
	if err != nil {
		return err
	}
	if err := m.store.SetWithTTL(ctx, Key(v.Purpose, v.Identity), raw, v.remaining); err != nil {
		return apperror.Dependency("failed to reinstate OTP", err)
	}
	m.logger.Info("OTP reinstated",
		zap.String("identity", v.Identity),
		zap.String("purpose", string(v.Purpose)))
	return nil
}

// Resend re-issues a challenge with a new code once the cooldown since the
// last issue has passed. newMetadata is merged over the stored metadata.
// A missing registration challenge is issued fresh; other purposes fail
// with NO_OTP_FOUND.
func (m *Manager) Resend(ctx context.Context, identity string, purpose Purpose, newMetadata Metadata) (*Challenge, error) {
	if !purpose.Valid() {
		return nil, apperror.ErrInvalidContext
	}
	key := Key(purpose, identity)
	rec, err := m.load(ctx, key)
	if err != nil {
		if errors.Is(err, apperror.ErrOTPExpired) {
			if purpose == PurposeRegistration {
				return m.Issue(ctx, identity, purpose, newMetadata)
			}
			return nil, apperror.ErrNoOTPFound
		}
		return nil, err
	}
	if rec.Purpose != purpose {
		return nil, apperror.ErrInvalidContext
	}

	if age := m.now().Sub(rec.CreatedAt); age < m.opts.ResendCooldown {
		retryAfter := int(math.Ceil((m.opts.ResendCooldown - age).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return nil, apperror.ErrResendCooldown.
			WithInt(apperror.MetaRetryAfter, retryAfter).
			WithMessage(fmt.Sprintf("please wait %d seconds before requesting a new OTP", retryAfter))
	}

	metadata, err := m.metadataOf(ctx, rec)
	if err != nil {
		return nil, err
	}
	merged := metadata.clone()
	for k, v := range newMetadata {
		merged[k] = v
	}
	count, _ := strconv.Atoi(metadata[MetaResendCount])
	merged[MetaResendCount] = strconv.Itoa(count + 1)

	var code string
	for {
		code, err = m.generateCode()
		if err != nil {
			return nil, apperror.Wrap(apperror.CodeInternal, "failed to generate code", err)
		}
		if !m.digester.MatchOTP(string(purpose), identity, code, rec.CodeHash) {
			break
		}
	}
	return m.write(ctx, identity, purpose, code, merged)
}

// Invalidate drops the challenge unconditionally.
func (m *Manager) Invalidate(ctx context.Context, identity string, purpose Purpose) error {
	if err := m.store.Delete(ctx, Key(purpose, identity)); err != nil {
		return apperror.Dependency("failed to invalidate OTP", err)
	}
	m.logger.Info("OTP invalidated",
		zap.String("identity", identity),
		zap.String("purpose", string(purpose)))
	return nil
}

func (m *Manager) Exists(ctx context.Context, identity string, purpose Purpose) (bool, error) {
	ok, err := m.store.Exists(ctx, Key(purpose, identity))
	if err != nil {
		return false, apperror.Dependency("failed to check OTP", err)
	}
	return ok, nil
}

// RemainingTTL returns how long the challenge stays valid, zero when there
// is none.
func (m *Manager) RemainingTTL(ctx context.Context, identity string, purpose Purpose) (time.Duration, error) {
	ttl, err := m.store.TTL(ctx, Key(purpose, identity))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, nil
		}
		return 0, apperror.Dependency("failed to read OTP ttl", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Peek returns the metadata of a pending challenge without spending an
// attempt.
func (m *Manager) Peek(ctx context.Context, identity string, purpose Purpose) (Metadata, error) {
	rec, err := m.load(ctx, Key(purpose, identity))
	if err != nil {
		return nil, err
	}
	if rec.Purpose != purpose {
		return nil, apperror.ErrInvalidContext
	}
	return m.metadataOf(ctx, rec)
}

func (m *Manager) load(ctx context.Context, key string) (*record, error) {
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.ErrOTPExpired
		}
		return nil, apperror.Dependency("failed to read OTP", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		m.logger.Error("Corrupt OTP record, dropping", zap.String("key", key), zap.Error(err))
		_ = m.store.Delete(ctx, key)
		return nil, apperror.ErrOTPExpired
	}
	return &rec, nil
}

func (m *Manager) put(ctx context.Context, rec *record, metadata Metadata) error {
	if len(metadata) == 0 {
		return nil
	}
	if m.sealer == nil {
		rec.Metadata = metadata.clone()
		return nil
	}
	plain, err := json.Marshal(metadata)
	if err != nil {
		return apperror.Wrap(apperror.CodeInternal, "failed to encode metadata", err)
	}
	sealed, err := m.sealer.Seal(ctx, plain)
	if err != nil {
		return apperror.Dependency("failed to seal OTP metadata", err)
	}
	rec.Sealed = sealed
	return nil
}

func (m *Manager) metadataOf(ctx context.Context, rec *record) (Metadata, error) {
	if rec.Sealed == "" {
		if rec.Metadata == nil {
			return Metadata{}, nil
		}
		return rec.Metadata.clone(), nil
	}
	if m.sealer == nil {
		return nil, apperror.New(apperror.CodeInternal, "sealed OTP metadata but no sealer configured")
	}
	plain, err := m.sealer.Open(ctx, rec.Sealed)
	if err != nil {
		return nil, apperror.Dependency("failed to open OTP metadata", err)
	}
	var md Metadata
	if err := json.Unmarshal(plain, &md); err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to decode metadata", err)
	}
	return md, nil
}

func (m *Manager) generateCode() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(m.opts.Length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", m.opts.Length, n.Int64()), nil
}
