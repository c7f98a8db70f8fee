// Package token mints and validates the signed access and refresh tokens
// and keeps refresh-token revocation markers in the ephemeral store.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/config"
	"blog-auth-service/internal/models"
	"blog-auth-service/internal/repository"
)

// Kind tells access and refresh tokens apart. Each kind has its own secret.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

const revokedPrefix = "revoked:"

// RevokedKey is the ephemeral-store key of a revocation marker.
func RevokedKey(token string) string {
	return revokedPrefix + token
}

// Claims carries the subject id and role tag. The role selects the
// directory partition so no extra lookup is needed to dispatch.
type Claims struct {
	ID       string      `json:"id"`
	UserType models.Role `json:"userType"`
	Type     Kind        `json:"type"`
	jwt.RegisteredClaims
}

// Pair is what a successful login or registration hands out.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string

	store    repository.EphemeralStore
	accounts repository.AccountRepository
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func NewIssuer(cfg config.JWTConfig, store repository.EphemeralStore, accounts repository.AccountRepository, logger *zap.Logger, opts ...Option) (*Issuer, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}
	i := &Issuer{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		store:         store,
		accounts:      accounts,
		logger:        logger,
		now:           time.Now,
	}
	if i.accessTTL <= 0 {
		i.accessTTL = 15 * time.Minute
	}
	if i.refreshTTL <= 0 {
		i.refreshTTL = 7 * 24 * time.Hour
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

func (i *Issuer) AccessTTL() time.Duration  { return i.accessTTL }
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

func (i *Issuer) secret(kind Kind) []byte {
	if kind == KindRefresh {
		return i.refreshSecret
	}
	return i.accessSecret
}

func (i *Issuer) sign(account *models.Account, kind Kind, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(ttl)
	claims := Claims{
		ID:       account.ID.String(),
		UserType: account.Role,
		Type:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   account.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret(kind))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return signed, expires, nil
}

func (i *Issuer) IssueAccessToken(account *models.Account) (string, error) {
	t, _, err := i.sign(account, KindAccess, i.accessTTL)
	return t, err
}

func (i *Issuer) IssueRefreshToken(account *models.Account) (string, error) {
	t, _, err := i.sign(account, KindRefresh, i.refreshTTL)
	return t, err
}

func (i *Issuer) IssuePair(account *models.Account) (*Pair, error) {
	access, accessExp, err := i.sign(account, KindAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := i.sign(account, KindRefresh, i.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Verify checks signature, algorithm, issuer, expiry and kind. It fails
// with TOKEN_EXPIRED for a lapsed token and TOKEN_INVALID otherwise.
func (i *Issuer) Verify(token string, kind Kind) (*Claims, error) {
	if token == "" {
		return nil, apperror.ErrTokenInvalid
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(i.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret(kind), nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperror.ErrTokenExpired
		}
		return nil, apperror.Wrap(apperror.CodeTokenInvalid, apperror.ErrTokenInvalid.Message, err)
	}
	if claims.Type != kind || !claims.UserType.Valid() {
		return nil, apperror.ErrTokenInvalid
	}
	if _, err := uuid.Parse(claims.ID); err != nil {
		return nil, apperror.ErrTokenInvalid
	}
	return claims, nil
}

func (i *Issuer) VerifyAccessToken(token string) (*Claims, error) {
	return i.Verify(token, KindAccess)
}

func (i *Issuer) VerifyRefreshToken(token string) (*Claims, error) {
	return i.Verify(token, KindRefresh)
}

// Revoke writes a revocation marker for a refresh token. The marker lives
// as long as the token would, capped at the nominal refresh lifetime. A
// token that no longer verifies needs no marker.
func (i *Issuer) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := i.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil
	}

	ttl := claims.ExpiresAt.Time.Sub(i.now())
	if ttl > i.refreshTTL {
		ttl = i.refreshTTL
	}
	if ttl <= 0 {
		return nil
	}
	if err := i.store.SetWithTTL(ctx, RevokedKey(refreshToken), []byte("1"), ttl); err != nil {
		i.logger.Error("Failed to write revocation marker",
			zap.String("account_id", claims.ID),
			zap.Error(err))
		return apperror.Dependency("failed to revoke refresh token", err)
	}

	i.logger.Info("Refresh token revoked",
		zap.String("account_id", claims.ID),
		zap.String("role", claims.UserType.String()),
		zap.Duration("ttl", ttl))
	return nil
}

func (i *Issuer) IsRevoked(ctx context.Context, refreshToken string) (bool, error) {
	revoked, err := i.store.Exists(ctx, RevokedKey(refreshToken))
	if err != nil {
		return false, apperror.Dependency("failed to check revocation", err)
	}
	return revoked, nil
}

// Refresh mints a new access token from a valid, unrevoked refresh token.
// The refresh token itself is not rotated.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := i.VerifyRefreshToken(refreshToken)
	if err != nil {
		return "", err
	}

	revoked, err := i.IsRevoked(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	if revoked {
		return "", apperror.ErrTokenRevoked
	}

	id, _ := uuid.Parse(claims.ID)
	account, err := i.accounts.FindByID(ctx, claims.UserType, id)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return "", apperror.ErrUserNotFound
		}
		return "", apperror.Dependency("failed to load account", err)
	}
	if !account.IsActive {
		return "", apperror.ErrAccountDisabled
	}

	access, err := i.IssueAccessToken(account)
	if err != nil {
		return "", apperror.Wrap(apperror.CodeInternal, "failed to issue access token", err)
	}
	return access, nil
}
