package service

import (
	"go.uber.org/zap"

	"blog-auth-service/internal/config"
	"blog-auth-service/internal/credential"
	"blog-auth-service/internal/hashing"
	"blog-auth-service/internal/otp"
	"blog-auth-service/internal/repository"
	"blog-auth-service/internal/token"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg       *config.Config
	accounts  repository.AccountRepository
	ephemeral repository.EphemeralStore
	passwords *hashing.Pool
	sealer    otp.Sealer
	mailer    Mailer
	auditor   Auditor
	logger    *zap.Logger

	otpManager  *otp.Manager
	verifier    *credential.Verifier
	issuer      *token.Issuer
	authService *AuthService
}

// NewServiceFactory validates the token configuration up front so a bad
// secret fails startup rather than the first login.
func NewServiceFactory(
	cfg *config.Config,
	accounts repository.AccountRepository,
	ephemeral repository.EphemeralStore,
	passwords *hashing.Pool,
	sealer otp.Sealer,
	mailer Mailer,
	auditor Auditor,
	logger *zap.Logger,
) (*ServiceFactory, error) {
	f := &ServiceFactory{
		cfg:       cfg,
		accounts:  accounts,
		ephemeral: ephemeral,
		passwords: passwords,
		sealer:    sealer,
		mailer:    mailer,
		auditor:   auditor,
		logger:    logger,
	}
	issuer, err := token.NewIssuer(cfg.JWT, ephemeral, accounts, logger.Named("token"))
	if err != nil {
		return nil, err
	}
	f.issuer = issuer
	return f, nil
}

// OTPManager returns the OTP manager instance (singleton)
func (f *ServiceFactory) OTPManager() *otp.Manager {
	if f.otpManager == nil {
		var opts []otp.ManagerOption
		if f.sealer != nil && f.cfg.OTP.EncryptMetadata {
			opts = append(opts, otp.WithSealer(f.sealer))
		}
		f.otpManager = otp.NewManager(f.ephemeral, f.passwords.Hasher(), otp.Options{
			Length:         f.cfg.OTP.Length,
			MaxAttempts:    f.cfg.OTP.MaxAttempts,
			ResendCooldown: f.cfg.OTP.ResendCooldown,
			TTLs:           otp.TTLs(f.cfg.OTP),
		}, f.logger.Named("otp"), opts...)
	}
	return f.otpManager
}

// Credentials returns the credential verifier instance (singleton)
func (f *ServiceFactory) Credentials() *credential.Verifier {
	if f.verifier == nil {
		var opts []credential.Option
		if f.auditor != nil {
			opts = append(opts, credential.WithObserver(CredentialObserver(f.auditor)))
		}
		f.verifier = credential.NewVerifier(f.accounts, f.passwords, credential.Policies(f.cfg.Lockout), f.logger.Named("credential"), opts...)
	}
	return f.verifier
}

func (f *ServiceFactory) Tokens() *token.Issuer {
	return f.issuer
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(Deps{
			Accounts:    f.accounts,
			OTP:         f.OTPManager(),
			Credentials: f.Credentials(),
			Tokens:      f.Tokens(),
			Passwords:   f.passwords,
			Mailer:      f.mailer,
			Audit:       f.auditor,
			Logger:      f.logger.Named("auth"),
			ResetTTL:    f.cfg.App.PasswordResetTTL,
		})
	}
	return f.authService
}

// Cleanup waits for in-flight notifications.
func (f *ServiceFactory) Cleanup() {
	if f.authService != nil {
		f.authService.Wait()
	}
}
