// Package encryption seals small secrets with envelope encryption: each
// payload is encrypted with an AES-256-GCM data key, and the data key is
// wrapped by KMS or by a local master key.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const sealVersion = "v1"

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// KeyProvider issues and unwraps data keys.
type KeyProvider interface {
	GenerateDataKey(ctx context.Context) (*DataKey, error)
	DecryptDataKey(ctx context.Context, ciphertext []byte) ([]byte, error)
	Name() string
}

type cachedKey struct {
	key       *DataKey
	createdAt time.Time
}

// EncryptionManager reuses one data key for keyLifetime before asking the
// provider for a new one. Unwrapped keys are cached by their wrapped form.
type EncryptionManager struct {
	provider    KeyProvider
	keyLifetime time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	current  *cachedKey
	keyCache sync.Map // wrapped DEK (base64) -> cachedKey
}

func NewEncryptionManager(provider KeyProvider, keyLifetime time.Duration, logger *zap.Logger) *EncryptionManager {
	if keyLifetime <= 0 {
		keyLifetime = time.Hour
	}
	return &EncryptionManager{
		provider:    provider,
		keyLifetime: keyLifetime,
		logger:      logger,
		now:         time.Now,
	}
}

func (em *EncryptionManager) dataKey(ctx context.Context) (*DataKey, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	now := em.now()
	if em.current != nil && now.Sub(em.current.createdAt) < em.keyLifetime {
		return em.current.key, nil
	}

	key, err := em.provider.GenerateDataKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	em.current = &cachedKey{key: key, createdAt: now}
	em.keyCache.Store(base64.RawURLEncoding.EncodeToString(key.Ciphertext), *em.current)
	em.logger.Debug("Data key rotated",
		zap.String("provider", em.provider.Name()),
		zap.String("key_id", key.KeyID))
	return key, nil
}

// Seal encrypts plaintext and returns a self-contained string
// "v1.<wrapped key>.<nonce+ciphertext>".
func (em *EncryptionManager) Seal(ctx context.Context, plaintext []byte) (string, error) {
	key, err := em.dataKey(ctx)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key.Plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	return strings.Join([]string{
		sealVersion,
		base64.RawURLEncoding.EncodeToString(key.Ciphertext),
		base64.RawURLEncoding.EncodeToString(ciphertext),
	}, "."), nil
}

// Open reverses Seal.
func (em *EncryptionManager) Open(ctx context.Context, sealed string) ([]byte, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 3 || parts[0] != sealVersion {
		return nil, fmt.Errorf("%w: unrecognised envelope", ErrDecryptionFailed)
	}

	plainKey, err := em.unwrap(ctx, parts[1])
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	gcm, err := newGCM(plainKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (em *EncryptionManager) unwrap(ctx context.Context, wrapped string) ([]byte, error) {
	if cached, ok := em.keyCache.Load(wrapped); ok {
		return cached.(cachedKey).key.Plaintext, nil
	}

	blob, err := base64.RawURLEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}
	plain, err := em.provider.DecryptDataKey(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
	}
	em.keyCache.Store(wrapped, cachedKey{
		key:       &DataKey{Plaintext: plain, Ciphertext: blob},
		createdAt: em.now(),
	})
	return plain, nil
}

// PruneCache drops unwrapped keys older than maxAge and returns how many
// were removed. The active data key is kept.
func (em *EncryptionManager) PruneCache(maxAge time.Duration) int {
	em.mu.Lock()
	var active *DataKey
	if em.current != nil {
		active = em.current.key
	}
	em.mu.Unlock()

	cutoff := em.now().Add(-maxAge)
	removed := 0
	em.keyCache.Range(func(k, v interface{}) bool {
		entry := v.(cachedKey)
		if entry.key == active {
			return true
		}
		if entry.createdAt.Before(cutoff) {
			em.keyCache.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

// GetCacheSize returns the number of cached DEKs
func (em *EncryptionManager) GetCacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
