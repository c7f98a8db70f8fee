// Package hashing derives password hashes with Argon2id and a versioned
// pepper, and digests short-lived secrets (OTP codes, reset tokens).
package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"blog-auth-service/internal/config"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

const (
	passwordContext = "password"
	otpContext      = "otp"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher is safe for concurrent use. It holds no mutable state.
type Hasher struct {
	params  Argon2Params
	current Pepper
	peppers map[int]Pepper
}

// NewHasher builds a hasher from configuration. The highest configured
// pepper version hashes new passwords and every configured version
// verifies. With no peppers configured, version 0 with an empty pepper is
// used.
func NewHasher(cfg config.HashingConfig) (*Hasher, error) {
	secrets, err := cfg.ParsePeppers()
	if err != nil {
		return nil, err
	}

	h := &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Argon2MemoryCost),
			Iterations:  uint32(cfg.Argon2TimeCost),
			Parallelism: uint8(cfg.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		peppers: make(map[int]Pepper, len(secrets)+1),
	}

	if len(secrets) == 0 {
		h.current = Pepper{Version: 0}
		h.peppers[0] = h.current
		return h, nil
	}
	for i, s := range secrets {
		p := Pepper{Value: s.Value, Version: s.Version}
		h.peppers[p.Version] = p
		if i == 0 || p.Version > h.current.Version {
			h.current = p
		}
	}
	return h, nil
}

// HashPassword returns a self-describing encoded hash:
//
//	$argon2id$v=19$m=65536,t=3,p=2$k=1$<salt>$<key>
//
// where k is the pepper version.
func (h *Hasher) HashPassword(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		h.contextual(password, h.current.Value, passwordContext),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$k=%d$%s$%s",
		argon2.Version,
		h.params.Memory, h.params.Iterations, h.params.Parallelism,
		h.current.Version,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword compares password against an encoded hash in constant
// time. The cost parameters stored in the hash are used, so hashes made
// with older settings keep verifying.
func (h *Hasher) VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 7 || parts[1] != "argon2id" {
		return false, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, ErrInvalidHash
	}
	if version != argon2.Version {
		return false, ErrIncompatibleVersion
	}

	var (
		memory, iterations uint32
		parallelism        uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, ErrInvalidHash
	}

	var pepperVersion int
	if _, err := fmt.Sscanf(parts[4], "k=%d", &pepperVersion); err != nil {
		return false, ErrInvalidHash
	}
	pepper, ok := h.peppers[pepperVersion]
	if !ok {
		return false, ErrUnknownPepper
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[6])
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		h.contextual(password, pepper.Value, passwordContext),
		salt, iterations, memory, parallelism, uint32(len(expected)),
	)
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// NeedsRehash reports whether encoded was made with an older pepper or
// different cost parameters.
func (h *Hasher) NeedsRehash(encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 7 {
		return true
	}
	want := fmt.Sprintf("m=%d,t=%d,p=%d", h.params.Memory, h.params.Iterations, h.params.Parallelism)
	return parts[3] != want || parts[4] != fmt.Sprintf("k=%d", h.current.Version)
}

// DigestOTP binds a one-time code to its purpose and identity. The digest
// is an HMAC keyed by the current pepper; codes live minutes, so they are
// never verified across a pepper change in practice.
func (h *Hasher) DigestOTP(purpose, identity, code string) string {
	mac := hmac.New(sha256.New, h.contextual("", h.current.Value, otpContext))
	mac.Write([]byte(purpose))
	mac.Write([]byte{0})
	mac.Write([]byte(identity))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// MatchOTP compares a code against a stored digest in constant time.
func (h *Hasher) MatchOTP(purpose, identity, code, digest string) bool {
	computed := h.DigestOTP(purpose, identity, code)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}

// HashToken is the storage form of a high-entropy bearer token such as a
// password reset token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// PepperVersion is the version used for new hashes.
func (h *Hasher) PepperVersion() int {
	return h.current.Version
}

// contextual separates purposes so a hash from one context can never be
// replayed in another.
func (h *Hasher) contextual(data, pepper, context string) []byte {
	return []byte(data + pepper + context)
}
