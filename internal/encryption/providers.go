package encryption

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI is the part of the AWS KMS client the provider uses.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSKeyProvider wraps data keys with an AWS KMS key.
type KMSKeyProvider struct {
	client KMSAPI
	keyID  string
}

func NewKMSKeyProvider(client KMSAPI, keyID string) *KMSKeyProvider {
	return &KMSKeyProvider{client: client, keyID: keyID}
}

func (p *KMSKeyProvider) Name() string { return "kms" }

func (p *KMSKeyProvider) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	result, err := p.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(p.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, err
	}
	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      aws.ToString(result.KeyId),
	}, nil
}

func (p *KMSKeyProvider) DecryptDataKey(ctx context.Context, ciphertext []byte) ([]byte, error) {
	result, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: ciphertext,
		KeyId:          aws.String(p.keyID),
	})
	if err != nil {
		return nil, err
	}
	return result.Plaintext, nil
}

// LocalKeyProvider wraps data keys with AES-256-GCM under a master key
// held in configuration.
type LocalKeyProvider struct {
	master []byte
}

// NewLocalKeyProvider decodes a hex master key. An empty string yields a
// random key, which only lives as long as the process.
func NewLocalKeyProvider(hexKey string) (*LocalKeyProvider, bool, error) {
	if hexKey == "" {
		key := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, false, err
		}
		return &LocalKeyProvider{master: key}, true, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, false, fmt.Errorf("local master key must be 32 hex encoded bytes")
	}
	return &LocalKeyProvider{master: key}, false, nil
}

func (p *LocalKeyProvider) Name() string { return "local" }

func (p *LocalKeyProvider) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	plain := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, plain); err != nil {
		return nil, err
	}
	gcm, err := newGCM(p.master)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return &DataKey{
		Plaintext:  plain,
		Ciphertext: gcm.Seal(nonce, nonce, plain, nil),
		KeyID:      "local",
	}, nil
}

func (p *LocalKeyProvider) DecryptDataKey(ctx context.Context, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(p.master)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("wrapped key too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
