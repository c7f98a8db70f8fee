package encryption

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLocalManager(t *testing.T) *EncryptionManager {
	t.Helper()
	provider, generated, err := NewLocalKeyProvider(strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.False(t, generated)
	return NewEncryptionManager(provider, time.Hour, zap.NewNop())
}

func TestSealOpenRoundTrip(t *testing.T) {
	em := newLocalManager(t)
	ctx := context.Background()

	sealed, err := em.Seal(ctx, []byte(`{"passwordHash":"x"}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1."))
	assert.NotContains(t, sealed, "passwordHash")

	plain, err := em.Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"passwordHash":"x"}`, string(plain))
}

func TestOpenWithFreshManagerUnwrapsKey(t *testing.T) {
	ctx := context.Background()
	sealed, err := newLocalManager(t).Seal(ctx, []byte("hello"))
	require.NoError(t, err)

	other := newLocalManager(t)
	plain, err := other.Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))
	assert.Equal(t, 1, other.GetCacheSize())
}

func TestOpenRejectsTampering(t *testing.T) {
	em := newLocalManager(t)
	ctx := context.Background()
	sealed, err := em.Seal(ctx, []byte("hello"))
	require.NoError(t, err)

	_, err = em.Open(ctx, "v2"+sealed[2:])
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	parts := strings.Split(sealed, ".")
	body := []byte(parts[2])
	body[len(body)-2] ^= 0x01
	_, err = em.Open(ctx, parts[0]+"."+parts[1]+"."+string(body))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDataKeyReuseAndPrune(t *testing.T) {
	em := newLocalManager(t)
	ctx := context.Background()
	clock := time.Now()
	em.now = func() time.Time { return clock }

	_, err := em.Seal(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = em.Seal(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, em.GetCacheSize())

	clock = clock.Add(2 * time.Hour)
	_, err = em.Seal(ctx, []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, 2, em.GetCacheSize())

	assert.Equal(t, 1, em.PruneCache(time.Hour))
	assert.Equal(t, 1, em.GetCacheSize())
}

type fakeKMS struct {
	failDecrypt bool
}

func (f *fakeKMS) GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	plain := []byte(strings.Repeat("k", 32))
	return &kms.GenerateDataKeyOutput{
		Plaintext:      plain,
		CiphertextBlob: append([]byte("wrapped:"), plain...),
		KeyId:          in.KeyId,
	}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if f.failDecrypt {
		return nil, errors.New("access denied")
	}
	return &kms.DecryptOutput{Plaintext: in.CiphertextBlob[len("wrapped:"):], KeyId: aws.String("k1")}, nil
}

func TestKMSProvider(t *testing.T) {
	ctx := context.Background()
	sealed, err := NewEncryptionManager(NewKMSKeyProvider(&fakeKMS{}, "k1"), time.Hour, zap.NewNop()).Seal(ctx, []byte("x"))
	require.NoError(t, err)

	plain, err := NewEncryptionManager(NewKMSKeyProvider(&fakeKMS{}, "k1"), time.Hour, zap.NewNop()).Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "x", string(plain))

	_, err = NewEncryptionManager(NewKMSKeyProvider(&fakeKMS{failDecrypt: true}, "k1"), time.Hour, zap.NewNop()).Open(ctx, sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestLocalProviderRejectsBadKey(t *testing.T) {
	_, _, err := NewLocalKeyProvider("abcd")
	assert.Error(t, err)

	p, generated, err := NewLocalKeyProvider("")
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Len(t, p.master, 32)
}
