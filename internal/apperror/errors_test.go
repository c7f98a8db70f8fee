package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := ErrInvalidOTP.WithInt(MetaRemainingAttempts, 3)
	wrapped := fmt.Errorf("verify: %w", err)

	assert.True(t, errors.Is(wrapped, ErrInvalidOTP))
	assert.False(t, errors.Is(wrapped, ErrOTPExpired))
	assert.Equal(t, "3", As(wrapped).Metadata[MetaRemainingAttempts])
	assert.Empty(t, ErrInvalidOTP.Metadata, "With must not mutate the sentinel")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidCredentials: http.StatusUnauthorized,
		CodeNotVerified:        http.StatusForbidden,
		CodeAccountLocked:      http.StatusLocked,
		CodeAccountDisabled:    http.StatusLocked,
		CodeUserExists:         http.StatusConflict,
		CodeSendFailed:         http.StatusServiceUnavailable,
		CodeInvalidOTP:         http.StatusBadRequest,
		CodeResendCooldown:     http.StatusTooManyRequests,
		CodeValidationFailed:   http.StatusBadRequest,
		CodeUserNotFound:       http.StatusNotFound,
		CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, code.HTTPStatus(), code)
	}
}

func TestAsWrapsForeignErrors(t *testing.T) {
	cause := errors.New("boom")
	appErr := As(cause)
	assert.Equal(t, CodeInternal, appErr.Code)
	assert.ErrorIs(t, appErr, cause)
	assert.Nil(t, As(nil))
}

func TestEveryCodeHasAKind(t *testing.T) {
	for code, kind := range codeKinds {
		assert.NotEmpty(t, kind, code)
	}
	assert.Equal(t, KindInternal, Code("NOPE").Kind())
}
