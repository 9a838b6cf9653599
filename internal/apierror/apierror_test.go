package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindFromStatus(t *testing.T) {
	cases := map[int]Kind{
		http.StatusTooManyRequests:     KindRateLimit,
		http.StatusUnauthorized:        KindAuthentication,
		http.StatusForbidden:           KindAuthentication,
		http.StatusNotFound:            KindNotFound,
		http.StatusInternalServerError: KindServer,
		http.StatusBadGateway:          KindServer,
		http.StatusBadRequest:          KindUnknown,
		http.StatusConflict:            KindUnknown,
	}
	for status, want := range cases {
		assert.Equal(t, want, KindFromStatus(status), "status %d", status)
	}
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("consume: %w", New(KindStateAlreadyUsed, "state already consumed"))

	assert.True(t, errors.Is(err, ErrStateAlreadyUsed))
	assert.False(t, errors.Is(err, ErrStateExpired))
	assert.Equal(t, KindStateAlreadyUsed, KindOf(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := Wrap(KindNetwork, cause, "platform unreachable")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusBadGateway, err.StatusCode)
	assert.Contains(t, err.Error(), "NETWORK_ERROR")
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
}

func TestDetail(t *testing.T) {
	err := FromStatus(http.StatusBadRequest, "bad")
	assert.Equal(t, "", err.Detail("error"))

	err.Details = map[string]any{"error": "invalid_grant"}
	assert.Equal(t, "invalid_grant", err.Detail("error"))
}
