package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := New(KindInternal, "registry failed", inner)

	assert.Equal(t, "internal registry failed: boom", err.Error())
	assert.ErrorIs(t, err, inner)

	plain := NoCapacity("no backend has a free slot")
	assert.Equal(t, "no_capacity no backend has a free slot", plain.Error())
	assert.Nil(t, plain.Unwrap())
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("join: %w", VersionMismatch(3))

	assert.Equal(t, KindVersionMismatch, KindOf(err))
	assert.True(t, Is(err, KindVersionMismatch))
	assert.False(t, Is(err, KindNoCapacity))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindInternal))
}

func TestInternal_KeepsExistingKind(t *testing.T) {
	wrapped := Internal("unexpected", fmt.Errorf("ctx: %w", Timeout(nil)))
	require.NotNil(t, wrapped)
	assert.Equal(t, KindTimeout, wrapped.Kind)

	fresh := Internal("unexpected", errors.New("io"))
	assert.Equal(t, KindInternal, fresh.Kind)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindMissingVersion, http.StatusBadRequest},
		{KindMissingIdentity, http.StatusBadRequest},
		{KindVersionMismatch, http.StatusConflict},
		{KindNoCapacity, http.StatusServiceUnavailable},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindNotFound, http.StatusNotFound},
		{Kind("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.kind))
		})
	}
}

func TestFromHTTPStatus_RoundTripsUnambiguousKinds(t *testing.T) {
	for _, kind := range []Kind{KindVersionMismatch, KindNoCapacity, KindTimeout, KindRateLimited, KindNotFound} {
		assert.Equal(t, kind, FromHTTPStatus(HTTPStatus(kind)))
	}
	assert.Equal(t, Kind(""), FromHTTPStatus(http.StatusBadRequest))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindNoCapacity))
	assert.True(t, Retryable(KindTimeout))
	assert.False(t, Retryable(KindVersionMismatch))
	assert.False(t, Retryable(KindMissingIdentity))
}
