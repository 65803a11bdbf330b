package domain_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		kind   domain.ErrorKind
		status int
	}{
		{domain.KindMissingAuth, http.StatusUnauthorized},
		{domain.KindUnsupportedPoPVersion, http.StatusUnauthorized},
		{domain.KindExpiredTimestamp, http.StatusUnauthorized},
		{domain.KindInvalidNonce, http.StatusUnauthorized},
		{domain.KindInvalidSignature, http.StatusUnauthorized},
		{domain.KindAppNotFound, http.StatusUnauthorized},
		{domain.KindAppDisabled, http.StatusForbidden},
		{domain.KindUnknownResource, http.StatusNotFound},
		{domain.KindInvalidRequest, http.StatusUnprocessableEntity},
		{domain.KindRateLimited, http.StatusTooManyRequests},
		{domain.KindModelNotAllowed, http.StatusForbidden},
		{domain.KindDailyTokenBudgetExceeded, http.StatusForbidden},
		{domain.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := domain.E(tc.kind, "x")
		assert.Equal(t, tc.status, err.Status, "kind %s", tc.kind)
	}
}

func TestAsError(t *testing.T) {
	de := domain.E(domain.KindRateLimited, "too many")
	wrapped := fmt.Errorf("policy: %w", de)

	got := domain.AsError(wrapped)
	require.Equal(t, domain.KindRateLimited, got.Kind)

	// Arbitrary errors become internal.
	got = domain.AsError(errors.New("kaboom"))
	assert.Equal(t, domain.KindInternal, got.Kind)
	assert.Equal(t, http.StatusInternalServerError, got.Status)
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("pop: %w", domain.E(domain.KindInvalidNonce, "seen"))
	assert.True(t, domain.IsKind(err, domain.KindInvalidNonce))
	assert.False(t, domain.IsKind(err, domain.KindInvalidSignature))
	assert.False(t, domain.IsKind(errors.New("other"), domain.KindInvalidNonce))
}

func TestUpstreamErrorPreservesStatus(t *testing.T) {
	err := domain.UpstreamError(http.StatusServiceUnavailable, "overloaded", "try later", true)
	assert.Equal(t, http.StatusServiceUnavailable, err.Status)
	assert.Equal(t, domain.ErrorKind("overloaded"), err.Kind)
	assert.True(t, err.Retryable)

	// Out-of-range statuses collapse to 502.
	err = domain.UpstreamError(200, "", "weird", false)
	assert.Equal(t, http.StatusBadGateway, err.Status)
	assert.Equal(t, domain.KindUpstream, err.Kind)
}
