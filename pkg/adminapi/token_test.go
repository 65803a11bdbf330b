package adminapi_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/porter/pkg/adminapi"
)

func TestTokenLifetime(t *testing.T) {
	issued := testNow
	issuer := adminapi.NewTokenIssuer(tokenKey).WithClock(func() time.Time { return issued })

	token, expires, err := issuer.Mint("operator")
	require.NoError(t, err)
	assert.Equal(t, issued.Add(90*24*time.Hour), expires)

	claims, err := issuer.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, "operator", claims.Role)

	t.Run("expired token rejected", func(t *testing.T) {
		late := adminapi.NewTokenIssuer(tokenKey).WithClock(func() time.Time {
			return issued.Add(91 * 24 * time.Hour)
		})
		_, err := late.Validate(token)
		assert.Error(t, err)
	})

	t.Run("still valid near the end", func(t *testing.T) {
		near := adminapi.NewTokenIssuer(tokenKey).WithClock(func() time.Time {
			return issued.Add(89 * 24 * time.Hour)
		})
		claims, err := near.Validate(token)
		require.NoError(t, err)
		assert.Equal(t, "operator", claims.Subject)
	})
}
