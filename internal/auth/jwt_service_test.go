package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewJWTServiceRequiresSecret(t *testing.T) {
	_, err := NewJWTService(JWTConfig{})
	require.Error(t, err)
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	svc, err := NewJWTService(JWTConfig{Secret: "test-secret", Issuer: "licensegate"})
	require.NoError(t, err)

	signed, err := svc.GenerateAccessToken(AccessTokenInput{
		UserID:  "user-1",
		Email:   "admin@example.com",
		IsAdmin: true,
	})
	require.NoError(t, err)

	claims, err := svc.ValidateAccessToken(signed)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "admin@example.com", claims.Email)
	require.True(t, claims.IsAdmin)
}

func TestValidateAccessTokenRejectsExpired(t *testing.T) {
	past := time.Now().Add(-48 * time.Hour)
	issuer, err := NewJWTService(JWTConfig{
		Secret:         "test-secret",
		AccessTokenTTL: time.Hour,
		Clock:          func() time.Time { return past },
	})
	require.NoError(t, err)

	signed, err := issuer.GenerateAccessToken(AccessTokenInput{UserID: "user-1"})
	require.NoError(t, err)

	verifier, err := NewJWTService(JWTConfig{Secret: "test-secret"})
	require.NoError(t, err)

	_, err = verifier.ValidateAccessToken(signed)
	require.Error(t, err)
}

func TestValidateAccessTokenRejectsWrongSecret(t *testing.T) {
	issuer, err := NewJWTService(JWTConfig{Secret: "secret-a"})
	require.NoError(t, err)

	signed, err := issuer.GenerateAccessToken(AccessTokenInput{UserID: "user-1"})
	require.NoError(t, err)

	verifier, err := NewJWTService(JWTConfig{Secret: "secret-b"})
	require.NoError(t, err)

	_, err = verifier.ValidateAccessToken(signed)
	require.Error(t, err)
}
