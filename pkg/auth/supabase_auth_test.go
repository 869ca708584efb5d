package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte("any-secret-the-decoder-never-checks"))
	require.NoError(t, err)
	return s
}

func TestDecodeSubClaim_ReturnsSubWithoutVerifyingSignature(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"sub": "user-123", "email": "a@example.com"})

	sub, err := DecodeSubClaim(tok)

	require.NoError(t, err)
	assert.Equal(t, "user-123", sub)
}

func TestDecodeSubClaim_MissingSubIsError(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"email": "a@example.com"})

	_, err := DecodeSubClaim(tok)

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDecodeSubClaim_MalformedTokenIsError(t *testing.T) {
	_, err := DecodeSubClaim("not-a-jwt")

	assert.ErrorIs(t, err, ErrInvalidToken)
}
