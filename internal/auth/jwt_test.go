package auth

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewTokenVerifier("test-secret", "accounts")

	token, err := v.Issue("u1", "buyer@example.com", time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UID)
	assert.Equal(t, "buyer@example.com", claims.Email)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenVerifier("other-secret", "").Issue("u1", "", time.Hour)
	require.NoError(t, err)

	_, err = NewTokenVerifier("test-secret", "").Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewTokenVerifier("test-secret", "")
	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := v.Issue("u1", "", time.Hour)
	require.NoError(t, err)

	v.now = time.Now
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	token, err := NewTokenVerifier("test-secret", "elsewhere").Issue("u1", "", time.Hour)
	require.NoError(t, err)

	_, err = NewTokenVerifier("test-secret", "accounts").Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsUnsignedAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokenVerifier("test-secret", "").Verify(raw)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyWithoutSecretFails(t *testing.T) {
	_, err := NewTokenVerifier("", "").Verify("anything")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBearerToken(t *testing.T) {
	token, present := BearerToken("Bearer abc.def")
	assert.True(t, present)
	assert.Equal(t, "abc.def", token)

	token, present = BearerToken("Basic dXNlcg==")
	assert.True(t, present)
	assert.Empty(t, token)

	_, present = BearerToken("")
	assert.False(t, present)
}
