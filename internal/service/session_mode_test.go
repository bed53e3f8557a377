package service

import (
	"testing"

	"purchase-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSelectsCredentialByPrefix(t *testing.T) {
	r := NewSessionModeResolver(testKey, liveKey)

	env, cred, err := r.Resolve("cs_test_abc123")
	require.NoError(t, err)
	assert.Equal(t, models.EnvironmentTest, env)
	assert.Equal(t, testKey, cred.Key)

	env, cred, err = r.Resolve("cs_live_abc123")
	require.NoError(t, err)
	assert.Equal(t, models.EnvironmentLive, env)
	assert.Equal(t, liveKey, cred.Key)
}

func TestResolveLiveSessionWithOnlyTestKeyFails(t *testing.T) {
	r := NewSessionModeResolver(testKey, "")

	_, cred, err := r.Resolve("cs_live_abc123")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Empty(t, cred.Key)
}

func TestResolveRejectsMistaggedCredential(t *testing.T) {
	r := NewSessionModeResolver(testKey, "sk_test_pasted_into_live")

	_, _, err := r.Resolve("cs_live_abc123")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestResolveRejectsUnknownPrefix(t *testing.T) {
	r := NewSessionModeResolver(testKey, liveKey)

	for _, id := range []string{"", "cs_abc", "pi_test_123", "CS_TEST_abc"} {
		_, _, err := r.Resolve(id)
		assert.ErrorIs(t, err, ErrConfiguration, id)
	}
}

func TestEnvironmentForCredential(t *testing.T) {
	cases := map[string]models.Environment{
		"sk_test_1": models.EnvironmentTest,
		"rk_test_1": models.EnvironmentTest,
		"sk_live_1": models.EnvironmentLive,
		"rk_live_1": models.EnvironmentLive,
	}
	for key, want := range cases {
		got, ok := EnvironmentForCredential(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}

	_, ok := EnvironmentForCredential("pk_test_1")
	assert.False(t, ok)
}

func TestCheckLivemode(t *testing.T) {
	r := NewSessionModeResolver(testKey, liveKey)

	assert.NoError(t, r.CheckLivemode(models.EnvironmentTest, false))
	assert.NoError(t, r.CheckLivemode(models.EnvironmentLive, true))
	assert.ErrorIs(t, r.CheckLivemode(models.EnvironmentLive, false), ErrConfiguration)
	assert.ErrorIs(t, r.CheckLivemode(models.EnvironmentTest, true), ErrConfiguration)
}
