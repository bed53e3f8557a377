package service

import (
	"fmt"
	"strings"

	"purchase-service/internal/models"
)

const (
	testSessionPrefix = "cs_test_"
	liveSessionPrefix = "cs_live_"
)

// Credential is a processor API key tagged with the environment it was provisioned for
type Credential struct {
	Key         string
	Environment models.Environment
}

// SessionModeResolver maps checkout sessions to the credential of their
// environment. It never falls back to another environment's key.
type SessionModeResolver struct {
	keys map[models.Environment]string
}

// NewSessionModeResolver takes the provisioned key for each environment. Either may be empty.
func NewSessionModeResolver(testKey, liveKey string) *SessionModeResolver {
	return &SessionModeResolver{
		keys: map[models.Environment]string{
			models.EnvironmentTest: strings.TrimSpace(testKey),
			models.EnvironmentLive: strings.TrimSpace(liveKey),
		},
	}
}

// EnvironmentOf reads the environment encoded in a session id prefix
func EnvironmentOf(sessionID string) (models.Environment, error) {
	switch {
	case strings.HasPrefix(sessionID, testSessionPrefix):
		return models.EnvironmentTest, nil
	case strings.HasPrefix(sessionID, liveSessionPrefix):
		return models.EnvironmentLive, nil
	default:
		return "", fmt.Errorf("%w: session %q has no recognised environment prefix", ErrConfiguration, sessionID)
	}
}

// EnvironmentForCredential reads the type tag of a secret or restricted key
func EnvironmentForCredential(key string) (models.Environment, bool) {
	switch {
	case strings.HasPrefix(key, "sk_test_"), strings.HasPrefix(key, "rk_test_"):
		return models.EnvironmentTest, true
	case strings.HasPrefix(key, "sk_live_"), strings.HasPrefix(key, "rk_live_"):
		return models.EnvironmentLive, true
	default:
		return "", false
	}
}

// CredentialFor returns the key provisioned for env after checking its type tag
func (r *SessionModeResolver) CredentialFor(env models.Environment) (Credential, error) {
	if !env.Valid() {
		return Credential{}, fmt.Errorf("%w: unknown environment %q", ErrConfiguration, env)
	}

	key := r.keys[env]
	if key == "" {
		return Credential{}, fmt.Errorf("%w: no %s credential provisioned", ErrConfiguration, env)
	}

	tagged, ok := EnvironmentForCredential(key)
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s credential has no recognised type tag", ErrConfiguration, env)
	}
	if tagged != env {
		return Credential{}, fmt.Errorf("%w: %s credential is tagged %s", ErrConfiguration, env, tagged)
	}

	return Credential{Key: key, Environment: env}, nil
}

// Resolve returns the environment and credential for a checkout session
func (r *SessionModeResolver) Resolve(sessionID string) (models.Environment, Credential, error) {
	env, err := EnvironmentOf(sessionID)
	if err != nil {
		return "", Credential{}, err
	}
	cred, err := r.CredentialFor(env)
	if err != nil {
		return "", Credential{}, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return env, cred, nil
}

// CheckLivemode compares the processor's own livemode flag with env
func (r *SessionModeResolver) CheckLivemode(env models.Environment, livemode bool) error {
	if livemode != (env == models.EnvironmentLive) {
		return fmt.Errorf("%w: livemode=%t for a %s session", ErrConfiguration, livemode, env)
	}
	return nil
}
