package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-automation/internal/auth"
)

func run(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, func(key string) string { return env[key] })
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestHashCommand(t *testing.T) {
	hashed, err := run(t, nil, "hash", "--secret", "s3cret", "--cost", "4")
	require.NoError(t, err)
	assert.NoError(t, auth.CompareSecret(hashed, "s3cret"))
	assert.Error(t, auth.CompareSecret(hashed, "other"))
}

func TestHashCommand_FallsBackToEnvironment(t *testing.T) {
	hashed, err := run(t, map[string]string{"AUTOMATION_SECRET": "from-env"}, "hash", "--cost", "4")
	require.NoError(t, err)
	assert.NoError(t, auth.CompareSecret(hashed, "from-env"))
}

func TestTokenCommand(t *testing.T) {
	token, err := run(t, nil, "token", "--secret", "s3cret", "--subject", "cron", "--ttl-minutes", "5")
	require.NoError(t, err)

	claims, err := auth.NewTokenManager("s3cret", 5).ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "cron", claims.Subject)
	assert.Equal(t, auth.ScopeAutomationRun, claims.Scope)

	_, err = auth.NewTokenManager("wrong", 5).ParseToken(token)
	assert.Error(t, err)
}

func TestCommands_RequireSecret(t *testing.T) {
	_, err := run(t, nil, "token")
	assert.ErrorIs(t, err, errSecretMissing)

	_, err = run(t, map[string]string{"AUTOMATION_SECRET": "  "}, "hash")
	assert.ErrorIs(t, err, errSecretMissing)
}

func TestCommands_RejectArguments(t *testing.T) {
	_, err := run(t, nil, "hash", "extra", "--secret", "s3cret")
	assert.Error(t, err)
}
