// cmd/swapctl/commands_test.go
package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookswap/internal/auth"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	actor := uuid.New()
	out, err := run(t, "token", actor.String(), "--jwt-secret", "cli-secret", "--ttl", "1m")
	require.NoError(t, err)

	got, err := auth.NewVerifier("cli-secret").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, actor, got)
}

func TestTokenCommandNeedsSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := run(t, "token", uuid.NewString())
	assert.ErrorContains(t, err, "no signing secret")
}

func TestCommandsRejectBadIDs(t *testing.T) {
	cases := [][]string{
		{"show", "not-a-uuid"},
		{"history", "not-a-uuid"},
		{"token", "not-a-uuid", "--jwt-secret", "x"},
	}
	for _, args := range cases {
		_, err := run(t, args...)
		assert.ErrorContains(t, err, "invalid", args[0])
	}
}

func TestCommandsCheckArgCount(t *testing.T) {
	_, err := run(t, "show")
	assert.Error(t, err)
	_, err = run(t, "migrate", "extra")
	assert.Error(t, err)
	_, err = run(t, "events", "--limit", "0")
	assert.ErrorContains(t, err, "--limit must be positive")
}
