package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypath/fleetssh/internal/env"
)

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("FLEETSSH_USER", "deploy")
	t.Setenv("FLEETSSH_PORT", "2222")
	t.Setenv("FLEETSSH_WARN_ONLY", "true")

	overrides, err := NewManager().Load()
	require.NoError(t, err)

	assert.Equal(t, "deploy", overrides["user"])
	assert.Equal(t, 2222, overrides["port"])
	assert.Equal(t, true, overrides["warn_only"])
}

func TestLoadAppliesDefaultsEvenWithoutOverrides(t *testing.T) {
	overrides, err := NewManager().Load()
	require.NoError(t, err)
	assert.NotContains(t, overrides, "timeout", "unset defaults are not surfaced as overrides, only as viper defaults")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	err := Validate(map[string]any{"log_level": "verbose"})
	assert.Error(t, err)
}

func TestValidateRejectsBadPort(t *testing.T) {
	err := Validate(map[string]any{"port": 70000})
	assert.Error(t, err)
}

func TestValidateAcceptsGoodValues(t *testing.T) {
	err := Validate(map[string]any{"log_level": "debug", "log_format": "json", "port": 2200})
	assert.NoError(t, err)
}

func TestApplyWritesEveryKeyOntoEnv(t *testing.T) {
	e := env.New()
	Apply(e, map[string]any{"user": "deploy", "pool_size": 5})

	assert.Equal(t, "deploy", e.GetString("user"))
	assert.Equal(t, 5, e.GetInt("pool_size"))
}

func TestGetEnvVarNamesIncludesKnownKeys(t *testing.T) {
	names := GetEnvVarNames()
	assert.Contains(t, names, "FLEETSSH_USER")
	assert.Contains(t, names, "FLEETSSH_POOL_SIZE")
}
