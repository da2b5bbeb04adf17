package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Port)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.False(t, cfg.EnableOpStore)
	assert.Equal(t, 1000, cfg.MaxOperationHistory)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("COLLAB_PORT", "4000")
	t.Setenv("COLLAB_JWT_SECRET", "shh")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, "shh", cfg.JWTSecret)
}

func TestLoadRejectsOpStoreWithoutDBPath(t *testing.T) {
	t.Setenv("COLLAB_ENABLE_OPSTORE", "true")

	_, err := Load("")
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{HeartbeatIntervalMs: 5000, ReconnectIntervalMs: 2000, AuthTimeoutMs: 1000}

	assert.Equal(t, int64(5000), cfg.HeartbeatInterval().Milliseconds())
	assert.Equal(t, int64(2000), cfg.ReconnectInterval().Milliseconds())
	assert.Equal(t, int64(1000), cfg.AuthTimeout().Milliseconds())
}
