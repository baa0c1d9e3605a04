package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(false)
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 12*time.Hour, cfg.TokenTTL)
	require.Equal(t, 30*time.Second, cfg.PollTimeout)
	require.Equal(t, time.Hour, cfg.EventHistoryTTL)
	require.Equal(t, time.Second, cfg.MoveTimeBuffer)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 30, cfg.CleanupMaxAgeDays)
	require.Empty(t, cfg.DatabaseURL)
}

func TestLoadRequiresSecretOutsideDebug(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load(false)
	require.Error(t, err)

	cfg, err := Load(true)
	require.NoError(t, err)
	require.Equal(t, devSecret, cfg.JWTSecret)
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("PORT", "not-an-int")

	var cfg Config
	err := ParseEnv(&cfg)
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "parse env:"), err.Error())
}

func TestLoadRejectsNonPositivePollTimeout(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("POLL_TIMEOUT", "0s")

	_, err := Load(false)
	require.Error(t, err)
}
