package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearControlPlaneEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONTROL_PLANE_ISSUER", "CONTROL_PLANE_ACCESS_KEY", "CONTROL_PLANE_SERVICE_TOKEN_TTL",
		"CONTROL_PLANE_USER_TOKEN_TTL", "CONTROL_PLANE_REFRESH_TOKEN_TTL", "CONTROL_PLANE_MATCH_TOKEN_TTL",
		"CONTROL_PLANE_NODE_TTL_SECONDS", "CONTROL_PLANE_SWEEP_INTERVAL_SECONDS",
		"CONTROL_PLANE_AUTOSCALER_ENABLED", "CONTROL_PLANE_AUTOSCALER_MIN_NODES", "CONTROL_PLANE_AUTOSCALER_MAX_NODES",
		"CONTROL_PLANE_AUTOSCALER_COOLDOWN_SECONDS", "CONTROL_PLANE_RATE_LIMIT_MAX", "CONTROL_PLANE_RATE_LIMIT_WINDOW_SECONDS",
		"CONTROL_PLANE_HTTP_ADDR", "CONTROL_PLANE_REDIS_URL", "CONTROL_PLANE_LOG_LEVEL", "CONTROL_PLANE_LOG_PRETTY",
	} {
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadRejectsMissingIssuer(t *testing.T) {
	clearControlPlaneEnv(t)
	_, err := Load("")
	assert.ErrorContains(t, err, "issuer is required")
}

func TestLoadAppliesDefaultsWithOnlyIssuerSet(t *testing.T) {
	clearControlPlaneEnv(t)
	t.Setenv("CONTROL_PLANE_ISSUER", "control-plane")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "control-plane", cfg.Issuer)
	assert.Equal(t, 15*time.Minute, cfg.ServiceTokenTTL)
	assert.Equal(t, time.Hour, cfg.UserTokenTTL)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.True(t, cfg.Autoscaler.Enabled)
	assert.Equal(t, 1, cfg.Autoscaler.MinNodes)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	clearControlPlaneEnv(t)
	t.Setenv("CONTROL_PLANE_ISSUER", "control-plane")
	t.Setenv("CONTROL_PLANE_SERVICE_TOKEN_TTL", "60")
	t.Setenv("CONTROL_PLANE_HTTP_ADDR", ":9090")
	t.Setenv("CONTROL_PLANE_AUTOSCALER_MIN_NODES", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.ServiceTokenTTL)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.Autoscaler.MinNodes)
}

func TestLoadRejectsMisorderedAutoscalerThresholds(t *testing.T) {
	clearControlPlaneEnv(t)
	t.Setenv("CONTROL_PLANE_ISSUER", "control-plane")

	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("autoscaler:\n  scale_down_threshold: 0.9\n  target_saturation: 0.6\n  scale_up_threshold: 0.8\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "autoscaler thresholds")
}

func TestLoadReadsYAMLFileBeforeEnvOverrides(t *testing.T) {
	clearControlPlaneEnv(t)
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("issuer: from-file\nnode_ttl_seconds: 45\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Issuer)
	assert.Equal(t, 45, cfg.NodeTTLSeconds)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	clearControlPlaneEnv(t)
	t.Setenv("CONTROL_PLANE_ISSUER", "control-plane")

	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "control-plane", cfg.Issuer)
}
