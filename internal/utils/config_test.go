package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.Equal(t, "8080", cfg.Application.APIPort)
	assert.Equal(t, "9100", cfg.Application.MetricsPort)
	assert.Equal(t, 1024, cfg.Application.TelemetryBuffer)

	assert.Equal(t, float64(700000), cfg.Detection.RateThreshold)
	assert.Equal(t, 3, cfg.Detection.EscalationBound)
	assert.Equal(t, 30, cfg.Detection.WindowSeconds)
	assert.Equal(t, 60, cfg.Detection.IdleEvictionSeconds)

	assert.Equal(t, float64(100000), cfg.Analysis.MonitorThreshold)
	assert.Equal(t, float64(400000), cfg.Analysis.RateLimitThreshold)
	assert.Equal(t, float64(700000), cfg.Analysis.BlockThreshold)

	assert.Equal(t, 0.1, cfg.Reputation.MaxStep)
	assert.Equal(t, 30, cfg.Adaptive.MinDurationSeconds)
	assert.Equal(t, 86400, cfg.Adaptive.MaxDurationSeconds)
	assert.Equal(t, 30, cfg.Adaptive.ControllerPriority)

	assert.False(t, cfg.Storage.Enabled)
	assert.Equal(t, 3, cfg.Enforcement.RetryAttempts)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Analysis.MonitorThreshold = 500000
	cfg.Analysis.RateLimitThreshold = 400000

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly increasing")
}

func TestValidate_StorageRequiresDatabase(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Storage.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database")
}

func TestLoadConfig(t *testing.T) {
	content := `
application:
  api_port: "9090"
  telemetry_buffer: 256
detection:
  rate_threshold: 800000
  escalation_bound: 5
analysis:
  whitelist:
    - "10.0.0.0/24"
alerting:
  enabled: true
  channels:
    log: true
`
	path := filepath.Join(t.TempDir(), "flowguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Application.APIPort)
	assert.Equal(t, 256, cfg.Application.TelemetryBuffer)
	assert.Equal(t, float64(800000), cfg.Detection.RateThreshold)
	assert.Equal(t, 5, cfg.Detection.EscalationBound)
	assert.Equal(t, []string{"10.0.0.0/24"}, cfg.Analysis.Whitelist)
	assert.True(t, cfg.Alerting.Enabled)
	assert.True(t, cfg.Alerting.Channels.Log)

	// Unset values still pick up defaults.
	assert.Equal(t, "9100", cfg.Application.MetricsPort)
	assert.Equal(t, float64(700000), cfg.Analysis.BlockThreshold)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
