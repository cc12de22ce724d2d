package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predbot/config"
)

const minimalYAML = `
risk:
  global_exposure_cap: 500
agents:
  - id: a1
    strategy: threshold
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxEntryAttempts)
	assert.InDelta(t, 0.30, cfg.Engine.HardStopFraction, 1e-9)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "predbot.db", cfg.Storage.DSN)
	assert.Equal(t, 10, cfg.Agents[0].MaxPositions)
	assert.Greater(t, cfg.MonitorMax().Seconds(), 0.0)
	assert.GreaterOrEqual(t, cfg.MonitorMax(), cfg.MonitorMin())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LEDGER_DSN", "/tmp/other.db")

	cfg, err := config.Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/other.db", cfg.Storage.DSN)
}

func TestLoad_RejectsMissingCap(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
agents:
  - id: a1
    strategy: threshold
`))
	assert.Error(t, err)
}

func TestLoad_RejectsDuplicateAgentIDs(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
risk:
  global_exposure_cap: 500
agents:
  - id: a1
    strategy: threshold
  - id: a1
    strategy: threshold
`))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
