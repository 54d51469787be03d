package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("smart-trainer", pflag.ContinueOnError)
	RegisterFlags(flags)
	return flags
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(newFlags(), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(DefaultDir(), "devices.json"), cfg.Devices.File)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
	assert.Equal(t, 30*time.Second, cfg.Pairing.ScanTimeout)
	assert.Equal(t, 2*time.Second, cfg.Pairing.RetryDelay)
	assert.Equal(t, "51955", cfg.Interfaces.TCPIP.Port)
	assert.False(t, cfg.Simulator.Enforced)
	assert.Empty(t, cfg.Interfaces.Serial.Ports)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
log:
  max_backups: 7
  stderr: true
simulator:
  enforced: true
interfaces:
  serial:
    ports: [/dev/ttyUSB0, /dev/ttyUSB1]
    protocol: Daum Classic
  ant:
    port: /dev/ttyANT
pairing:
  scan_timeout: 45s
`)
	t.Setenv("SMART_TRAINER_INTERFACES_ANT_PORT", "/dev/ttyACM0")
	t.Setenv("SMART_TRAINER_PAIRING_RETRY_DELAY", "5s")

	cfg, err := Load(newFlags(), []string{"--config", path, "--scan-timeout", "1m", "--log-file", "/tmp/ride.log"})
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Log.MaxBackups)
	assert.True(t, cfg.Log.Stderr)
	assert.Equal(t, "/tmp/ride.log", cfg.Log.File)
	assert.True(t, cfg.Simulator.Enforced)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, cfg.Interfaces.Serial.Ports)
	assert.Equal(t, "Daum Classic", cfg.Interfaces.Serial.Protocol)
	assert.Equal(t, "/dev/ttyACM0", cfg.Interfaces.Ant.Port, "env overrides file")
	assert.Equal(t, time.Minute, cfg.Pairing.ScanTimeout, "flag overrides file")
	assert.Equal(t, 5*time.Second, cfg.Pairing.RetryDelay)
}

func TestLoad_ExplicitConfigMustExist(t *testing.T) {
	_, err := Load(newFlags(), []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorContains(t, err, "failed to read config")
}

func TestLoad_InvalidFlag(t *testing.T) {
	_, err := Load(newFlags(), []string{"--no-such-flag"})
	assert.ErrorContains(t, err, "failed to parse flags")
}
