package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	v := NewViper()
	v.Set("data_dir", t.TempDir())

	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Control.Host)
	assert.Equal(t, 8110, cfg.Control.Port)
	assert.Equal(t, "pinup-backend", cfg.Backend.Executable)
	assert.Equal(t, 8111, cfg.Backend.FallbackPort)
	assert.Equal(t, 15, cfg.Health.StartupRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Health.StartupDelay)
	assert.Equal(t, 10, cfg.Health.RestartRetries)
	assert.Equal(t, 2*time.Second, cfg.Health.Timeout)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "PINUP_API_TOKEN", cfg.Auth.OverrideEnv)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, filepath.Join(cfg.DataDir, "logs", "supervisor.log"), cfg.LogFilePath())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "supervisor.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
data_dir: `+dir+`
backend:
  executable: /opt/pinup/pinup-backend
  port_min: 9100
  port_max: 9199
  env:
    PINUP_LOG_LEVEL: debug
health:
  startup_retries: 3
  startup_delay: 250ms
logging:
  format: text
  file: /var/log/pinup.log
`), 0644))

	t.Setenv("PINUP_SUPERVISOR_CONTROL_PORT", "9999")

	cfg, err := Load(NewViper(), file)
	require.NoError(t, err)

	assert.Equal(t, "/opt/pinup/pinup-backend", cfg.Backend.Executable)
	assert.Equal(t, 9100, cfg.Backend.PortMin)
	assert.Equal(t, 9199, cfg.Backend.PortMax)
	assert.Equal(t, "debug", cfg.Backend.Env["PINUP_LOG_LEVEL"])
	assert.Equal(t, 3, cfg.Health.StartupRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Health.StartupDelay)
	assert.Equal(t, 9999, cfg.Control.Port)
	assert.Equal(t, "/var/log/pinup.log", cfg.LogFilePath())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		v := NewViper()
		v.Set("data_dir", "/tmp/pin-up-ai")
		cfg, err := Load(v, "")
		require.NoError(t, err)
		return cfg
	}

	cfg := valid()
	cfg.Control.Port = 70000
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Backend.PortMin = 9200
	cfg.Backend.PortMax = 9100
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Health.StartupRetries = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.DataDir = ""
	assert.Error(t, cfg.Validate())
}
