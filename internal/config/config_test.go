package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CP_IDENTITY_ID", "CP-TEST-01")
	t.Setenv("CP_CENTRAL_URL", "ws://centralsystem.example/ocpp")
	t.Setenv("CP_POSTGRES_DSN", "postgres://cp:cp@localhost/cp")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "CP-TEST-01", cfg.Identity.ChargePointID)
	assert.Equal(t, "DrivePoint", cfg.Identity.Vendor)
	assert.Equal(t, "DP-2", cfg.Identity.Model)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.OCPP.Connectors)
	assert.Equal(t, 3, cfg.OCPP.TransactionMessageAttempts)
	assert.False(t, cfg.OCPP.ReserveConnectorZero)
	assert.Equal(t, "operator", cfg.LocalAPI.OperatorUser)

	assert.Equal(t, 30*time.Second, cfg.CallTimeout())
	assert.Equal(t, time.Second, cfg.ReconnectDelay())
	assert.Equal(t, time.Minute, cfg.ReconnectMaxDelay())
	assert.Equal(t, 10*time.Second, cfg.TransactionMessageRetryInterval())
	assert.Equal(t, time.Minute, cfg.MeterValueSampleInterval())
	assert.Equal(t, 5*time.Minute, cfg.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, cfg.BootRetryInterval())
	assert.Equal(t, 24*time.Hour, cfg.TagCacheTTL())
	assert.Equal(t, time.Hour, cfg.TokenTTL())
	assert.Equal(t, ":8090", cfg.APIAddress())
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CP_IDENTITY_VENDOR", "OtherVendor")
	t.Setenv("CP_CENTRAL_CALL_TIMEOUT", "5")
	t.Setenv("CP_OCPP_CONNECTORS", "4")
	t.Setenv("CP_OCPP_TX_MESSAGE_ATTEMPTS", "6")
	t.Setenv("CP_OCPP_RESERVE_CONNECTOR_ZERO", "true")
	t.Setenv("CP_REDIS_TAG_TTL", "10")
	t.Setenv("CP_API_PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "OtherVendor", cfg.Identity.Vendor)
	assert.Equal(t, 4, cfg.OCPP.Connectors)
	assert.Equal(t, 6, cfg.OCPP.TransactionMessageAttempts)
	assert.True(t, cfg.OCPP.ReserveConnectorZero)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout())
	assert.Equal(t, 10*time.Minute, cfg.TagCacheTTL())
	assert.Equal(t, ":9999", cfg.APIAddress())
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing charge point id",
			env:     map[string]string{"CP_IDENTITY_ID": ""},
			wantErr: "charge point id",
		},
		{
			name:    "missing central url",
			env:     map[string]string{"CP_CENTRAL_URL": " "},
			wantErr: "central system url",
		},
		{
			name:    "missing dsn",
			env:     map[string]string{"CP_POSTGRES_DSN": ""},
			wantErr: "database dsn",
		},
		{
			name:    "blank redis addr",
			env:     map[string]string{"CP_REDIS_ADDR": " "},
			wantErr: "redis addr",
		},
		{
			name:    "zero connectors",
			env:     map[string]string{"CP_OCPP_CONNECTORS": "0"},
			wantErr: "at least one connector",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
identity:
  chargePointId: CP-YAML
  vendor: YamlVendor
centralSystem:
  url: ws://yaml.example/ocpp
database:
  dsn: postgres://yaml
ocpp:
  connectors: 3
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("CONFIG_FILE", path)
	// Environment still wins over the file.
	t.Setenv("CP_IDENTITY_VENDOR", "EnvVendor")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "CP-YAML", cfg.Identity.ChargePointID)
	assert.Equal(t, "EnvVendor", cfg.Identity.Vendor)
	assert.Equal(t, "ws://yaml.example/ocpp", cfg.CentralSystem.URL)
	assert.Equal(t, 3, cfg.OCPP.Connectors)
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`identity: [`), 0o600))

	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode yaml")
}

func TestLoadBadEnvValue(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CP_OCPP_CONNECTORS", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CP_OCPP_CONNECTORS")
}

func TestAPIAddress(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, ":8090", cfg.APIAddress())

	cfg.LocalAPI.Port = "7070"
	assert.Equal(t, ":7070", cfg.APIAddress())

	cfg.LocalAPI.Port = ":7071"
	assert.Equal(t, ":7071", cfg.APIAddress())
}

func TestDurationFallbacks(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 30*time.Second, cfg.CallTimeout())
	assert.Equal(t, time.Second, cfg.ReconnectDelay())
	assert.Equal(t, time.Minute, cfg.ReconnectMaxDelay())
	assert.Equal(t, 10*time.Second, cfg.TransactionMessageRetryInterval())
	assert.Equal(t, time.Minute, cfg.MeterValueSampleInterval())
	assert.Equal(t, 5*time.Minute, cfg.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, cfg.BootRetryInterval())
	assert.Equal(t, 24*time.Hour, cfg.TagCacheTTL())
	assert.Equal(t, time.Hour, cfg.TokenTTL())
}
