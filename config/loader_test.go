package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- defaults ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8765", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 150*time.Second, cfg.Server.WriteTimeout)

	assert.Equal(t, 20, cfg.P2P.MaxPeers)
	assert.Equal(t, 8765, cfg.P2P.Port)
	assert.Equal(t, 30*time.Second, cfg.P2P.RequestTimeout)
	assert.NotEmpty(t, cfg.P2P.DataDir)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "rsub", cfg.Metrics.Namespace)
}

// --- Loader ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8765", cfg.Server.Addr)
	assert.Equal(t, 20, cfg.P2P.MaxPeers)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  addr: ":9000"
  read_timeout: 60s

p2p:
  max_peers: 5
  port: 9001
  service_name: "test-node"

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0o644)
	require.NoError(t, err)

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, 5, cfg.P2P.MaxPeers)
	assert.Equal(t, 9001, cfg.P2P.Port)
	assert.Equal(t, "test-node", cfg.P2P.ServiceName)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// Untouched values keep their defaults.
	assert.Equal(t, 150*time.Second, cfg.Server.WriteTimeout)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	envVars := map[string]string{
		"RSUB_SERVER_ADDR":         ":7777",
		"RSUB_P2P_MAX_PEERS":       "7",
		"RSUB_P2P_REQUEST_TIMEOUT": "45s",
		"RSUB_LOG_LEVEL":           "warn",
	}
	for k, v := range envVars {
		t.Setenv(k, v)
	}

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.P2P.MaxPeers)
	assert.Equal(t, 45*time.Second, cfg.P2P.RequestTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  addr: ":8888"
p2p:
  service_name: "yaml-node"
  max_peers: 3
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0o644)
	require.NoError(t, err)

	t.Setenv("RSUB_SERVER_ADDR", ":9999")
	t.Setenv("RSUB_P2P_SERVICE_NAME", "env-node")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// Environment wins over the file.
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "env-node", cfg.P2P.ServiceName)
	// File values not overridden by env survive.
	assert.Equal(t, 3, cfg.P2P.MaxPeers)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_ADDR", ":6666")
	t.Setenv("MYAPP_P2P_SERVICE_NAME", "custom-prefix-node")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, ":6666", cfg.Server.Addr)
	assert.Equal(t, "custom-prefix-node", cfg.P2P.ServiceName)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.P2P.MaxPeers < 2 {
			return assert.AnError
		}
		return nil
	}

	t.Setenv("RSUB_P2P_MAX_PEERS", "1")

	_, err := NewLoader().
		WithValidator(validator).
		Load()
	assert.Error(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8765", cfg.Server.Addr)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
server:
  addr: [invalid
  this is not valid yaml
`
	err := os.WriteFile(configPath, []byte(invalidYAML), 0o644)
	require.NoError(t, err)

	_, err = NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

// --- Config methods ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty server addr",
			modify: func(c *Config) {
				c.Server.Addr = ""
			},
			wantErr: true,
		},
		{
			name: "invalid p2p port (negative)",
			modify: func(c *Config) {
				c.P2P.Port = -1
			},
			wantErr: true,
		},
		{
			name: "invalid p2p port (too large)",
			modify: func(c *Config) {
				c.P2P.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "invalid max peers",
			modify: func(c *Config) {
				c.P2P.MaxPeers = 0
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "verbose"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// --- MustLoad ---

func TestMustLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  addr: ":8765"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0o644)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		cfg := MustLoad(configPath)
		assert.Equal(t, ":8765", cfg.Server.Addr)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	err := os.WriteFile(configPath, []byte("invalid: [yaml"), 0o644)
	require.NoError(t, err)

	assert.Panics(t, func() {
		MustLoad(configPath)
	})
}
