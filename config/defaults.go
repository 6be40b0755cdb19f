package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:  DefaultServerConfig(),
		P2P:     DefaultP2PConfig(),
		Log:     DefaultLogConfig(),
		Metrics: DefaultMetricsConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8765",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    150 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RateLimit:       50,
		RateBurst:       100,
	}
}

// DefaultP2PConfig returns the default peer subsystem configuration.
func DefaultP2PConfig() P2PConfig {
	home, _ := os.UserHomeDir()
	return P2PConfig{
		DataDir:        filepath.Join(home, ".rsub"),
		MaxPeers:       20,
		Port:           8765,
		RequestTimeout: 30 * time.Second,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
	}
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "rsub",
	}
}
