package p2p

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Config holds configuration for the whole P2P subsystem.
type Config struct {
	// DataDir holds the peer store and instance key.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// MaxPeers caps active peers in the registry.
	MaxPeers int `json:"max_peers" yaml:"max_peers"`

	// ServiceName is the mDNS instance name; empty derives one from the
	// instance ID.
	ServiceName string `json:"service_name" yaml:"service_name"`

	// Port is the HTTP port peers reach us on.
	Port int `json:"port" yaml:"port"`

	// Version is advertised to peers.
	Version string `json:"version" yaml:"version"`

	// RequestTimeout is the default per-request timeout of the peer client.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:        filepath.Join(home, ".rsub"),
		MaxPeers:       DefaultMaxPeers,
		Port:           DefaultServicePort,
		Version:        "1.0.0",
		RequestTimeout: DefaultRequestTimeout,
	}
}

// System wires the P2P components together. All dependencies are explicit;
// there is no package-level state, so tests and embedders can run several
// isolated systems side by side.
type System struct {
	Registry  *Registry
	Security  *Security
	Discovery *Discovery
	Client    *Client
	Sync      *SyncManager
	Agent     Agent

	config *Config
	logger *zap.Logger
}

// NewSystem builds a fully wired P2P system. The agent collaborator may be
// nil when this node only consumes remote peers.
func NewSystem(config *Config, agent Agent, logger *zap.Logger) *System {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := NewRegistry(&RegistryConfig{
		StoragePath: filepath.Join(config.DataDir, peersFileName),
		MaxPeers:    config.MaxPeers,
	}, logger)

	security := NewSecurity(&SecurityConfig{
		KeysDir: filepath.Join(config.DataDir, "p2p"),
	}, logger)

	discovery := NewDiscovery(registry, security, &DiscoveryConfig{
		ServiceName: config.ServiceName,
		Port:        config.Port,
		Version:     config.Version,
	}, logger)

	client := NewClient(registry, security, &ClientConfig{
		Timeout: config.RequestTimeout,
	}, logger)

	return &System{
		Registry:  registry,
		Security:  security,
		Discovery: discovery,
		Client:    client,
		Sync:      NewSyncManager(registry, logger),
		Agent:     agent,
		config:    config,
		logger:    logger.With(zap.String("component", "p2p_system")),
	}
}

// Start begins advertising this instance and browsing for peers. The local
// agent's skills, when available, go into the advertisement.
func (s *System) Start(ctx context.Context) error {
	var skills []string
	if s.Agent != nil {
		if infos, err := s.Agent.ListSkills(ctx); err == nil {
			for _, info := range infos {
				skills = append(skills, info.Name)
			}
		} else {
			s.logger.Warn("could not list local skills for advertisement", zap.Error(err))
		}
	}

	if err := s.Discovery.AdvertiseService(skills); err != nil {
		return err
	}
	if _, err := s.Discovery.StartDiscovery(ctx); err != nil {
		s.Discovery.StopAdvertising()
		return err
	}
	s.logger.Info("p2p system started",
		zap.String("instance_id", shortID(s.Security.InstanceID())),
		zap.Int("port", s.config.Port),
	)
	return nil
}

// Stop withdraws the advertisement and stops the browser.
func (s *System) Stop() {
	s.Discovery.StopDiscovery()
	s.Discovery.StopAdvertising()
	s.logger.Info("p2p system stopped")
}
