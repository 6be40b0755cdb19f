package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/raym33/r-sub000/internal/tlsutil"
)

const (
	// ServiceType is the mDNS service type peers advertise under.
	ServiceType = "_rsub._tcp"
	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."
	// ServiceNamePrefix prefixes auto-generated instance names.
	ServiceNamePrefix = "RSub-"

	// DefaultServicePort is the port advertised when none is configured.
	DefaultServicePort = 8765

	// validateTimeout bounds a single health probe.
	validateTimeout = 5 * time.Second
)

// DiscoveryConfig holds configuration for the discovery service.
type DiscoveryConfig struct {
	// ServiceName is the mDNS instance name. Defaults to the prefix plus the
	// first 8 chars of the instance ID.
	ServiceName string `json:"service_name" yaml:"service_name"`

	// Port is the HTTP port advertised to peers.
	Port int `json:"port" yaml:"port"`

	// Version is advertised in the TXT record.
	Version string `json:"version" yaml:"version"`
}

// DefaultDiscoveryConfig returns a DiscoveryConfig with sensible defaults.
func DefaultDiscoveryConfig() *DiscoveryConfig {
	return &DiscoveryConfig{
		Port:    DefaultServicePort,
		Version: "1.0.0",
	}
}

// Discovery finds peers on the local network via mDNS and lets callers add
// internet peers manually.
//
// Discovered peers enter the registry in DISCOVERED status; nothing is
// trusted until the user approves it.
type Discovery struct {
	mu sync.Mutex

	registry *Registry
	security *Security
	config   *DiscoveryConfig

	serviceName string
	httpClient  *http.Client
	logger      *zap.Logger

	server     *zeroconf.Server
	browseStop context.CancelFunc
	browseDone chan struct{}
	running    bool

	onPeerDiscovered func(*Peer)
	onEvent          func(event string)
}

// NewDiscovery creates a discovery service bound to the given registry and
// security manager.
func NewDiscovery(registry *Registry, security *Security, config *DiscoveryConfig, logger *zap.Logger) *Discovery {
	if config == nil {
		config = DefaultDiscoveryConfig()
	}
	if config.Port <= 0 {
		config.Port = DefaultServicePort
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	name := config.ServiceName
	if name == "" {
		name = ServiceNamePrefix + shortID(security.InstanceID())
	}

	return &Discovery{
		registry:    registry,
		security:    security,
		config:      config,
		serviceName: name,
		httpClient:  tlsutil.SecureHTTPClient(validateTimeout),
		logger:      logger.With(zap.String("component", "p2p_discovery")),
	}
}

// ServiceName returns the mDNS instance name this node advertises under.
func (d *Discovery) ServiceName() string {
	return d.serviceName
}

// IsRunning reports whether the mDNS browser is active.
func (d *Discovery) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// IsAdvertising reports whether the mDNS advertisement is registered.
func (d *Discovery) IsAdvertising() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.server != nil
}

// OnPeerDiscovered registers a callback invoked for each newly discovered
// peer. The callback runs on the browse goroutine and must not block.
func (d *Discovery) OnPeerDiscovered(fn func(*Peer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onPeerDiscovered = fn
}

// OnEvent registers a callback invoked for discovery lifecycle events:
// "discovered", "removed", and "validated". Used to feed metrics; the
// callback must not block.
func (d *Discovery) OnEvent(fn func(event string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvent = fn
}

func (d *Discovery) emit(event string) {
	d.mu.Lock()
	fn := d.onEvent
	d.mu.Unlock()
	if fn != nil {
		fn(event)
	}
}

// StartDiscovery starts the mDNS browser. Returns false when already
// running; an error means the resolver could not be created.
func (d *Discovery) StartDiscovery(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		d.logger.Warn("discovery already running")
		return false, nil
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return false, fmt.Errorf("create mdns resolver: %w", err)
	}

	browseCtx, cancel := context.WithCancel(ctx)
	entries := make(chan *zeroconf.ServiceEntry, 16)
	done := make(chan struct{})

	if err := resolver.Browse(browseCtx, ServiceType, ServiceDomain, entries); err != nil {
		cancel()
		return false, fmt.Errorf("start mdns browse: %w", err)
	}

	go func() {
		defer close(done)
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()

	d.browseStop = cancel
	d.browseDone = done
	d.running = true
	d.logger.Info("started mdns discovery", zap.String("service_type", ServiceType))
	return true, nil
}

// StopDiscovery stops the mDNS browser.
func (d *Discovery) StopDiscovery() {
	d.mu.Lock()
	stop := d.browseStop
	done := d.browseDone
	d.browseStop = nil
	d.browseDone = nil
	d.running = false
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	if done != nil {
		<-done
	}
	d.logger.Info("stopped mdns discovery")
}

// handleEntry processes one mDNS event. A zero TTL signals the service
// went away.
func (d *Discovery) handleEntry(entry *zeroconf.ServiceEntry) {
	if entry.TTL == 0 {
		d.handleRemoved(entry.Instance)
		return
	}

	txt := parseTXT(entry.Text)
	peerID := txt["peer_id"]

	// Skip our own advertisement.
	if peerID == d.security.InstanceID() {
		return
	}

	host := ""
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}
	if host == "" {
		return
	}

	if peerID == "" {
		peerID = fmt.Sprintf("mdns-%s-%d", host, entry.Port)
	}

	// Refresh known peers instead of re-adding them.
	if d.registry.UpdatePeer(peerID, func(p *Peer) {
		now := time.Now()
		p.LastSeen = &now
		p.Host = host
		p.Port = entry.Port
	}) {
		return
	}

	name := txt["name"]
	if name == "" {
		name = entry.Instance
	}
	var skills []string
	if txt["skills"] != "" {
		skills = strings.Split(txt["skills"], ",")
	}

	peer := &Peer{
		PeerID:        peerID,
		Name:          name,
		Host:          host,
		Port:          entry.Port,
		Status:        PeerStatusDiscovered,
		DiscoveredAt:  time.Now(),
		DiscoveredVia: "mdns",
		Skills:        skills,
		Version:       txt["version"],
		Capabilities:  []PeerCapability{CapabilityTaskExecution, CapabilitySkillSharing},
	}

	added, err := d.registry.AddPeer(peer)
	if err != nil {
		d.logger.Warn("failed to add discovered peer", zap.Error(err))
		return
	}
	if !added {
		return
	}
	d.logger.Info("discovered peer via mdns",
		zap.String("name", peer.Name),
		zap.String("host", host),
		zap.Int("port", entry.Port),
	)

	d.emit("discovered")

	d.mu.Lock()
	fn := d.onPeerDiscovered
	d.mu.Unlock()
	if fn != nil {
		fn(peer.Clone())
	}
}

// handleRemoved marks the matching peer offline when its advertisement
// disappears.
func (d *Discovery) handleRemoved(instance string) {
	for _, peer := range d.registry.ListPeers() {
		if peer.Name == instance || ServiceNamePrefix+shortID(peer.PeerID) == instance {
			if d.registry.SetOffline(peer.PeerID) {
				d.emit("removed")
				d.logger.Info("peer went offline", zap.String("name", peer.Name))
			}
			return
		}
	}
}

// AdvertiseService registers this instance via mDNS with the given skills
// in the TXT record.
func (d *Discovery) AdvertiseService(skills []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.server != nil {
		return nil
	}

	txt := []string{
		"peer_id=" + d.security.InstanceID(),
		"name=" + d.serviceName,
		"version=" + d.config.Version,
	}
	if len(skills) > 0 {
		txt = append(txt, "skills="+strings.Join(skills, ","))
	}

	server, err := zeroconf.Register(d.serviceName, ServiceType, ServiceDomain, d.config.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	d.server = server
	d.logger.Info("advertising service",
		zap.String("name", d.serviceName),
		zap.Int("port", d.config.Port),
	)
	return nil
}

// StopAdvertising withdraws the mDNS advertisement.
func (d *Discovery) StopAdvertising() {
	d.mu.Lock()
	server := d.server
	d.server = nil
	d.mu.Unlock()

	if server != nil {
		server.Shutdown()
		d.logger.Info("stopped advertising service")
	}
}

// AddManualPeer adds an internet peer by address. The peer starts in
// DISCOVERED status until validated and approved.
func (d *Discovery) AddManualPeer(host string, port int, name string) (*Peer, error) {
	if port <= 0 {
		port = DefaultServicePort
	}
	if name == "" {
		name = "Peer at " + host
	}

	peer := NewPeer(name, host, port)
	if _, err := d.registry.AddPeer(peer); err != nil {
		return nil, err
	}
	d.logger.Info("added manual peer",
		zap.String("name", peer.Name),
		zap.String("host", host),
		zap.Int("port", port),
	)
	return peer, nil
}

// ValidatePeer probes the peer's health endpoint and reports whether it is
// reachable and responding. Failures record the error on the peer.
func (d *Discovery) ValidatePeer(ctx context.Context, peer *Peer) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.URL()+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Debug("peer validation failed",
			zap.String("host", peer.Host),
			zap.Int("port", peer.Port),
			zap.Error(err),
		)
		d.registry.RecordPeerError(peer.PeerID, err.Error())
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status != "ok" {
		return false
	}
	d.registry.TouchPeer(peer.PeerID)
	d.emit("validated")
	return true
}

// ValidateAndUpdatePeer probes a peer and flips its APPROVED/OFFLINE state
// to match reachability.
func (d *Discovery) ValidateAndUpdatePeer(ctx context.Context, peerID string) bool {
	peer := d.registry.GetPeer(peerID)
	if peer == nil {
		return false
	}

	valid := d.ValidatePeer(ctx, peer)
	if valid {
		if peer.Status == PeerStatusOffline {
			d.registry.SetOnline(peerID)
		}
	} else if peer.Status == PeerStatusApproved {
		d.registry.SetOffline(peerID)
	}
	return valid
}

// ScanNetwork actively browses for the scan window and returns peers newly
// discovered during it. An already-running background browser keeps
// running; the scan only adds a temporary collector.
func (d *Discovery) ScanNetwork(ctx context.Context, window time.Duration) ([]*Peer, error) {
	if window <= 0 {
		window = 5 * time.Second
	}

	var (
		mu         sync.Mutex
		discovered []*Peer
	)

	d.mu.Lock()
	previous := d.onPeerDiscovered
	d.onPeerDiscovered = func(p *Peer) {
		mu.Lock()
		discovered = append(discovered, p)
		mu.Unlock()
		if previous != nil {
			previous(p)
		}
	}
	wasRunning := d.running
	d.mu.Unlock()

	if !wasRunning {
		if _, err := d.StartDiscovery(ctx); err != nil {
			d.mu.Lock()
			d.onPeerDiscovered = previous
			d.mu.Unlock()
			return nil, err
		}
	}

	select {
	case <-time.After(window):
	case <-ctx.Done():
	}

	d.mu.Lock()
	d.onPeerDiscovered = previous
	d.mu.Unlock()

	if !wasRunning {
		d.StopDiscovery()
	}

	mu.Lock()
	defer mu.Unlock()
	return discovered, nil
}

// parseTXT splits mDNS TXT records of the form "key=value" into a map.
func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		key, value, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}
