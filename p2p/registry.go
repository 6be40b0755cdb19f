package p2p

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxPeers caps the number of active (not blocked/rejected) peers.
const DefaultMaxPeers = 20

// peersFileName is the registry's backing file inside the data directory.
const peersFileName = "peers.json"

// RegistryConfig holds configuration for the peer registry.
type RegistryConfig struct {
	// StoragePath is the JSON file backing the registry.
	StoragePath string `json:"storage_path" yaml:"storage_path"`

	// MaxPeers caps active peers; blocked and rejected peers do not count.
	MaxPeers int `json:"max_peers" yaml:"max_peers"`
}

// DefaultRegistryConfig returns a RegistryConfig with sensible defaults.
func DefaultRegistryConfig() *RegistryConfig {
	home, _ := os.UserHomeDir()
	return &RegistryConfig{
		StoragePath: filepath.Join(home, ".rsub", peersFileName),
		MaxPeers:    DefaultMaxPeers,
	}
}

// Registry is the single source of truth for peer identity, trust, and live
// connections, persisted to a JSON file.
//
// Every mutating call rewrites the backing file wholesale via an atomic
// temp-file rename. The registry assumes exclusive ownership of that file:
// the rename prevents torn writes, but two processes sharing one file can
// still clobber each other's updates.
//
// Peers returned from query methods are deep copies; all mutations go
// through registry methods so the lock serializes them.
type Registry struct {
	mu sync.RWMutex

	peers            map[string]*Peer
	connections      map[string]*PeerConnection
	pendingApprovals map[string]*ApprovalRequest

	onChange func()

	config *RegistryConfig
	logger *zap.Logger
}

// NewRegistry creates a registry and loads any previously persisted peers.
// A missing or unreadable backing file is not fatal; it is logged and the
// registry starts empty.
func NewRegistry(config *RegistryConfig, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	if config.MaxPeers <= 0 {
		config.MaxPeers = DefaultMaxPeers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		peers:            make(map[string]*Peer),
		connections:      make(map[string]*PeerConnection),
		pendingApprovals: make(map[string]*ApprovalRequest),
		config:           config,
		logger:           logger.With(zap.String("component", "peer_registry")),
	}
	r.load()
	return r
}

// AddPeer adds a new peer to the registry.
//
// Returns false if the peer ID is already present. Returns an error with
// code PEER_LIMIT_EXCEEDED when the active peer cap is reached.
func (r *Registry) AddPeer(peer *Peer) (bool, error) {
	defer r.notifyChange()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[peer.PeerID]; exists {
		r.logger.Warn("peer already exists", zap.String("peer_id", peer.PeerID))
		return false, nil
	}

	active := 0
	for _, p := range r.peers {
		if p.Status != PeerStatusBlocked && p.Status != PeerStatusRejected {
			active++
		}
	}
	if active >= r.config.MaxPeers {
		return false, NewPeerLimitExceededError(r.config.MaxPeers)
	}

	r.peers[peer.PeerID] = peer.Clone()
	r.save()
	r.logger.Info("added peer",
		zap.String("peer_id", peer.PeerID),
		zap.String("name", peer.Name),
	)
	return true, nil
}

// GetPeer returns a copy of the peer, or nil if unknown.
func (r *Registry) GetPeer(peerID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[peerID].Clone()
}

// RequirePeer returns a copy of the peer or a PEER_NOT_FOUND error.
func (r *Registry) RequirePeer(peerID string) (*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return nil, NewPeerNotFoundError(peerID)
	}
	return peer.Clone(), nil
}

// UpdatePeer applies fn to the stored peer under the registry lock and
// persists the result. Returns false if the peer is unknown.
func (r *Registry) UpdatePeer(peerID string, fn func(*Peer)) bool {
	defer r.notifyChange()
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return false
	}
	fn(peer)
	r.save()
	return true
}

// RemovePeer removes a peer and any live connection. Returns false if the
// peer is unknown.
func (r *Registry) RemovePeer(peerID string) bool {
	defer r.notifyChange()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; !ok {
		return false
	}
	delete(r.connections, peerID)
	delete(r.peers, peerID)
	r.save()
	r.logger.Info("removed peer", zap.String("peer_id", peerID))
	return true
}

// ListPeers returns copies of all peers in name-sorted order. When statuses
// are given, a peer is included if it matches any of them.
func (r *Registry) ListPeers(status ...PeerStatus) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if len(status) > 0 && !statusIn(p.Status, status) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ApprovePeer promotes a peer to APPROVED for trusted communication.
//
// Sets starting trust of 50, assigns default task/skill capabilities when
// none are declared, and clears any pending approval request. Blocked peers
// cannot be approved.
func (r *Registry) ApprovePeer(peerID, approvedBy string) error {
	defer r.notifyChange()
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok {
		return NewPeerNotFoundError(peerID)
	}
	if peer.Status == PeerStatusBlocked {
		return NewPeerBlockedError(peerID)
	}

	now := time.Now()
	peer.Status = PeerStatusApproved
	peer.ApprovedBy = approvedBy
	peer.ApprovedAt = &now
	peer.TrustLevel = trustLevelBasic

	if len(peer.Capabilities) == 0 {
		peer.Capabilities = []PeerCapability{CapabilityTaskExecution, CapabilitySkillSharing}
	}

	delete(r.pendingApprovals, peerID)
	r.save()
	r.logger.Info("approved peer",
		zap.String("peer_id", peerID),
		zap.String("name", peer.Name),
		zap.String("approved_by", approvedBy),
	)
	return nil
}

// RejectPeer marks a peer as REJECTED and clears its pending approval.
func (r *Registry) RejectPeer(peerID string) error {
	defer r.notifyChange()
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok {
		return NewPeerNotFoundError(peerID)
	}
	peer.Status = PeerStatusRejected
	delete(r.pendingApprovals, peerID)
	r.save()
	r.logger.Info("rejected peer", zap.String("peer_id", peerID))
	return nil
}

// BlockPeer blocks a peer permanently, zeroing trust and dropping any live
// connection.
func (r *Registry) BlockPeer(peerID string) error {
	defer r.notifyChange()
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok {
		return NewPeerNotFoundError(peerID)
	}
	peer.Status = PeerStatusBlocked
	peer.TrustLevel = 0
	delete(r.connections, peerID)
	r.save()
	r.logger.Info("blocked peer", zap.String("peer_id", peerID))
	return nil
}

// SetOffline marks an APPROVED peer as OFFLINE. Any other state is a no-op.
func (r *Registry) SetOffline(peerID string) bool {
	defer r.notifyChange()
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok || peer.Status != PeerStatusApproved {
		return false
	}
	peer.Status = PeerStatusOffline
	r.save()
	return true
}

// SetOnline marks an OFFLINE peer as APPROVED again. Any other state is a
// no-op; in particular this never promotes an unapproved peer.
func (r *Registry) SetOnline(peerID string) bool {
	defer r.notifyChange()
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok || peer.Status != PeerStatusOffline {
		return false
	}
	now := time.Now()
	peer.Status = PeerStatusApproved
	peer.LastSeen = &now
	r.save()
	return true
}

// Connect records an authenticated session with a peer.
// Fails with PEER_NOT_APPROVED unless the peer is trusted.
func (r *Registry) Connect(peerID, sessionToken string, expiresAt time.Time) (*PeerConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok {
		return nil, NewPeerNotFoundError(peerID)
	}
	if !peer.IsTrusted() {
		return nil, NewPeerNotApprovedError(peerID)
	}

	now := time.Now()
	conn := &PeerConnection{
		Peer:           peer.Clone(),
		ConnectedAt:    now,
		SessionToken:   sessionToken,
		TokenExpiresAt: &expiresAt,
		LastHeartbeat:  &now,
	}
	r.connections[peerID] = conn
	return cloneConnection(conn), nil
}

// Disconnect drops the session for a peer, if any.
func (r *Registry) Disconnect(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[peerID]; !ok {
		return false
	}
	delete(r.connections, peerID)
	return true
}

// GetConnection returns a copy of the active session for a peer, or nil.
func (r *Registry) GetConnection(peerID string) *PeerConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneConnection(r.connections[peerID])
}

// ActiveConnections returns copies of all active sessions.
func (r *Registry) ActiveConnections() []*PeerConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerConnection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, cloneConnection(conn))
	}
	return out
}

// UpdateHeartbeat refreshes the heartbeat on a live connection.
func (r *Registry) UpdateHeartbeat(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[peerID]
	if !ok {
		return false
	}
	now := time.Now()
	conn.LastHeartbeat = &now
	if peer, ok := r.peers[peerID]; ok {
		peer.LastSeen = &now
	}
	return true
}

// AddApprovalRequest records a pending approval request for a peer.
// Returns false if one is already pending for that peer.
func (r *Registry) AddApprovalRequest(req *ApprovalRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pendingApprovals[req.Peer.PeerID]; ok {
		return false
	}
	r.pendingApprovals[req.Peer.PeerID] = req
	return true
}

// PendingApprovals returns all unexpired approval requests, purging expired
// ones as a side effect.
func (r *Registry) PendingApprovals() []*ApprovalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ApprovalRequest, 0, len(r.pendingApprovals))
	for peerID, req := range r.pendingApprovals {
		if req.IsExpired() {
			delete(r.pendingApprovals, peerID)
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// FindPeersWithSkill returns trusted peers advertising the given skill.
func (r *Registry) FindPeersWithSkill(skillName string) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Peer
	for _, p := range r.peers {
		if p.IsTrusted() && p.HasSkill(skillName) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindPeersWithCapability returns trusted peers declaring the capability.
func (r *Registry) FindPeersWithCapability(c PeerCapability) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Peer
	for _, p := range r.peers {
		if p.IsTrusted() && p.HasCapability(c) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BestPeerForSkill returns the trusted peer with the given skill scoring
// highest on trust weighted by inverse latency, or nil if none qualifies.
func (r *Registry) BestPeerForSkill(skillName string) *Peer {
	candidates := r.FindPeersWithSkill(skillName)
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.Score() > best.Score() {
			best = p
		}
	}
	return best
}

// OnlinePeers returns all peers that appear to be online.
func (r *Registry) OnlinePeers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Peer
	for _, p := range r.peers {
		if p.IsOnline() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdatePeerStats records a request outcome for a peer, adjusting trust and
// the latency moving average. Unknown peers are ignored.
func (r *Registry) UpdatePeerStats(peerID string, success bool, latencyMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return
	}
	peer.UpdateStats(success, latencyMS)
	r.save()
}

// TouchPeer refreshes the peer's last-seen timestamp.
func (r *Registry) TouchPeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return
	}
	now := time.Now()
	peer.LastSeen = &now
	r.save()
}

// RecordPeerError stores the last probe error on a peer without changing
// its status.
func (r *Registry) RecordPeerError(peerID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return
	}
	peer.LastError = message
	r.save()
}

// Clear removes all peers, connections, and pending approvals.
func (r *Registry) Clear() {
	defer r.notifyChange()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]*Peer)
	r.connections = make(map[string]*PeerConnection)
	r.pendingApprovals = make(map[string]*ApprovalRequest)
	r.save()
}

// OnChange registers a callback invoked after every mutation that can move
// a peer between statuses. It runs outside the registry lock, so it may
// call back into the registry (to refresh a gauge, for example).
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Registry) notifyChange() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// StatusCounts returns the number of peers in each status. Every status is
// present in the result, with zero for statuses no peer is in.
func (r *Registry) StatusCounts() map[PeerStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[PeerStatus]int{
		PeerStatusDiscovered: 0,
		PeerStatusPending:    0,
		PeerStatusApproved:   0,
		PeerStatusRejected:   0,
		PeerStatusOffline:    0,
		PeerStatusBlocked:    0,
	}
	for _, p := range r.peers {
		counts[p.Status]++
	}
	return counts
}

// statusIn reports whether s is one of the given statuses.
func statusIn(s PeerStatus, statuses []PeerStatus) bool {
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

// peersFile is the persisted shape of the registry.
type peersFile struct {
	Peers []*Peer `json:"peers"`
}

// load reads the backing file. Callers must not hold the lock; load runs
// only from the constructor before the registry is shared.
func (r *Registry) load() {
	data, err := os.ReadFile(r.config.StoragePath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Error("failed to read peers file", zap.Error(err))
		}
		return
	}

	var file peersFile
	if err := json.Unmarshal(data, &file); err != nil {
		r.logger.Error("failed to parse peers file", zap.Error(err))
		return
	}

	for _, peer := range file.Peers {
		if peer.PeerID == "" {
			r.logger.Warn("skipping peer without id in peers file")
			continue
		}
		r.peers[peer.PeerID] = peer
	}
	r.logger.Info("loaded peers",
		zap.Int("count", len(r.peers)),
		zap.String("path", r.config.StoragePath),
	)
}

// save rewrites the backing file wholesale. Callers must hold the write lock.
// The write goes to a temp file first and is renamed into place so a crash
// mid-write never leaves a truncated store.
func (r *Registry) save() {
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })

	data, err := json.MarshalIndent(peersFile{Peers: peers}, "", "  ")
	if err != nil {
		r.logger.Error("failed to serialize peers", zap.Error(err))
		return
	}

	dir := filepath.Dir(r.config.StoragePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Error("failed to create data directory", zap.Error(err))
		return
	}

	tmp, err := os.CreateTemp(dir, peersFileName+".*")
	if err != nil {
		r.logger.Error("failed to create temp peers file", zap.Error(err))
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		r.logger.Error("failed to write peers file", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		r.logger.Error("failed to close peers file", zap.Error(err))
		return
	}
	if err := os.Rename(tmpName, r.config.StoragePath); err != nil {
		os.Remove(tmpName)
		r.logger.Error("failed to replace peers file", zap.Error(err))
		return
	}
}

func cloneConnection(conn *PeerConnection) *PeerConnection {
	if conn == nil {
		return nil
	}
	out := *conn
	out.Peer = conn.Peer.Clone()
	if conn.TokenExpiresAt != nil {
		t := *conn.TokenExpiresAt
		out.TokenExpiresAt = &t
	}
	if conn.LastHeartbeat != nil {
		t := *conn.LastHeartbeat
		out.LastHeartbeat = &t
	}
	return &out
}

var _ fmt.Stringer = PeerStatus("")

// String implements fmt.Stringer for log output.
func (s PeerStatus) String() string { return string(s) }
