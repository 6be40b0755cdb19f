package p2p

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PeerStatus represents the lifecycle status of a peer.
type PeerStatus string

const (
	// PeerStatusDiscovered indicates a peer found via mDNS or manual entry,
	// not yet contacted.
	PeerStatusDiscovered PeerStatus = "discovered"
	// PeerStatusPending indicates a peer awaiting user approval.
	PeerStatusPending PeerStatus = "pending"
	// PeerStatusApproved indicates a trusted peer that can communicate.
	PeerStatusApproved PeerStatus = "approved"
	// PeerStatusRejected indicates a peer the user rejected.
	PeerStatusRejected PeerStatus = "rejected"
	// PeerStatusOffline indicates an approved peer that is currently unreachable.
	PeerStatusOffline PeerStatus = "offline"
	// PeerStatusBlocked indicates a permanently blocked peer.
	PeerStatusBlocked PeerStatus = "blocked"
)

// PeerCapability is a named permission a peer can offer.
type PeerCapability string

const (
	// CapabilityTaskExecution allows executing tasks on the peer.
	CapabilityTaskExecution PeerCapability = "task_execution"
	// CapabilitySkillSharing allows invoking the peer's skills remotely.
	CapabilitySkillSharing PeerCapability = "skill_sharing"
	// CapabilityContextSync allows synchronizing context/memory with the peer.
	CapabilityContextSync PeerCapability = "context_sync"
	// CapabilityRemoteAgent allows full agent access on the peer.
	CapabilityRemoteAgent PeerCapability = "remote_agent"
)

// Trust thresholds gating remote operations.
const (
	trustLevelBasic = 50
	trustLevelSync  = 75
	trustLevelMax   = 100
)

// latencyAlpha is the smoothing factor of the latency moving average.
const latencyAlpha = 0.1

// Peer represents a remote instance of this application.
//
// It contains everything needed to identify, authenticate, and communicate
// with another instance: identity, reachability, trust record, advertised
// capabilities, and rolling connection statistics.
type Peer struct {
	// Identity
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`

	// Status
	Status PeerStatus `json:"status"`

	// Discovery metadata
	DiscoveredAt  time.Time  `json:"discovered_at"`
	DiscoveredVia string     `json:"discovered_via"` // "mdns" or "manual"
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	// Security
	PublicKey   string `json:"public_key,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	TrustLevel  int    `json:"trust_level"` // 0-100, adjusted by request outcomes

	// Approval
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	// Capabilities
	Capabilities []PeerCapability `json:"capabilities"`
	Skills       []string         `json:"skills"`
	Version      string           `json:"version,omitempty"`

	// Connection stats
	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	TotalRequests      int     `json:"total_requests"`
	AvgLatencyMS       float64 `json:"avg_latency_ms"`
}

// NewPeer creates a peer in DISCOVERED status with a generated ID.
func NewPeer(name, host string, port int) *Peer {
	if name == "" {
		name = "Unknown Peer"
	}
	return &Peer{
		PeerID:        uuid.NewString(),
		Name:          name,
		Host:          host,
		Port:          port,
		Status:        PeerStatusDiscovered,
		DiscoveredAt:  time.Now(),
		DiscoveredVia: "manual",
	}
}

// URL returns the base URL for this peer.
func (p *Peer) URL() string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// IsTrusted reports whether the peer is approved for communication.
func (p *Peer) IsTrusted() bool {
	return p.Status == PeerStatusApproved
}

// IsOnline reports whether the peer appears to be online.
func (p *Peer) IsOnline() bool {
	return p.Status == PeerStatusApproved || p.Status == PeerStatusPending
}

// HasCapability reports whether the peer declares the given capability.
func (p *Peer) HasCapability(c PeerCapability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HasSkill reports whether the peer advertises the given skill.
func (p *Peer) HasSkill(name string) bool {
	for _, s := range p.Skills {
		if s == name {
			return true
		}
	}
	return false
}

// CanExecuteTasks reports whether remote task execution is permitted:
// trusted, capability declared, and trust level at least 50.
func (p *Peer) CanExecuteTasks() bool {
	return p.IsTrusted() && p.HasCapability(CapabilityTaskExecution) && p.TrustLevel >= trustLevelBasic
}

// CanShareSkills reports whether remote skill invocation is permitted.
func (p *Peer) CanShareSkills() bool {
	return p.IsTrusted() && p.HasCapability(CapabilitySkillSharing) && p.TrustLevel >= trustLevelBasic
}

// CanSyncContext reports whether context synchronization is permitted.
// Sync carries conversational memory, so it requires a higher trust level.
func (p *Peer) CanSyncContext() bool {
	return p.IsTrusted() && p.HasCapability(CapabilityContextSync) && p.TrustLevel >= trustLevelSync
}

// UpdateStats records the outcome of a request against this peer.
//
// Successes raise trust by 1 (capped at 100), failures lower it by 5
// (floored at 0). Latency feeds an exponential moving average.
func (p *Peer) UpdateStats(success bool, latencyMS float64) {
	p.TotalRequests++
	if success {
		p.SuccessfulRequests++
		if p.TrustLevel < trustLevelMax {
			p.TrustLevel = min(trustLevelMax, p.TrustLevel+1)
		}
	} else {
		p.FailedRequests++
		if p.TrustLevel > 0 {
			p.TrustLevel = max(0, p.TrustLevel-5)
		}
	}

	if p.AvgLatencyMS == 0 {
		p.AvgLatencyMS = latencyMS
	} else {
		p.AvgLatencyMS = (1-latencyAlpha)*p.AvgLatencyMS + latencyAlpha*latencyMS
	}

	now := time.Now()
	p.LastSeen = &now
}

// Score rates the peer for skill routing: trust weighted by inverse latency.
func (p *Peer) Score() float64 {
	return float64(p.TrustLevel) * (1.0 / (1.0 + p.AvgLatencyMS/1000))
}

// Clone returns a deep copy of the peer.
func (p *Peer) Clone() *Peer {
	if p == nil {
		return nil
	}
	out := *p
	if p.LastSeen != nil {
		t := *p.LastSeen
		out.LastSeen = &t
	}
	if p.ApprovedAt != nil {
		t := *p.ApprovedAt
		out.ApprovedAt = &t
	}
	if p.Capabilities != nil {
		out.Capabilities = append([]PeerCapability(nil), p.Capabilities...)
	}
	if p.Skills != nil {
		out.Skills = append([]string(nil), p.Skills...)
	}
	return &out
}

// PeerSummary is a compact view of a peer for display and API listings.
type PeerSummary struct {
	PeerID     string     `json:"peer_id"`
	Name       string     `json:"name"`
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	Status     string     `json:"status"`
	TrustLevel int        `json:"trust_level"`
	Skills     []string   `json:"skills"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
}

// Summary returns a compact view of the peer.
func (p *Peer) Summary() PeerSummary {
	return PeerSummary{
		PeerID:     p.PeerID,
		Name:       p.Name,
		Host:       p.Host,
		Port:       p.Port,
		Status:     string(p.Status),
		TrustLevel: p.TrustLevel,
		Skills:     append([]string(nil), p.Skills...),
		LastSeen:   p.LastSeen,
	}
}

// PeerConnection is an active authenticated session with a peer.
type PeerConnection struct {
	Peer           *Peer      `json:"peer"`
	ConnectedAt    time.Time  `json:"connected_at"`
	SessionToken   string     `json:"session_token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
}

// IsTokenValid reports whether the session token is present and unexpired.
func (c *PeerConnection) IsTokenValid() bool {
	if c.SessionToken == "" || c.TokenExpiresAt == nil {
		return false
	}
	return time.Now().Before(*c.TokenExpiresAt)
}

// ApprovalRequest is a pending request to trust a peer, shown to the user
// together with a key fingerprint for out-of-band verification.
type ApprovalRequest struct {
	RequestID       string    `json:"request_id"`
	Peer            *Peer     `json:"peer"`
	RequestedAt     time.Time `json:"requested_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Fingerprint     string    `json:"fingerprint"`
	DiscoveryMethod string    `json:"discovery_method"` // "mdns", "manual", or "network"
	Message         string    `json:"message,omitempty"`
}

// IsExpired reports whether the approval request has expired.
func (r *ApprovalRequest) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}
