package api

import "time"

// PeerInfoResponse is the wire representation of one peer.
type PeerInfoResponse struct {
	PeerID       string     `json:"peer_id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Skills       []string   `json:"skills"`
	Capabilities []string   `json:"capabilities"`
	TrustLevel   int        `json:"trust_level"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	Version      string     `json:"version,omitempty"`
}

// PeerListResponse lists known peers.
type PeerListResponse struct {
	Peers []PeerInfoResponse `json:"peers"`
	Total int                `json:"total"`
}

// AddPeerRequest adds a manual peer.
type AddPeerRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Name string `json:"name,omitempty"`
}

// AddPeerResponse reports the outcome of adding a peer.
type AddPeerResponse struct {
	Success bool   `json:"success"`
	PeerID  string `json:"peer_id"`
	Message string `json:"message"`
}

// ApprovalRequestInfo describes one pending approval request.
type ApprovalRequestInfo struct {
	RequestID       string    `json:"request_id"`
	PeerID          string    `json:"peer_id"`
	PeerName        string    `json:"peer_name"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	Fingerprint     string    `json:"fingerprint"`
	DiscoveryMethod string    `json:"discovery_method"`
	RequestedAt     time.Time `json:"requested_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// PendingApprovalsResponse lists pending approval requests.
type PendingApprovalsResponse struct {
	Requests []ApprovalRequestInfo `json:"requests"`
	Total    int                   `json:"total"`
}

// PeerChallengeRequest asks this node for an authentication challenge.
type PeerChallengeRequest struct {
	PeerID    string `json:"peer_id"`
	PublicKey string `json:"public_key"`
}

// PeerChallengeResponse carries the issued challenge.
type PeerChallengeResponse struct {
	Challenge    string `json:"challenge"`
	OurPeerID    string `json:"our_peer_id"`
	OurPublicKey string `json:"our_public_key"`
}

// PeerAuthRequest answers a previously issued challenge.
type PeerAuthRequest struct {
	PeerID    string `json:"peer_id"`
	Challenge string `json:"challenge"`
	Response  string `json:"response"`
}

// PeerAuthResponse reports the handshake outcome.
type PeerAuthResponse struct {
	Success   bool       `json:"success"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// TaskRequest asks this node to execute a task for a peer.
type TaskRequest struct {
	RequestID   string         `json:"request_id"`
	Task        string         `json:"task"`
	Agent       string         `json:"agent,omitempty"`
	Context     map[string]any `json:"context"`
	RequesterID string         `json:"requester_id"`
}

// TaskResponse reports the task outcome.
type TaskResponse struct {
	RequestID       string  `json:"request_id"`
	Result          string  `json:"result"`
	AgentUsed       string  `json:"agent_used,omitempty"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
	Success         bool    `json:"success"`
	Error           string  `json:"error,omitempty"`
}

// SkillRequest asks this node to invoke one tool of one skill.
type SkillRequest struct {
	RequestID   string         `json:"request_id"`
	Skill       string         `json:"skill"`
	Tool        string         `json:"tool"`
	Arguments   map[string]any `json:"arguments"`
	RequesterID string         `json:"requester_id"`
}

// SkillResponse reports the tool outcome.
type SkillResponse struct {
	RequestID       string  `json:"request_id"`
	Result          any     `json:"result,omitempty"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
	Success         bool    `json:"success"`
	Error           string  `json:"error,omitempty"`
}

// SkillInfoResponse describes one skill offered to peers.
type SkillInfoResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
}

// SkillsListResponse lists skills available for remote invocation.
type SkillsListResponse struct {
	Skills []SkillInfoResponse `json:"skills"`
	Total  int                 `json:"total"`
}

// ContextSyncRequest carries one leg of a context sync. Direction is from
// the caller's point of view: "receive" means the caller is sending us
// data, "send" means the caller wants ours.
type ContextSyncRequest struct {
	Direction string         `json:"direction"`
	Scope     string         `json:"scope,omitempty"`
	Since     string         `json:"since,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ContextSyncResponse reports the sync leg outcome.
type ContextSyncResponse struct {
	Success          bool   `json:"success"`
	Direction        string `json:"direction"`
	EntriesProcessed int    `json:"entries_processed"`
	Data             any    `json:"data,omitempty"`
	Error            string `json:"error,omitempty"`
}

// StatusResponse summarizes the peer subsystem state.
type StatusResponse struct {
	Enabled           bool   `json:"enabled"`
	PeerID            string `json:"peer_id"`
	Fingerprint       string `json:"fingerprint"`
	DiscoveryRunning  bool   `json:"discovery_running"`
	Advertising       bool   `json:"advertising"`
	TotalPeers        int    `json:"total_peers"`
	ApprovedPeers     int    `json:"approved_peers"`
	PendingApprovals  int    `json:"pending_approvals"`
	ActiveConnections int    `json:"active_connections"`
}
