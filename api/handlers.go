package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/raym33/r-sub000/p2p"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	registry := s.system.Registry
	security := s.system.Security
	discovery := s.system.Discovery

	peers := registry.ListPeers()
	approved := registry.ListPeers(p2p.PeerStatusApproved)

	writeJSON(w, http.StatusOK, StatusResponse{
		Enabled:           true,
		PeerID:            security.InstanceID(),
		Fingerprint:       security.Fingerprint(),
		DiscoveryRunning:  discovery.IsRunning(),
		Advertising:       discovery.IsAdvertising(),
		TotalPeers:        len(peers),
		ApprovedPeers:     len(approved),
		PendingApprovals:  len(registry.PendingApprovals()),
		ActiveConnections: len(registry.ActiveConnections()),
	})
}

// handleInfo returns this peer's public self-description. No auth; peers
// call it before any handshake.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := s.system.Security.InstanceID()

	var skills []string
	if s.system.Agent != nil {
		if infos, err := s.system.Agent.ListSkills(r.Context()); err == nil {
			for _, info := range infos {
				skills = append(skills, info.Name)
			}
		}
	}
	if skills == nil {
		skills = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"peer_id": id,
		"name":    fmt.Sprintf("RSub-%.8s", id),
		"version": s.opts.Version,
		"skills":  skills,
		"capabilities": []string{
			string(p2p.CapabilityTaskExecution),
			string(p2p.CapabilitySkillSharing),
			string(p2p.CapabilityContextSync),
		},
		"status": "online",
	})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	var filter []p2p.PeerStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		switch status := p2p.PeerStatus(raw); status {
		case p2p.PeerStatusDiscovered, p2p.PeerStatusPending, p2p.PeerStatusApproved,
			p2p.PeerStatusRejected, p2p.PeerStatusOffline, p2p.PeerStatusBlocked:
			filter = append(filter, status)
		}
	}

	peers := s.system.Registry.ListPeers(filter...)
	out := make([]PeerInfoResponse, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerInfoResponse(p))
	}
	writeJSON(w, http.StatusOK, PeerListResponse{Peers: out, Total: len(out)})
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req AddPeerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Port == 0 {
		req.Port = p2p.DefaultServicePort
	}

	peer, err := s.system.Discovery.AddManualPeer(req.Host, req.Port, req.Name)
	if err != nil {
		writeJSON(w, http.StatusOK, AddPeerResponse{Success: false, PeerID: "", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, AddPeerResponse{
		Success: true,
		PeerID:  peer.PeerID,
		Message: fmt.Sprintf("Added peer %s", peer.Name),
	})
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	peer := s.system.Registry.GetPeer(r.PathValue("peer_id"))
	if peer == nil {
		writeDetail(w, http.StatusNotFound, "Peer not found")
		return
	}
	writeJSON(w, http.StatusOK, peerInfoResponse(peer))
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peer_id")
	if !s.system.Registry.RemovePeer(peerID) {
		writeDetail(w, http.StatusNotFound, "Peer not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Removed peer %s", peerID),
	})
}

// handleDiscover triggers a blocking network scan and reports the peers
// seen during the window.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	window := 5 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			window = time.Duration(secs * float64(time.Second))
		}
	}

	peers, err := s.system.Discovery.ScanNetwork(r.Context(), window)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}

	summaries := make([]p2p.PeerSummary, 0, len(peers))
	for _, p := range peers {
		summaries = append(summaries, p.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"discovered": len(peers),
		"peers":      summaries,
	})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.system.Registry.PendingApprovals()
	out := make([]ApprovalRequestInfo, 0, len(pending))
	for _, req := range pending {
		out = append(out, ApprovalRequestInfo{
			RequestID:       req.RequestID,
			PeerID:          req.Peer.PeerID,
			PeerName:        req.Peer.Name,
			Host:            req.Peer.Host,
			Port:            req.Peer.Port,
			Fingerprint:     req.Fingerprint,
			DiscoveryMethod: req.DiscoveryMethod,
			RequestedAt:     req.RequestedAt,
			ExpiresAt:       req.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, PendingApprovalsResponse{Requests: out, Total: len(out)})
}

func (s *Server) handleApprovePeer(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peer_id")
	approvedBy := r.URL.Query().Get("approved_by")
	if approvedBy == "" {
		approvedBy = "api"
	}

	if err := s.system.Registry.ApprovePeer(peerID, approvedBy); err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Approved peer %s", peerID),
	})
}

func (s *Server) handleRejectPeer(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peer_id")
	if err := s.system.Registry.RejectPeer(peerID); err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Rejected peer %s", peerID),
	})
}

func (s *Server) handleBlockPeer(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peer_id")
	if err := s.system.Registry.BlockPeer(peerID); err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Blocked peer %s", peerID),
	})
}

// handleAuthChallenge issues a challenge for the handshake. An unknown
// caller is registered as a pending peer so the operator can approve it;
// the challenge is issued either way and only verifies after approval.
func (s *Server) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	var req PeerChallengeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PeerID == "" {
		writeDetail(w, http.StatusBadRequest, "peer_id required")
		return
	}

	registry := s.system.Registry
	security := s.system.Security

	if registry.GetPeer(req.PeerID) == nil {
		peer := &p2p.Peer{
			PeerID:        req.PeerID,
			Name:          fmt.Sprintf("Peer-%.8s", req.PeerID),
			Host:          "unknown",
			Port:          p2p.DefaultServicePort,
			Status:        p2p.PeerStatusPending,
			DiscoveredAt:  time.Now(),
			DiscoveredVia: "network",
			PublicKey:     req.PublicKey,
		}
		if _, err := registry.AddPeer(peer); err != nil {
			writeTypedError(w, err)
			return
		}
		registry.AddApprovalRequest(security.CreateApprovalRequest(peer, "network"))
		s.logger.Info("unknown peer requested challenge, pending approval",
			zap.String("peer_id", req.PeerID))
	}

	challenge := security.CreateChallenge(req.PeerID)
	writeJSON(w, http.StatusOK, PeerChallengeResponse{
		Challenge:    challenge.Challenge,
		OurPeerID:    security.InstanceID(),
		OurPublicKey: partialKey(security.InstanceKey()),
	})
}

// handleAuthRespond verifies a challenge response and issues a session
// token. Handshake failures are reported in the body rather than via HTTP
// status, so the caller can distinguish them from transport problems.
func (s *Server) handleAuthRespond(w http.ResponseWriter, r *http.Request) {
	var req PeerAuthRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	security := s.system.Security

	peer := s.system.Registry.GetPeer(req.PeerID)
	if peer == nil {
		writeJSON(w, http.StatusOK, PeerAuthResponse{Success: false, Error: "Unknown peer"})
		return
	}
	if !peer.IsTrusted() {
		writeJSON(w, http.StatusOK, PeerAuthResponse{
			Success: false,
			Error:   "Peer not approved. Approval required before authentication.",
		})
		return
	}

	peerKey := peer.PublicKey
	if peerKey == "" {
		peerKey = partialKey(req.PeerID)
	}

	verified := security.VerifyChallengeResponse(req.PeerID, req.Response, peerKey)
	if s.collector != nil {
		s.collector.RecordAuthHandshake(verified)
	}
	if !verified {
		writeJSON(w, http.StatusOK, PeerAuthResponse{Success: false, Error: "Invalid challenge response"})
		return
	}

	token := security.CreatePeerToken(req.PeerID, peerKey, nil, 0)
	writeJSON(w, http.StatusOK, PeerAuthResponse{
		Success:   true,
		Token:     token.Token,
		ExpiresAt: &token.ExpiresAt,
	})
}

// handleTask executes a task on behalf of an authenticated peer. Execution
// failures come back as a failed TaskResponse, not an HTTP error.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request, peerID string) {
	var req TaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if s.system.Agent == nil {
		writeJSON(w, http.StatusOK, TaskResponse{
			RequestID: req.RequestID,
			Success:   false,
			Error:     "Agent not available",
		})
		return
	}

	start := time.Now()
	result, agentUsed, err := s.system.Agent.ExecuteTask(r.Context(), req.Task, req.Agent, req.Context)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		writeJSON(w, http.StatusOK, TaskResponse{
			RequestID:       req.RequestID,
			ExecutionTimeMS: elapsed,
			Success:         false,
			Error:           err.Error(),
		})
		return
	}

	if agentUsed == "" {
		agentUsed = req.Agent
	}
	s.logger.Info("executed task for peer",
		zap.String("peer_id", peerID),
		zap.String("request_id", req.RequestID),
		zap.Float64("elapsed_ms", elapsed),
	)
	writeJSON(w, http.StatusOK, TaskResponse{
		RequestID:       req.RequestID,
		Result:          result,
		AgentUsed:       agentUsed,
		ExecutionTimeMS: elapsed,
		Success:         true,
	})
}

// handleListSkills lists skills available for remote invocation. Like the
// info endpoint, it is public: peers browse skills before authenticating.
func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	if s.system.Agent == nil {
		writeJSON(w, http.StatusOK, SkillsListResponse{Skills: []SkillInfoResponse{}, Total: 0})
		return
	}

	infos, err := s.system.Agent.ListSkills(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	skills := make([]SkillInfoResponse, 0, len(infos))
	for _, info := range infos {
		skills = append(skills, SkillInfoResponse{
			Name:        info.Name,
			Description: info.Description,
			Tools:       info.Tools,
		})
	}
	writeJSON(w, http.StatusOK, SkillsListResponse{Skills: skills, Total: len(skills)})
}

func (s *Server) handleSkill(w http.ResponseWriter, r *http.Request, peerID string) {
	var req SkillRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if s.system.Agent == nil {
		writeJSON(w, http.StatusOK, SkillResponse{
			RequestID: req.RequestID,
			Success:   false,
			Error:     "Agent not available",
		})
		return
	}

	start := time.Now()
	result, err := s.system.Agent.InvokeTool(r.Context(), req.Skill, req.Tool, req.Arguments)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		writeJSON(w, http.StatusOK, SkillResponse{
			RequestID:       req.RequestID,
			ExecutionTimeMS: elapsed,
			Success:         false,
			Error:           err.Error(),
		})
		return
	}

	s.logger.Info("invoked skill for peer",
		zap.String("peer_id", peerID),
		zap.String("skill", req.Skill),
		zap.String("tool", req.Tool),
	)
	writeJSON(w, http.StatusOK, SkillResponse{
		RequestID:       req.RequestID,
		Result:          result,
		ExecutionTimeMS: elapsed,
		Success:         true,
	})
}

// handleSync serves one leg of a context sync. Direction is from the
// caller's point of view: "receive" carries their data to us, "send" asks
// for ours.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, peerID string) {
	var req ContextSyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Direction == "receive" {
		if req.Data == nil {
			writeJSON(w, http.StatusOK, ContextSyncResponse{
				Success:   false,
				Direction: req.Direction,
				Error:     "No data provided",
			})
			return
		}

		var export p2p.ContextExport
		if err := remarshalMap(req.Data, &export); err != nil {
			writeJSON(w, http.StatusOK, ContextSyncResponse{
				Success:   false,
				Direction: req.Direction,
				Error:     "Malformed sync payload",
			})
			return
		}

		entries, err := s.system.Sync.ImportContext(&export, p2p.MergeAppend)
		if s.collector != nil {
			s.collector.RecordSync("receive", err == nil, 0, entries)
		}
		if err != nil {
			writeJSON(w, http.StatusOK, ContextSyncResponse{
				Success:   false,
				Direction: req.Direction,
				Error:     err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, ContextSyncResponse{
			Success:          true,
			Direction:        req.Direction,
			EntriesProcessed: entries,
		})
		return
	}

	// direction == "send": the peer wants our data.
	var since *time.Time
	if req.Since != "" {
		if t, err := time.Parse(time.RFC3339Nano, req.Since); err == nil {
			since = &t
		}
	}

	includeDocuments := req.Scope == "memory" || req.Scope == "all"
	includeTasks := req.Scope == "all"
	export := s.system.Sync.ExportContext(peerID, includeDocuments, includeTasks, since)

	if s.collector != nil {
		s.collector.RecordSync("send", true, len(export.SessionEntries), 0)
	}
	writeJSON(w, http.StatusOK, ContextSyncResponse{
		Success:          true,
		Direction:        req.Direction,
		EntriesProcessed: len(export.SessionEntries),
		Data:             export,
	})
}

// peerInfoResponse converts a peer into its wire representation.
func peerInfoResponse(p *p2p.Peer) PeerInfoResponse {
	capabilities := make([]string, 0, len(p.Capabilities))
	for _, c := range p.Capabilities {
		capabilities = append(capabilities, string(c))
	}
	skills := p.Skills
	if skills == nil {
		skills = []string{}
	}
	return PeerInfoResponse{
		PeerID:       p.PeerID,
		Name:         p.Name,
		Status:       string(p.Status),
		Host:         p.Host,
		Port:         p.Port,
		Skills:       skills,
		Capabilities: capabilities,
		TrustLevel:   p.TrustLevel,
		LastSeen:     p.LastSeen,
		Version:      p.Version,
	}
}
