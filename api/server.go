package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/raym33/r-sub000/internal/ctxkeys"
	"github.com/raym33/r-sub000/internal/metrics"
	"github.com/raym33/r-sub000/p2p"
)

// Options tune the HTTP surface.
type Options struct {
	// Version is reported on the public info endpoint.
	Version string

	// RateLimit is the per-client request rate per second. Zero disables
	// rate limiting.
	RateLimit float64
	// RateBurst is the per-client burst size.
	RateBurst int

	// MetricsHandler serves GET /metrics when non-nil.
	MetricsHandler http.Handler
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Version:   "1.0.0",
		RateLimit: 50,
		RateBurst: 100,
	}
}

// Server serves the peer-to-peer HTTP API on top of a wired p2p.System.
type Server struct {
	system    *p2p.System
	collector *metrics.Collector
	opts      Options
	logger    *zap.Logger
}

// NewServer creates the API server. The collector may be nil to disable
// request metrics.
func NewServer(system *p2p.System, collector *metrics.Collector, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	return &Server{
		system:    system,
		collector: collector,
		opts:      opts,
		logger:    logger.With(zap.String("component", "api")),
	}
}

// Handler builds the routed and middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.opts.MetricsHandler)
	}

	mux.HandleFunc("GET /v1/p2p/status", s.handleStatus)
	mux.HandleFunc("GET /v1/p2p/info", s.handleInfo)

	mux.HandleFunc("GET /v1/p2p/peers", s.handleListPeers)
	mux.HandleFunc("POST /v1/p2p/peers", s.handleAddPeer)
	mux.HandleFunc("GET /v1/p2p/peers/{peer_id}", s.handleGetPeer)
	mux.HandleFunc("DELETE /v1/p2p/peers/{peer_id}", s.handleRemovePeer)

	mux.HandleFunc("POST /v1/p2p/discover", s.handleDiscover)

	mux.HandleFunc("GET /v1/p2p/pending", s.handlePendingApprovals)
	mux.HandleFunc("POST /v1/p2p/approve/{peer_id}", s.handleApprovePeer)
	mux.HandleFunc("POST /v1/p2p/reject/{peer_id}", s.handleRejectPeer)
	mux.HandleFunc("POST /v1/p2p/block/{peer_id}", s.handleBlockPeer)

	mux.HandleFunc("POST /v1/p2p/auth/challenge", s.handleAuthChallenge)
	mux.HandleFunc("POST /v1/p2p/auth/respond", s.handleAuthRespond)

	mux.HandleFunc("POST /v1/p2p/task", s.withPeerAuth(s.handleTask))
	mux.HandleFunc("GET /v1/p2p/skills", s.handleListSkills)
	mux.HandleFunc("POST /v1/p2p/skill", s.withPeerAuth(s.handleSkill))
	mux.HandleFunc("POST /v1/p2p/sync", s.withPeerAuth(s.handleSync))

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
	}
	if s.collector != nil {
		middlewares = append(middlewares, Metrics(s.collector))
	}
	if s.opts.RateLimit > 0 {
		middlewares = append(middlewares, RateLimiter(s.opts.RateLimit, s.opts.RateBurst))
	}
	return Chain(mux, middlewares...)
}

// withPeerAuth guards a handler behind peer session token verification and
// passes the verified peer ID through.
func (s *Server) withPeerAuth(handler func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peerID, status, detail := s.verifyPeerToken(r)
		if status != 0 {
			writeDetail(w, status, detail)
			return
		}
		handler(w, r.WithContext(ctxkeys.WithPeerID(r.Context(), peerID)), peerID)
	}
}

// verifyPeerToken validates the Authorization and X-Peer-ID headers. It
// returns the verified peer ID, or a non-zero HTTP status and detail
// message on failure.
func (s *Server) verifyPeerToken(r *http.Request) (peerID string, status int, detail string) {
	authorization := r.Header.Get("Authorization")
	xPeerID := r.Header.Get("X-Peer-ID")
	if authorization == "" || xPeerID == "" {
		return "", http.StatusUnauthorized, "Peer authentication required"
	}

	const prefix = "Bearer "
	if len(authorization) <= len(prefix) || authorization[:len(prefix)] != prefix {
		return "", http.StatusUnauthorized, "Invalid authorization header"
	}
	token := authorization[len(prefix):]

	peer := s.system.Registry.GetPeer(xPeerID)
	if peer == nil {
		return "", http.StatusUnauthorized, "Unknown peer"
	}
	if !peer.IsTrusted() {
		return "", http.StatusForbidden, "Peer not approved"
	}

	if s.system.Security.ValidatePeerToken(token, peer.PublicKey) == nil {
		return "", http.StatusUnauthorized, "Invalid or expired token"
	}
	return xPeerID, 0, ""
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Headers are gone; nothing useful left to do.
		return
	}
}

// writeDetail writes an error response of the form {"detail": msg}.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// decodeJSON decodes a request body, reporting a 400 on malformed input.
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// partialKey truncates a key to the portion shared during handshakes.
func partialKey(key string) string {
	const n = 32
	if len(key) > n {
		return key[:n]
	}
	return key
}

// remarshalMap converts a decoded JSON map into a typed struct.
func remarshalMap(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// writeTypedError maps a subsystem error to its HTTP status and detail.
func writeTypedError(w http.ResponseWriter, err error) {
	var perr *p2p.Error
	if errors.As(err, &perr) {
		status := perr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		switch perr.Code {
		case p2p.ErrPeerNotFound:
			writeDetail(w, status, "Peer not found")
		case p2p.ErrPeerBlocked:
			writeDetail(w, status, "Peer is blocked")
		default:
			writeDetail(w, status, perr.Message)
		}
		return
	}
	writeDetail(w, http.StatusInternalServerError, err.Error())
}
