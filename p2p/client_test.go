package p2p

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clientFixture wires a registry, security manager, and client against an
// httptest server acting as the remote peer.
type clientFixture struct {
	registry *Registry
	security *Security
	client   *Client
	peer     *Peer
}

func newClientFixture(t *testing.T, handler http.Handler) (*clientFixture, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	registry := newTestRegistry(t)
	security := newTestSecurity(t)
	client := NewClient(registry, security, nil, nil)

	peer := NewPeer("remote", u.Hostname(), port)
	_, err = registry.AddPeer(peer)
	require.NoError(t, err)
	require.NoError(t, registry.ApprovePeer(peer.PeerID, "test"))

	return &clientFixture{
		registry: registry,
		security: security,
		client:   client,
		peer:     registry.GetPeer(peer.PeerID),
	}, server
}

// seedToken installs a valid cached session so requests skip the handshake.
func (f *clientFixture) seedToken(t *testing.T, token string) {
	t.Helper()
	_, err := f.registry.Connect(f.peer.PeerID, token, time.Now().Add(time.Hour))
	require.NoError(t, err)
}

// authHandler serves the handshake endpoints, handing out the given token.
func authHandler(mux *http.ServeMux, token string, authCalls *int) {
	mux.HandleFunc("POST /v1/p2p/auth/challenge", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"challenge":      "test-challenge",
			"our_peer_id":    "remote-id",
			"our_public_key": "remote-public-key-0123456789abcdef",
		})
	})
	mux.HandleFunc("POST /v1/p2p/auth/respond", func(w http.ResponseWriter, r *http.Request) {
		if authCalls != nil {
			*authCalls++
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":    true,
			"token":      token,
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339Nano),
		})
	})
}

// --- authentication ---

func TestClient_Authenticate(t *testing.T) {
	mux := http.NewServeMux()
	authCalls := 0
	authHandler(mux, "session-token", &authCalls)

	f, _ := newClientFixture(t, mux)

	token, err := f.client.Authenticate(context.Background(), f.peer)
	require.NoError(t, err)
	assert.Equal(t, "session-token", token)
	assert.Equal(t, 1, authCalls)

	// The session was recorded for reuse.
	conn := f.registry.GetConnection(f.peer.PeerID)
	require.NotNil(t, conn)
	assert.Equal(t, "session-token", conn.SessionToken)
	assert.True(t, conn.IsTokenValid())

	// The peer's partial key was learned during the handshake.
	got := f.registry.GetPeer(f.peer.PeerID)
	assert.Equal(t, "remote-public-key-0123456789abcd", got.PublicKey)
	assert.Len(t, got.PublicKey, 32)
}

func TestClient_Authenticate_RequiresApproval(t *testing.T) {
	f, _ := newClientFixture(t, http.NewServeMux())

	pending := NewPeer("pending", "10.0.0.9", 8765)
	_, err := f.registry.AddPeer(pending)
	require.NoError(t, err)

	_, err = f.client.Authenticate(context.Background(), pending)
	assert.Equal(t, ErrPeerNotApproved, GetErrorCode(err))
}

func TestClient_Authenticate_Rejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/p2p/auth/challenge", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"challenge": "c", "our_public_key": "k"})
	})
	mux.HandleFunc("POST /v1/p2p/auth/respond", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Invalid challenge response"})
	})

	f, _ := newClientFixture(t, mux)

	_, err := f.client.Authenticate(context.Background(), f.peer)
	require.Error(t, err)
	assert.Equal(t, ErrPeerAuth, GetErrorCode(err))
}

// --- request path ---

func TestClient_Request_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/p2p/echo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer cached-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Peer-ID"))
		json.NewEncoder(w).Encode(map[string]any{"value": "pong"})
	})

	f, _ := newClientFixture(t, mux)
	f.seedToken(t, "cached-token")

	resp, err := f.client.Request(context.Background(), f.peer, http.MethodGet, "/v1/p2p/echo", nil, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, "pong", resp.Data["value"])
	assert.Equal(t, f.peer.PeerID, resp.PeerID)

	// A successful request raises trust.
	got := f.registry.GetPeer(f.peer.PeerID)
	assert.Equal(t, 51, got.TrustLevel)
	assert.Equal(t, 1, got.SuccessfulRequests)
}

func TestClient_Request_UnapprovedPeer(t *testing.T) {
	f, _ := newClientFixture(t, http.NewServeMux())

	pending := NewPeer("pending", "10.0.0.9", 8765)
	_, err := f.registry.AddPeer(pending)
	require.NoError(t, err)

	_, err = f.client.Request(context.Background(), pending, http.MethodGet, "/v1/p2p/info", nil, nil)
	assert.Equal(t, ErrPeerNotApproved, GetErrorCode(err))
}

func TestClient_Request_ReauthenticatesOnceOn401(t *testing.T) {
	taskCalls := 0
	authCalls := 0
	mux := http.NewServeMux()
	authHandler(mux, "fresh-token", &authCalls)
	mux.HandleFunc("POST /v1/p2p/task", func(w http.ResponseWriter, r *http.Request) {
		taskCalls++
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid or expired token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": "done"})
	})

	f, _ := newClientFixture(t, mux)
	f.seedToken(t, "stale-token")

	resp, err := f.client.Request(context.Background(), f.peer, http.MethodPost, "/v1/p2p/task", map[string]any{"task": "t"}, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, "done", resp.Data["result"])
	assert.Equal(t, 2, taskCalls)
	assert.Equal(t, 1, authCalls)
}

func TestClient_Request_HTTPErrorUsesDetail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/p2p/thing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Thing not found"})
	})

	f, _ := newClientFixture(t, mux)
	f.seedToken(t, "tok")

	resp, err := f.client.Request(context.Background(), f.peer, http.MethodGet, "/v1/p2p/thing", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Thing not found", resp.Error)

	// A failed request lowers trust.
	got := f.registry.GetPeer(f.peer.PeerID)
	assert.Equal(t, 45, got.TrustLevel)
}

func TestClient_Request_ConnectionFailure(t *testing.T) {
	f, server := newClientFixture(t, http.NewServeMux())
	f.seedToken(t, "tok")
	server.Close()

	// Cancel during the first backoff so the test does not sit through
	// the full retry schedule.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	resp, err := f.client.Request(ctx, f.peer, http.MethodGet, "/v1/p2p/info", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Connection failed")
}

// --- remote operations ---

func TestClient_ExecuteRemoteTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/p2p/task", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "summarize notes", body["task"])
		assert.NotEmpty(t, body["request_id"])
		assert.NotEmpty(t, body["requester_id"])

		json.NewEncoder(w).Encode(map[string]any{
			"result":            "summary text",
			"agent_used":        "default",
			"execution_time_ms": 42.0,
			"success":           true,
		})
	})

	f, _ := newClientFixture(t, mux)
	f.seedToken(t, "tok")

	result, err := f.client.ExecuteRemoteTask(context.Background(), f.peer, "summarize notes", "", nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "summary text", result.Result)
	assert.Equal(t, "default", result.AgentUsed)
	assert.Equal(t, 42.0, result.ExecutionTimeMS)
}

func TestClient_ExecuteRemoteTask_CapabilityGate(t *testing.T) {
	requests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { requests++ })

	f, _ := newClientFixture(t, mux)
	f.registry.UpdatePeer(f.peer.PeerID, func(p *Peer) {
		p.Capabilities = []PeerCapability{CapabilitySkillSharing}
	})
	peer := f.registry.GetPeer(f.peer.PeerID)

	result, err := f.client.ExecuteRemoteTask(context.Background(), peer, "task", "", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "cannot execute tasks")
	// The gate fires before any network traffic.
	assert.Equal(t, 0, requests)
}

func TestClient_InvokeRemoteSkill(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/p2p/skill", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "web", body["skill"])
		assert.Equal(t, "fetch", body["tool"])

		json.NewEncoder(w).Encode(map[string]any{
			"result":  map[string]any{"status": 200},
			"success": true,
		})
	})

	f, _ := newClientFixture(t, mux)
	f.seedToken(t, "tok")

	result, err := f.client.InvokeRemoteSkill(context.Background(), f.peer, "web", "fetch", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, map[string]any{"status": 200.0}, result.Result)
}

func TestClient_InvokeRemoteSkill_CapabilityGate(t *testing.T) {
	f, _ := newClientFixture(t, http.NewServeMux())
	f.registry.UpdatePeer(f.peer.PeerID, func(p *Peer) {
		p.Capabilities = []PeerCapability{CapabilityTaskExecution}
	})
	peer := f.registry.GetPeer(f.peer.PeerID)

	result, err := f.client.InvokeRemoteSkill(context.Background(), peer, "web", "fetch", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "cannot share skills")
}

func TestClient_GetPeerInfo_NoAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/p2p/info", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"peer_id": "remote-id",
			"name":    "RSub-remote",
			"version": "1.0.0",
			"skills":  []string{"web"},
			"status":  "online",
		})
	})

	f, _ := newClientFixture(t, mux)

	info, err := f.client.GetPeerInfo(context.Background(), f.peer)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "remote-id", info.PeerID)
	assert.Equal(t, []string{"web"}, info.Skills)
}

// --- health ---

func TestClient_Ping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	f, _ := newClientFixture(t, mux)

	result := f.client.Ping(context.Background(), f.peer)
	assert.True(t, result.Reachable)
	assert.GreaterOrEqual(t, result.LatencyMS, 0.0)

	// A reachable peer's last-seen timestamp is refreshed.
	assert.NotNil(t, f.registry.GetPeer(f.peer.PeerID).LastSeen)
}

func TestClient_Ping_Unreachable(t *testing.T) {
	f, server := newClientFixture(t, http.NewServeMux())
	server.Close()

	result := f.client.Ping(context.Background(), f.peer)
	assert.False(t, result.Reachable)
	assert.NotEmpty(t, result.Error)
}

func TestClient_HealthCheckAll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	f, _ := newClientFixture(t, mux)

	// A second approved peer at a dead address.
	dead := NewPeer("dead", "127.0.0.1", 1)
	_, err := f.registry.AddPeer(dead)
	require.NoError(t, err)
	require.NoError(t, f.registry.ApprovePeer(dead.PeerID, "test"))

	results := f.client.HealthCheckAll(context.Background())
	require.Len(t, results, 2)

	assert.True(t, results[f.peer.PeerID].Reachable)
	assert.False(t, results[dead.PeerID].Reachable)

	assert.Equal(t, PeerStatusApproved, f.registry.GetPeer(f.peer.PeerID).Status)
	assert.Equal(t, PeerStatusOffline, f.registry.GetPeer(dead.PeerID).Status)
}

// --- result observation ---

func TestClient_OnResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/p2p/task", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	f, _ := newClientFixture(t, mux)
	f.seedToken(t, "cached-token")

	type outcome struct {
		operation string
		success   bool
	}
	var outcomes []outcome
	f.client.OnResult(func(operation string, success bool, duration time.Duration) {
		outcomes = append(outcomes, outcome{operation, success})
	})

	_, err := f.client.Request(context.Background(), f.peer, http.MethodPost, "/v1/p2p/task", map[string]any{}, nil)
	require.NoError(t, err)

	// An unreachable peer surfaces as an observed failure.
	dead := NewPeer("dead", "127.0.0.1", 1)
	_, err = f.registry.AddPeer(dead)
	require.NoError(t, err)
	require.NoError(t, f.registry.ApprovePeer(dead.PeerID, "test"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	resp, err := f.client.Request(ctx, f.registry.GetPeer(dead.PeerID), http.MethodGet, "/v1/p2p/info", nil, &RequestOptions{SkipAuth: true})
	require.NoError(t, err)
	require.False(t, resp.Success)

	require.Len(t, outcomes, 2)
	assert.Equal(t, outcome{"task", true}, outcomes[0])
	assert.Equal(t, outcome{"info", false}, outcomes[1])
}

func TestOperationLabel(t *testing.T) {
	assert.Equal(t, "task", operationLabel("/v1/p2p/task"))
	assert.Equal(t, "skill", operationLabel("/v1/p2p/skill"))
	assert.Equal(t, "skills", operationLabel("/v1/p2p/skills"))
	assert.Equal(t, "info", operationLabel("/v1/p2p/info"))
	assert.Equal(t, "sync", operationLabel("/v1/p2p/sync"))
	assert.Equal(t, "ping", operationLabel("/health"))
	assert.Equal(t, "auth", operationLabel("/v1/p2p/auth/challenge"))
	assert.Equal(t, "other", operationLabel("/v1/p2p/peers"))
}
