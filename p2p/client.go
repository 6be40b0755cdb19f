package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/raym33/r-sub000/internal/tlsutil"
)

const (
	// DefaultRequestTimeout applies when a request carries no explicit timeout.
	DefaultRequestTimeout = 30 * time.Second
	// maxRetries is the number of request attempts before giving up.
	maxRetries = 3
	// retryDelay is the base delay between attempts; attempt n waits n times this.
	retryDelay = time.Second

	// TaskTimeout bounds remote task execution.
	TaskTimeout = 120 * time.Second
	// SkillTimeout bounds remote skill invocation.
	SkillTimeout = 60 * time.Second
	// PingTimeout bounds a health probe.
	PingTimeout = 5 * time.Second

	// partialKeyLen is how much of the instance key is shared with peers
	// during the handshake.
	partialKeyLen = 32
)

// Response is the outcome of a single request to a peer. Transport and
// HTTP-level failures are reported here rather than as errors; only
// precondition violations (an unapproved peer) surface as errors from
// Request.
type Response struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	LatencyMS float64        `json:"latency_ms"`
	PeerID    string         `json:"peer_id"`
}

// PeerInfo is a peer's self-description from its info endpoint.
type PeerInfo struct {
	PeerID       string   `json:"peer_id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Skills       []string `json:"skills"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
}

// TaskResult is the outcome of a remote task execution.
type TaskResult struct {
	RequestID       string  `json:"request_id"`
	Result          string  `json:"result"`
	AgentUsed       string  `json:"agent_used,omitempty"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
	Success         bool    `json:"success"`
	Error           string  `json:"error,omitempty"`
}

// ToolResult is the outcome of a remote tool invocation.
type ToolResult struct {
	RequestID       string  `json:"request_id"`
	Result          any     `json:"result"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
	Success         bool    `json:"success"`
	Error           string  `json:"error,omitempty"`
}

// PingResult is the outcome of a health probe against a peer.
type PingResult struct {
	PeerID    string  `json:"peer_id"`
	Reachable bool    `json:"reachable"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// RequestOptions tune a single request.
type RequestOptions struct {
	// Timeout overrides the client default for this request.
	Timeout time.Duration

	// SkipAuth sends the request without a session token. Only endpoints a
	// peer exposes publicly (info, health) accept this.
	SkipAuth bool
}

// ClientConfig holds configuration for the peer client.
type ClientConfig struct {
	// Timeout is the default per-request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{Timeout: DefaultRequestTimeout}
}

// Client is the HTTP client for peer-to-peer communication.
//
// It authenticates with peers via the challenge-response handshake, reuses
// cached session tokens, retries transient failures with linear backoff,
// and feeds every terminal outcome back into the peer's trust statistics.
type Client struct {
	registry *Registry
	security *Security
	config   *ClientConfig

	httpClient *http.Client
	authGroup  singleflight.Group
	logger     *zap.Logger

	mu       sync.Mutex
	onResult func(operation string, success bool, duration time.Duration)
}

// NewClient creates a peer client.
func NewClient(registry *Registry, security *Security, config *ClientConfig, logger *zap.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		registry: registry,
		security: security,
		config:   config,
		// Per-request timeouts come from the context; the transport pools
		// connections across peers.
		httpClient: &http.Client{Transport: tlsutil.SecureTransport()},
		logger:     logger.With(zap.String("component", "p2p_client")),
	}
}

// OnResult registers a hook observing every terminal request outcome, for
// feeding metrics. It runs on the calling goroutine.
func (c *Client) OnResult(fn func(operation string, success bool, duration time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = fn
}

func (c *Client) observe(path string, success bool, start time.Time) {
	c.mu.Lock()
	fn := c.onResult
	c.mu.Unlock()
	if fn != nil {
		fn(operationLabel(path), success, time.Since(start))
	}
}

// operationLabel maps a request path to a coarse operation name so metric
// label cardinality stays bounded.
func operationLabel(path string) string {
	switch {
	case strings.HasSuffix(path, "/task"):
		return "task"
	case strings.HasSuffix(path, "/skill"):
		return "skill"
	case strings.HasSuffix(path, "/skills"):
		return "skills"
	case strings.HasSuffix(path, "/info"):
		return "info"
	case strings.HasSuffix(path, "/sync"):
		return "sync"
	case strings.HasSuffix(path, "/health"):
		return "ping"
	case strings.Contains(path, "/auth/"):
		return "auth"
	default:
		return "other"
	}
}

// Authenticate performs the challenge-response handshake with a peer and
// returns a session token. The resulting session is recorded in the
// registry for reuse.
func (c *Client) Authenticate(ctx context.Context, peer *Peer) (string, error) {
	if !peer.IsTrusted() {
		return "", NewPeerNotApprovedError(peer.PeerID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	// Step 1: request a challenge, presenting a partial key.
	challengeBody := map[string]any{
		"peer_id":    c.security.InstanceID(),
		"public_key": partialKey(c.security.InstanceKey()),
	}
	status, data, err := c.postJSON(ctx, peer.URL()+"/v1/p2p/auth/challenge", challengeBody)
	if err != nil {
		return "", c.transportError(peer, err)
	}
	if status != http.StatusOK {
		return "", NewPeerAuthError(peer.PeerID, fmt.Sprintf("challenge failed: HTTP %d", status))
	}

	challenge, _ := data["challenge"].(string)
	peerKey := partialKey(stringField(data, "our_public_key"))

	// Remember the peer's key for later handshakes.
	if peerKey != "" {
		c.registry.UpdatePeer(peer.PeerID, func(p *Peer) {
			if p.PublicKey == "" {
				p.PublicKey = peerKey
			}
		})
		if peer.PublicKey == "" {
			peer.PublicKey = peerKey
		}
	}

	// Step 2: answer the challenge.
	answer := c.security.RespondToChallenge(challenge, peerKey)
	respondBody := map[string]any{
		"peer_id":   c.security.InstanceID(),
		"challenge": challenge,
		"response":  answer,
	}
	status, data, err = c.postJSON(ctx, peer.URL()+"/v1/p2p/auth/respond", respondBody)
	if err != nil {
		return "", c.transportError(peer, err)
	}
	if status != http.StatusOK {
		return "", NewPeerAuthError(peer.PeerID, fmt.Sprintf("auth failed: HTTP %d", status))
	}
	if ok, _ := data["success"].(bool); !ok {
		return "", NewPeerAuthError(peer.PeerID, stringField(data, "error"))
	}

	token := stringField(data, "token")
	expiresAt, err := time.Parse(time.RFC3339Nano, stringField(data, "expires_at"))
	if err != nil {
		return "", NewPeerAuthError(peer.PeerID, "unparseable token expiry")
	}

	if _, err := c.registry.Connect(peer.PeerID, token, expiresAt); err != nil {
		return "", err
	}
	c.logger.Info("authenticated with peer", zap.String("peer", peer.Name))
	return token, nil
}

// getToken returns a valid session token for the peer, authenticating when
// the cached one is missing or expired. Concurrent refreshes for the same
// peer collapse into one handshake.
func (c *Client) getToken(ctx context.Context, peer *Peer) (string, error) {
	if conn := c.registry.GetConnection(peer.PeerID); conn != nil && conn.IsTokenValid() {
		return conn.SessionToken, nil
	}

	token, err, _ := c.authGroup.Do(peer.PeerID, func() (any, error) {
		if conn := c.registry.GetConnection(peer.PeerID); conn != nil && conn.IsTokenValid() {
			return conn.SessionToken, nil
		}
		return c.Authenticate(ctx, peer)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// Request makes an authenticated request to a peer.
//
// Transient failures retry up to three times with linear backoff. A 401
// triggers one inline re-authentication that does not consume a retry
// attempt. The peer's trust statistics are updated on every terminal
// outcome. The returned error is non-nil only when the peer is not
// approved; everything else is reported in the Response.
func (c *Client) Request(ctx context.Context, peer *Peer, method, path string, body any, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	if !opts.SkipAuth && !peer.IsTrusted() {
		return nil, NewPeerNotApprovedError(peer.PeerID)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}

	start := time.Now()
	headers := make(http.Header)
	if !opts.SkipAuth {
		token, err := c.getToken(ctx, peer)
		if err != nil {
			c.observe(path, false, start)
			return &Response{
				Success: false,
				Error:   "Authentication failed: " + err.Error(),
				PeerID:  peer.PeerID,
			}, nil
		}
		headers.Set("Authorization", "Bearer "+token)
		headers.Set("X-Peer-ID", c.security.InstanceID())
	}

	url := peer.URL() + path
	var lastError string
	reauthed := false

	for attempt := 0; attempt < maxRetries; {
		status, data, rawDetail, err := c.do(ctx, method, url, body, headers, timeout)
		latency := float64(time.Since(start)) / float64(time.Millisecond)

		if err == nil {
			switch {
			case status == http.StatusOK:
				c.registry.UpdatePeerStats(peer.PeerID, true, latency)
				c.observe(path, true, start)
				return &Response{
					Success:   true,
					Data:      data,
					LatencyMS: latency,
					PeerID:    peer.PeerID,
				}, nil

			case status == http.StatusUnauthorized && !opts.SkipAuth && !reauthed:
				// Token expired server-side; re-authenticate once without
				// burning a retry attempt.
				reauthed = true
				c.registry.Disconnect(peer.PeerID)
				token, authErr := c.getToken(ctx, peer)
				if authErr != nil {
					c.registry.UpdatePeerStats(peer.PeerID, false, latency)
					c.observe(path, false, start)
					return &Response{
						Success:   false,
						Error:     "Authentication failed: " + authErr.Error(),
						LatencyMS: latency,
						PeerID:    peer.PeerID,
					}, nil
				}
				headers.Set("Authorization", "Bearer "+token)
				continue

			default:
				detail := rawDetail
				if detail == "" {
					detail = fmt.Sprintf("HTTP %d", status)
				}
				c.registry.UpdatePeerStats(peer.PeerID, false, latency)
				c.observe(path, false, start)
				return &Response{
					Success:   false,
					Error:     detail,
					LatencyMS: latency,
					PeerID:    peer.PeerID,
				}, nil
			}
		}

		if isTimeout(err) {
			lastError = fmt.Sprintf("Request timed out after %s", timeout)
		} else {
			lastError = "Connection failed: " + err.Error()
		}

		attempt++
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				attempt = maxRetries
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}
	}

	latency := float64(time.Since(start)) / float64(time.Millisecond)
	c.registry.UpdatePeerStats(peer.PeerID, false, latency)
	c.observe(path, false, start)
	return &Response{
		Success:   false,
		Error:     lastError,
		LatencyMS: latency,
		PeerID:    peer.PeerID,
	}, nil
}

// GetPeerInfo fetches a peer's self-description without authentication.
func (c *Client) GetPeerInfo(ctx context.Context, peer *Peer) (*PeerInfo, error) {
	resp, err := c.Request(ctx, peer, http.MethodGet, "/v1/p2p/info", nil, &RequestOptions{SkipAuth: true})
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.Data == nil {
		return nil, nil
	}

	var info PeerInfo
	if err := remarshal(resp.Data, &info); err != nil {
		return nil, fmt.Errorf("parse peer info: %w", err)
	}
	return &info, nil
}

// GetPeerSkills lists the skills a peer serves.
func (c *Client) GetPeerSkills(ctx context.Context, peer *Peer) ([]SkillInfo, error) {
	resp, err := c.Request(ctx, peer, http.MethodGet, "/v1/p2p/skills", nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.Data == nil {
		return nil, nil
	}

	var body struct {
		Skills []SkillInfo `json:"skills"`
	}
	if err := remarshal(resp.Data, &body); err != nil {
		return nil, fmt.Errorf("parse skills: %w", err)
	}
	return body.Skills, nil
}

// ExecuteRemoteTask runs a task on a remote peer.
//
// Insufficient trust or a missing capability fails locally without any
// network traffic.
func (c *Client) ExecuteRemoteTask(ctx context.Context, peer *Peer, task, agent string, taskContext map[string]any) (*TaskResult, error) {
	if !peer.CanExecuteTasks() {
		return &TaskResult{
			Success: false,
			Error:   "Peer cannot execute tasks (insufficient trust or capability)",
		}, nil
	}

	requestID := uuid.NewString()
	if taskContext == nil {
		taskContext = map[string]any{}
	}

	resp, err := c.Request(ctx, peer, http.MethodPost, "/v1/p2p/task", map[string]any{
		"request_id":   requestID,
		"task":         task,
		"agent":        agent,
		"context":      taskContext,
		"requester_id": c.security.InstanceID(),
	}, &RequestOptions{Timeout: TaskTimeout})
	if err != nil {
		return nil, err
	}

	if !resp.Success || resp.Data == nil {
		return &TaskResult{
			RequestID:       requestID,
			Success:         false,
			Error:           resp.Error,
			ExecutionTimeMS: resp.LatencyMS,
		}, nil
	}

	execTime := resp.LatencyMS
	if v, ok := resp.Data["execution_time_ms"].(float64); ok {
		execTime = v
	}
	return &TaskResult{
		RequestID:       requestID,
		Result:          stringField(resp.Data, "result"),
		AgentUsed:       stringField(resp.Data, "agent_used"),
		ExecutionTimeMS: execTime,
		Success:         true,
	}, nil
}

// InvokeRemoteSkill invokes one tool of one skill on a remote peer.
func (c *Client) InvokeRemoteSkill(ctx context.Context, peer *Peer, skill, tool string, arguments map[string]any) (*ToolResult, error) {
	if !peer.CanShareSkills() {
		return &ToolResult{
			Success: false,
			Error:   "Peer cannot share skills (insufficient trust or capability)",
		}, nil
	}

	requestID := uuid.NewString()
	if arguments == nil {
		arguments = map[string]any{}
	}

	resp, err := c.Request(ctx, peer, http.MethodPost, "/v1/p2p/skill", map[string]any{
		"request_id":   requestID,
		"skill":        skill,
		"tool":         tool,
		"arguments":    arguments,
		"requester_id": c.security.InstanceID(),
	}, &RequestOptions{Timeout: SkillTimeout})
	if err != nil {
		return nil, err
	}

	if !resp.Success || resp.Data == nil {
		return &ToolResult{
			RequestID:       requestID,
			Success:         false,
			Error:           resp.Error,
			ExecutionTimeMS: resp.LatencyMS,
		}, nil
	}

	execTime := resp.LatencyMS
	if v, ok := resp.Data["execution_time_ms"].(float64); ok {
		execTime = v
	}
	return &ToolResult{
		RequestID:       requestID,
		Result:          resp.Data["result"],
		ExecutionTimeMS: execTime,
		Success:         true,
	}, nil
}

// Ping probes a peer's health endpoint and measures latency. Ping never
// fails with an error; unreachability is reported in the result.
func (c *Client) Ping(ctx context.Context, peer *Peer) *PingResult {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.URL()+"/health", nil)
	if err != nil {
		return &PingResult{PeerID: peer.PeerID, Reachable: false, Error: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	latency := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		c.observe("/health", false, start)
		return &PingResult{
			PeerID:    peer.PeerID,
			Reachable: false,
			LatencyMS: latency,
			Error:     err.Error(),
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.observe("/health", false, start)
		return &PingResult{
			PeerID:    peer.PeerID,
			Reachable: false,
			LatencyMS: latency,
			Error:     fmt.Sprintf("HTTP %d", resp.StatusCode),
		}
	}

	c.registry.TouchPeer(peer.PeerID)
	c.observe("/health", true, start)
	return &PingResult{PeerID: peer.PeerID, Reachable: true, LatencyMS: latency}
}

// HealthCheckAll pings all approved and offline peers concurrently and
// flips their APPROVED/OFFLINE state to match reachability. One slow or
// failing peer never affects the others.
func (c *Client) HealthCheckAll(ctx context.Context) map[string]*PingResult {
	var targets []*Peer
	for _, peer := range c.registry.ListPeers() {
		if peer.IsTrusted() || peer.Status == PeerStatusOffline {
			targets = append(targets, peer)
		}
	}
	if len(targets) == 0 {
		return map[string]*PingResult{}
	}

	results := make([]*PingResult, len(targets))
	done := make(chan int, len(targets))
	for i, peer := range targets {
		go func(i int, peer *Peer) {
			results[i] = c.Ping(ctx, peer)
			done <- i
		}(i, peer)
	}
	for range targets {
		<-done
	}

	out := make(map[string]*PingResult, len(targets))
	for i, peer := range targets {
		result := results[i]
		out[peer.PeerID] = result
		if result.Reachable {
			c.registry.SetOnline(peer.PeerID)
		} else {
			c.registry.SetOffline(peer.PeerID)
		}
	}
	return out
}

// do performs one HTTP exchange and decodes the JSON body. rawDetail
// carries the server's "detail" field for non-200 responses.
func (c *Client) do(ctx context.Context, method, url string, body any, headers http.Header, timeout time.Duration) (status int, data map[string]any, rawDetail string, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil && strings.ToUpper(method) != http.MethodGet {
		encoded, merr := json.Marshal(body)
		if merr != nil {
			return 0, nil, "", merr
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, reader)
	if err != nil {
		return 0, nil, "", err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, "", err
	}

	if len(raw) > 0 {
		var decoded map[string]any
		if jerr := json.Unmarshal(raw, &decoded); jerr == nil {
			data = decoded
			rawDetail = stringField(decoded, "detail")
		}
	}
	return resp.StatusCode, data, rawDetail, nil
}

// postJSON posts a JSON body and decodes the JSON response.
func (c *Client) postJSON(ctx context.Context, url string, body map[string]any) (int, map[string]any, error) {
	status, data, _, err := c.do(ctx, http.MethodPost, url, body, nil, c.config.Timeout)
	return status, data, err
}

// transportError maps a transport failure to a typed connection or
// timeout error.
func (c *Client) transportError(peer *Peer, err error) error {
	if isTimeout(err) {
		return NewPeerTimeoutError(peer.PeerID, c.config.Timeout.Seconds())
	}
	return NewPeerConnectionError(peer.PeerID, peer.Host, peer.Port, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func partialKey(key string) string {
	if len(key) > partialKeyLen {
		return key[:partialKeyLen]
	}
	return key
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// remarshal converts a decoded JSON map into a typed struct.
func remarshal(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
