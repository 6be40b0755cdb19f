package p2p

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultTokenExpiry is the lifetime of issued session tokens.
	DefaultTokenExpiry = time.Hour
	// ChallengeExpiry bounds how long a pending challenge stays answerable.
	ChallengeExpiry = 5 * time.Minute
	// ApprovalRequestExpiry bounds how long an approval request stays pending.
	ApprovalRequestExpiry = 24 * time.Hour

	keyFileName = "instance_key.json"
)

// PeerToken is a short-lived token for authenticated peer communication.
type PeerToken struct {
	Token     string    `json:"token"`
	PeerID    string    `json:"peer_id"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsValid reports whether the token is unexpired.
func (t *PeerToken) IsValid() bool {
	return time.Now().Before(t.ExpiresAt)
}

// ChallengeData is a pending authentication challenge issued to a peer.
type ChallengeData struct {
	Challenge string    `json:"challenge"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	PeerID    string    `json:"peer_id"`
}

// DefaultTokenScopes are granted when a caller does not ask for specific scopes.
func DefaultTokenScopes() []string {
	return []string{"p2p:task", "p2p:skill", "p2p:sync"}
}

// SecurityConfig holds configuration for the security manager.
type SecurityConfig struct {
	// KeysDir is the directory holding the instance key file.
	KeysDir string `json:"keys_dir" yaml:"keys_dir"`
}

// DefaultSecurityConfig returns a SecurityConfig with sensible defaults.
func DefaultSecurityConfig() *SecurityConfig {
	home, _ := os.UserHomeDir()
	return &SecurityConfig{
		KeysDir: filepath.Join(home, ".rsub", "p2p"),
	}
}

// Security manages this instance's identity key and the authentication
// handshake with peers.
//
// Security model:
//  1. Each instance has a unique 256-bit key generated on first run.
//  2. Peers exchange (partial) keys during discovery and authentication.
//  3. The user must approve new peers before trusted communication.
//  4. Sessions are established with an HMAC challenge-response handshake.
//  5. Tokens are short-lived and regularly rotated.
type Security struct {
	mu sync.Mutex

	instanceKey string
	instanceID  string

	peerTokens        map[string]*PeerToken
	pendingChallenges map[string]*ChallengeData

	config *SecurityConfig
	logger *zap.Logger
}

// NewSecurity creates a security manager and loads or generates the
// instance key.
func NewSecurity(config *SecurityConfig, logger *zap.Logger) *Security {
	if config == nil {
		config = DefaultSecurityConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Security{
		peerTokens:        make(map[string]*PeerToken),
		pendingChallenges: make(map[string]*ChallengeData),
		config:            config,
		logger:            logger.With(zap.String("component", "p2p_security")),
	}
	s.initializeKeys()
	return s
}

type instanceKeyFile struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

// initializeKeys loads the key file or generates a fresh key. A corrupt or
// unreadable file is replaced with a new key.
func (s *Security) initializeKeys() {
	if err := os.MkdirAll(s.config.KeysDir, 0o700); err != nil {
		s.logger.Error("failed to create keys directory", zap.Error(err))
	}
	keyPath := filepath.Join(s.config.KeysDir, keyFileName)

	if data, err := os.ReadFile(keyPath); err == nil {
		var file instanceKeyFile
		if err := json.Unmarshal(data, &file); err == nil && file.Key != "" && file.ID != "" {
			s.instanceKey = file.Key
			s.instanceID = file.ID
			s.logger.Debug("loaded instance key", zap.String("instance_id", shortID(s.instanceID)))
			return
		}
		s.logger.Warn("instance key file unreadable, generating new key")
	}

	s.instanceKey = randomHex(32)
	s.instanceID = deriveInstanceID(s.instanceKey)

	data, err := json.Marshal(instanceKeyFile{Key: s.instanceKey, ID: s.instanceID})
	if err == nil {
		err = os.WriteFile(keyPath, data, 0o600)
	}
	if err != nil {
		s.logger.Error("failed to save instance key", zap.Error(err))
		return
	}
	s.logger.Info("generated new instance key", zap.String("instance_id", shortID(s.instanceID)))
}

// deriveInstanceID derives the deterministic instance ID from the key.
func deriveInstanceID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// InstanceID returns this instance's unique ID.
func (s *Security) InstanceID() string {
	return s.instanceID
}

// InstanceKey returns this instance's secret key.
func (s *Security) InstanceKey() string {
	return s.instanceKey
}

// Fingerprint returns a human-readable fingerprint of this instance's
// identity, formatted as XX:XX:XX:XX:XX:XX:XX:XX for out-of-band
// verification.
func (s *Security) Fingerprint() string {
	return formatFingerprint(s.instanceID)
}

// formatFingerprint hashes the input and renders the first 8 bytes as
// colon-separated uppercase hex pairs.
func formatFingerprint(input string) string {
	sum := sha256.Sum256([]byte(input))
	h := hex.EncodeToString(sum[:])
	pairs := make([]string, 0, 8)
	for i := 0; i < 16; i += 2 {
		pairs = append(pairs, strings.ToUpper(h[i:i+2]))
	}
	return strings.Join(pairs, ":")
}

// CreateChallenge issues a fresh challenge for a peer. A new challenge
// replaces any previous pending one for the same peer.
func (s *Security) CreateChallenge(peerID string) *ChallengeData {
	now := time.Now()
	data := &ChallengeData{
		Challenge: randomHex(32),
		CreatedAt: now,
		ExpiresAt: now.Add(ChallengeExpiry),
		PeerID:    peerID,
	}

	s.mu.Lock()
	s.pendingChallenges[peerID] = data
	s.mu.Unlock()
	return data
}

// RespondToChallenge computes the response to a challenge issued by
// another peer. The HMAC key combines our key with theirs, in that order;
// the verifying side combines them the other way around, so the ordering
// must match on both ends.
func (s *Security) RespondToChallenge(challenge, peerKey string) string {
	combined := s.instanceKey + ":" + peerKey
	mac := hmac.New(sha256.New, []byte(combined))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallengeResponse checks a peer's response to our challenge.
//
// The pending challenge is consumed exactly once, whether or not the
// response verifies; a second attempt against the same challenge fails.
func (s *Security) VerifyChallengeResponse(peerID, response, peerKey string) bool {
	s.mu.Lock()
	pending, ok := s.pendingChallenges[peerID]
	if ok {
		delete(s.pendingChallenges, peerID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("no pending challenge for peer", zap.String("peer_id", peerID))
		return false
	}
	if time.Now().After(pending.ExpiresAt) {
		s.logger.Warn("challenge expired", zap.String("peer_id", peerID))
		return false
	}

	combined := peerKey + ":" + s.instanceKey
	mac := hmac.New(sha256.New, []byte(combined))
	mac.Write([]byte(pending.Challenge))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(response), []byte(expected)) {
		s.logger.Warn("invalid challenge response", zap.String("peer_id", peerID))
		return false
	}
	s.logger.Info("challenge verified", zap.String("peer_id", peerID))
	return true
}

// CreatePeerToken issues a session token for a peer, signed with a shared
// secret derived from both instance keys.
//
// The token is `base64url(payload).hexsig` where payload is canonical JSON
// with sorted keys, so both sides compute identical bytes to sign.
func (s *Security) CreatePeerToken(peerID, peerKey string, scopes []string, expiry time.Duration) *PeerToken {
	if len(scopes) == 0 {
		scopes = DefaultTokenScopes()
	}
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}

	now := time.Now()
	expiresAt := now.Add(expiry)

	payload := map[string]any{
		"peer_id":    peerID,
		"scopes":     scopes,
		"created_at": now.Format(time.RFC3339Nano),
		"expires_at": expiresAt.Format(time.RFC3339Nano),
		"nonce":      randomHex(16),
	}

	// encoding/json sorts map keys, giving a canonical byte form.
	payloadBytes, _ := json.Marshal(payload)
	signature := s.signBytes(payloadBytes, peerKey)

	token := &PeerToken{
		Token:     base64.URLEncoding.EncodeToString(payloadBytes) + "." + signature,
		PeerID:    peerID,
		Scopes:    scopes,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	s.mu.Lock()
	s.peerTokens[peerID] = token
	s.mu.Unlock()
	return token
}

// ValidatePeerToken verifies a token's signature and expiry, returning the
// decoded payload or nil when invalid.
func (s *Security) ValidatePeerToken(token, peerKey string) map[string]any {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil
	}

	payloadBytes, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		s.logger.Warn("token payload not decodable", zap.Error(err))
		return nil
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		s.logger.Warn("token payload not parseable", zap.Error(err))
		return nil
	}

	expected := s.signBytes(payloadBytes, peerKey)
	if !hmac.Equal([]byte(parts[1]), []byte(expected)) {
		s.logger.Warn("invalid token signature")
		return nil
	}

	expiresStr, _ := payload["expires_at"].(string)
	expiresAt, err := time.Parse(time.RFC3339Nano, expiresStr)
	if err != nil {
		s.logger.Warn("token expiry not parseable", zap.Error(err))
		return nil
	}
	if time.Now().After(expiresAt) {
		s.logger.Warn("token expired")
		return nil
	}
	return payload
}

// RevokePeerToken drops any issued token for a peer.
func (s *Security) RevokePeerToken(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peerTokens[peerID]; !ok {
		return false
	}
	delete(s.peerTokens, peerID)
	return true
}

// GetPeerToken returns the issued token for a peer if still valid.
func (s *Security) GetPeerToken(peerID string) *PeerToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.peerTokens[peerID]
	if !ok || !token.IsValid() {
		return nil
	}
	return token
}

// SignRequest signs a request payload for a peer using the shared secret.
func (s *Security) SignRequest(data map[string]any, peerKey string) string {
	payloadBytes, _ := json.Marshal(data)
	return s.signBytes(payloadBytes, peerKey)
}

// VerifyRequest verifies a signed request payload from a peer.
func (s *Security) VerifyRequest(data map[string]any, signature, peerKey string) bool {
	expected := s.SignRequest(data, peerKey)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// CreateApprovalRequest builds an approval request for a new peer, with a
// display fingerprint derived from the peer's public key.
func (s *Security) CreateApprovalRequest(peer *Peer, discoveryMethod string) *ApprovalRequest {
	now := time.Now()

	fingerprint := "Unknown"
	if peer.PublicKey != "" {
		fingerprint = formatFingerprint(peer.PublicKey)
	}

	return &ApprovalRequest{
		RequestID:       uuid.NewString(),
		Peer:            peer.Clone(),
		RequestedAt:     now,
		ExpiresAt:       now.Add(ApprovalRequestExpiry),
		Fingerprint:     fingerprint,
		DiscoveryMethod: discoveryMethod,
	}
}

// signBytes computes the hex HMAC of payload under the shared secret
// derived from both instance keys.
func (s *Security) signBytes(payload []byte, peerKey string) string {
	mac := hmac.New(sha256.New, s.deriveSharedSecret(peerKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// deriveSharedSecret hashes our key and the peer's key into a symmetric
// signing secret.
func (s *Security) deriveSharedSecret(peerKey string) []byte {
	sum := sha256.Sum256([]byte(s.instanceKey + ":" + peerKey))
	return sum[:]
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
