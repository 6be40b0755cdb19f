package p2p

import "fmt"

// ErrorCode represents a unified error code across the P2P subsystem.
type ErrorCode string

const (
	ErrPeerNotFound      ErrorCode = "PEER_NOT_FOUND"
	ErrPeerNotApproved   ErrorCode = "PEER_NOT_APPROVED"
	ErrPeerBlocked       ErrorCode = "PEER_BLOCKED"
	ErrPeerAuth          ErrorCode = "PEER_AUTHENTICATION_FAILED"
	ErrPeerConnection    ErrorCode = "PEER_CONNECTION_FAILED"
	ErrPeerTimeout       ErrorCode = "PEER_TIMEOUT"
	ErrPeerLimitExceeded ErrorCode = "PEER_LIMIT_EXCEEDED"
	ErrSyncConflict      ErrorCode = "SYNC_CONFLICT"
)

// Error represents a structured P2P error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	PeerID     string    `json:"peer_id,omitempty"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// GetErrorCode extracts the error code from an error, or "" for foreign errors.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// NewPeerNotFoundError reports that a peer ID is unknown to the registry.
func NewPeerNotFoundError(peerID string) *Error {
	return &Error{
		Code:       ErrPeerNotFound,
		Message:    fmt.Sprintf("peer not found: %s", peerID),
		PeerID:     peerID,
		HTTPStatus: 404,
	}
}

// NewPeerNotApprovedError reports that a peer has not been approved for
// trusted communication.
func NewPeerNotApprovedError(peerID string) *Error {
	return &Error{
		Code:       ErrPeerNotApproved,
		Message:    fmt.Sprintf("peer not approved: %s", peerID),
		PeerID:     peerID,
		HTTPStatus: 403,
	}
}

// NewPeerBlockedError reports that a peer is permanently blocked.
func NewPeerBlockedError(peerID string) *Error {
	return &Error{
		Code:       ErrPeerBlocked,
		Message:    fmt.Sprintf("peer is blocked: %s", peerID),
		PeerID:     peerID,
		HTTPStatus: 403,
	}
}

// NewPeerAuthError reports a failed authentication handshake with a peer.
func NewPeerAuthError(peerID, reason string) *Error {
	msg := fmt.Sprintf("authentication failed with peer %s", peerID)
	if reason != "" {
		msg += ": " + reason
	}
	return &Error{
		Code:       ErrPeerAuth,
		Message:    msg,
		PeerID:     peerID,
		HTTPStatus: 401,
	}
}

// NewPeerConnectionError reports a failed connection attempt to a peer.
func NewPeerConnectionError(peerID, host string, port int, cause error) *Error {
	return &Error{
		Code:      ErrPeerConnection,
		Message:   fmt.Sprintf("connection failed to peer %s (%s:%d)", peerID, host, port),
		PeerID:    peerID,
		Retryable: true,
		Cause:     cause,
	}
}

// NewPeerTimeoutError reports that a request to a peer exceeded its deadline.
func NewPeerTimeoutError(peerID string, timeoutSeconds float64) *Error {
	return &Error{
		Code:      ErrPeerTimeout,
		Message:   fmt.Sprintf("request to peer %s timed out after %.1fs", peerID, timeoutSeconds),
		PeerID:    peerID,
		Retryable: true,
	}
}

// NewPeerLimitExceededError reports that the registry is at capacity.
func NewPeerLimitExceededError(maxPeers int) *Error {
	return &Error{
		Code:       ErrPeerLimitExceeded,
		Message:    fmt.Sprintf("maximum peers exceeded: %d", maxPeers),
		HTTPStatus: 409,
	}
}

// NewSyncConflictError reports an unresolved context synchronization conflict.
func NewSyncConflictError(peerID string, conflicts int) *Error {
	return &Error{
		Code:    ErrSyncConflict,
		Message: fmt.Sprintf("sync conflict with peer %s: %d conflicts", peerID, conflicts),
		PeerID:  peerID,
	}
}
