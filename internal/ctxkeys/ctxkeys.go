// Package ctxkeys defines the context keys shared between middleware and
// handlers, so packages do not collide on ad-hoc string keys.
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	peerIDKey    contextKey = "peer_id"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID, if one was set.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithPeerID stores the authenticated peer's ID in the context.
func WithPeerID(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, peerIDKey, peerID)
}

// PeerID returns the authenticated peer's ID, if the request carried a
// valid peer token.
func PeerID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(peerIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
