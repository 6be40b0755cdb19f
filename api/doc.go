// Package api exposes the peer-to-peer subsystem over HTTP.
//
// The surface splits into a public part (health, peer info, the
// authentication handshake) and a peer-authenticated part (task execution,
// skill invocation, context sync) guarded by session tokens issued during
// the handshake. Management endpoints (approval, blocking, discovery
// scans) are meant for the local operator.
//
// Error responses carry a JSON body of the form {"detail": "..."}.
package api
