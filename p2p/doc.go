// Package p2p lets instances of this application on the same network find
// each other, establish trust, and collaborate.
//
// Peers are discovered over mDNS or added manually, then move through an
// explicit approval workflow before any trusted communication happens.
// Sessions are established with an HMAC challenge-response handshake and
// short-lived tokens; a rolling trust score gates remote task execution,
// skill invocation, and context synchronization.
//
// The entry point is System, which wires the registry, security manager,
// discovery service, peer client, and sync manager with explicit
// dependencies.
package p2p
