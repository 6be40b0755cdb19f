// Package metrics collects Prometheus metrics for the subsystem: inbound
// HTTP traffic, outbound peer requests, discovery events, authentication
// handshakes, and context sync volume.
package metrics
