// Package session owns the request/event wire shapes exchanged with the
// connected host node.
//
// Ownership boundary:
// - request decoding against the operation table
// - outbound event encoding (ok, server_running, key_set, packet, error)
// - event emission to the requesting pid
// - transport timeouts and retry/backoff primitives
package session
