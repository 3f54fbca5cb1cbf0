// Package ids defines the opaque, collision-resistant identifier types used
// across the gateway: sessions, PTY-backed processes, and authenticated users.
package ids

import "github.com/google/uuid"

// SessionId identifies a single terminal session end to end.
type SessionId string

// ProcessId identifies a spawned PTY child process.
type ProcessId string

// UserId identifies an authenticated subject (a Backstage-style entity
// reference such as "user:default/alice", or whatever `sub` the issuing
// provider hands out).
type UserId string

// NewSessionId mints a fresh, collision-resistant session identifier.
func NewSessionId() SessionId {
	return SessionId(uuid.NewString())
}

// NewProcessId mints a fresh, collision-resistant process identifier.
func NewProcessId() ProcessId {
	return ProcessId(uuid.NewString())
}
