/*
Package api defines the public contracts of the raft-sessions library: the
state machine interface users implement, the log and snapshot storage
contracts, and the server and client configuration types.

# Mandatory User Implementations

  - StateMachine: the application logic. Committed commands are applied to
    it deterministically, in log order, with a per-commit clock and session
    context. Register a factory for it under a name so clients can address
    it by type.

Storage and transport have default implementations in pkg/wal,
internal/memlog and pkg/transport; custom ones may be substituted through
the same interfaces.
*/
package api

import "errors"

var (
	ErrClosed           = errors.New("raft: server closed")
	ErrCompacted        = errors.New("raft: index compacted out of the log")
	ErrOutOfBounds      = errors.New("raft: index beyond the end of the log")
	ErrNoLeader         = errors.New("raft: no leader available")
	ErrSessionClosed    = errors.New("raft: session closed")
	ErrSessionUnknown   = errors.New("raft: unknown session")
	ErrConnectExhausted = errors.New("raft: failed to connect to the cluster")
)
