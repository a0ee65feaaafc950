package client

import (
	"fmt"
	"time"
)

// sessionStatus is the client's view of its session lifecycle.
type sessionStatus int32

const (
	sessionOpen sessionStatus = iota
	sessionExpired
	sessionClosed
)

// sessionState carries the client-side registers of one session. It is
// owned by the Session and accessed under its lock.
type sessionState struct {
	sessionID int64
	clientID  string
	timeout   time.Duration
	status    sessionStatus

	// commandRequest is the last allocated command sequence number,
	// commandResponse the highest sequence whose response completed.
	commandRequest  int64
	commandResponse int64

	// responseIndex is the highest log index observed in any response,
	// eventIndex the highest event index received from the cluster.
	responseIndex int64
	eventIndex    int64

	// connection counts connect attempts so servers can ignore stale
	// binds.
	connection int64
}

func (s *sessionState) nextCommandRequest() int64 {
	s.commandRequest++
	return s.commandRequest
}

func (s *sessionState) nextConnection() int64 {
	s.connection++
	return s.connection
}

// setResponseIndex ratchets the observed response index.
func (s *sessionState) setResponseIndex(index int64) {
	if index > s.responseIndex {
		s.responseIndex = index
	}
}

func (s *sessionState) String() string {
	return fmt.Sprintf("session %d", s.sessionID)
}
