package api

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// StateMachine is the deterministic application state replicated by the
// cluster. All methods are invoked on the server's executor; implementations
// never need internal locking.
type StateMachine interface {
	// Apply executes a committed command and returns its result. Errors are
	// surfaced to the submitting client as APPLICATION_ERROR; the entry is
	// still consumed and the session's command sequence still advances.
	Apply(commit Commit) ([]byte, error)

	// Query reads from the current state without going through the log.
	Query(commit Commit) ([]byte, error)

	// Snapshot serializes the full application state.
	Snapshot() ([]byte, error)

	// Restore replaces the application state from a snapshot.
	Restore(snapshot []byte) error
}

// SessionLifecycleListener is optionally implemented by state machines that
// want to observe session churn.
type SessionLifecycleListener interface {
	SessionRegistered(session SessionInfo)
	SessionExpired(session SessionInfo)
	SessionUnregistered(session SessionInfo)
}

// Commit is the context handed to the state machine for one operation.
type Commit interface {
	// Index is the log index of the entry being applied. Queries report the
	// last applied index.
	Index() int64

	// Clock is the deterministic clock for this commit: on every replica it
	// reads the same instant for the same log index.
	Clock() clockwork.Clock

	// Session is the session that submitted the operation.
	Session() ServerSession

	// Operation is the user payload.
	Operation() []byte
}

// ServerSession is the server-side view of a client session exposed to the
// state machine.
type ServerSession interface {
	ID() int64

	// Publish queues an event for delivery to the session's client. Events
	// published while applying command K are delivered before K's response.
	Publish(event string, message []byte)
}

// SessionInfo describes a session to lifecycle listeners.
type SessionInfo struct {
	ID      int64
	Client  string
	Timeout time.Duration
}
