package server

import (
	"time"

	"github.com/shrtyk/raft-sessions/protocol"
	"github.com/shrtyk/raft-sessions/transport"
)

// session is the replicated server-side record of one client session. All
// fields derive from applied log entries, so every replica agrees on them;
// only conn and connectionID are local to the server the client is
// attached to.
type session struct {
	id      int64
	client  string
	timeout time.Duration

	// lastUpdated advances with entry timestamps, never wall time.
	lastUpdated time.Time

	// commandSequence is the highest applied command sequence.
	commandSequence int64
	lastApplied     int64

	// results caches command responses by sequence until the client's
	// keep-alive acknowledges them.
	results map[int64]*protocol.CommandResponse

	// pending buffers command entries that arrived in the log ahead of
	// their predecessors, keyed by sequence.
	pending map[int64]protocol.LogEntry

	// eventIndex is the index of the last published batch, completeIndex
	// the highest batch the client acknowledged.
	eventIndex    int64
	completeIndex int64
	events        []*eventBatch

	// current accumulates events published during the apply in progress.
	current *eventBatch

	connectionID int64
	conn         transport.Connection
}

type eventBatch struct {
	eventIndex    int64
	previousIndex int64
	events        []protocol.Event
}

// Publish implements api.ServerSession for the state machine; the batch is
// flushed by the executor when the apply completes.
func (s *session) Publish(event string, message []byte) {
	if s.current == nil {
		return
	}
	s.current.events = append(s.current.events, protocol.Event{Name: event, Message: message})
}

func (s *session) ID() int64 { return s.id }

// resultBound caps how far below the session's applied command sequence a
// cached result may lag; older results are dropped on the next keep-alive
// even if unacknowledged, bounding worst-case memory.
const resultBound = 1024

// sessionManager tracks the sessions of all clients. It is owned by the
// Context and only touched under its lock.
type sessionManager struct {
	ctx      *Context
	sessions map[int64]*session
}

func newSessionManager(ctx *Context) *sessionManager {
	return &sessionManager{ctx: ctx, sessions: make(map[int64]*session)}
}

func (sm *sessionManager) get(id int64) *session {
	return sm.sessions[id]
}

func (sm *sessionManager) count() int {
	return len(sm.sessions)
}

// register creates the session for an applied Register entry. The session
// id is the entry index.
func (sm *sessionManager) register(entry protocol.LogEntry, now time.Time) *session {
	s := &session{
		id:          entry.Index,
		client:      entry.Client,
		timeout:     time.Duration(entry.Timeout) * time.Millisecond,
		lastUpdated: now,
		results:     make(map[int64]*protocol.CommandResponse),
		pending:     make(map[int64]protocol.LogEntry),
	}
	sm.sessions[s.id] = s
	sm.ctx.metrics.setSessions(len(sm.sessions))
	return s
}

// keepAlive refreshes a session from an applied KeepAlive entry: liveness,
// result-cache pruning and event acknowledgment.
func (sm *sessionManager) keepAlive(id, commandSequence, eventIndex int64, now time.Time) *session {
	s := sm.sessions[id]
	if s == nil {
		return nil
	}
	s.lastUpdated = now

	for seq := range s.results {
		if seq <= commandSequence || seq < s.commandSequence-resultBound {
			delete(s.results, seq)
		}
	}

	if eventIndex > s.completeIndex {
		s.completeIndex = eventIndex
		s.pruneEvents()
	}
	return s
}

// unregister removes a session; its cached state is gone for good.
func (sm *sessionManager) unregister(id int64) *session {
	s := sm.sessions[id]
	if s == nil {
		return nil
	}
	delete(sm.sessions, id)
	sm.ctx.metrics.setSessions(len(sm.sessions))
	return s
}

// touch refreshes liveness without acknowledgment, for Connect entries.
func (sm *sessionManager) touch(id int64, now time.Time) {
	if s := sm.sessions[id]; s != nil {
		s.lastUpdated = now
	}
}

// expired returns the ids of sessions that have not been heard from for
// twice their timeout, relative to the deterministic clock.
func (sm *sessionManager) expired(now time.Time) []int64 {
	var out []int64
	for id, s := range sm.sessions {
		if s.timeout > 0 && now.Sub(s.lastUpdated) > 2*s.timeout {
			out = append(out, id)
		}
	}
	return out
}

// setConnection binds the session to a local connection for publishes.
// Stale binds (an older connection id) are ignored.
func (sm *sessionManager) setConnection(id, connectionID int64, conn transport.Connection) {
	s := sm.sessions[id]
	if s == nil || connectionID < s.connectionID {
		return
	}
	s.connectionID = connectionID
	s.conn = conn
	conn.OnClose(func(c transport.Connection) {
		sm.ctx.mu.Lock()
		defer sm.ctx.mu.Unlock()
		if s.conn == c {
			s.conn = nil
		}
	})
	// The client may have missed events while reconnecting.
	sm.resendEventsLocked(s, s.completeIndex)
}

// beginApply opens an event batch for a command apply at the given index.
func (s *session) beginApply(index int64) {
	s.current = &eventBatch{eventIndex: index, previousIndex: s.eventIndex}
}

// finishApply flushes the batch opened by beginApply, publishing to the
// attached client if any events were produced.
func (sm *sessionManager) finishApply(s *session) {
	batch := s.current
	s.current = nil
	if batch == nil || len(batch.events) == 0 {
		return
	}
	s.eventIndex = batch.eventIndex
	s.events = append(s.events, batch)
	sm.sendBatch(s, batch)
}

func (sm *sessionManager) sendBatch(s *session, batch *eventBatch) {
	if s.conn == nil {
		return
	}
	req := &protocol.PublishRequest{
		Session:       s.id,
		EventIndex:    batch.eventIndex,
		PreviousIndex: batch.previousIndex,
		Events:        batch.events,
	}
	if err := s.conn.Send(protocol.NamePublish, req); err != nil {
		s.conn = nil
	}
}

// resendEvents handles a client ResetRequest: the client has processed up
// to fromIndex, so everything after it is replayed in a rechained
// sequence.
func (sm *sessionManager) resendEvents(id, fromIndex int64) {
	s := sm.sessions[id]
	if s == nil {
		return
	}
	sm.resendEventsLocked(s, fromIndex)
}

func (sm *sessionManager) resendEventsLocked(s *session, fromIndex int64) {
	prev := fromIndex
	for _, batch := range s.events {
		if batch.eventIndex <= fromIndex {
			continue
		}
		batch.previousIndex = prev
		sm.sendBatch(s, batch)
		prev = batch.eventIndex
	}
}

func (s *session) pruneEvents() {
	keep := s.events[:0]
	for _, batch := range s.events {
		if batch.eventIndex > s.completeIndex {
			keep = append(keep, batch)
		}
	}
	s.events = keep
}
