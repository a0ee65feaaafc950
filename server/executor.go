package server

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

// applied is the outcome of one applied entry, delivered to the waiter the
// leader registered for its index.
type applied struct {
	index   int64
	session *session
	result  []byte
	err     error
}

// commitContext implements api.Commit for one operation.
type commitContext struct {
	index     int64
	clock     clockwork.Clock
	session   *session
	operation []byte
}

func (c *commitContext) Index() int64               { return c.index }
func (c *commitContext) Clock() clockwork.Clock     { return c.clock }
func (c *commitContext) Session() api.ServerSession { return c.session }
func (c *commitContext) Operation() []byte          { return c.operation }

// executor applies committed entries to the user state machine in strict
// log order, maintaining the deterministic clock and the session layer.
// It is owned by the Context and runs under its lock.
type executor struct {
	ctx *Context
	sm  api.StateMachine

	// clock is frozen at the timestamp of the entry being applied, so
	// every replica observes identical time.
	clock  *clockwork.FakeClock
	lastTs int64

	lastApplied int64
	snapIndex   int64
	snapTerm    int64

	// waiters are completion callbacks keyed by log index, registered by
	// the leader before the entry commits.
	waiters map[int64][]func(*applied)
}

func newExecutor(ctx *Context, sm api.StateMachine) *executor {
	return &executor{
		ctx:     ctx,
		sm:      sm,
		clock:   clockwork.NewFakeClockAt(time.UnixMilli(0)),
		waiters: make(map[int64][]func(*applied)),
	}
}

func (e *executor) snapshotIndex() int64 { return e.snapIndex }

// onApplied registers a completion callback for the entry at index. The
// callback runs under the context lock once the entry has been applied.
func (e *executor) onApplied(index int64, f func(*applied)) {
	e.waiters[index] = append(e.waiters[index], f)
}

func (e *executor) complete(a *applied) {
	waiters := e.waiters[a.index]
	delete(e.waiters, a.index)
	for _, w := range waiters {
		w(a)
	}
}

// failWaiters aborts every registered waiter, used on step-down so leader
// clients are not left hanging.
func (e *executor) failWaiters(err error) {
	for index, ws := range e.waiters {
		for _, w := range ws {
			w(&applied{index: index, err: err})
		}
	}
	e.waiters = make(map[int64][]func(*applied))
}

// advanceClock moves the deterministic clock to the entry timestamp.
func (e *executor) advanceClock(ts int64) {
	if ts > e.lastTs {
		e.clock.Advance(time.Duration(ts-e.lastTs) * time.Millisecond)
		e.lastTs = ts
	}
}

// restore replaces the state machine from a snapshot.
func (e *executor) restore(snap *protocol.Snapshot) error {
	if err := e.sm.Restore(snap.Data); err != nil {
		return err
	}
	e.snapIndex = snap.Index
	e.snapTerm = snap.Term
	if snap.Index > e.lastApplied {
		e.lastApplied = snap.Index
	}
	return nil
}

// apply consumes one committed entry.
func (e *executor) apply(entry protocol.LogEntry) {
	e.advanceClock(entry.Timestamp)
	now := e.clock.Now()
	c := e.ctx

	switch entry.Kind {
	case protocol.EntryCommand, protocol.EntryNoOp:
		e.applySessionCommand(entry)

	case protocol.EntryRegister:
		s := c.sessions.register(entry, now)
		e.notifyRegistered(s)
		e.complete(&applied{index: entry.Index, session: s})

	case protocol.EntryKeepAlive:
		var s *session
		for i, id := range entry.Sessions {
			var seq, evIdx int64
			if i < len(entry.Sequences) {
				seq = entry.Sequences[i]
			}
			if i < len(entry.EventIndexes) {
				evIdx = entry.EventIndexes[i]
			}
			s = c.sessions.keepAlive(id, seq, evIdx, now)
		}
		e.complete(&applied{index: entry.Index, session: s})

	case protocol.EntryUnregister:
		s := c.sessions.unregister(entry.Session)
		if s != nil {
			if entry.Expired {
				e.notifyExpired(s)
			} else {
				e.notifyUnregistered(s)
			}
		}
		e.complete(&applied{index: entry.Index, session: s})

	case protocol.EntryConnect:
		c.sessions.touch(entry.Session, now)
		e.complete(&applied{index: entry.Index})

	case protocol.EntryConfiguration:
		c.cluster.configure(entry.Index, entry.Members)
		c.checkSelfType()
		e.complete(&applied{index: entry.Index})

	case protocol.EntryInitialize:
		e.complete(&applied{index: entry.Index})

	default:
		e.complete(&applied{index: entry.Index})
	}

	e.lastApplied = entry.Index
	c.metrics.setAppliedIndex(entry.Index)
}

// applySessionCommand applies a command with session sequencing: duplicate
// sequences return the cached result, gaps are buffered until the
// predecessor arrives.
func (e *executor) applySessionCommand(entry protocol.LogEntry) {
	c := e.ctx
	s := c.sessions.get(entry.Session)
	if s == nil {
		e.complete(&applied{
			index: entry.Index,
			err:   protocol.NewError(protocol.ErrUnknownSession, "unknown session %d", entry.Session),
		})
		return
	}

	switch {
	case entry.Sequence <= s.commandSequence:
		// Retry of an already-applied command: answer from the cache
		// without re-applying.
		if cached, ok := s.results[entry.Sequence]; ok {
			e.completeCached(entry.Index, s, cached)
		} else {
			e.complete(&applied{
				index: entry.Index,
				err:   protocol.NewError(protocol.ErrCommand, "result for sequence %d evicted", entry.Sequence),
			})
		}
		return

	case entry.Sequence > s.commandSequence+1:
		s.pending[entry.Sequence] = entry
		return
	}

	e.executeCommand(entry, s)

	// Drain any buffered successors the gap was holding back.
	for {
		next, ok := s.pending[s.commandSequence+1]
		if !ok {
			break
		}
		delete(s.pending, next.Sequence)
		e.executeCommand(next, s)
	}
}

func (e *executor) executeCommand(entry protocol.LogEntry, s *session) {
	s.beginApply(entry.Index)

	var result []byte
	var err error
	if entry.Kind == protocol.EntryCommand {
		commit := &commitContext{
			index:     entry.Index,
			clock:     e.clock,
			session:   s,
			operation: entry.Payload,
		}
		result, err = e.sm.Apply(commit)
		if err != nil {
			e.ctx.logger.Warn("state machine apply failed", "index", entry.Index, logger.ErrAttr(err))
			err = protocol.NewError(protocol.ErrApplication, "%s", err.Error())
		}
	}
	// NoOp fill commands consume the sequence number without touching the
	// state machine.

	e.ctx.sessions.finishApply(s)

	s.commandSequence = entry.Sequence
	s.lastApplied = entry.Index

	resp := &protocol.CommandResponse{
		Status:       protocol.StatusOK,
		Index:        entry.Index,
		EventIndex:   s.eventIndex,
		LastSequence: s.commandSequence,
		Result:       result,
	}
	if err != nil {
		resp.Status = protocol.StatusError
		resp.Error = protocol.KindOf(err)
		resp.Message = err.Error()
	}
	s.results[entry.Sequence] = resp

	e.complete(&applied{index: entry.Index, session: s, result: result, err: err})
}

func (e *executor) completeCached(index int64, s *session, cached *protocol.CommandResponse) {
	var err error
	if cached.Status != protocol.StatusOK {
		err = protocol.NewError(cached.Error, "%s", cached.Message)
	}
	e.complete(&applied{index: index, session: s, result: cached.Result, err: err})
}

// query executes a read against the current state.
func (e *executor) query(s *session, payload []byte) ([]byte, error) {
	commit := &commitContext{
		index:     e.lastApplied,
		clock:     e.clock,
		session:   s,
		operation: payload,
	}
	result, err := e.sm.Query(commit)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrApplication, "%s", err.Error())
	}
	return result, nil
}

// snapshot captures the state machine at the last applied index.
func (e *executor) snapshot() (*protocol.Snapshot, error) {
	data, err := e.sm.Snapshot()
	if err != nil {
		return nil, err
	}
	term, terr := e.ctx.log.Term(e.lastApplied)
	if terr != nil {
		term = e.snapTerm
	}
	return &protocol.Snapshot{Index: e.lastApplied, Term: term, Data: data}, nil
}

func (e *executor) notifyRegistered(s *session) {
	if l, ok := e.sm.(api.SessionLifecycleListener); ok {
		l.SessionRegistered(api.SessionInfo{ID: s.id, Client: s.client, Timeout: s.timeout})
	}
}

func (e *executor) notifyExpired(s *session) {
	if l, ok := e.sm.(api.SessionLifecycleListener); ok {
		l.SessionExpired(api.SessionInfo{ID: s.id, Client: s.client, Timeout: s.timeout})
	}
}

func (e *executor) notifyUnregistered(s *session) {
	if l, ok := e.sm.(api.SessionLifecycleListener); ok {
		l.SessionUnregistered(api.SessionInfo{ID: s.id, Client: s.client, Timeout: s.timeout})
	}
}
