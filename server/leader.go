package server

import (
	"time"

	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
	"github.com/shrtyk/raft-sessions/transport"
)

// leaderRole owns replication and the whole client-facing protocol:
// commands, queries, session lifecycle and expiry.
type leaderRole struct {
	activeRole
	appender *appender

	heartbeatStop chan struct{}
	closed        bool

	// requestSequences is the leader's view of the highest command
	// sequence accepted into the log per session; it restarts from the
	// applied sequence on election.
	requestSequences map[int64]int64
	// sequenceIndexes maps accepted (session, sequence) pairs to their log
	// index so retries of in-flight commands can attach to the original
	// entry.
	sequenceIndexes map[int64]map[int64]int64

	// pendingLinearizable holds queries waiting for a heartbeat round
	// confirming leadership.
	pendingLinearizable []pendingQuery
}

type pendingQuery struct {
	run   func()
	abort func()
}

func newLeaderRole(ctx *Context) *leaderRole {
	return &leaderRole{
		activeRole:       activeRole{passiveRole{inactiveRole{ctx: ctx}}},
		requestSequences: make(map[int64]int64),
		sequenceIndexes:  make(map[int64]map[int64]int64),
	}
}

func (r *leaderRole) kind() RoleKind { return RoleLeader }

func (r *leaderRole) open() {
	c := r.ctx
	c.leaderID = c.me
	r.appender = newAppender(c)

	lastIndex := c.log.LastIndex()
	now := c.clock.Now()
	for _, ms := range c.cluster.members {
		ms.nextIndex = lastIndex + 1
		ms.matchIndex = 0
		ms.inFlight = false
		ms.lastAck = now
	}

	for id, s := range c.sessions.sessions {
		r.requestSequences[id] = s.commandSequence
	}

	// Committing an entry of the new term is what lets older entries
	// commit transitively.
	if _, err := c.append(protocol.LogEntry{Kind: protocol.EntryInitialize}); err != nil {
		c.logger.Error("failed to append initialize entry, stepping down", logger.ErrAttr(err))
		c.transition(RoleFollower)
		return
	}

	r.heartbeatStop = make(chan struct{})
	go r.heartbeatLoop(r.heartbeatStop)
	r.appender.replicate()
}

func (r *leaderRole) close() {
	r.closed = true
	if r.heartbeatStop != nil {
		close(r.heartbeatStop)
	}
	if r.appender != nil {
		r.appender.close()
	}
	r.ctx.executor.failWaiters(protocol.NewError(protocol.ErrNoLeader, "leadership lost"))
	r.failPendingLinearizable()
}

func (r *leaderRole) heartbeatLoop(stop chan struct{}) {
	c := r.ctx
	ticker := time.NewTicker(c.cfg.Timings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.srvCtx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if r.closed || c.role != role(r) {
				c.mu.Unlock()
				return
			}
			if len(c.cluster.activePeers()) > 0 && !r.appender.quorumReachable(c.cfg.Timings.ElectionTimeout) {
				c.logger.Warn("lost contact with a quorum, stepping down", "term", c.term)
				c.transition(RoleFollower)
				c.mu.Unlock()
				return
			}
			r.flushPendingLinearizable()
			r.appender.replicate()
			r.maybeCompact()
			r.expireSessions()
			c.mu.Unlock()
		}
	}
}

// onAppend from another leader at our term or above means we must step
// down.
func (r *leaderRole) onAppend(req *protocol.AppendRequest) *protocol.AppendResponse {
	c := r.ctx
	if req.Term > c.term {
		c.setTerm(req.Term)
		c.transition(RoleFollower)
		return c.role.onAppend(req)
	}
	if req.Term == c.term {
		c.logger.Error("second leader detected at current term", "other", req.Leader, "term", c.term)
		c.transition(RoleFollower)
		return c.role.onAppend(req)
	}
	return &protocol.AppendResponse{
		Status:   protocol.StatusOK,
		Term:     c.term,
		LogIndex: c.log.LastIndex(),
	}
}

func (r *leaderRole) onCommand(req *protocol.CommandRequest, respond func(*protocol.CommandResponse)) {
	c := r.ctx

	s := c.sessions.get(req.Session)
	if s == nil {
		respond(&protocol.CommandResponse{
			Status: protocol.StatusError,
			Error:  protocol.ErrUnknownSession,
		})
		return
	}

	// The volatile counter can lag right after election while entries
	// committed by the previous leader are still being applied; the
	// session's applied sequence is the floor.
	accepted := max(r.requestSequences[req.Session], s.commandSequence)
	r.requestSequences[req.Session] = accepted

	switch {
	case req.Sequence > accepted+1:
		// A gap: earlier commands were lost in flight. The client must
		// resend them before this one can be accepted.
		respond(&protocol.CommandResponse{
			Status:       protocol.StatusError,
			Error:        protocol.ErrCommand,
			LastSequence: accepted,
		})
		return

	case req.Sequence <= accepted:
		// A retry of something already accepted: answer from the cache if
		// applied, or attach to the in-flight entry.
		if req.Sequence <= s.commandSequence {
			if cached, ok := s.results[req.Sequence]; ok {
				respond(cached)
			} else {
				respond(&protocol.CommandResponse{
					Status:       protocol.StatusError,
					Error:        protocol.ErrCommand,
					LastSequence: s.commandSequence,
				})
			}
			return
		}
		if index, ok := r.sequenceIndexes[req.Session][req.Sequence]; ok {
			c.executor.onApplied(index, func(a *applied) {
				respond(r.commandResponse(a))
			})
			return
		}
		respond(&protocol.CommandResponse{
			Status:       protocol.StatusError,
			Error:        protocol.ErrCommand,
			LastSequence: s.commandSequence,
		})
		return
	}

	kind := protocol.EntryCommand
	if req.Command == nil {
		kind = protocol.EntryNoOp
	}
	index, err := c.append(protocol.LogEntry{
		Kind:     kind,
		Session:  req.Session,
		Sequence: req.Sequence,
		Payload:  req.Command,
	})
	if err != nil {
		c.logger.Error("failed to append command, stepping down", logger.ErrAttr(err))
		c.transition(RoleInactive)
		respond(&protocol.CommandResponse{Status: protocol.StatusError, Error: protocol.ErrInternal})
		return
	}

	r.requestSequences[req.Session] = req.Sequence
	if r.sequenceIndexes[req.Session] == nil {
		r.sequenceIndexes[req.Session] = make(map[int64]int64)
	}
	r.sequenceIndexes[req.Session][req.Sequence] = index

	c.executor.onApplied(index, func(a *applied) {
		delete(r.sequenceIndexes[req.Session], req.Sequence)
		respond(r.commandResponse(a))
	})
	r.appender.replicate()
}

func (r *leaderRole) commandResponse(a *applied) *protocol.CommandResponse {
	resp := &protocol.CommandResponse{
		Status: protocol.StatusOK,
		Index:  a.index,
		Result: a.result,
	}
	if a.session != nil {
		resp.EventIndex = a.session.eventIndex
		resp.LastSequence = a.session.commandSequence
	}
	if a.err != nil {
		resp.Status = protocol.StatusError
		resp.Error = protocol.KindOf(a.err)
		if resp.Error == protocol.ErrNone {
			resp.Error = protocol.ErrInternal
		}
		resp.Message = a.err.Error()
	}
	return resp
}

func (r *leaderRole) onQuery(req *protocol.QueryRequest, respond func(*protocol.QueryResponse)) {
	c := r.ctx

	s := c.sessions.get(req.Session)
	if s == nil {
		respond(&protocol.QueryResponse{Status: protocol.StatusError, Error: protocol.ErrUnknownSession})
		return
	}

	// The query may depend on commands the leader has not seen yet; force
	// the client to resubmit them first.
	if req.Sequence > max(r.requestSequences[req.Session], s.commandSequence) {
		respond(&protocol.QueryResponse{Status: protocol.StatusError, Error: protocol.ErrQuery})
		return
	}

	execute := func() {
		result, err := c.executor.query(s, req.Query)
		resp := &protocol.QueryResponse{
			Status:     protocol.StatusOK,
			Index:      c.executor.lastApplied,
			EventIndex: s.eventIndex,
			Result:     result,
		}
		if err != nil {
			resp.Status = protocol.StatusError
			resp.Error = protocol.KindOf(err)
			resp.Message = err.Error()
		}
		respond(resp)
	}

	waitIndex := max(req.Index, c.commitIndex)
	afterApply := func() {
		if req.Consistency == protocol.Linearizable {
			// Confirmed leadership is one full heartbeat round away.
			r.pendingLinearizable = append(r.pendingLinearizable, pendingQuery{
				run: execute,
				abort: func() {
					respond(&protocol.QueryResponse{Status: protocol.StatusError, Error: protocol.ErrNoLeader})
				},
			})
			return
		}
		execute()
	}

	if c.executor.lastApplied >= waitIndex {
		afterApply()
		return
	}
	c.executor.onApplied(waitIndex, func(a *applied) {
		if a.err != nil && protocol.KindOf(a.err) == protocol.ErrNoLeader {
			respond(&protocol.QueryResponse{Status: protocol.StatusError, Error: protocol.ErrNoLeader})
			return
		}
		afterApply()
	})
}

// flushPendingLinearizable runs queries that were waiting for a heartbeat
// round; it is invoked from the heartbeat loop after confirming quorum
// reachability.
//
// Assumes the lock is held when called.
func (r *leaderRole) flushPendingLinearizable() {
	pending := r.pendingLinearizable
	r.pendingLinearizable = nil
	for _, q := range pending {
		q.run()
	}
}

func (r *leaderRole) failPendingLinearizable() {
	pending := r.pendingLinearizable
	r.pendingLinearizable = nil
	for _, q := range pending {
		q.abort()
	}
}

func (r *leaderRole) onRegister(req *protocol.RegisterRequest, respond func(*protocol.RegisterResponse)) {
	c := r.ctx

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timings.SessionTimeout.Milliseconds()
	}

	index, err := c.append(protocol.LogEntry{
		Kind:    protocol.EntryRegister,
		Client:  req.Client,
		Timeout: timeout,
	})
	if err != nil {
		c.logger.Error("failed to append register entry, stepping down", logger.ErrAttr(err))
		c.transition(RoleInactive)
		respond(&protocol.RegisterResponse{Status: protocol.StatusError, Error: protocol.ErrInternal})
		return
	}

	c.executor.onApplied(index, func(a *applied) {
		if a.err != nil {
			respond(&protocol.RegisterResponse{Status: protocol.StatusError, Error: protocol.ErrNoLeader})
			return
		}
		respond(&protocol.RegisterResponse{
			Status:  protocol.StatusOK,
			Session: a.index,
			Timeout: timeout,
			Leader:  c.leaderAddress(),
			Members: c.cluster.addresses(),
		})
	})
	r.appender.replicate()
}

func (r *leaderRole) onKeepAlive(req *protocol.KeepAliveRequest, respond func(*protocol.KeepAliveResponse)) {
	c := r.ctx

	if c.sessions.get(req.Session) == nil {
		respond(&protocol.KeepAliveResponse{
			Status:  protocol.StatusError,
			Error:   protocol.ErrUnknownSession,
			Leader:  c.leaderAddress(),
			Members: c.cluster.addresses(),
		})
		return
	}

	index, err := c.append(protocol.LogEntry{
		Kind:         protocol.EntryKeepAlive,
		Session:      req.Session,
		Sessions:     []int64{req.Session},
		Sequences:    []int64{req.CommandSequence},
		EventIndexes: []int64{req.EventIndex},
	})
	if err != nil {
		c.logger.Error("failed to append keep-alive entry, stepping down", logger.ErrAttr(err))
		c.transition(RoleInactive)
		respond(&protocol.KeepAliveResponse{Status: protocol.StatusError, Error: protocol.ErrInternal})
		return
	}

	c.executor.onApplied(index, func(a *applied) {
		resp := &protocol.KeepAliveResponse{
			Status:  protocol.StatusOK,
			Leader:  c.leaderAddress(),
			Members: c.cluster.addresses(),
		}
		if a.err != nil {
			resp.Status = protocol.StatusError
			resp.Error = protocol.ErrNoLeader
		} else if a.session == nil {
			resp.Status = protocol.StatusError
			resp.Error = protocol.ErrUnknownSession
		}
		respond(resp)
	})
	r.appender.replicate()
}

func (r *leaderRole) onUnregister(req *protocol.UnregisterRequest, respond func(*protocol.UnregisterResponse)) {
	c := r.ctx

	if c.sessions.get(req.Session) == nil {
		respond(&protocol.UnregisterResponse{Status: protocol.StatusError, Error: protocol.ErrUnknownSession})
		return
	}

	index, err := c.append(protocol.LogEntry{
		Kind:    protocol.EntryUnregister,
		Session: req.Session,
	})
	if err != nil {
		c.logger.Error("failed to append unregister entry, stepping down", logger.ErrAttr(err))
		c.transition(RoleInactive)
		respond(&protocol.UnregisterResponse{Status: protocol.StatusError, Error: protocol.ErrInternal})
		return
	}

	c.executor.onApplied(index, func(a *applied) {
		if a.err != nil {
			respond(&protocol.UnregisterResponse{Status: protocol.StatusError, Error: protocol.ErrNoLeader})
			return
		}
		respond(&protocol.UnregisterResponse{Status: protocol.StatusOK})
	})
	r.appender.replicate()
}

func (r *leaderRole) onConnect(conn transport.Connection, req *protocol.ConnectRequest) *protocol.ConnectResponse {
	c := r.ctx
	resp := c.handleConnect(conn, req)

	// Record the bind in the log so the session stays live across the
	// reconnect.
	if req.Session > 0 && c.sessions.get(req.Session) != nil {
		if _, err := c.append(protocol.LogEntry{
			Kind:    protocol.EntryConnect,
			Session: req.Session,
		}); err == nil {
			r.appender.replicate()
		}
	}
	return resp
}

func (r *leaderRole) onReset(req *protocol.ResetRequest) {
	r.ctx.sessions.resendEvents(req.Session, req.Index)
}

// expireSessions writes an Unregister entry for every session that has
// been silent for twice its timeout.
//
// Assumes the lock is held when called.
func (r *leaderRole) expireSessions() {
	c := r.ctx
	for _, id := range c.sessions.expired(c.clock.Now()) {
		c.logger.Info("expiring session", "session", id)
		if _, err := c.append(protocol.LogEntry{
			Kind:    protocol.EntryUnregister,
			Session: id,
			Expired: true,
		}); err != nil {
			c.logger.Error("failed to append expire entry", logger.ErrAttr(err))
			return
		}
	}
}

// maybeCompact snapshots the state machine and compacts the log once it
// grows past the configured threshold, never past the global index.
//
// Assumes the lock is held when called.
func (r *leaderRole) maybeCompact() {
	c := r.ctx
	threshold := c.cfg.CompactionThreshold
	if threshold <= 0 {
		return
	}
	if c.log.LastIndex()-c.log.FirstIndex()+1 < threshold {
		return
	}

	compactTo := min(c.executor.lastApplied, c.computeGlobalIndex())
	if compactTo <= c.log.FirstIndex() {
		return
	}

	snap, err := c.executor.snapshot()
	if err != nil {
		c.logger.Warn("failed to snapshot state machine", logger.ErrAttr(err))
		return
	}
	snap.Index = min(snap.Index, compactTo)
	if term, terr := c.log.Term(snap.Index); terr == nil {
		snap.Term = term
	}
	if err := c.meta.SaveSnapshot(snap); err != nil {
		c.logger.Error("failed to persist snapshot", logger.ErrAttr(err))
		return
	}
	if err := c.log.Compact(snap.Index, snap.Term); err != nil {
		c.logger.Error("failed to compact log", logger.ErrAttr(err))
		return
	}
	c.executor.snapIndex = snap.Index
	c.executor.snapTerm = snap.Term
	c.logger.Info("compacted log", "through", snap.Index)
}
