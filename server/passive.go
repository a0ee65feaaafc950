package server

import (
	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
	"github.com/shrtyk/raft-sessions/transport"
)

// reserveRole receives configuration pushes only.
type reserveRole struct {
	inactiveRole
}

func newReserveRole(ctx *Context) *reserveRole {
	return &reserveRole{inactiveRole{ctx: ctx}}
}

func (r *reserveRole) kind() RoleKind { return RoleReserve }

func (r *reserveRole) onConfigure(req *protocol.ConfigureRequest) *protocol.ConfigureResponse {
	c := r.ctx
	c.setTerm(req.Term)
	if req.Term >= c.term {
		c.leaderID = req.Leader
	}
	c.cluster.configure(req.Index, req.Members)
	c.checkSelfType()
	return &protocol.ConfigureResponse{Status: protocol.StatusOK, Term: c.term}
}

// passiveRole accepts replicated entries and snapshots but never votes.
type passiveRole struct {
	inactiveRole
}

func newPassiveRole(ctx *Context) *passiveRole {
	return &passiveRole{inactiveRole{ctx: ctx}}
}

func (r *passiveRole) kind() RoleKind { return RolePassive }

func (r *passiveRole) onAppend(req *protocol.AppendRequest) *protocol.AppendResponse {
	return r.ctx.handleAppend(req)
}

func (r *passiveRole) onInstall(req *protocol.InstallRequest) *protocol.InstallResponse {
	return r.ctx.handleInstall(req)
}

func (r *passiveRole) onConfigure(req *protocol.ConfigureRequest) *protocol.ConfigureResponse {
	c := r.ctx
	c.setTerm(req.Term)
	if req.Term >= c.term {
		c.leaderID = req.Leader
	}
	c.cluster.configure(req.Index, req.Members)
	c.checkSelfType()
	return &protocol.ConfigureResponse{Status: protocol.StatusOK, Term: c.term}
}

func (r *passiveRole) onConnect(conn transport.Connection, req *protocol.ConnectRequest) *protocol.ConnectResponse {
	return r.ctx.handleConnect(conn, req)
}

func (r *passiveRole) onReset(req *protocol.ResetRequest) {
	r.ctx.sessions.resendEvents(req.Session, req.Index)
}

// handleAppend is the shared AppendEntries acceptance path for Passive and
// Follower roles.
//
// Assumes the lock is held when called.
func (c *Context) handleAppend(req *protocol.AppendRequest) *protocol.AppendResponse {
	resp := &protocol.AppendResponse{Status: protocol.StatusOK, Term: c.term}

	if req.Term < c.term {
		resp.Succeeded = false
		resp.LogIndex = c.log.LastIndex()
		return resp
	}

	c.setTerm(req.Term)
	c.leaderID = req.Leader
	resp.Term = c.term
	if c.globalIndex < req.GlobalIndex {
		c.globalIndex = req.GlobalIndex
	}

	// Consistency check at the previous position.
	if req.LogIndex > 0 {
		term, err := c.log.Term(req.LogIndex)
		if err != nil || term != req.LogTerm {
			resp.Succeeded = false
			resp.LogIndex = c.log.LastIndex()
			return resp
		}
	}

	if err := c.processEntries(req); err != nil {
		c.logger.Error("failed to store replicated entries, going inactive", logger.ErrAttr(err))
		c.transition(RoleInactive)
		resp.Status = protocol.StatusError
		resp.Error = protocol.ErrInternal
		return resp
	}

	if req.CommitIndex > c.commitIndex {
		c.setCommitIndex(min(req.CommitIndex, c.log.LastIndex()))
	}

	resp.Succeeded = true
	resp.LogIndex = c.log.LastIndex()
	return resp
}

// processEntries truncates any conflicting suffix and appends the new
// entries.
//
// Assumes the lock is held when called.
func (c *Context) processEntries(req *protocol.AppendRequest) error {
	for i := range req.Entries {
		entry := req.Entries[i]
		if entry.Index <= c.log.FirstIndex()-1 {
			continue // already compacted into a snapshot
		}

		term, err := c.log.Term(entry.Index)
		switch {
		case err == api.ErrOutOfBounds || (err == nil && term != entry.Term):
			if err == nil {
				if terr := c.log.Truncate(entry.Index - 1); terr != nil {
					return terr
				}
			}
			for j := i; j < len(req.Entries); j++ {
				if _, aerr := c.log.Append(req.Entries[j]); aerr != nil {
					return aerr
				}
			}
			return nil
		case err != nil && err != api.ErrOutOfBounds:
			return err
		}
	}
	return nil
}

// handleInstall accepts one snapshot chunk; on the final chunk the
// snapshot is persisted, the log compacted, and the applier signalled.
//
// Assumes the lock is held when called.
func (c *Context) handleInstall(req *protocol.InstallRequest) *protocol.InstallResponse {
	resp := &protocol.InstallResponse{Status: protocol.StatusOK, Term: c.term}

	if req.Term < c.term {
		return resp
	}
	c.setTerm(req.Term)
	c.leaderID = req.Leader
	resp.Term = c.term

	if req.Index <= c.executor.snapshotIndex() {
		return resp
	}

	if c.installing == nil || c.installing.id != req.ID {
		if req.Offset != 0 {
			resp.Status = protocol.StatusError
			resp.Error = protocol.ErrInternal
			return resp
		}
		c.installing = &pendingInstall{id: req.ID, index: req.Index, term: req.SnapTerm}
	}

	if req.Offset != int64(len(c.installing.data)) {
		resp.Status = protocol.StatusError
		resp.Error = protocol.ErrInternal
		c.installing = nil
		return resp
	}
	c.installing.data = append(c.installing.data, req.Data...)

	if !req.Complete {
		return resp
	}

	snap := &protocol.Snapshot{
		Index: c.installing.index,
		Term:  c.installing.term,
		Data:  c.installing.data,
	}
	c.installing = nil

	if err := c.meta.SaveSnapshot(snap); err != nil {
		c.logger.Error("failed to persist installed snapshot, going inactive", logger.ErrAttr(err))
		c.transition(RoleInactive)
		resp.Status = protocol.StatusError
		resp.Error = protocol.ErrInternal
		return resp
	}
	if err := c.log.Compact(snap.Index, snap.Term); err != nil {
		c.logger.Error("failed to compact log after install", logger.ErrAttr(err))
	}
	if snap.Index > c.commitIndex {
		c.setCommitIndex(snap.Index)
	}
	c.signalApplier()
	return resp
}

// handleConnect binds a session to this server for event publication and
// reports the cluster layout.
//
// Assumes the lock is held when called.
func (c *Context) handleConnect(conn transport.Connection, req *protocol.ConnectRequest) *protocol.ConnectResponse {
	if req.Session > 0 {
		c.sessions.setConnection(req.Session, req.Connection, conn)
	}
	return &protocol.ConnectResponse{
		Status:  protocol.StatusOK,
		Leader:  c.leaderAddress(),
		Members: c.cluster.addresses(),
	}
}

// checkSelfType transitions this server when a configuration change
// altered its own member type.
//
// Assumes the lock is held when called.
func (c *Context) checkSelfType() {
	self, ok := c.cluster.self()
	if !ok {
		c.transition(RoleInactive)
		return
	}
	switch self.Type {
	case protocol.MemberActive:
		if c.roleKind < RoleFollower {
			c.transition(RoleFollower)
		}
	case protocol.MemberPassive:
		if c.roleKind != RolePassive {
			c.transition(RolePassive)
		}
	case protocol.MemberReserve:
		if c.roleKind != RoleReserve {
			c.transition(RoleReserve)
		}
	case protocol.MemberInactive:
		c.transition(RoleInactive)
	}
}

type pendingInstall struct {
	id    int64
	index int64
	term  int64
	data  []byte
}
