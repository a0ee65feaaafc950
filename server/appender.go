package server

import (
	"context"
	"slices"
	"time"

	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

// appender drives replication from the leader to every other member:
// entries and heartbeats to Active and Passive members, snapshots when a
// member's needed prefix has been compacted, and configuration pushes to
// Reserve members.
type appender struct {
	ctx    *Context
	term   int64
	closed bool
}

func newAppender(ctx *Context) *appender {
	return &appender{ctx: ctx, term: ctx.term}
}

func (a *appender) close() { a.closed = true }

// replicate starts one send to every member that does not already have one
// in flight.
//
// Assumes the lock is held when called.
func (a *appender) replicate() {
	c := a.ctx
	// A single-member cluster commits on its own log alone.
	a.commit()
	for _, ms := range c.cluster.replicationTargets() {
		if !ms.inFlight {
			ms.inFlight = true
			go a.sendTo(ms)
		}
	}
	for _, ms := range c.cluster.configureTargets() {
		if ms.configIndex < c.cluster.version && !ms.inFlight {
			ms.inFlight = true
			go a.sendConfigureTo(ms)
		}
	}
}

// sendTo replicates to one member until it is caught up, then returns.
func (a *appender) sendTo(ms *memberState) {
	c := a.ctx

	for {
		c.mu.Lock()
		if a.closed || c.roleKind != RoleLeader || c.term != a.term {
			ms.inFlight = false
			c.mu.Unlock()
			return
		}

		if ms.nextIndex < c.log.FirstIndex() {
			// The prefix this member needs is gone; fall back to a
			// snapshot transfer.
			c.mu.Unlock()
			if !a.sendSnapshotTo(ms) {
				a.finish(ms)
				return
			}
			continue
		}

		req, err := a.buildAppend(ms)
		member := ms.member
		rpcTimeout := c.cfg.Timings.RPCTimeout
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("failed to build append request", "member", member.ID, logger.ErrAttr(err))
			a.finish(ms)
			return
		}

		rctx, cancel := context.WithTimeout(c.srvCtx, rpcTimeout)
		resp, rerr := c.sendAppend(rctx, member, req)
		cancel()

		if !a.handleAppendResponse(ms, req, resp, rerr) {
			return
		}

		c.mu.Lock()
		done := ms.nextIndex > c.log.LastIndex()
		c.mu.Unlock()
		if done {
			a.finish(ms)
			return
		}
	}
}

// buildAppend assembles the next batch for a member.
//
// Assumes the lock is held when called.
func (a *appender) buildAppend(ms *memberState) (*protocol.AppendRequest, error) {
	c := a.ctx

	prevIndex := ms.nextIndex - 1
	prevTerm := int64(0)
	if prevIndex > 0 {
		t, err := c.log.Term(prevIndex)
		if err != nil {
			return nil, err
		}
		prevTerm = t
	}

	req := &protocol.AppendRequest{
		Term:        c.term,
		Leader:      c.me,
		LogIndex:    prevIndex,
		LogTerm:     prevTerm,
		CommitIndex: c.commitIndex,
		GlobalIndex: c.computeGlobalIndex(),
	}

	last := min(c.log.LastIndex(), ms.nextIndex+int64(c.cfg.ReplicationBatchSize)-1)
	for i := ms.nextIndex; i <= last; i++ {
		entry, err := c.log.Get(i)
		if err != nil {
			return nil, err
		}
		req.Entries = append(req.Entries, entry)
	}
	return req, nil
}

// handleAppendResponse updates cursors from one reply; it returns false
// when the send loop for this member must stop.
func (a *appender) handleAppendResponse(ms *memberState, req *protocol.AppendRequest, resp *protocol.AppendResponse, rerr error) bool {
	c := a.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	if a.closed || c.roleKind != RoleLeader || c.term != a.term {
		ms.inFlight = false
		return false
	}

	if rerr != nil {
		c.logger.Debug("append to member failed", "member", ms.member.ID, logger.ErrAttr(rerr))
		ms.inFlight = false
		return false
	}

	ms.lastAck = c.clock.Now()

	if resp.Term > c.term {
		c.setTerm(resp.Term)
		c.transition(RoleFollower)
		ms.inFlight = false
		return false
	}

	if resp.Succeeded {
		newMatch := req.LogIndex + int64(len(req.Entries))
		if newMatch > ms.matchIndex {
			ms.matchIndex = newMatch
		}
		ms.nextIndex = ms.matchIndex + 1
		a.commit()
		return true
	}

	// Conflict: back up one entry. The follower reports its last index,
	// which skips further when it is simply behind; nextIndex never drops
	// below the first available entry.
	next := ms.nextIndex - 1
	if resp.LogIndex+1 < next {
		next = resp.LogIndex + 1
	}
	ms.nextIndex = max(next, c.log.FirstIndex())
	return true
}

// commit advances the commit index to the highest entry of the current
// term replicated on a majority of Active members.
//
// Assumes the lock is held when called.
func (a *appender) commit() {
	c := a.ctx

	matches := []int64{c.log.LastIndex()} // self
	for _, ms := range c.cluster.activePeers() {
		matches = append(matches, ms.matchIndex)
	}
	slices.Sort(matches)

	// The quorum's smallest guaranteed index.
	n := matches[len(matches)-c.cluster.quorumSize()]
	if n <= c.commitIndex {
		return
	}
	term, err := c.log.Term(n)
	if err != nil || term != c.term {
		return
	}
	c.setCommitIndex(n)
}

// computeGlobalIndex is the highest index stored on every replication
// target, the safe point for compaction.
//
// Assumes the lock is held when called.
func (a *appender) computeGlobalIndex() int64 {
	return a.ctx.computeGlobalIndex()
}

func (c *Context) computeGlobalIndex() int64 {
	global := c.log.LastIndex()
	for _, ms := range c.cluster.replicationTargets() {
		if ms.matchIndex < global {
			global = ms.matchIndex
		}
	}
	return global
}

// sendSnapshotTo streams the current snapshot to a member in chunks. It
// returns true when the member is ready for normal replication again.
func (a *appender) sendSnapshotTo(ms *memberState) bool {
	c := a.ctx

	c.mu.Lock()
	snap, err := c.meta.Snapshot()
	if err != nil || snap == nil {
		if err != nil {
			c.logger.Warn("failed to read snapshot for install", logger.ErrAttr(err))
		}
		// Nothing to install; avoid a tight loop against a compacted log.
		ms.nextIndex = c.log.FirstIndex()
		c.mu.Unlock()
		return false
	}
	member := ms.member
	chunkSize := int64(c.cfg.SnapshotChunkSize)
	rpcTimeout := c.cfg.Timings.RPCTimeout
	term := c.term
	me := c.me
	c.mu.Unlock()

	for offset := int64(0); ; offset += chunkSize {
		end := min(offset+chunkSize, int64(len(snap.Data)))
		req := &protocol.InstallRequest{
			Term:     term,
			Leader:   me,
			ID:       snap.Index,
			Index:    snap.Index,
			SnapTerm: snap.Term,
			Offset:   offset,
			Data:     snap.Data[offset:end],
			Complete: end == int64(len(snap.Data)),
		}

		rctx, cancel := context.WithTimeout(c.srvCtx, rpcTimeout)
		resp, rerr := c.sendInstall(rctx, member, req)
		cancel()

		c.mu.Lock()
		if a.closed || c.roleKind != RoleLeader || c.term != a.term {
			c.mu.Unlock()
			return false
		}
		if rerr != nil || resp.Status != protocol.StatusOK {
			c.logger.Debug("snapshot install failed", "member", member.ID)
			c.mu.Unlock()
			return false
		}
		ms.lastAck = c.clock.Now()
		if resp.Term > c.term {
			c.setTerm(resp.Term)
			c.transition(RoleFollower)
			c.mu.Unlock()
			return false
		}
		if req.Complete {
			ms.matchIndex = max(ms.matchIndex, snap.Index)
			ms.nextIndex = ms.matchIndex + 1
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()
	}
}

// sendConfigureTo pushes the committed configuration to a Reserve member.
func (a *appender) sendConfigureTo(ms *memberState) {
	c := a.ctx
	defer a.finish(ms)

	c.mu.Lock()
	if a.closed || c.roleKind != RoleLeader {
		c.mu.Unlock()
		return
	}
	req := &protocol.ConfigureRequest{
		Term:    c.term,
		Leader:  c.me,
		Index:   c.cluster.version,
		Members: c.cluster.memberList(),
	}
	member := ms.member
	rpcTimeout := c.cfg.Timings.RPCTimeout
	c.mu.Unlock()

	rctx, cancel := context.WithTimeout(c.srvCtx, rpcTimeout)
	resp, err := c.sendConfigure(rctx, member, req)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil || resp.Status != protocol.StatusOK {
		return
	}
	ms.lastAck = c.clock.Now()
	if ms.configIndex < req.Index {
		ms.configIndex = req.Index
	}
}

func (a *appender) finish(ms *memberState) {
	a.ctx.mu.Lock()
	ms.inFlight = false
	a.ctx.mu.Unlock()
}

// quorumReachable reports whether a majority of Active members (self
// included) answered within the election timeout.
//
// Assumes the lock is held when called.
func (a *appender) quorumReachable(window time.Duration) bool {
	c := a.ctx
	now := c.clock.Now()

	alive := 1 // self
	for _, ms := range c.cluster.activePeers() {
		if now.Sub(ms.lastAck) <= window {
			alive++
		}
	}
	return alive >= c.cluster.quorumSize()
}
