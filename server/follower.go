package server

import (
	"context"
	"time"

	"github.com/shrtyk/raft-sessions/internal/quorum"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

// activeRole adds voting behavior shared by Follower, Candidate and
// Leader.
type activeRole struct {
	passiveRole
}

func (r *activeRole) onVote(req *protocol.VoteRequest) *protocol.VoteResponse {
	c := r.ctx
	resp := &protocol.VoteResponse{Status: protocol.StatusOK, Term: c.term}

	if req.Term < c.term {
		return resp
	}

	if req.Term > c.term {
		c.setTerm(req.Term)
		if c.roleKind != RoleFollower {
			c.transition(RoleFollower)
		}
	}
	resp.Term = c.term

	if !c.isLogUpToDate(req.LogIndex, req.LogTerm) {
		c.logger.Warn("denying vote, candidate log not up-to-date", "candidate", req.Candidate)
		return resp
	}
	if c.votedFor != votedForNone && c.votedFor != req.Candidate {
		c.logger.Warn("denying vote, already voted", "candidate", req.Candidate, "voted_for", c.votedFor)
		return resp
	}

	c.setVote(req.Candidate)
	resp.Voted = true
	c.logger.Info("voting for candidate", "candidate", req.Candidate, "term", c.term)
	return resp
}

// onPoll answers the pre-vote straw poll. Accepting a poll never mutates
// the vote and never resets the election timer, so a poll from a
// partitioned member cannot disturb a healthy cluster.
func (r *activeRole) onPoll(req *protocol.PollRequest) *protocol.PollResponse {
	c := r.ctx
	resp := &protocol.PollResponse{Status: protocol.StatusOK}

	c.setTerm(req.Term)
	resp.Term = c.term
	resp.Accepted = req.Term >= c.term && c.isLogUpToDate(req.LogIndex, req.LogTerm)
	return resp
}

// followerRole runs the election timer and starts pre-vote polls when it
// fires.
type followerRole struct {
	activeRole
	timer  *time.Timer
	closed bool

	// polling is true while a poll round is in flight.
	polling bool
}

func newFollowerRole(ctx *Context) *followerRole {
	return &followerRole{activeRole: activeRole{passiveRole{inactiveRole{ctx: ctx}}}}
}

func (r *followerRole) kind() RoleKind { return RoleFollower }

func (r *followerRole) onAppend(req *protocol.AppendRequest) *protocol.AppendResponse {
	resp := r.ctx.handleAppend(req)
	if req.Term >= r.ctx.term {
		r.resetTimer()
	}
	return resp
}

func (r *followerRole) onVote(req *protocol.VoteRequest) *protocol.VoteResponse {
	resp := r.activeRole.onVote(req)
	if resp.Voted {
		r.resetTimer()
	}
	return resp
}

func (r *followerRole) onInstall(req *protocol.InstallRequest) *protocol.InstallResponse {
	resp := r.ctx.handleInstall(req)
	r.resetTimer()
	return resp
}

func (r *followerRole) onConfigure(req *protocol.ConfigureRequest) *protocol.ConfigureResponse {
	resp := r.passiveRole.onConfigure(req)
	r.resetTimer()
	return resp
}

func (r *followerRole) open() {
	r.resetTimer()
}

func (r *followerRole) close() {
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

// resetTimer arms the election timer with a fresh random timeout.
//
// Assumes the lock is held when called.
func (r *followerRole) resetTimer() {
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	timeout := r.ctx.electionTimeout()
	r.timer = time.AfterFunc(timeout, r.electionTimeoutFired)
}

func (r *followerRole) electionTimeoutFired() {
	c := r.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.closed || c.role != role(r) || r.polling {
		return
	}
	c.leaderID = 0
	c.logger.Debug("election timeout fired, starting pre-vote poll", "term", c.term)
	r.sendPollRequests()
}

// sendPollRequests asks every Active peer whether it would vote for us at
// our current term and log position. Only a majority of acceptances
// starts a real election.
//
// Assumes the lock is held when called.
func (r *followerRole) sendPollRequests() {
	c := r.ctx

	peers := c.cluster.activePeers()
	if len(peers) == 0 {
		c.transition(RoleCandidate)
		return
	}

	r.polling = true
	// The poll round itself is bounded by a fresh timer.
	r.timer = time.AfterFunc(c.cfg.Timings.ElectionTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if r.closed || c.role != role(r) {
			return
		}
		r.polling = false
		r.resetTimer()
	})

	lastIndex, lastTerm := c.lastLogIndexAndTerm()
	req := &protocol.PollRequest{
		Term:      c.term,
		Candidate: c.me,
		LogIndex:  lastIndex,
		LogTerm:   lastTerm,
	}

	q := quorum.New(c.cluster.quorumSize(), c.cluster.activeCount(), func(elected bool) {
		// Completion runs under the lock, from a response or failure below.
		if r.closed || c.role != role(r) {
			return
		}
		r.polling = false
		if elected {
			c.transition(RoleCandidate)
		} else {
			r.resetTimer()
		}
	})
	q.Succeed() // our own straw vote

	for _, peer := range peers {
		go r.poll(peer.member, req, q)
	}
}

func (r *followerRole) poll(member protocol.Member, req *protocol.PollRequest, q *quorum.Quorum) {
	c := r.ctx

	rctx, cancel := context.WithTimeout(c.srvCtx, c.cfg.Timings.RPCTimeout)
	defer cancel()

	resp, err := c.sendPoll(rctx, member, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if r.closed || c.role != role(r) {
		return
	}

	if err != nil {
		c.logger.Warn("failed to poll member", "member", member.ID, logger.ErrAttr(err))
		q.Fail()
		return
	}

	if resp.Term > c.term {
		c.setTerm(resp.Term)
	}

	switch {
	case !resp.Accepted:
		c.logger.Debug("poll rejected", "member", member.ID)
		q.Fail()
	case resp.Term != c.term:
		c.logger.Debug("poll accepted for a different term", "member", member.ID)
		q.Fail()
	default:
		q.Succeed()
	}
}
