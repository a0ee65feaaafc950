package server

import (
	"context"
	"time"

	"github.com/shrtyk/raft-sessions/internal/quorum"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

// candidateRole runs one or more real elections until it wins, loses, or
// observes a higher term.
type candidateRole struct {
	activeRole
	timer  *time.Timer
	closed bool
	round  int64
}

func newCandidateRole(ctx *Context) *candidateRole {
	return &candidateRole{activeRole: activeRole{passiveRole{inactiveRole{ctx: ctx}}}}
}

func (r *candidateRole) kind() RoleKind { return RoleCandidate }

func (r *candidateRole) open() {
	r.startElection()
}

func (r *candidateRole) close() {
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

// onAppend steps down when a leader emerges at our term or above.
func (r *candidateRole) onAppend(req *protocol.AppendRequest) *protocol.AppendResponse {
	c := r.ctx
	if req.Term >= c.term {
		c.setTerm(req.Term)
		c.transition(RoleFollower)
		return c.role.onAppend(req)
	}
	return c.handleAppend(req)
}

// startElection increments the term, votes for itself and solicits votes.
//
// Assumes the lock is held when called.
func (r *candidateRole) startElection() {
	c := r.ctx

	c.term++
	c.votedFor = c.me
	c.leaderID = 0
	c.metrics.setTerm(c.term)
	c.metrics.electionStarted()
	c.persistMeta()

	r.round++
	round := r.round
	electionTerm := c.term
	c.logger.Info("starting election", "term", electionTerm)

	// Restart the election if this round does not complete in time.
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(c.electionTimeout(), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if r.closed || c.role != role(r) || r.round != round {
			return
		}
		c.logger.Debug("election timed out, restarting", "term", c.term)
		r.startElection()
	})

	peers := c.cluster.activePeers()
	if len(peers) == 0 {
		c.transition(RoleLeader)
		return
	}

	lastIndex, lastTerm := c.lastLogIndexAndTerm()
	req := &protocol.VoteRequest{
		Term:      electionTerm,
		Candidate: c.me,
		LogIndex:  lastIndex,
		LogTerm:   lastTerm,
	}

	q := quorum.New(c.cluster.quorumSize(), c.cluster.activeCount(), func(elected bool) {
		if r.closed || c.role != role(r) || c.term != electionTerm {
			return
		}
		if elected {
			c.transition(RoleLeader)
		} else {
			c.transition(RoleFollower)
		}
	})
	q.Succeed() // self-vote

	for _, peer := range peers {
		go r.requestVote(peer.member, req, q, electionTerm)
	}
}

func (r *candidateRole) requestVote(member protocol.Member, req *protocol.VoteRequest, q *quorum.Quorum, electionTerm int64) {
	c := r.ctx

	rctx, cancel := context.WithTimeout(c.srvCtx, c.cfg.Timings.RPCTimeout)
	defer cancel()

	resp, err := c.sendVote(rctx, member, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if r.closed || c.role != role(r) || c.term != electionTerm {
		return
	}

	if err != nil {
		c.logger.Warn("failed to request vote", "member", member.ID, logger.ErrAttr(err))
		q.Fail()
		return
	}

	if resp.Term > c.term {
		c.setTerm(resp.Term)
		c.transition(RoleFollower)
		return
	}

	if resp.Voted {
		c.logger.Debug("vote granted", "member", member.ID)
		q.Succeed()
	} else {
		q.Fail()
	}
}
