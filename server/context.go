package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

const votedForNone = -1

// Context owns all mutable state of one server: the current role, the log
// cursors, the cluster view, sessions and the executor. Everything is
// guarded by mu; role handlers and timer callbacks run under it.
type Context struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	cfg    *api.ServerConfig
	me     int64
	logger *slog.Logger
	clock  clockwork.Clock

	log     api.Log
	meta    api.MetaStore
	cluster *cluster
	peers   *peerConnections

	role     role
	roleKind RoleKind

	term     int64
	votedFor int64
	leaderID int64

	commitIndex int64
	globalIndex int64

	// installing is an in-progress snapshot transfer from the leader.
	installing *pendingInstall

	sessions *sessionManager
	executor *executor
	metrics  *metrics

	// signalApplierChan wakes the applier to drain newly committed entries;
	// leaders additionally wait on specific indexes through the executor.
	signalApplierChan chan struct{}

	srvCtx    context.Context
	srvCancel context.CancelFunc
}

// RoleKind enumerates server roles.
type RoleKind int32

const (
	RoleInactive RoleKind = iota
	RoleReserve
	RolePassive
	RoleFollower
	RoleCandidate
	RoleLeader
)

func (k RoleKind) String() string {
	switch k {
	case RoleReserve:
		return "reserve"
	case RolePassive:
		return "passive"
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "inactive"
	}
}

// transition closes the current role and installs a new one. The outgoing
// role's timers are cancelled before the incoming role opens.
//
// Assumes the lock is held when called.
func (c *Context) transition(kind RoleKind) {
	if c.role != nil && c.roleKind == kind {
		return
	}
	c.logger.Info("transitioning role", "from", c.roleKind.String(), "to", kind.String(), "term", c.term)

	if c.role != nil {
		c.role.close()
	}
	c.roleKind = kind
	c.metrics.setRole(kind)

	switch kind {
	case RoleReserve:
		c.role = newReserveRole(c)
	case RolePassive:
		c.role = newPassiveRole(c)
	case RoleFollower:
		c.role = newFollowerRole(c)
	case RoleCandidate:
		c.role = newCandidateRole(c)
	case RoleLeader:
		c.role = newLeaderRole(c)
	default:
		c.role = newInactiveRole(c)
	}
	c.role.open()
}

// setTerm advances the term, clearing the vote and leader, and persists
// the change.
//
// Assumes the lock is held when called.
func (c *Context) setTerm(term int64) {
	if term <= c.term {
		return
	}
	c.term = term
	c.votedFor = votedForNone
	c.leaderID = 0
	c.metrics.setTerm(term)
	c.persistMeta()
}

// setVote records a vote for the current term and persists it.
//
// Assumes the lock is held when called.
func (c *Context) setVote(candidate int64) {
	c.votedFor = candidate
	c.persistMeta()
}

func (c *Context) persistMeta() {
	if err := c.meta.SaveMetadata(api.Metadata{Term: c.term, VotedFor: c.votedFor}); err != nil {
		// A server that cannot persist its vote is not a reliable replica.
		c.logger.Error("failed to persist metadata, going inactive", logger.ErrAttr(err))
		c.transition(RoleInactive)
	}
}

// setCommitIndex advances the commit index and wakes the applier.
//
// Assumes the lock is held when called.
func (c *Context) setCommitIndex(index int64) {
	if index <= c.commitIndex {
		return
	}
	c.commitIndex = index
	c.metrics.setCommitIndex(index)
	c.signalApplier()
}

func (c *Context) signalApplier() {
	select {
	case c.signalApplierChan <- struct{}{}:
	default:
	}
}

// lastLogIndexAndTerm returns the position of the last entry, falling back
// to the compaction boundary for an empty log.
//
// Assumes the lock is held when called.
func (c *Context) lastLogIndexAndTerm() (int64, int64) {
	lastIndex := c.log.LastIndex()
	term, err := c.log.Term(lastIndex)
	if err != nil {
		return lastIndex, 0
	}
	return lastIndex, term
}

// isLogUpToDate reports whether a candidate's log position is at least as
// fresh as ours (Raft §5.4).
//
// Assumes the lock is held when called.
func (c *Context) isLogUpToDate(lastIndex, lastTerm int64) bool {
	myIndex, myTerm := c.lastLogIndexAndTerm()
	if lastTerm != myTerm {
		return lastTerm > myTerm
	}
	return lastIndex >= myIndex
}

// append stamps the entry with the current term and clock and writes it to
// the log.
//
// Assumes the lock is held when called.
func (c *Context) append(entry protocol.LogEntry) (int64, error) {
	entry.Term = c.term
	entry.Timestamp = c.clock.Now().UnixMilli()
	return c.log.Append(entry)
}

// electionTimeout returns a random duration in [T, 2T).
func (c *Context) electionTimeout() time.Duration {
	t := c.cfg.Timings.ElectionTimeout
	return t + randDuration(t)
}

// leaderAddress returns the address of the current leader, or "".
//
// Assumes the lock is held when called.
func (c *Context) leaderAddress() string {
	if c.leaderID == 0 {
		return ""
	}
	if m, ok := c.cluster.member(c.leaderID); ok {
		return m.Address
	}
	return ""
}
