package server

import (
	"math/rand"
	"time"

	"github.com/shrtyk/raft-sessions/protocol"
)

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// memberState tracks one remote member, including the leader's replication
// cursors for it.
type memberState struct {
	member protocol.Member

	// nextIndex is the next entry to send, matchIndex the highest entry
	// known replicated. Leader-only, reset on election.
	nextIndex  int64
	matchIndex int64

	// configIndex is the highest configuration index pushed to a Reserve
	// member.
	configIndex int64

	// inFlight serializes replication to this member.
	inFlight bool

	// lastAck is the last time this member answered an RPC; the leader
	// uses it to judge whether it still reaches a quorum.
	lastAck time.Time
}

// cluster is the server's view of the membership configuration.
type cluster struct {
	me      int64
	version int64 // log index of the configuration entry
	members map[int64]*memberState
}

func newCluster(me int64, members []protocol.Member) *cluster {
	cl := &cluster{me: me, members: make(map[int64]*memberState, len(members))}
	for _, m := range members {
		cl.members[m.ID] = &memberState{member: m}
	}
	return cl
}

// configure replaces the membership from a committed configuration entry,
// preserving replication cursors of surviving members.
func (cl *cluster) configure(index int64, members []protocol.Member) {
	if index <= cl.version {
		return
	}
	next := make(map[int64]*memberState, len(members))
	for _, m := range members {
		if prev, ok := cl.members[m.ID]; ok {
			prev.member = m
			next[m.ID] = prev
		} else {
			next[m.ID] = &memberState{member: m}
		}
	}
	cl.members = next
	cl.version = index
}

func (cl *cluster) member(id int64) (protocol.Member, bool) {
	if ms, ok := cl.members[id]; ok {
		return ms.member, true
	}
	return protocol.Member{}, false
}

// self returns this server's member record.
func (cl *cluster) self() (protocol.Member, bool) {
	return cl.member(cl.me)
}

// activePeers returns remote Active members.
func (cl *cluster) activePeers() []*memberState {
	var out []*memberState
	for id, ms := range cl.members {
		if id != cl.me && ms.member.Type == protocol.MemberActive {
			out = append(out, ms)
		}
	}
	return out
}

// replicationTargets returns remote members that receive log entries:
// Active and Passive.
func (cl *cluster) replicationTargets() []*memberState {
	var out []*memberState
	for id, ms := range cl.members {
		if id == cl.me {
			continue
		}
		switch ms.member.Type {
		case protocol.MemberActive, protocol.MemberPassive:
			out = append(out, ms)
		}
	}
	return out
}

// configureTargets returns remote members that only receive configuration
// pushes.
func (cl *cluster) configureTargets() []*memberState {
	var out []*memberState
	for id, ms := range cl.members {
		if id != cl.me && ms.member.Type == protocol.MemberReserve {
			out = append(out, ms)
		}
	}
	return out
}

// quorumSize is a strict majority of Active members, this server included
// when Active.
func (cl *cluster) quorumSize() int {
	active := 0
	for _, ms := range cl.members {
		if ms.member.Type == protocol.MemberActive {
			active++
		}
	}
	return active/2 + 1
}

// activeCount returns the number of Active members.
func (cl *cluster) activeCount() int {
	n := 0
	for _, ms := range cl.members {
		if ms.member.Type == protocol.MemberActive {
			n++
		}
	}
	return n
}

// memberList returns the configuration as a plain slice.
func (cl *cluster) memberList() []protocol.Member {
	out := make([]protocol.Member, 0, len(cl.members))
	for _, ms := range cl.members {
		out = append(out, ms.member)
	}
	return out
}

// addresses returns every member address, for ConnectResponse membership
// hints.
func (cl *cluster) addresses() []string {
	out := make([]string, 0, len(cl.members))
	for _, ms := range cl.members {
		out = append(out, ms.member.Address)
	}
	return out
}
