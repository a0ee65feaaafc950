package server

import (
	"github.com/shrtyk/raft-sessions/protocol"
	"github.com/shrtyk/raft-sessions/transport"
)

// role is the behavior of a server in one of its states. Roles are tagged
// variants constructed on transition; every method assumes the context
// lock is held.
type role interface {
	kind() RoleKind
	open()
	close()

	onAppend(req *protocol.AppendRequest) *protocol.AppendResponse
	onVote(req *protocol.VoteRequest) *protocol.VoteResponse
	onPoll(req *protocol.PollRequest) *protocol.PollResponse
	onInstall(req *protocol.InstallRequest) *protocol.InstallResponse
	onConfigure(req *protocol.ConfigureRequest) *protocol.ConfigureResponse

	onCommand(req *protocol.CommandRequest, respond func(*protocol.CommandResponse))
	onQuery(req *protocol.QueryRequest, respond func(*protocol.QueryResponse))
	onRegister(req *protocol.RegisterRequest, respond func(*protocol.RegisterResponse))
	onKeepAlive(req *protocol.KeepAliveRequest, respond func(*protocol.KeepAliveResponse))
	onUnregister(req *protocol.UnregisterRequest, respond func(*protocol.UnregisterResponse))
	onConnect(conn transport.Connection, req *protocol.ConnectRequest) *protocol.ConnectResponse
	onReset(req *protocol.ResetRequest)
}

// inactiveRole rejects everything. It is the initial and terminal role and
// the base every other role embeds.
type inactiveRole struct {
	ctx *Context
}

func newInactiveRole(ctx *Context) *inactiveRole { return &inactiveRole{ctx: ctx} }

func (r *inactiveRole) kind() RoleKind { return RoleInactive }
func (r *inactiveRole) open()          {}
func (r *inactiveRole) close()         {}

func (r *inactiveRole) onAppend(req *protocol.AppendRequest) *protocol.AppendResponse {
	return &protocol.AppendResponse{
		Status: protocol.StatusError,
		Error:  protocol.ErrIllegalMemberState,
		Term:   r.ctx.term,
	}
}

func (r *inactiveRole) onVote(req *protocol.VoteRequest) *protocol.VoteResponse {
	return &protocol.VoteResponse{
		Status: protocol.StatusError,
		Error:  protocol.ErrIllegalMemberState,
		Term:   r.ctx.term,
	}
}

func (r *inactiveRole) onPoll(req *protocol.PollRequest) *protocol.PollResponse {
	return &protocol.PollResponse{
		Status: protocol.StatusError,
		Error:  protocol.ErrIllegalMemberState,
		Term:   r.ctx.term,
	}
}

func (r *inactiveRole) onInstall(req *protocol.InstallRequest) *protocol.InstallResponse {
	return &protocol.InstallResponse{
		Status: protocol.StatusError,
		Error:  protocol.ErrIllegalMemberState,
		Term:   r.ctx.term,
	}
}

func (r *inactiveRole) onConfigure(req *protocol.ConfigureRequest) *protocol.ConfigureResponse {
	return &protocol.ConfigureResponse{
		Status: protocol.StatusError,
		Error:  protocol.ErrIllegalMemberState,
		Term:   r.ctx.term,
	}
}

func (r *inactiveRole) onCommand(req *protocol.CommandRequest, respond func(*protocol.CommandResponse)) {
	respond(&protocol.CommandResponse{Status: protocol.StatusError, Error: protocol.ErrNoLeader})
}

func (r *inactiveRole) onQuery(req *protocol.QueryRequest, respond func(*protocol.QueryResponse)) {
	respond(&protocol.QueryResponse{Status: protocol.StatusError, Error: protocol.ErrNoLeader})
}

func (r *inactiveRole) onRegister(req *protocol.RegisterRequest, respond func(*protocol.RegisterResponse)) {
	respond(&protocol.RegisterResponse{
		Status:  protocol.StatusError,
		Error:   protocol.ErrNoLeader,
		Leader:  r.ctx.leaderAddress(),
		Members: r.ctx.cluster.addresses(),
	})
}

func (r *inactiveRole) onKeepAlive(req *protocol.KeepAliveRequest, respond func(*protocol.KeepAliveResponse)) {
	respond(&protocol.KeepAliveResponse{
		Status:  protocol.StatusError,
		Error:   protocol.ErrNoLeader,
		Leader:  r.ctx.leaderAddress(),
		Members: r.ctx.cluster.addresses(),
	})
}

func (r *inactiveRole) onUnregister(req *protocol.UnregisterRequest, respond func(*protocol.UnregisterResponse)) {
	respond(&protocol.UnregisterResponse{Status: protocol.StatusError, Error: protocol.ErrNoLeader})
}

func (r *inactiveRole) onConnect(conn transport.Connection, req *protocol.ConnectRequest) *protocol.ConnectResponse {
	return &protocol.ConnectResponse{
		Status: protocol.StatusError,
		Error:  protocol.ErrIllegalMemberState,
	}
}

func (r *inactiveRole) onReset(req *protocol.ResetRequest) {}
