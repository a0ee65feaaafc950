package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shrtyk/raft-sessions/internal/cbreaker"
	"github.com/shrtyk/raft-sessions/protocol"
	"github.com/shrtyk/raft-sessions/transport"
)

// peerConnections caches one connection per remote member address. RPCs
// run through a per-address circuit breaker so a dead member does not eat
// an RPC timeout on every heartbeat.
type peerConnections struct {
	client transport.Client

	mu       sync.Mutex
	conns    map[string]transport.Connection
	breakers map[string]*cbreaker.CircuitBreaker
}

func newPeerConnections(client transport.Client) *peerConnections {
	return &peerConnections{
		client:   client,
		conns:    make(map[string]transport.Connection),
		breakers: make(map[string]*cbreaker.CircuitBreaker),
	}
}

func (p *peerConnections) breaker(address string) *cbreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.breakers[address]
	if !ok {
		cb = cbreaker.NewCircuitBreaker(6, 2, 3*time.Second)
		p.breakers[address] = cb
	}
	return cb
}

func (p *peerConnections) get(ctx context.Context, address string) (transport.Connection, error) {
	p.mu.Lock()
	if conn, ok := p.conns[address]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.client.Connect(ctx, address)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.conns[address]; ok {
		p.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	p.conns[address] = conn
	p.mu.Unlock()

	conn.OnClose(func(c transport.Connection) {
		p.mu.Lock()
		if p.conns[address] == c {
			delete(p.conns, address)
		}
		p.mu.Unlock()
	})
	return conn, nil
}

func (p *peerConnections) close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]transport.Connection)
	p.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// sendRaft performs one RPC to a member. It must be called without the
// context lock held.
func sendRaft[Req any, Resp any](ctx context.Context, c *Context, member protocol.Member, name string, req Req) (Resp, error) {
	var zero Resp
	cb := c.peers.breaker(member.Address)
	raw, err := cbreaker.Do(ctx, cb, func(cctx context.Context) (any, error) {
		conn, cerr := c.peers.get(cctx, member.Address)
		if cerr != nil {
			return nil, cerr
		}
		return conn.SendAndReceive(cctx, name, req)
	})
	if err != nil {
		return zero, err
	}
	resp, ok := raw.(Resp)
	if !ok {
		return zero, fmt.Errorf("unexpected %s response type %T", name, raw)
	}
	return resp, nil
}

func (c *Context) sendPoll(ctx context.Context, m protocol.Member, req *protocol.PollRequest) (*protocol.PollResponse, error) {
	return sendRaft[*protocol.PollRequest, *protocol.PollResponse](ctx, c, m, protocol.NamePoll, req)
}

func (c *Context) sendVote(ctx context.Context, m protocol.Member, req *protocol.VoteRequest) (*protocol.VoteResponse, error) {
	return sendRaft[*protocol.VoteRequest, *protocol.VoteResponse](ctx, c, m, protocol.NameVote, req)
}

func (c *Context) sendAppend(ctx context.Context, m protocol.Member, req *protocol.AppendRequest) (*protocol.AppendResponse, error) {
	return sendRaft[*protocol.AppendRequest, *protocol.AppendResponse](ctx, c, m, protocol.NameAppend, req)
}

func (c *Context) sendInstall(ctx context.Context, m protocol.Member, req *protocol.InstallRequest) (*protocol.InstallResponse, error) {
	return sendRaft[*protocol.InstallRequest, *protocol.InstallResponse](ctx, c, m, protocol.NameInstall, req)
}

func (c *Context) sendConfigure(ctx context.Context, m protocol.Member, req *protocol.ConfigureRequest) (*protocol.ConfigureResponse, error) {
	return sendRaft[*protocol.ConfigureRequest, *protocol.ConfigureResponse](ctx, c, m, protocol.NameConfigure, req)
}
