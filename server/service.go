package server

import (
	"context"
	"fmt"

	"github.com/shrtyk/raft-sessions/protocol"
	"github.com/shrtyk/raft-sessions/transport"
)

// acceptConnection wires the protocol handlers of an inbound connection to
// the current role. Handlers dispatch under the context lock; operations
// that wait for commit respond through a buffered channel completed by the
// executor.
func (c *Context) acceptConnection(conn transport.Connection) {
	conn.Handle(protocol.NameAppend, func(_ context.Context, req any) (any, error) {
		r, ok := req.(*protocol.AppendRequest)
		if !ok {
			return nil, badRequest(protocol.NameAppend, req)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.role.onAppend(r), nil
	})

	conn.Handle(protocol.NameVote, func(_ context.Context, req any) (any, error) {
		r, ok := req.(*protocol.VoteRequest)
		if !ok {
			return nil, badRequest(protocol.NameVote, req)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.role.onVote(r), nil
	})

	conn.Handle(protocol.NamePoll, func(_ context.Context, req any) (any, error) {
		r, ok := req.(*protocol.PollRequest)
		if !ok {
			return nil, badRequest(protocol.NamePoll, req)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.role.onPoll(r), nil
	})

	conn.Handle(protocol.NameInstall, func(_ context.Context, req any) (any, error) {
		r, ok := req.(*protocol.InstallRequest)
		if !ok {
			return nil, badRequest(protocol.NameInstall, req)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.role.onInstall(r), nil
	})

	conn.Handle(protocol.NameConfigure, func(_ context.Context, req any) (any, error) {
		r, ok := req.(*protocol.ConfigureRequest)
		if !ok {
			return nil, badRequest(protocol.NameConfigure, req)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.role.onConfigure(r), nil
	})

	conn.Handle(protocol.NameCommand, func(ctx context.Context, req any) (any, error) {
		r, ok := req.(*protocol.CommandRequest)
		if !ok {
			return nil, badRequest(protocol.NameCommand, req)
		}
		ch := make(chan *protocol.CommandResponse, 1)
		c.mu.Lock()
		c.role.onCommand(r, func(resp *protocol.CommandResponse) { ch <- resp })
		c.mu.Unlock()
		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.srvCtx.Done():
			return nil, c.srvCtx.Err()
		}
	})

	conn.Handle(protocol.NameQuery, func(ctx context.Context, req any) (any, error) {
		r, ok := req.(*protocol.QueryRequest)
		if !ok {
			return nil, badRequest(protocol.NameQuery, req)
		}
		ch := make(chan *protocol.QueryResponse, 1)
		c.mu.Lock()
		c.role.onQuery(r, func(resp *protocol.QueryResponse) { ch <- resp })
		c.mu.Unlock()
		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.srvCtx.Done():
			return nil, c.srvCtx.Err()
		}
	})

	conn.Handle(protocol.NameRegister, func(ctx context.Context, req any) (any, error) {
		r, ok := req.(*protocol.RegisterRequest)
		if !ok {
			return nil, badRequest(protocol.NameRegister, req)
		}
		ch := make(chan *protocol.RegisterResponse, 1)
		c.mu.Lock()
		c.role.onRegister(r, func(resp *protocol.RegisterResponse) { ch <- resp })
		c.mu.Unlock()
		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.srvCtx.Done():
			return nil, c.srvCtx.Err()
		}
	})

	conn.Handle(protocol.NameKeepAlive, func(ctx context.Context, req any) (any, error) {
		r, ok := req.(*protocol.KeepAliveRequest)
		if !ok {
			return nil, badRequest(protocol.NameKeepAlive, req)
		}
		ch := make(chan *protocol.KeepAliveResponse, 1)
		c.mu.Lock()
		c.role.onKeepAlive(r, func(resp *protocol.KeepAliveResponse) { ch <- resp })
		c.mu.Unlock()
		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.srvCtx.Done():
			return nil, c.srvCtx.Err()
		}
	})

	conn.Handle(protocol.NameUnregister, func(ctx context.Context, req any) (any, error) {
		r, ok := req.(*protocol.UnregisterRequest)
		if !ok {
			return nil, badRequest(protocol.NameUnregister, req)
		}
		ch := make(chan *protocol.UnregisterResponse, 1)
		c.mu.Lock()
		c.role.onUnregister(r, func(resp *protocol.UnregisterResponse) { ch <- resp })
		c.mu.Unlock()
		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.srvCtx.Done():
			return nil, c.srvCtx.Err()
		}
	})

	conn.Handle(protocol.NameConnect, func(_ context.Context, req any) (any, error) {
		r, ok := req.(*protocol.ConnectRequest)
		if !ok {
			return nil, badRequest(protocol.NameConnect, req)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.role.onConnect(conn, r), nil
	})

	conn.Handle(protocol.NameReset, func(_ context.Context, req any) (any, error) {
		r, ok := req.(*protocol.ResetRequest)
		if !ok {
			return nil, badRequest(protocol.NameReset, req)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.role.onReset(r)
		return nil, nil
	})
}

func badRequest(name string, req any) error {
	return fmt.Errorf("unexpected %s request type %T", name, req)
}
