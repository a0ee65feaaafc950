package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
	"github.com/shrtyk/raft-sessions/transport"
)

// clientConnection seeks out a live leader and keeps requests flowing to
// it. Concurrent requests piggyback on a single in-flight connect; on
// transient failures the connection is dropped and the selector walks the
// remaining members.
type clientConnection struct {
	state    *sessionState
	manager  *connectionManager
	selector *addressSelector
	logger   *slog.Logger

	mu          sync.Mutex
	conn        transport.Connection
	connectDone chan struct{}
	handlers    map[string]transport.HandlerFunc
	open        bool
}

func newClientConnection(state *sessionState, manager *connectionManager, selector *addressSelector, log *slog.Logger) *clientConnection {
	return &clientConnection{
		state:    state,
		manager:  manager,
		selector: selector,
		logger:   log,
		handlers: make(map[string]transport.HandlerFunc),
		open:     true,
	}
}

// handle registers a handler applied to every connection this client
// establishes, present and future.
func (c *clientConnection) handle(name string, h transport.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
	if c.conn != nil {
		c.conn.Handle(name, h)
	}
}

// leader returns the current leader hint.
func (c *clientConnection) leader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selector.currentLeader()
}

// reset updates the leader hint and membership for the next connect.
func (c *clientConnection) reset(leader string, members []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selector.resetTo(leader, members)
}

// okPath reports whether a cluster error kind is treated as a response
// rather than a reason to reconnect; the layers above decide what to do
// with those.
func okPath(kind protocol.ErrorKind) bool {
	switch kind {
	case protocol.ErrCommand,
		protocol.ErrQuery,
		protocol.ErrApplication,
		protocol.ErrUnknownClient,
		protocol.ErrUnknownSession,
		protocol.ErrUnknownStateMachine,
		protocol.ErrInternal:
		return true
	}
	return false
}

// sendAndReceive routes one request to the cluster, reconnecting past
// transient failures. It returns the response, or an error once the
// cluster has been walked without success.
func (c *clientConnection) sendAndReceive(ctx context.Context, name string, req any) (any, error) {
	// Every member gets a fair chance per pass; two passes bound the walk
	// so the submitter's backoff can take over.
	c.mu.Lock()
	maxAttempts := 2 * (len(c.selector.members()) + 1)
	c.mu.Unlock()
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := c.connect(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := conn.SendAndReceive(ctx, name, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Debug("request failed, resetting connection", "type", name, logger.ErrAttr(err))
			c.clearConnection(conn)
			lastErr = err
			continue
		}

		kind := responseErrorKind(resp)
		if kind == protocol.ErrNone || okPath(kind) {
			return resp, nil
		}

		// NO_LEADER, ILLEGAL_MEMBER_STATE and anything unexpected: try
		// the next member, steering by the leader hint when one came back.
		c.logger.Debug("cluster rejected request, reconnecting", "type", name, "error", kind.String())
		if leader, members, ok := leaderHint(resp); ok {
			c.reset(leader, members)
		}
		c.clearConnection(conn)
		lastErr = protocol.NewError(kind, "rejected by cluster")
	}
	if lastErr == nil {
		lastErr = api.ErrConnectExhausted
	}
	return nil, lastErr
}

// send transmits a one-way message over the current connection, if any.
func (c *clientConnection) send(name string, req any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return api.ErrConnectExhausted
	}
	return conn.Send(name, req)
}

// connect returns the established connection, joins an in-flight attempt,
// or starts a new iteration over the cluster.
func (c *clientConnection) connect(ctx context.Context) (transport.Connection, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil, api.ErrSessionClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	if c.connectDone != nil {
		done := c.connectDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return nil, api.ErrConnectExhausted
		}
		return conn, nil
	}

	done := make(chan struct{})
	c.connectDone = done
	// Keep walking the current pass; only an exhausted selector starts a
	// fresh one. Leader hints reset it eagerly elsewhere.
	if !c.selector.hasNext() {
		c.selector.reset()
	}
	c.mu.Unlock()

	conn := c.iterate(ctx)

	c.mu.Lock()
	c.conn = conn
	c.connectDone = nil
	close(done)
	c.mu.Unlock()

	if conn == nil {
		return nil, api.ErrConnectExhausted
	}
	return conn, nil
}

// iterate walks the selector until a member accepts us.
func (c *clientConnection) iterate(ctx context.Context) transport.Connection {
	for {
		c.mu.Lock()
		if !c.open || !c.selector.hasNext() {
			c.mu.Unlock()
			c.logger.Debug("failed to connect to the cluster")
			return nil
		}
		address := c.selector.next()
		c.mu.Unlock()

		c.logger.Debug("connecting to member", "address", address)
		conn, err := c.manager.getConnection(ctx, address)
		if err != nil {
			c.logger.Debug("failed to connect to member", "address", address, logger.ErrAttr(err))
			continue
		}
		if c.setup(ctx, conn) {
			return conn
		}
	}
}

// setup registers handlers and, when a session exists, binds it to the
// server so publishes reach us.
func (c *clientConnection) setup(ctx context.Context, conn transport.Connection) bool {
	c.mu.Lock()
	for name, h := range c.handlers {
		conn.Handle(name, h)
	}
	sessionID := c.state.sessionID
	clientID := c.state.clientID
	connection := c.state.nextConnection()
	c.mu.Unlock()

	conn.OnClose(func(closed transport.Connection) {
		c.clearConnection(closed)
	})

	if sessionID == 0 {
		return true
	}

	req := &protocol.ConnectRequest{
		Client:     clientID,
		Session:    sessionID,
		Connection: connection,
	}
	raw, err := conn.SendAndReceive(ctx, protocol.NameConnect, req)
	if err != nil {
		c.logger.Debug("connect request failed", logger.ErrAttr(err))
		return false
	}
	resp, ok := raw.(*protocol.ConnectResponse)
	if !ok || resp.Status != protocol.StatusOK {
		return false
	}

	c.mu.Lock()
	c.selector.resetTo(resp.Leader, resp.Members)
	c.mu.Unlock()
	return true
}

// clearConnection drops the active connection if it is still the given
// one, forcing the next request to reconnect.
func (c *clientConnection) clearConnection(conn transport.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

func (c *clientConnection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.conn = nil
	return nil
}

// leaderHint extracts the leader and membership a response may carry.
func leaderHint(resp any) (string, []string, bool) {
	switch r := resp.(type) {
	case *protocol.RegisterResponse:
		if r.Leader != "" {
			return r.Leader, r.Members, true
		}
	case *protocol.KeepAliveResponse:
		if r.Leader != "" {
			return r.Leader, r.Members, true
		}
	case *protocol.ConnectResponse:
		if r.Leader != "" {
			return r.Leader, r.Members, true
		}
	}
	return "", nil, false
}

// responseErrorKind extracts the error kind from any protocol response.
func responseErrorKind(resp any) protocol.ErrorKind {
	switch r := resp.(type) {
	case *protocol.CommandResponse:
		if r.Status != protocol.StatusOK {
			return r.Error
		}
	case *protocol.QueryResponse:
		if r.Status != protocol.StatusOK {
			return r.Error
		}
	case *protocol.RegisterResponse:
		if r.Status != protocol.StatusOK {
			return r.Error
		}
	case *protocol.KeepAliveResponse:
		if r.Status != protocol.StatusOK {
			return r.Error
		}
	case *protocol.UnregisterResponse:
		if r.Status != protocol.StatusOK {
			return r.Error
		}
	case *protocol.ConnectResponse:
		if r.Status != protocol.StatusOK {
			return r.Error
		}
	}
	return protocol.ErrNone
}
