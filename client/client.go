// Package client implements the cluster client: session registration and
// keep-alive, the leader-seeking connection, the request sequencer that
// linearizes responses with server-pushed events, and the retrying
// submitter.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/internal/retry"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
	"github.com/shrtyk/raft-sessions/transport"
)

// Client connects to a cluster and opens sessions on it. A single client
// identity can hold several concurrent sessions.
type Client struct {
	cfg       *api.ClientConfig
	id        string
	transport transport.Client
	manager   *connectionManager
	logger    *slog.Logger
	clock     clockwork.Clock
}

type clientOption func(*Client)

// WithLogger overrides the client's logger.
func WithLogger(l *slog.Logger) clientOption {
	return func(c *Client) { c.logger = l }
}

// WithClock substitutes the clock driving keep-alive timing, for tests.
func WithClock(clock clockwork.Clock) clientOption {
	return func(c *Client) { c.clock = clock }
}

// NewClient creates a client over the given transport. Each client gets a
// fresh identity the cluster uses to tell sessions apart.
func NewClient(cfg *api.ClientConfig, t transport.Client, opts ...clientOption) *Client {
	if cfg == nil {
		cfg = api.DefaultClientConfig()
	}
	c := &Client{
		cfg:       cfg,
		id:        uuid.NewString(),
		transport: t,
		manager:   newConnectionManager(t),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.NewLogger(cfg.Log.Env, false).With(slog.String("client", c.id))
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	return c
}

// ID returns the client identity.
func (c *Client) ID() string { return c.id }

// NewSession registers a session with the cluster and starts its
// keep-alive. Registration is tried up to five times with Fibonacci
// backoff between attempts, and stops early if the context expires.
func (c *Client) NewSession(ctx context.Context) (*Session, error) {
	state := &sessionState{
		clientID: c.id,
		timeout:  c.cfg.SessionTimeout,
	}
	selector := newAddressSelector(c.cfg.Servers)
	conn := newClientConnection(state, c.manager, selector, c.logger)

	session := &Session{
		client:    c,
		state:     state,
		conn:      conn,
		sequencer: newSequencer(),
		logger:    c.logger,
		clock:     c.clock,
		listeners: make(map[string]map[int64]func([]byte)),
	}
	session.submitter = newSubmitter(session)
	conn.handle(protocol.NamePublish, session.handlePublish)

	req := &protocol.RegisterRequest{
		Client:  c.id,
		Timeout: c.cfg.SessionTimeout.Milliseconds(),
	}

	var resp *protocol.RegisterResponse
	err := retry.Do(ctx, func(rctx context.Context) error {
		raw, serr := conn.sendAndReceive(rctx, protocol.NameRegister, req)
		if serr != nil {
			return serr
		}
		r, ok := raw.(*protocol.RegisterResponse)
		if !ok {
			return protocol.NewError(protocol.ErrInternal, "unexpected response type %T", raw)
		}
		if r.Status != protocol.StatusOK {
			return protocol.NewError(r.Error, "registration rejected")
		}
		resp = r
		return nil
	},
		retry.WithMaxAttempts(len(fibonacci)),
		retry.WithDelayFunc(retry.Fibonacci(time.Second)),
	)
	if err != nil {
		conn.close()
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	session.mu.Lock()
	state.sessionID = resp.Session
	if resp.Timeout > 0 {
		state.timeout = time.Duration(resp.Timeout) * time.Millisecond
	}
	session.keepAliveStop = make(chan struct{})
	session.mu.Unlock()

	conn.reset(resp.Leader, resp.Members)
	// Force a reconnect so the next request binds the new session to its
	// server with a ConnectRequest.
	conn.mu.Lock()
	if conn.conn != nil {
		conn.conn = nil
	}
	conn.mu.Unlock()

	go session.keepAliveLoop(session.keepAliveStop)

	c.logger.Info("session registered", "session", resp.Session)
	return session, nil
}

// Close releases every cached connection. Open sessions must be closed
// first.
func (c *Client) Close() error {
	if err := c.manager.close(); err != nil {
		return err
	}
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}
