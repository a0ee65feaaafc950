// Package local is an in-process transport used by tests and examples. A
// Network routes connections between addresses registered on it and can
// partition members to simulate failures.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/shrtyk/raft-sessions/transport"
)

// Network is the in-process fabric connections travel over.
type Network struct {
	mu        sync.Mutex
	listeners map[string]func(transport.Connection)
	// cut[a][b] true means messages from a to b are dropped.
	cut map[string]map[string]bool
}

func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]func(transport.Connection)),
		cut:       make(map[string]map[string]bool),
	}
}

// Partition cuts traffic in both directions between the two addresses.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cutLocked(a, b, true)
	n.cutLocked(b, a, true)
}

// Heal restores traffic in both directions between the two addresses.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cutLocked(a, b, false)
	n.cutLocked(b, a, false)
}

// Isolate cuts the address off from every other registered address.
func (n *Network) Isolate(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.listeners {
		if other != addr {
			n.cutLocked(addr, other, true)
			n.cutLocked(other, addr, true)
		}
	}
}

// Rejoin undoes Isolate.
func (n *Network) Rejoin(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.listeners {
		n.cutLocked(addr, other, false)
		n.cutLocked(other, addr, false)
	}
}

func (n *Network) cutLocked(from, to string, v bool) {
	m := n.cut[from]
	if m == nil {
		m = make(map[string]bool)
		n.cut[from] = m
	}
	m[to] = v
}

func (n *Network) dropped(from, to string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cut[from][to]
}

// Client dials through the network. LocalAddr identifies the dialing side
// for partition checks; clients typically use a unique name.
type Client struct {
	network   *Network
	localAddr string

	mu    sync.Mutex
	conns []*conn
}

func (n *Network) NewClient(localAddr string) *Client {
	return &Client{network: n, localAddr: localAddr}
}

func (c *Client) Connect(ctx context.Context, address string) (transport.Connection, error) {
	c.network.mu.Lock()
	acceptor := c.network.listeners[address]
	c.network.mu.Unlock()

	if acceptor == nil {
		return nil, fmt.Errorf("local: connection refused: %s", address)
	}
	if c.network.dropped(c.localAddr, address) {
		return nil, fmt.Errorf("local: no route to %s", address)
	}

	near, far := newPair(c.network, c.localAddr, address)
	c.mu.Lock()
	c.conns = append(c.conns, near)
	c.mu.Unlock()

	// Acceptors only wire up handlers; running them synchronously means
	// the connection is usable as soon as Connect returns.
	acceptor(far)
	return near, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()
	for _, cn := range conns {
		cn.Close()
	}
	return nil
}

// Server registers an acceptor on the network.
type Server struct {
	network *Network
	addr    string
}

func (n *Network) NewServer() *Server {
	return &Server{network: n}
}

func (s *Server) Listen(address string, acceptor func(transport.Connection)) error {
	s.network.mu.Lock()
	defer s.network.mu.Unlock()
	if _, ok := s.network.listeners[address]; ok {
		return fmt.Errorf("local: address already in use: %s", address)
	}
	s.network.listeners[address] = acceptor
	s.addr = address
	return nil
}

func (s *Server) Close() error {
	s.network.mu.Lock()
	defer s.network.mu.Unlock()
	delete(s.network.listeners, s.addr)
	return nil
}

// conn is one side of an in-process connection pair.
type conn struct {
	network *Network
	local   string
	remote  string

	mu       sync.Mutex
	peer     *conn
	handlers map[string]transport.HandlerFunc
	onClose  []func(transport.Connection)
	closed   bool
}

func newPair(n *Network, clientAddr, serverAddr string) (*conn, *conn) {
	near := &conn{network: n, local: clientAddr, remote: serverAddr, handlers: map[string]transport.HandlerFunc{}}
	far := &conn{network: n, local: serverAddr, remote: clientAddr, handlers: map[string]transport.HandlerFunc{}}
	near.peer = far
	far.peer = near
	return near, far
}

func (c *conn) SendAndReceive(ctx context.Context, name string, req any) (any, error) {
	peer, err := c.route(name)
	if err != nil {
		return nil, err
	}

	type result struct {
		resp any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		peer.mu.Lock()
		h := peer.handlers[name]
		peer.mu.Unlock()
		if h == nil {
			done <- result{nil, fmt.Errorf("local: no handler for %q at %s", name, peer.local)}
			return
		}
		resp, herr := h(ctx, req)
		done <- result{resp, herr}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		// The response travels the reverse path.
		if c.network.dropped(c.remote, c.local) {
			return nil, fmt.Errorf("local: no route from %s", c.remote)
		}
		return r.resp, r.err
	}
}

func (c *conn) Send(name string, req any) error {
	peer, err := c.route(name)
	if err != nil {
		return err
	}
	go func() {
		peer.mu.Lock()
		h := peer.handlers[name]
		peer.mu.Unlock()
		if h != nil {
			h(context.Background(), req)
		}
	}()
	return nil
}

func (c *conn) route(name string) (*conn, error) {
	c.mu.Lock()
	closed, peer := c.closed, c.peer
	c.mu.Unlock()
	if closed || peer == nil {
		return nil, fmt.Errorf("local: connection closed")
	}
	if c.network.dropped(c.local, c.remote) {
		return nil, fmt.Errorf("local: no route to %s", c.remote)
	}
	return peer, nil
}

func (c *conn) Handle(name string, h transport.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
}

func (c *conn) OnClose(f func(transport.Connection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, f)
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peer := c.peer
	callbacks := c.onClose
	c.mu.Unlock()

	for _, f := range callbacks {
		f(c)
	}
	if peer != nil {
		peer.closeFromPeer()
	}
	return nil
}

func (c *conn) closeFromPeer() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	callbacks := c.onClose
	c.mu.Unlock()
	for _, f := range callbacks {
		f(c)
	}
}
