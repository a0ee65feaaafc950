// Package transport is the default gRPC wire implementation. Every
// connection is one bidirectional stream of JSON frames; requests and
// responses are correlated by id, which lets the server push publishes to
// clients over the same channel the client submits on.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/shrtyk/raft-sessions/transport"
)

const fullMethod = "/raftsessions.Channel/Relay"

// channelServiceDesc is the hand-written service descriptor; there is no
// generated code because the codec is JSON.
var channelServiceDesc = grpc.ServiceDesc{
	ServiceName: "raftsessions.Channel",
	HandlerType: (*channelServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Relay",
			Handler:       relayHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "raftsessions/channel",
}

type channelServer interface {
	relay(grpc.ServerStream) error
}

func relayHandler(srv any, stream grpc.ServerStream) error {
	return srv.(channelServer).relay(stream)
}

// stream is the subset of grpc.ClientStream/ServerStream a connection
// needs.
type stream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Conn implements transport.Connection over one gRPC stream.
type Conn struct {
	stream stream

	sendMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	waiters  map[uint64]chan *frame
	handlers map[string]transport.HandlerFunc
	onClose  []func(transport.Connection)
	closed   bool

	cancel context.CancelFunc
}

var _ transport.Connection = (*Conn)(nil)

func newConn(s stream, cancel context.CancelFunc) *Conn {
	return &Conn{
		stream:   s,
		cancel:   cancel,
		waiters:  make(map[uint64]chan *frame),
		handlers: make(map[string]transport.HandlerFunc),
	}
}

// readLoop demultiplexes inbound frames until the stream dies.
func (c *Conn) readLoop() {
	for {
		f := &frame{}
		if err := c.stream.RecvMsg(f); err != nil {
			c.shutdown()
			return
		}

		if f.Resp {
			c.mu.Lock()
			waiter := c.waiters[f.ID]
			delete(c.waiters, f.ID)
			c.mu.Unlock()
			if waiter != nil {
				waiter <- f
			}
			continue
		}

		c.mu.Lock()
		h := c.handlers[f.Name]
		c.mu.Unlock()

		go c.dispatch(f, h)
	}
}

func (c *Conn) dispatch(f *frame, h transport.HandlerFunc) {
	reply := &frame{ID: f.ID, Name: f.Name, Resp: true}

	if h == nil {
		reply.Err = fmt.Sprintf("no handler for %q", f.Name)
	} else {
		msg, err := decodeBody(f)
		if err != nil {
			reply.Err = err.Error()
		} else if resp, herr := h(context.Background(), msg); herr != nil {
			reply.Err = herr.Error()
		} else if resp != nil {
			body, merr := json.Marshal(resp)
			if merr != nil {
				reply.Err = merr.Error()
			} else {
				reply.Body = body
			}
		}
	}

	// One-way messages carry id 0 and expect no reply.
	if f.ID == 0 {
		return
	}
	c.write(reply)
}

func (c *Conn) write(f *frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(f)
}

func (c *Conn) SendAndReceive(ctx context.Context, name string, req any) (any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to encode %q: %w", name, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	c.nextID++
	id := c.nextID
	waiter := make(chan *frame, 1)
	c.waiters[id] = waiter
	c.mu.Unlock()

	if err := c.write(&frame{ID: id, Name: name, Body: body}); err != nil {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("transport: send failed: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case f := <-waiter:
		if f == nil {
			return nil, errClosed
		}
		if f.Err != "" {
			return nil, errors.New(f.Err)
		}
		return decodeBody(f)
	}
}

func (c *Conn) Send(name string, req any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: failed to encode %q: %w", name, err)
	}
	return c.write(&frame{ID: 0, Name: name, Body: body})
}

func (c *Conn) Handle(name string, h transport.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
}

func (c *Conn) OnClose(f func(transport.Connection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, f)
}

func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	waiters := c.waiters
	c.waiters = map[uint64]chan *frame{}
	callbacks := c.onClose
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	for _, w := range waiters {
		close(w)
	}
	for _, f := range callbacks {
		f(c)
	}
}

var errClosed = errors.New("transport: connection closed")

// Client dials gRPC servers.
type Client struct {
	mu    sync.Mutex
	conns []*grpc.ClientConn
}

var _ transport.Client = (*Client)(nil)

func NewClient() *Client {
	return &Client{}
}

func (cl *Client) Connect(ctx context.Context, address string) (transport.Connection, error) {
	cc, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to create client for %s: %w", address, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	st, err := cc.NewStream(sctx, &channelServiceDesc.Streams[0], fullMethod)
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("transport: failed to open stream to %s: %w", address, err)
	}

	cl.mu.Lock()
	cl.conns = append(cl.conns, cc)
	cl.mu.Unlock()

	conn := newConn(st, cancel)
	conn.OnClose(func(transport.Connection) { cc.Close() })
	go conn.readLoop()
	return conn, nil
}

func (cl *Client) Close() error {
	cl.mu.Lock()
	conns := cl.conns
	cl.conns = nil
	cl.mu.Unlock()

	var err error
	for _, cc := range conns {
		if cerr := cc.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// Server accepts stream connections and hands them to the acceptor.
type Server struct {
	grpcServer *grpc.Server
	acceptor   func(transport.Connection)
	listener   net.Listener

	wg sync.WaitGroup
}

var _ transport.Server = (*Server)(nil)

func NewServer() *Server {
	return &Server{}
}

func (s *Server) Listen(address string, acceptor func(transport.Connection)) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("transport: failed to listen on %s: %w", address, err)
	}

	s.acceptor = acceptor
	s.listener = l
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&channelServiceDesc, s)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if serr := s.grpcServer.Serve(l); serr != nil && !errors.Is(serr, grpc.ErrServerStopped) {
			_ = serr
		}
	}()
	return nil
}

// relay implements channelServer; it blocks for the lifetime of one
// client's stream.
func (s *Server) relay(st grpc.ServerStream) error {
	conn := newConn(st, nil)
	done := make(chan struct{})
	conn.OnClose(func(transport.Connection) { close(done) })

	s.acceptor(conn)
	go conn.readLoop()

	select {
	case <-st.Context().Done():
		conn.shutdown()
	case <-done:
	}
	return nil
}

// Addr returns the bound listen address, useful with ":0" binds.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	s.wg.Wait()
	return nil
}
