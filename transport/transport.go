// Package transport defines the contracts every wire implementation of the
// cluster protocol satisfies. Both server-to-server RPCs and the client
// session protocol run over the same bidirectional Connection abstraction,
// so a single transport serves both sides.
package transport

import "context"

// HandlerFunc handles one inbound request and returns its response. A nil
// response with nil error acknowledges one-way messages.
type HandlerFunc func(ctx context.Context, req any) (any, error)

// Connection is a bidirectional message channel to one remote endpoint.
// Requests are routed by message name on both directions.
type Connection interface {
	// SendAndReceive sends a named request and blocks for its response.
	SendAndReceive(ctx context.Context, name string, req any) (any, error)

	// Send sends a named message without waiting for a response.
	Send(name string, req any) error

	// Handle registers the handler for inbound messages with the given
	// name, replacing any previous handler.
	Handle(name string, h HandlerFunc)

	// OnClose registers a callback invoked once when the connection dies.
	OnClose(f func(Connection))

	Close() error
}

// Client dials servers.
type Client interface {
	Connect(ctx context.Context, address string) (Connection, error)
	Close() error
}

// Server accepts inbound connections and hands each to the acceptor. The
// gRPC transport calls it on the connection's stream goroutine; the local
// transport calls it synchronously inside the dialer's Connect.
type Server interface {
	Listen(address string, acceptor func(Connection)) error
	Close() error
}
