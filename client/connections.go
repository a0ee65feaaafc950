package client

import (
	"context"
	"sync"

	"github.com/shrtyk/raft-sessions/transport"
)

// connectionManager caches one connection per server address.
type connectionManager struct {
	client transport.Client

	mu    sync.Mutex
	conns map[string]transport.Connection
}

func newConnectionManager(client transport.Client) *connectionManager {
	return &connectionManager{
		client: client,
		conns:  make(map[string]transport.Connection),
	}
}

// getConnection returns the cached connection for the address, dialing if
// necessary. Closed connections evict themselves.
func (m *connectionManager) getConnection(ctx context.Context, address string) (transport.Connection, error) {
	m.mu.Lock()
	if conn, ok := m.conns[address]; ok {
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	conn, err := m.client.Connect(ctx, address)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.conns[address]; ok {
		m.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	m.conns[address] = conn
	m.mu.Unlock()

	conn.OnClose(func(c transport.Connection) {
		m.mu.Lock()
		if m.conns[address] == c {
			delete(m.conns, address)
		}
		m.mu.Unlock()
	})
	return conn, nil
}

func (m *connectionManager) close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]transport.Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return nil
}
