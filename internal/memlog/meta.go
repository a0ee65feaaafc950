package memlog

import (
	"sync"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/protocol"
)

// Meta is the in-memory api.MetaStore counterpart to Log. State does not
// survive a restart; tests capture and reinject it explicitly.
type Meta struct {
	mu       sync.Mutex
	meta     api.Metadata
	snapshot *protocol.Snapshot
}

var _ api.MetaStore = (*Meta)(nil)

func NewMeta() *Meta {
	return &Meta{}
}

func (m *Meta) Metadata() (api.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta, nil
}

func (m *Meta) SaveMetadata(meta api.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = meta
	return nil
}

func (m *Meta) Snapshot() (*protocol.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, nil
}

func (m *Meta) SaveSnapshot(snapshot *protocol.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snapshot
	return nil
}

func (m *Meta) Close() error { return nil }
