// Package memlog is the in-memory api.Log implementation. It backs tests
// and servers that delegate durability to snapshots alone.
package memlog

import (
	"sync"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/protocol"
)

type Log struct {
	mu sync.RWMutex

	// compactIndex/compactTerm identify the entry the snapshot boundary
	// replaced; entries[0] holds compactIndex+1.
	compactIndex int64
	compactTerm  int64
	entries      []protocol.LogEntry
}

var _ api.Log = (*Log)(nil)

func New() *Log {
	return &Log{}
}

// NewAt returns a log whose first appended entry gets index index+1, as
// after installing a snapshot at (index, term).
func NewAt(index, term int64) *Log {
	return &Log{compactIndex: index, compactTerm: term}
}

func (l *Log) Append(entry protocol.LogEntry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Index = l.compactIndex + int64(len(l.entries)) + 1
	l.entries = append(l.entries, entry)
	return entry.Index, nil
}

func (l *Log) Get(index int64) (protocol.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index <= l.compactIndex {
		return protocol.LogEntry{}, api.ErrCompacted
	}
	slot := index - l.compactIndex - 1
	if slot >= int64(len(l.entries)) {
		return protocol.LogEntry{}, api.ErrOutOfBounds
	}
	return l.entries[slot], nil
}

func (l *Log) Term(index int64) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index == l.compactIndex {
		return l.compactTerm, nil
	}
	if index < l.compactIndex {
		return 0, api.ErrCompacted
	}
	slot := index - l.compactIndex - 1
	if slot >= int64(len(l.entries)) {
		return 0, api.ErrOutOfBounds
	}
	return l.entries[slot].Term, nil
}

func (l *Log) FirstIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.compactIndex + 1
}

func (l *Log) LastIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.compactIndex + int64(len(l.entries))
}

func (l *Log) Truncate(index int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < l.compactIndex {
		return api.ErrCompacted
	}
	keep := index - l.compactIndex
	if keep < int64(len(l.entries)) {
		l.entries = l.entries[:keep:keep]
	}
	return nil
}

func (l *Log) Compact(index, term int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index <= l.compactIndex {
		return nil
	}
	drop := index - l.compactIndex
	if drop < int64(len(l.entries)) {
		l.entries = append([]protocol.LogEntry(nil), l.entries[drop:]...)
	} else {
		l.entries = nil
	}
	l.compactIndex = index
	l.compactTerm = term
	return nil
}

func (l *Log) Close() error { return nil }
