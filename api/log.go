package api

import "github.com/shrtyk/raft-sessions/protocol"

// Log is the append-only ordered sequence of entries a server replicates.
// Entries between FirstIndex and LastIndex are always present.
type Log interface {
	// Append assigns the next index to the entry and stores it, returning
	// the assigned index.
	Append(entry protocol.LogEntry) (int64, error)

	// Get returns the entry at the given index. ErrCompacted is returned
	// below FirstIndex, ErrOutOfBounds above LastIndex.
	Get(index int64) (protocol.LogEntry, error)

	// Term returns the term of the entry at index, or the snapshot term at
	// the compaction boundary.
	Term(index int64) (int64, error)

	FirstIndex() int64
	LastIndex() int64

	// Truncate discards all entries strictly after index.
	Truncate(index int64) error

	// Compact discards all entries at or below index, recording the term at
	// the boundary so consistency checks keep working across the gap.
	Compact(index int64, term int64) error

	Close() error
}

// Metadata is the durable per-server Raft state outside the log.
type Metadata struct {
	Term     int64 `json:"term"`
	VotedFor int64 `json:"votedFor"`
}

// MetaStore persists term/vote metadata and the most recent snapshot.
// Implementations must make SaveSnapshot atomic: after a crash either the
// previous or the new snapshot is fully visible.
type MetaStore interface {
	Metadata() (Metadata, error)
	SaveMetadata(meta Metadata) error

	Snapshot() (*protocol.Snapshot, error)
	SaveSnapshot(snapshot *protocol.Snapshot) error

	Close() error
}
