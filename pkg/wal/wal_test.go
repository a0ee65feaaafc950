package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	_, log := logger.NewTestLogger()
	s, err := Open(dir, log)
	require.NoError(t, err)
	return s
}

func TestOpenEmpty(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	defer s.Close()

	assert.Equal(t, int64(1), s.FirstIndex())
	assert.Equal(t, int64(0), s.LastIndex())

	meta, err := s.Metadata()
	require.NoError(t, err)
	assert.Equal(t, api.Metadata{}, meta)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestAppendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	for i := 1; i <= 3; i++ {
		idx, err := s.Append(protocol.LogEntry{
			Term:    1,
			Kind:    protocol.EntryCommand,
			Payload: []byte{byte(i)},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), idx)
	}
	require.NoError(t, s.SaveMetadata(api.Metadata{Term: 7, VotedFor: 2}))
	require.NoError(t, s.Close())

	s2 := openStore(t, dir)
	defer s2.Close()

	assert.Equal(t, int64(3), s2.LastIndex())
	entry, err := s2.Get(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, entry.Payload)

	meta, err := s2.Metadata()
	require.NoError(t, err)
	assert.Equal(t, int64(7), meta.Term)
	assert.Equal(t, int64(2), meta.VotedFor)
}

func TestTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	_, err := s.Append(protocol.LogEntry{Term: 1, Payload: []byte("one")})
	require.NoError(t, err)
	_, err = s.Append(protocol.LogEntry{Term: 1, Payload: []byte("two")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Chop a few bytes off the last record, as a crash mid-write would.
	walPath := filepath.Join(dir, walFileName)
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(walPath, info.Size()-3))

	s2 := openStore(t, dir)
	defer s2.Close()

	assert.Equal(t, int64(1), s2.LastIndex())
	entry, err := s2.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), entry.Payload)

	// The log accepts fresh appends after recovery.
	idx, err := s2.Append(protocol.LogEntry{Term: 2, Payload: []byte("two2")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), idx)
}

func TestCorruptTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	_, err := s.Append(protocol.LogEntry{Term: 1, Payload: []byte("one")})
	require.NoError(t, err)
	_, err = s.Append(protocol.LogEntry{Term: 1, Payload: []byte("two")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Flip a byte in the last record's payload to break its checksum.
	walPath := filepath.Join(dir, walFileName)
	data, err := os.ReadFile(walPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(walPath, data, 0644))

	s2 := openStore(t, dir)
	defer s2.Close()
	assert.Equal(t, int64(1), s2.LastIndex())
}

func TestTruncateAndCompact(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	for i := 1; i <= 5; i++ {
		_, err := s.Append(protocol.LogEntry{Term: 1, Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}

	require.NoError(t, s.Truncate(4))
	assert.Equal(t, int64(4), s.LastIndex())

	require.NoError(t, s.Compact(2, 1))
	assert.Equal(t, int64(3), s.FirstIndex())

	term, err := s.Term(2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), term)

	_, err = s.Get(2)
	assert.ErrorIs(t, err, api.ErrCompacted)
	require.NoError(t, s.Close())

	// Both survive reopen.
	s2 := openStore(t, dir)
	defer s2.Close()
	assert.Equal(t, int64(3), s2.FirstIndex())
	assert.Equal(t, int64(4), s2.LastIndex())
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	require.NoError(t, s.SaveSnapshot(&protocol.Snapshot{
		Index: 10,
		Term:  2,
		Data:  []byte("state"),
	}))
	require.NoError(t, s.Close())

	s2 := openStore(t, dir)
	defer s2.Close()

	snap, err := s2.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(10), snap.Index)
	assert.Equal(t, int64(2), snap.Term)
	assert.Equal(t, []byte("state"), snap.Data)
}
