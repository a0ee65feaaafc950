package memlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/protocol"
)

func appendN(t *testing.T, l *Log, term int64, n int) {
	t.Helper()
	for range n {
		_, err := l.Append(protocol.LogEntry{Term: term, Kind: protocol.EntryCommand})
		require.NoError(t, err)
	}
}

func TestAppendAssignsDenseIndexes(t *testing.T) {
	l := New()
	for want := int64(1); want <= 5; want++ {
		got, err := l.Append(protocol.LogEntry{Term: 1})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, int64(1), l.FirstIndex())
	assert.Equal(t, int64(5), l.LastIndex())
}

func TestGetBounds(t *testing.T) {
	l := New()
	appendN(t, l, 1, 3)

	_, err := l.Get(4)
	assert.ErrorIs(t, err, api.ErrOutOfBounds)

	require.NoError(t, l.Compact(2, 1))
	_, err = l.Get(2)
	assert.ErrorIs(t, err, api.ErrCompacted)

	entry, err := l.Get(3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.Index)
}

func TestTruncateDiscardsSuffix(t *testing.T) {
	l := New()
	appendN(t, l, 1, 5)

	require.NoError(t, l.Truncate(3))
	assert.Equal(t, int64(3), l.LastIndex())

	// New appends continue from the truncation point.
	idx, err := l.Append(protocol.LogEntry{Term: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), idx)

	term, err := l.Term(4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), term)
}

func TestCompactKeepsBoundaryTerm(t *testing.T) {
	l := New()
	appendN(t, l, 1, 3)
	appendN(t, l, 2, 2)

	require.NoError(t, l.Compact(3, 1))
	assert.Equal(t, int64(4), l.FirstIndex())
	assert.Equal(t, int64(5), l.LastIndex())

	term, err := l.Term(3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), term)

	_, err = l.Term(2)
	assert.ErrorIs(t, err, api.ErrCompacted)
}

func TestCompactWholeLog(t *testing.T) {
	l := New()
	appendN(t, l, 1, 3)

	require.NoError(t, l.Compact(3, 1))
	assert.Equal(t, int64(4), l.FirstIndex())
	assert.Equal(t, int64(3), l.LastIndex())

	idx, err := l.Append(protocol.LogEntry{Term: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), idx)
}

func TestNewAt(t *testing.T) {
	l := NewAt(10, 3)
	assert.Equal(t, int64(11), l.FirstIndex())
	assert.Equal(t, int64(10), l.LastIndex())

	term, err := l.Term(10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), term)

	idx, err := l.Append(protocol.LogEntry{Term: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(11), idx)
}
