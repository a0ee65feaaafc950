package server

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/internal/memlog"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

// countingSM records applied commands and publishes an event for payloads
// prefixed with "e:".
type countingSM struct {
	applied [][]byte
}

func (sm *countingSM) Apply(commit api.Commit) ([]byte, error) {
	op := commit.Operation()
	sm.applied = append(sm.applied, op)
	if bytes.HasPrefix(op, []byte("e:")) {
		commit.Session().Publish("changed", op[2:])
	}
	return append([]byte("ok:"), op...), nil
}

func (sm *countingSM) Query(commit api.Commit) ([]byte, error) {
	return []byte("queried"), nil
}

func (sm *countingSM) Snapshot() ([]byte, error)     { return []byte("snap"), nil }
func (sm *countingSM) Restore(snapshot []byte) error { return nil }

func newTestContext(t *testing.T, sm api.StateMachine) *Context {
	t.Helper()

	cfg := api.TestsServerConfig()
	cfg.MemberID = 1
	cfg.Members = []protocol.Member{{ID: 1, Address: "s1", Type: protocol.MemberActive}}
	require.NoError(t, cfg.Validate())

	_, log := logger.NewTestLogger()
	srvCtx, srvCancel := context.WithCancel(context.Background())
	t.Cleanup(srvCancel)

	c := &Context{
		cfg:               cfg,
		me:                cfg.MemberID,
		logger:            log,
		clock:             clockwork.NewRealClock(),
		log:               memlog.New(),
		meta:              memlog.NewMeta(),
		cluster:           newCluster(cfg.MemberID, cfg.Members),
		votedFor:          votedForNone,
		metrics:           newMetrics(cfg.MemberID),
		signalApplierChan: make(chan struct{}, 1),
		srvCtx:            srvCtx,
		srvCancel:         srvCancel,
	}
	c.sessions = newSessionManager(c)
	c.executor = newExecutor(c, sm)
	c.role = newInactiveRole(c)
	return c
}

// applyEntry appends the entry and applies it immediately.
func applyEntry(t *testing.T, c *Context, entry protocol.LogEntry) int64 {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.Timestamp = c.clock.Now().UnixMilli()
	index, err := c.log.Append(entry)
	require.NoError(t, err)
	stored, err := c.log.Get(index)
	require.NoError(t, err)
	c.executor.apply(stored)
	return index
}

func registerSession(t *testing.T, c *Context, timeout time.Duration) int64 {
	t.Helper()
	return applyEntry(t, c, protocol.LogEntry{
		Kind:    protocol.EntryRegister,
		Client:  "client-1",
		Timeout: timeout.Milliseconds(),
	})
}

func command(session, sequence int64, payload string) protocol.LogEntry {
	return protocol.LogEntry{
		Kind:     protocol.EntryCommand,
		Session:  session,
		Sequence: sequence,
		Payload:  []byte(payload),
	}
}

func TestRegisterAssignsEntryIndexAsSessionID(t *testing.T) {
	sm := &countingSM{}
	c := newTestContext(t, sm)

	id := registerSession(t, c, time.Second)
	assert.Equal(t, int64(1), id)
	require.NotNil(t, c.sessions.get(id))
	assert.Equal(t, "client-1", c.sessions.get(id).client)
}

func TestDuplicateSequenceNotReapplied(t *testing.T) {
	sm := &countingSM{}
	c := newTestContext(t, sm)
	id := registerSession(t, c, time.Second)

	applyEntry(t, c, command(id, 1, "a"))
	require.Len(t, sm.applied, 1)

	// A retry of sequence 1 lands in the log again; it must answer from
	// the result cache without touching the state machine.
	applyEntry(t, c, command(id, 1, "a"))
	assert.Len(t, sm.applied, 1)

	s := c.sessions.get(id)
	require.NotNil(t, s.results[1])
	assert.Equal(t, []byte("ok:a"), s.results[1].Result)
}

func TestSequenceGapBufferedUntilPredecessor(t *testing.T) {
	sm := &countingSM{}
	c := newTestContext(t, sm)
	id := registerSession(t, c, time.Second)

	applyEntry(t, c, command(id, 1, "a"))
	// Sequence 3 arrives before 2: it must wait.
	applyEntry(t, c, command(id, 3, "c"))
	require.Len(t, sm.applied, 1)

	// Sequence 2 releases both, in order.
	applyEntry(t, c, command(id, 2, "b"))
	require.Len(t, sm.applied, 3)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, sm.applied)
	assert.Equal(t, int64(3), c.sessions.get(id).commandSequence)
}

func TestEventsBatchPerApply(t *testing.T) {
	sm := &countingSM{}
	c := newTestContext(t, sm)
	id := registerSession(t, c, time.Second)

	idx1 := applyEntry(t, c, command(id, 1, "e:one"))
	idx2 := applyEntry(t, c, command(id, 2, "e:two"))

	s := c.sessions.get(id)
	require.Len(t, s.events, 2)
	assert.Equal(t, idx1, s.events[0].eventIndex)
	assert.Equal(t, int64(0), s.events[0].previousIndex)
	assert.Equal(t, idx2, s.events[1].eventIndex)
	assert.Equal(t, idx1, s.events[1].previousIndex)
	assert.Equal(t, idx2, s.eventIndex)

	// The response cached for sequence 2 carries the event index.
	assert.Equal(t, idx2, s.results[2].EventIndex)
}

func TestKeepAlivePrunesResultsAndEvents(t *testing.T) {
	sm := &countingSM{}
	c := newTestContext(t, sm)
	id := registerSession(t, c, time.Second)

	applyEntry(t, c, command(id, 1, "e:one"))
	idx2 := applyEntry(t, c, command(id, 2, "e:two"))

	applyEntry(t, c, protocol.LogEntry{
		Kind:         protocol.EntryKeepAlive,
		Session:      id,
		Sessions:     []int64{id},
		Sequences:    []int64{1},
		EventIndexes: []int64{idx2 - 1},
	})

	s := c.sessions.get(id)
	assert.Nil(t, s.results[1])
	assert.NotNil(t, s.results[2])
	require.Len(t, s.events, 1)
	assert.Equal(t, idx2, s.events[0].eventIndex)
}

func TestUnknownSessionCommandFails(t *testing.T) {
	sm := &countingSM{}
	c := newTestContext(t, sm)

	var got *applied
	c.mu.Lock()
	c.executor.onApplied(1, func(a *applied) { got = a })
	c.mu.Unlock()

	applyEntry(t, c, command(42, 1, "a"))
	require.NotNil(t, got)
	assert.Equal(t, protocol.ErrUnknownSession, protocol.KindOf(got.err))
	assert.Empty(t, sm.applied)
}

func TestNoOpFillAdvancesSequenceWithoutApply(t *testing.T) {
	sm := &countingSM{}
	c := newTestContext(t, sm)
	id := registerSession(t, c, time.Second)

	applyEntry(t, c, protocol.LogEntry{
		Kind:     protocol.EntryNoOp,
		Session:  id,
		Sequence: 1,
	})
	assert.Empty(t, sm.applied)
	assert.Equal(t, int64(1), c.sessions.get(id).commandSequence)

	// The next real command is not stalled by the filled sequence.
	applyEntry(t, c, command(id, 2, "b"))
	require.Len(t, sm.applied, 1)
}

func TestSessionExpiry(t *testing.T) {
	sm := &countingSM{}
	c := newTestContext(t, sm)
	id := registerSession(t, c, 100*time.Millisecond)

	now := c.executor.clock.Now()
	assert.Empty(t, c.sessions.expired(now))

	// Twice the timeout without a keep-alive expires the session.
	assert.Contains(t, c.sessions.expired(now.Add(250*time.Millisecond)), id)

	applyEntry(t, c, protocol.LogEntry{
		Kind:    protocol.EntryUnregister,
		Session: id,
		Expired: true,
	})
	assert.Nil(t, c.sessions.get(id))
}

func TestApplyErrorStillAdvancesSequence(t *testing.T) {
	sm := &failingSM{}
	c := newTestContext(t, sm)
	id := registerSession(t, c, time.Second)

	applyEntry(t, c, command(id, 1, "boom"))

	s := c.sessions.get(id)
	assert.Equal(t, int64(1), s.commandSequence)
	require.NotNil(t, s.results[1])
	assert.Equal(t, protocol.StatusError, s.results[1].Status)
	assert.Equal(t, protocol.ErrApplication, s.results[1].Error)

	// The session keeps working afterwards.
	applyEntry(t, c, command(id, 2, "fine"))
	assert.Equal(t, int64(2), s.commandSequence)
}

type failingSM struct{}

func (sm *failingSM) Apply(commit api.Commit) ([]byte, error) {
	if bytes.Equal(commit.Operation(), []byte("boom")) {
		return nil, assert.AnError
	}
	return []byte("ok"), nil
}

func (sm *failingSM) Query(commit api.Commit) ([]byte, error) { return nil, nil }
func (sm *failingSM) Snapshot() ([]byte, error)               { return nil, nil }
func (sm *failingSM) Restore(snapshot []byte) error           { return nil }
