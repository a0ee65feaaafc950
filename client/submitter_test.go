package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

// fakeSender scripts cluster responses for submitter tests.
type fakeSender struct {
	mu      sync.Mutex
	handler func(name string, req any) (any, error)
	calls   []any
}

func (f *fakeSender) sendAndReceive(_ context.Context, name string, req any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h := f.handler
	f.mu.Unlock()
	return h(name, req)
}

func (f *fakeSender) send(name string, req any) error       { return nil }
func (f *fakeSender) reset(leader string, members []string) {}
func (f *fakeSender) close() error                          { return nil }

func (f *fakeSender) commandCalls() []*protocol.CommandRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.CommandRequest
	for _, c := range f.calls {
		if cmd, ok := c.(*protocol.CommandRequest); ok {
			out = append(out, cmd)
		}
	}
	return out
}

func newTestSession(fake *fakeSender) *Session {
	_, log := logger.NewTestLogger()
	s := &Session{
		state:     &sessionState{sessionID: 7, clientID: "c", timeout: time.Second},
		conn:      fake,
		sequencer: newSequencer(),
		logger:    log,
		clock:     clockwork.NewRealClock(),
		listeners: make(map[string]map[int64]func([]byte)),
	}
	s.submitter = newSubmitter(s)
	return s
}

func okResponse(seq int64) *protocol.CommandResponse {
	return &protocol.CommandResponse{
		Status:       protocol.StatusOK,
		Index:        seq + 10,
		LastSequence: seq,
		Result:       []byte("done"),
	}
}

func TestSubmitCompletes(t *testing.T) {
	fake := &fakeSender{}
	fake.handler = func(name string, req any) (any, error) {
		cmd := req.(*protocol.CommandRequest)
		return okResponse(cmd.Sequence), nil
	}
	s := newTestSession(fake)

	result, err := s.Submit(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), result)
	assert.Equal(t, int64(1), s.state.commandResponse)
	assert.Equal(t, int64(11), s.state.responseIndex)
}

// A COMMAND_ERROR names the last sequence the leader accepted; every
// pending command after it must be resent, and all commands must still
// complete.
func TestCommandErrorResubmitsPending(t *testing.T) {
	fake := &fakeSender{}
	var mu sync.Mutex
	seq2Failed := false
	seq3Rejected := false

	fake.handler = func(name string, req any) (any, error) {
		cmd := req.(*protocol.CommandRequest)
		mu.Lock()
		defer mu.Unlock()
		switch cmd.Sequence {
		case 1:
			return okResponse(1), nil
		case 2:
			// The first send of 2 vanishes on the network.
			if !seq2Failed {
				seq2Failed = true
				return nil, errors.New("connection reset")
			}
			return okResponse(2), nil
		case 3:
			// The leader saw 1 and then 3: a gap.
			if !seq3Rejected {
				seq3Rejected = true
				return &protocol.CommandResponse{
					Status:       protocol.StatusError,
					Error:        protocol.ErrCommand,
					LastSequence: 1,
				}, nil
			}
			return okResponse(3), nil
		}
		return nil, errors.New("unexpected sequence")
	}

	s := newTestSession(fake)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := range 3 {
		wg.Add(1)
		s.mu.Lock()
		future := s.submitter.submitCommand(ctx, []byte{byte(i)})
		s.mu.Unlock()
		go func() {
			defer wg.Done()
			r := <-future.ch
			results[i] = r.err
		}()
	}
	wg.Wait()

	for i, err := range results {
		assert.NoError(t, err, "command %d", i+1)
	}
	assert.Equal(t, int64(3), s.state.commandResponse)

	// Sequence 2 and 3 were both sent more than once.
	var twos, threes int
	for _, cmd := range fake.commandCalls() {
		switch cmd.Sequence {
		case 2:
			twos++
		case 3:
			threes++
		}
	}
	assert.GreaterOrEqual(t, twos, 2)
	assert.GreaterOrEqual(t, threes, 2)
}

// Fatal failures fill the failed sequence with a no-op command so later
// commands do not stall behind a hole in the sequence space.
func TestFatalFailureFillsSequenceWithNoOp(t *testing.T) {
	fake := &fakeSender{}
	noopSent := make(chan *protocol.CommandRequest, 1)

	fake.handler = func(name string, req any) (any, error) {
		cmd := req.(*protocol.CommandRequest)
		if cmd.Command == nil {
			select {
			case noopSent <- cmd:
			default:
			}
			return okResponse(cmd.Sequence), nil
		}
		return &protocol.CommandResponse{
			Status:  protocol.StatusError,
			Error:   protocol.ErrInternal,
			Message: "boom",
		}, nil
	}

	s := newTestSession(fake)
	_, err := s.Submit(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, protocol.ErrInternal, protocol.KindOf(err))

	select {
	case noop := <-noopSent:
		assert.Equal(t, int64(1), noop.Sequence)
		assert.Nil(t, noop.Command)
	case <-time.After(5 * time.Second):
		t.Fatal("no-op fill was never submitted")
	}
}

// Session-fatal errors must not be plugged with a no-op.
func TestUnknownSessionDoesNotFill(t *testing.T) {
	fake := &fakeSender{}
	fake.handler = func(name string, req any) (any, error) {
		return &protocol.CommandResponse{
			Status: protocol.StatusError,
			Error:  protocol.ErrUnknownSession,
		}, nil
	}

	s := newTestSession(fake)
	_, err := s.Submit(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, protocol.ErrUnknownSession, protocol.KindOf(err))

	time.Sleep(50 * time.Millisecond)
	require.Len(t, fake.commandCalls(), 1)
}

func TestQueryErrorsSurfaceDirectly(t *testing.T) {
	fake := &fakeSender{}
	fake.handler = func(name string, req any) (any, error) {
		return &protocol.QueryResponse{
			Status: protocol.StatusError,
			Error:  protocol.ErrQuery,
		}, nil
	}

	s := newTestSession(fake)
	_, err := s.Query(context.Background(), []byte("q"), protocol.Linearizable)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrQuery, protocol.KindOf(err))
	require.Len(t, fake.calls, 1)
}
