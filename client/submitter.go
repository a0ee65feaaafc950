package client

import (
	"context"
	"slices"
	"time"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

// fibonacci is the submitter's backoff schedule in seconds, capped at the
// last step.
var fibonacci = []time.Duration{1, 1, 2, 3, 5}

func fibonacciDelay(attempt int) time.Duration {
	return fibonacci[min(attempt-1, len(fibonacci)-1)] * time.Second
}

type opResult struct {
	value []byte
	err   error
}

// opFuture completes exactly once.
type opFuture struct {
	ch   chan opResult
	done bool
}

func newOpFuture() *opFuture {
	return &opFuture{ch: make(chan opResult, 1)}
}

// complete resolves the future; later calls are ignored. Callers hold the
// session lock.
func (f *opFuture) complete(value []byte, err error) {
	if f.done {
		return
	}
	f.done = true
	f.ch <- opResult{value: value, err: err}
}

// submitter sends commands and queries, retrying commands idempotently
// with Fibonacci backoff while preserving program order. It is owned by
// the Session and runs under its lock.
type submitter struct {
	session *Session

	// attempts tracks in-flight operations by sequencer request number.
	attempts map[int64]*commandAttempt

	// keepAliveIndex dedupes concurrent reset-indexes keep-alives.
	keepAliveIndex int64
}

func newSubmitter(session *Session) *submitter {
	return &submitter{
		session:  session,
		attempts: make(map[int64]*commandAttempt),
	}
}

// submitCommand starts a command; the returned future resolves when the
// response has been sequenced.
//
// Assumes the session lock is held.
func (sub *submitter) submitCommand(ctx context.Context, command []byte) *opFuture {
	future := newOpFuture()
	s := sub.session

	req := &protocol.CommandRequest{
		Session:  s.state.sessionID,
		Sequence: s.state.nextCommandRequest(),
		Command:  command,
	}
	sub.submit(&commandAttempt{
		sub:      sub,
		ctx:      ctx,
		sequence: s.sequencer.nextRequest(),
		attempt:  1,
		req:      req,
		future:   future,
	})
	return future
}

// submitQuery starts a query. Queries carry the session's current command
// sequence and response index so the leader can order them correctly.
//
// Assumes the session lock is held.
func (sub *submitter) submitQuery(ctx context.Context, query []byte, consistency protocol.Consistency) *opFuture {
	future := newOpFuture()
	s := sub.session

	req := &protocol.QueryRequest{
		Session:     s.state.sessionID,
		Sequence:    s.state.commandRequest,
		Index:       s.state.responseIndex,
		Query:       query,
		Consistency: consistency,
	}
	go sub.runQuery(ctx, s.sequencer.nextRequest(), req, future)
	return future
}

// submit registers and sends one command attempt.
//
// Assumes the session lock is held.
func (sub *submitter) submit(a *commandAttempt) {
	s := sub.session
	if s.state.status != sessionOpen {
		a.completeFailure(api.ErrSessionClosed)
		return
	}
	s.logger.Debug("sending command", "sequence", a.req.Sequence, "attempt", a.attempt)
	sub.attempts[a.sequence] = a
	go a.send()
}

// resubmit resends pending commands after the leader reported a sequence
// gap at lastSequence. If our completed responses have already advanced
// past the gap point the leader is new and must first be realigned with a
// reset-indexes keep-alive.
//
// Assumes the session lock is held.
func (sub *submitter) resubmit(lastSequence int64, a *commandAttempt) {
	s := sub.session

	responseSequence := s.state.commandResponse
	if lastSequence < responseSequence && sub.keepAliveIndex != responseSequence {
		sub.keepAliveIndex = responseSequence
		go func() {
			err := s.keepAliveNow(a.ctx)
			s.mu.Lock()
			defer s.mu.Unlock()
			if err == nil {
				sub.resubmit(responseSequence, a)
			} else {
				a.retryAfter(fibonacciDelay(a.attempt))
			}
		}()
		return
	}

	for _, pending := range sub.sorted() {
		if pending.req.Sequence > lastSequence && pending.attempt <= a.attempt {
			pending.retry()
		}
	}
}

// sorted returns in-flight attempts in command-sequence order.
func (sub *submitter) sorted() []*commandAttempt {
	out := make([]*commandAttempt, 0, len(sub.attempts))
	for _, a := range sub.attempts {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b *commandAttempt) int {
		return int(a.req.Sequence - b.req.Sequence)
	})
	return out
}

// closeAll fails every in-flight attempt, for session close.
//
// Assumes the session lock is held.
func (sub *submitter) closeAll() {
	for _, a := range sub.sorted() {
		a.completeFailure(api.ErrSessionClosed)
	}
	clear(sub.attempts)
}

// commandAttempt is one try of one command.
type commandAttempt struct {
	sub      *submitter
	ctx      context.Context
	sequence int64
	attempt  int
	req      *protocol.CommandRequest
	future   *opFuture
}

func (a *commandAttempt) send() {
	s := a.sub.session
	raw, err := s.conn.sendAndReceive(a.ctx, protocol.NameCommand, a.req)

	s.mu.Lock()
	defer s.mu.Unlock()
	a.accept(raw, err)
}

// accept classifies the outcome of one send.
//
// Assumes the session lock is held.
func (a *commandAttempt) accept(raw any, err error) {
	s := a.sub.session

	if err != nil {
		if a.ctx.Err() != nil {
			a.fail(a.ctx.Err())
			return
		}
		if protocol.KindOf(err) == protocol.ErrNone {
			// Transport-level failure: back off and try again.
			s.logger.Debug("command transport failure, retrying", "sequence", a.req.Sequence, logger.ErrAttr(err))
			a.retryAfter(fibonacciDelay(a.attempt))
			return
		}
		a.fail(err)
		return
	}

	resp, ok := raw.(*protocol.CommandResponse)
	if !ok {
		a.fail(protocol.NewError(protocol.ErrInternal, "unexpected response type %T", raw))
		return
	}

	switch {
	case resp.Status == protocol.StatusOK:
		a.complete(resp)

	case resp.Error == protocol.ErrCommand:
		// The leader saw a sequence gap; resend everything it is missing.
		a.sub.resubmit(resp.LastSequence, a)

	case resp.Error == protocol.ErrApplication,
		resp.Error == protocol.ErrUnknownClient,
		resp.Error == protocol.ErrUnknownSession,
		resp.Error == protocol.ErrUnknownStateMachine,
		resp.Error == protocol.ErrInternal:
		// These must be handled above the submitter.
		a.fail(protocol.NewError(resp.Error, "%s", resp.Message))

	default:
		a.retryAfter(fibonacciDelay(a.attempt))
	}
}

// complete sequences a successful response.
//
// Assumes the session lock is held.
func (a *commandAttempt) complete(resp *protocol.CommandResponse) {
	s := a.sub.session
	delete(a.sub.attempts, a.sequence)
	s.sequencer.sequenceResponse(a.sequence, resp, func() {
		if a.req.Sequence > s.state.commandResponse {
			s.state.commandResponse = a.req.Sequence
		}
		s.state.setResponseIndex(resp.Index)
		a.future.complete(resp.Result, nil)
	})
}

// completeFailure sequences a failure in request order, without waiting
// for events.
//
// Assumes the session lock is held.
func (a *commandAttempt) completeFailure(err error) {
	s := a.sub.session
	delete(a.sub.attempts, a.sequence)
	s.sequencer.sequenceResponse(a.sequence, nil, func() {
		a.future.complete(nil, err)
	})
}

// fail surfaces an error to the caller. Unless the session itself is dead
// the failed sequence number is plugged with a no-op command, keeping the
// server's sequence space dense so later commands do not stall.
//
// Assumes the session lock is held.
func (a *commandAttempt) fail(err error) {
	a.completeFailure(err)

	kind := protocol.KindOf(err)
	if kind == protocol.ErrUnknownSession || kind == protocol.ErrClosedSession || err == api.ErrSessionClosed {
		return
	}
	if a.req.Command == nil {
		return // already a no-op
	}

	s := a.sub.session
	s.logger.Debug("filling failed sequence with no-op", "sequence", a.req.Sequence)
	noop := &commandAttempt{
		sub:      a.sub,
		ctx:      context.Background(),
		sequence: a.sequence,
		attempt:  a.attempt + 1,
		req: &protocol.CommandRequest{
			Session:  a.req.Session,
			Sequence: a.req.Sequence,
		},
		future: a.future, // already completed; the no-op only fills the gap
	}
	a.sub.submit(noop)
}

// retry resends immediately at the next attempt number.
//
// Assumes the session lock is held.
func (a *commandAttempt) retry() {
	a.sub.submit(a.next())
}

// retryAfter resends once the backoff elapses.
//
// Assumes the session lock is held.
func (a *commandAttempt) retryAfter(d time.Duration) {
	next := a.next()
	s := a.sub.session
	time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		a.sub.submit(next)
	})
}

func (a *commandAttempt) next() *commandAttempt {
	return &commandAttempt{
		sub:      a.sub,
		ctx:      a.ctx,
		sequence: a.sequence,
		attempt:  a.attempt + 1,
		req:      a.req,
		future:   a.future,
	}
}

// runQuery drives one query: network errors are retried inside the
// connection; every cluster error surfaces directly.
func (sub *submitter) runQuery(ctx context.Context, sequence int64, req *protocol.QueryRequest, future *opFuture) {
	s := sub.session
	raw, err := s.conn.sendAndReceive(ctx, protocol.NameQuery, req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.sequencer.sequenceResponse(sequence, nil, func() {
			future.complete(nil, err)
		})
		return
	}

	resp, ok := raw.(*protocol.QueryResponse)
	if !ok {
		s.sequencer.sequenceResponse(sequence, nil, func() {
			future.complete(nil, protocol.NewError(protocol.ErrInternal, "unexpected response type %T", raw))
		})
		return
	}

	if resp.Status != protocol.StatusOK {
		s.sequencer.sequenceResponse(sequence, nil, func() {
			future.complete(nil, protocol.NewError(resp.Error, "%s", resp.Message))
		})
		return
	}

	s.sequencer.sequenceResponse(sequence, resp, func() {
		s.state.setResponseIndex(resp.Index)
		future.complete(resp.Result, nil)
	})
}
