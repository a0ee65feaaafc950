package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/internal/retry"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

// sender is the part of the client connection operations go through;
// tests substitute it.
type sender interface {
	sendAndReceive(ctx context.Context, name string, req any) (any, error)
	send(name string, req any) error
	reset(leader string, members []string)
	close() error
}

// Session is an open session with the cluster: exactly-once commands,
// linearizable queries and in-order event delivery, surviving retries,
// reconnects and leader changes.
type Session struct {
	mu sync.Mutex

	client    *Client
	state     *sessionState
	conn      sender
	sequencer *sequencer
	submitter *submitter
	logger    *slog.Logger
	clock     clockwork.Clock

	listeners    map[string]map[int64]func([]byte)
	nextListener int64

	keepAliveStop chan struct{}
}

// ID returns the session id assigned by the cluster.
func (s *Session) ID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.sessionID
}

// Submit replicates a command through the cluster and returns its
// state-machine result. Submission order is preserved per session.
func (s *Session) Submit(ctx context.Context, command []byte) ([]byte, error) {
	s.mu.Lock()
	if s.state.status != sessionOpen {
		s.mu.Unlock()
		return nil, api.ErrSessionClosed
	}
	future := s.submitter.submitCommand(ctx, command)
	s.mu.Unlock()

	select {
	case r := <-future.ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Query reads from the state machine under the requested consistency.
func (s *Session) Query(ctx context.Context, query []byte, consistency protocol.Consistency) ([]byte, error) {
	s.mu.Lock()
	if s.state.status != sessionOpen {
		s.mu.Unlock()
		return nil, api.ErrSessionClosed
	}
	future := s.submitter.submitQuery(ctx, query, consistency)
	s.mu.Unlock()

	select {
	case r := <-future.ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listener unsubscribes an event handler registered with OnEvent.
type Listener struct {
	session *Session
	event   string
	id      int64
}

func (l *Listener) Close() {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()
	if handlers, ok := l.session.listeners[l.event]; ok {
		delete(handlers, l.id)
	}
}

// OnEvent registers a callback for a named server event. Callbacks fire in
// server-emit order, interleaved correctly with command responses.
func (s *Session) OnEvent(event string, handler func(message []byte)) *Listener {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners[event] == nil {
		s.listeners[event] = make(map[int64]func([]byte))
	}
	s.nextListener++
	id := s.nextListener
	s.listeners[event][id] = handler
	return &Listener{session: s, event: event, id: id}
}

// handlePublish receives pushed events: duplicates are dropped, gaps make
// the client ask the cluster to resend from its last good index, and
// in-order batches are handed to the sequencer.
func (s *Session) handlePublish(_ context.Context, raw any) (any, error) {
	req, ok := raw.(*protocol.PublishRequest)
	if !ok {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Session != s.state.sessionID {
		return nil, nil
	}
	if req.EventIndex <= s.state.eventIndex {
		return nil, nil
	}
	if req.PreviousIndex != s.state.eventIndex {
		s.logger.Debug("event gap detected, requesting resend",
			"previous", req.PreviousIndex, "have", s.state.eventIndex)
		s.conn.send(protocol.NameReset, &protocol.ResetRequest{
			Session: s.state.sessionID,
			Index:   s.state.eventIndex,
		})
		return nil, nil
	}

	s.state.eventIndex = req.EventIndex
	s.sequencer.sequenceEvent(req, func() {
		for _, event := range req.Events {
			for _, handler := range s.listeners[event.Name] {
				handler(event.Message)
			}
		}
	})
	return nil, nil
}

// keepAliveLoop reports progress every half session timeout so the
// cluster keeps the session alive and prunes acknowledged state.
func (s *Session) keepAliveLoop(stop chan struct{}) {
	s.mu.Lock()
	interval := s.state.timeout / 2
	s.mu.Unlock()
	if interval <= 0 {
		interval = time.Second
	}

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), s.client.cfg.RPCTimeout)
			err := s.keepAliveNow(ctx)
			cancel()
			if protocol.KindOf(err) == protocol.ErrUnknownSession {
				s.mu.Lock()
				s.state.status = sessionExpired
				s.mu.Unlock()
				s.logger.Warn("session expired by the cluster", "session", s.state.sessionID)
				return
			}
		}
	}
}

// keepAliveNow sends one keep-alive carrying the highest completed command
// sequence and event index, realigning a new leader's bookkeeping. The
// submitter also uses it as the reset-indexes request.
func (s *Session) keepAliveNow(ctx context.Context) error {
	s.mu.Lock()
	req := &protocol.KeepAliveRequest{
		Session:         s.state.sessionID,
		CommandSequence: s.state.commandResponse,
		EventIndex:      s.state.eventIndex,
	}
	s.mu.Unlock()

	raw, err := s.conn.sendAndReceive(ctx, protocol.NameKeepAlive, req)
	if err != nil {
		return err
	}
	resp, ok := raw.(*protocol.KeepAliveResponse)
	if !ok {
		return protocol.NewError(protocol.ErrInternal, "unexpected response type %T", raw)
	}
	if resp.Status != protocol.StatusOK {
		return protocol.NewError(resp.Error, "keep-alive rejected")
	}
	s.conn.reset(resp.Leader, resp.Members)
	return nil
}

// Close unregisters the session and releases its resources.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state.status == sessionClosed {
		s.mu.Unlock()
		return nil
	}
	alreadyExpired := s.state.status == sessionExpired
	s.state.status = sessionClosed
	s.submitter.closeAll()
	sessionID := s.state.sessionID
	stop := s.keepAliveStop
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	var err error
	if !alreadyExpired && sessionID > 0 {
		err = retry.Do(ctx, func(rctx context.Context) error {
			raw, serr := s.conn.sendAndReceive(rctx, protocol.NameUnregister, &protocol.UnregisterRequest{Session: sessionID})
			if serr != nil {
				return serr
			}
			if resp, ok := raw.(*protocol.UnregisterResponse); ok && resp.Status != protocol.StatusOK && resp.Error != protocol.ErrUnknownSession {
				return protocol.NewError(resp.Error, "unregister rejected")
			}
			return nil
		}, retry.WithMaxAttempts(3), retry.WithRetryIf(func(e error) bool {
			return protocol.KindOf(e) == protocol.ErrNone // network errors only
		}))
		if err != nil {
			s.logger.Warn("failed to unregister session", logger.ErrAttr(err))
		}
	}

	s.conn.close()
	return err
}
