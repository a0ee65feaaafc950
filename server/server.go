// Package server implements the replicated state machine server: the six
// role state machine with pre-vote elections, per-member replication,
// snapshot install, and the replicated session layer that gives clients
// exactly-once commands and in-order events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/internal/memlog"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/pkg/wal"
	"github.com/shrtyk/raft-sessions/protocol"
	"github.com/shrtyk/raft-sessions/transport"
)

// Server is one member of the cluster.
type Server struct {
	ctx             *Context
	transportServer transport.Server
	monitoring      *monitoringServer
}

type serverBuilder struct {
	cfg       *api.ServerConfig
	sm        api.StateMachine
	tServer   transport.Server
	tClient   transport.Client
	log       api.Log
	meta      api.MetaStore
	logger    *slog.Logger
	clock     clockwork.Clock
	registry  *Registry
	smName    string
}

// NewBuilder starts building a server from a validated config.
func NewBuilder(cfg *api.ServerConfig) *serverBuilder {
	return &serverBuilder{cfg: cfg}
}

func (b *serverBuilder) WithStateMachine(sm api.StateMachine) *serverBuilder {
	b.sm = sm
	return b
}

// WithRegistry selects the state machine by registered type name.
func (b *serverBuilder) WithRegistry(reg *Registry, name string) *serverBuilder {
	b.registry = reg
	b.smName = name
	return b
}

func (b *serverBuilder) WithTransport(server transport.Server, client transport.Client) *serverBuilder {
	b.tServer = server
	b.tClient = client
	return b
}

func (b *serverBuilder) WithLog(log api.Log) *serverBuilder {
	b.log = log
	return b
}

func (b *serverBuilder) WithMetaStore(meta api.MetaStore) *serverBuilder {
	b.meta = meta
	return b
}

func (b *serverBuilder) WithLogger(l *slog.Logger) *serverBuilder {
	b.logger = l
	return b
}

func (b *serverBuilder) WithClock(clock clockwork.Clock) *serverBuilder {
	b.clock = clock
	return b
}

func (b *serverBuilder) Build() (*Server, error) {
	cfg := b.cfg
	if cfg == nil {
		return nil, errors.New("builder: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}
	if b.tServer == nil || b.tClient == nil {
		return nil, errors.New("builder: transport is required")
	}

	sm := b.sm
	if sm == nil && b.registry != nil {
		var err error
		sm, err = b.registry.New(b.smName)
		if err != nil {
			return nil, fmt.Errorf("builder: %w", err)
		}
	}
	if sm == nil {
		return nil, errors.New("builder: state machine is required")
	}

	log := b.logger
	if log == nil {
		log = logger.NewLogger(cfg.Log.Env, false).With(slog.Int64("member", cfg.MemberID))
	}

	raftLog := b.log
	meta := b.meta
	if raftLog == nil || meta == nil {
		if cfg.DataDir != "" {
			store, err := wal.Open(fmt.Sprintf("%s/member-%d", cfg.DataDir, cfg.MemberID), log)
			if err != nil {
				return nil, fmt.Errorf("builder: failed to open storage: %w", err)
			}
			if raftLog == nil {
				raftLog = store
			}
			if meta == nil {
				meta = store
			}
		} else {
			if raftLog == nil {
				raftLog = memlog.New()
			}
			if meta == nil {
				meta = memlog.NewMeta()
			}
		}
	}

	clock := b.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	srvCtx, srvCancel := context.WithCancel(context.Background())
	c := &Context{
		cfg:               cfg,
		me:                cfg.MemberID,
		logger:            log,
		clock:             clock,
		log:               raftLog,
		meta:              meta,
		cluster:           newCluster(cfg.MemberID, cfg.Members),
		peers:             newPeerConnections(b.tClient),
		votedFor:          votedForNone,
		metrics:           newMetrics(cfg.MemberID),
		signalApplierChan: make(chan struct{}, 1),
		srvCtx:            srvCtx,
		srvCancel:         srvCancel,
	}
	c.sessions = newSessionManager(c)
	c.executor = newExecutor(c, sm)
	c.role = newInactiveRole(c)

	s := &Server{ctx: c, transportServer: b.tServer}
	if cfg.HTTPMonitoringAddr != "" {
		s.monitoring = newMonitoringServer(c, cfg.HTTPMonitoringAddr)
	}
	return s, nil
}

// Start recovers persisted state, begins listening and enters the role the
// configuration assigns to this member.
func (s *Server) Start() error {
	c := s.ctx

	meta, err := c.meta.Metadata()
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	c.term = meta.Term
	c.votedFor = meta.VotedFor
	if c.votedFor == 0 {
		c.votedFor = votedForNone
	}
	c.metrics.setTerm(c.term)

	snap, err := c.meta.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if snap != nil {
		c.mu.Lock()
		if rerr := c.executor.restore(snap); rerr != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to restore snapshot: %w", rerr)
		}
		c.commitIndex = snap.Index
		c.mu.Unlock()
	}

	self, ok := c.cluster.member(c.me)
	if !ok {
		return fmt.Errorf("member %d not present in configuration", c.me)
	}

	addr := c.cfg.Address
	if addr == "" {
		addr = self.Address
	}
	if err := s.transportServer.Listen(addr, c.acceptConnection); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.monitoring != nil {
		if err := s.monitoring.Start(); err != nil {
			return fmt.Errorf("failed to start monitoring server: %w", err)
		}
	}

	c.wg.Add(1)
	go c.applier()

	c.mu.Lock()
	switch self.Type {
	case protocol.MemberActive:
		c.transition(RoleFollower)
	case protocol.MemberPassive:
		c.transition(RolePassive)
	case protocol.MemberReserve:
		c.transition(RoleReserve)
	default:
		c.transition(RoleInactive)
	}
	c.signalApplier()
	c.mu.Unlock()

	c.logger.Info("server started", "address", addr, "type", self.Type.String(), "term", c.term)
	return nil
}

// Stop shuts the server down, closing the transport and stores.
func (s *Server) Stop() error {
	c := s.ctx

	c.mu.Lock()
	c.transition(RoleInactive)
	c.mu.Unlock()

	var err error
	if s.monitoring != nil {
		sctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timings.ShutdownTimeout)
		if serr := s.monitoring.Stop(sctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to shutdown monitoring server: %w", serr))
		}
		cancel()
	}
	if serr := s.transportServer.Close(); serr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close transport: %w", serr))
	}

	c.srvCancel()
	c.peers.close()
	c.wg.Wait()

	if cerr := c.log.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	// The log and meta store may share an implementation; Close must be
	// idempotent.
	if cerr := c.meta.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	c.logger.Info("server stopped")
	return err
}

// applier drains committed entries into the executor in the background.
func (c *Context) applier() {
	defer c.wg.Done()

	for {
		select {
		case <-c.srvCtx.Done():
			return
		case <-c.signalApplierChan:
			c.mu.Lock()
			for {
				// An installed snapshot supersedes entries the log no
				// longer has.
				if c.executor.lastApplied < c.log.FirstIndex()-1 {
					snap, err := c.meta.Snapshot()
					if err != nil || snap == nil {
						c.logger.Error("log compacted beyond applied index with no snapshot")
						break
					}
					c.logger.Info("restoring state machine from snapshot", "index", snap.Index)
					if rerr := c.executor.restore(snap); rerr != nil {
						c.logger.Error("failed to restore snapshot", logger.ErrAttr(rerr))
						break
					}
					continue
				}

				if c.executor.lastApplied >= c.commitIndex {
					break
				}

				entry, err := c.log.Get(c.executor.lastApplied + 1)
				if err != nil {
					c.logger.Error("failed to read committed entry", "index", c.executor.lastApplied+1, logger.ErrAttr(err))
					break
				}
				c.executor.apply(entry)
			}
			c.mu.Unlock()
		}
	}
}

// ProposeConfiguration replicates a new membership through the log. Only
// the leader accepts proposals; the change takes effect on every member
// as the entry applies.
func (s *Server) ProposeConfiguration(members []protocol.Member) error {
	c := s.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.roleKind != RoleLeader {
		return api.ErrNoLeader
	}
	if _, err := c.append(protocol.LogEntry{
		Kind:    protocol.EntryConfiguration,
		Members: members,
	}); err != nil {
		return err
	}
	if lr, ok := c.role.(*leaderRole); ok {
		lr.appender.replicate()
	}
	return nil
}

// Role returns the current role kind.
func (s *Server) Role() RoleKind {
	s.ctx.mu.RLock()
	defer s.ctx.mu.RUnlock()
	return s.ctx.roleKind
}

// Term returns the current term and whether this server believes it is the
// leader.
func (s *Server) Term() (int64, bool) {
	s.ctx.mu.RLock()
	defer s.ctx.mu.RUnlock()
	return s.ctx.term, s.ctx.roleKind == RoleLeader
}

// LeaderAddress returns the address of the member this server believes is
// leader, or "".
func (s *Server) LeaderAddress() string {
	s.ctx.mu.RLock()
	defer s.ctx.mu.RUnlock()
	return s.ctx.leaderAddress()
}

// CommitIndex returns the highest committed index.
func (s *Server) CommitIndex() int64 {
	s.ctx.mu.RLock()
	defer s.ctx.mu.RUnlock()
	return s.ctx.commitIndex
}
