package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shrtyk/raft-sessions/pkg/logger"
)

// status represents the server's observable state.
type status struct {
	MemberID    int64  `json:"memberId"`
	Role        string `json:"role"`
	CurrentTerm int64  `json:"currentTerm"`
	VotedFor    int64  `json:"votedFor"`
	Leader      int64  `json:"leader"`
	CommitIndex int64  `json:"commitIndex"`
	LastApplied int64  `json:"lastApplied"`
	GlobalIndex int64  `json:"globalIndex"`

	LogInfo struct {
		FirstIndex int64 `json:"firstIndex"`
		LastIndex  int64 `json:"lastIndex"`
	} `json:"logInfo"`

	Sessions int `json:"sessions"`

	LeaderSpecific map[string]peerReplicationInfo `json:"leaderSpecific,omitempty"`
}

type peerReplicationInfo struct {
	MatchIndex int64 `json:"matchIndex"`
	NextIndex  int64 `json:"nextIndex"`
}

// statusHandler implements the http.Handler interface.
type statusHandler struct {
	ctx *Context
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := h.getStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		h.ctx.logger.Warn("failed to encode status for monitoring", logger.ErrAttr(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

func (h *statusHandler) getStatus() status {
	c := h.ctx
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := status{
		MemberID:    c.me,
		Role:        c.roleKind.String(),
		CurrentTerm: c.term,
		VotedFor:    c.votedFor,
		Leader:      c.leaderID,
		CommitIndex: c.commitIndex,
		LastApplied: c.executor.lastApplied,
		GlobalIndex: c.globalIndex,
		Sessions:    c.sessions.count(),
	}
	s.LogInfo.FirstIndex = c.log.FirstIndex()
	s.LogInfo.LastIndex = c.log.LastIndex()

	if c.roleKind == RoleLeader {
		peers := make(map[string]peerReplicationInfo)
		for _, ms := range c.cluster.replicationTargets() {
			peers[ms.member.Address] = peerReplicationInfo{
				MatchIndex: ms.matchIndex,
				NextIndex:  ms.nextIndex,
			}
		}
		s.LeaderSpecific = peers
	}
	return s
}

type monitoringServer struct {
	ctx    *Context
	server *http.Server
}

func newMonitoringServer(ctx *Context, addr string) *monitoringServer {
	mux := http.NewServeMux()
	mux.Handle("/status", &statusHandler{ctx: ctx})
	mux.Handle("/metrics", promhttp.HandlerFor(ctx.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &monitoringServer{
		ctx:    ctx,
		server: &http.Server{Addr: addr, Handler: mux},
	}
}

func (m *monitoringServer) Start() error {
	m.ctx.wg.Add(1)
	go func() {
		defer m.ctx.wg.Done()
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.ctx.logger.Error("monitoring server failed", logger.ErrAttr(err))
		}
	}()
	return nil
}

func (m *monitoringServer) Stop(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}
