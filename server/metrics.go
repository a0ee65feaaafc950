package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics exposes the server's replication state to Prometheus. Every
// server carries its own registry so multiple servers can share a process
// in tests.
type metrics struct {
	registry *prometheus.Registry

	role        prometheus.Gauge
	term        prometheus.Gauge
	commitIndex prometheus.Gauge
	appliedIdx  prometheus.Gauge
	sessions    prometheus.Gauge
	elections   prometheus.Counter
}

func newMetrics(memberID int64) *metrics {
	labels := prometheus.Labels{"member": strconv.FormatInt(memberID, 10)}
	m := &metrics{
		registry: prometheus.NewRegistry(),
		role: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Subsystem: "server", Name: "role",
			Help:        "Current role (0 inactive, 1 reserve, 2 passive, 3 follower, 4 candidate, 5 leader).",
			ConstLabels: labels,
		}),
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Subsystem: "server", Name: "term",
			Help:        "Current term.",
			ConstLabels: labels,
		}),
		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Subsystem: "server", Name: "commit_index",
			Help:        "Highest committed log index.",
			ConstLabels: labels,
		}),
		appliedIdx: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Subsystem: "server", Name: "applied_index",
			Help:        "Highest applied log index.",
			ConstLabels: labels,
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Subsystem: "server", Name: "sessions",
			Help:        "Number of open client sessions.",
			ConstLabels: labels,
		}),
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raft", Subsystem: "server", Name: "elections_total",
			Help:        "Elections started by this server.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.role, m.term, m.commitIndex, m.appliedIdx, m.sessions, m.elections)
	return m
}

func (m *metrics) setRole(kind RoleKind)     { m.role.Set(float64(kind)) }
func (m *metrics) setTerm(term int64)        { m.term.Set(float64(term)) }
func (m *metrics) setCommitIndex(idx int64)  { m.commitIndex.Set(float64(idx)) }
func (m *metrics) setAppliedIndex(idx int64) { m.appliedIdx.Set(float64(idx)) }
func (m *metrics) setSessions(n int)         { m.sessions.Set(float64(n)) }
func (m *metrics) electionStarted()          { m.elections.Inc() }
