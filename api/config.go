package api

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

type LoggerCfg struct {
	Env logger.Environment `yaml:"env"`
}

// ServerTimings groups every timer the server role machine runs on.
type ServerTimings struct {
	// ElectionTimeout is the base T; followers fire in [T, 2T).
	ElectionTimeout time.Duration `yaml:"-"`
	// HeartbeatInterval is how often the leader replicates, ~T/2 or less.
	HeartbeatInterval time.Duration `yaml:"-"`
	// SessionTimeout is the default timeout granted to registering clients.
	SessionTimeout  time.Duration `yaml:"-"`
	RPCTimeout      time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`
}

// UnmarshalYAML parses timings from duration strings ("150ms", "2s"),
// keeping defaults for absent keys.
func (st *ServerTimings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ElectionTimeout   string `yaml:"election_timeout"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		SessionTimeout    string `yaml:"session_timeout"`
		RPCTimeout        string `yaml:"rpc_timeout"`
		ShutdownTimeout   string `yaml:"shutdown_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	set := func(dst *time.Duration, s string) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
	if err := set(&st.ElectionTimeout, raw.ElectionTimeout); err != nil {
		return err
	}
	if err := set(&st.HeartbeatInterval, raw.HeartbeatInterval); err != nil {
		return err
	}
	if err := set(&st.SessionTimeout, raw.SessionTimeout); err != nil {
		return err
	}
	if err := set(&st.RPCTimeout, raw.RPCTimeout); err != nil {
		return err
	}
	return set(&st.ShutdownTimeout, raw.ShutdownTimeout)
}

type ServerConfig struct {
	MemberID int64             `yaml:"member_id"`
	Address  string            `yaml:"address"`
	Members  []protocol.Member `yaml:"members"`

	Log     LoggerCfg     `yaml:"log"`
	Timings ServerTimings `yaml:"timings"`

	// ReplicationBatchSize bounds entries per AppendRequest.
	ReplicationBatchSize int `yaml:"replication_batch_size"`
	// SnapshotChunkSize bounds bytes per InstallRequest.
	SnapshotChunkSize int `yaml:"snapshot_chunk_size"`
	// CompactionThreshold is the live log size, in entries, beyond which the
	// server snapshots and compacts. Zero disables automatic compaction.
	CompactionThreshold int64 `yaml:"compaction_threshold"`

	DataDir            string `yaml:"data_dir"`
	HTTPMonitoringAddr string `yaml:"http_monitoring_addr"`
}

type ClientConfig struct {
	Servers []string `yaml:"servers"`

	Log LoggerCfg `yaml:"log"`

	// SessionTimeout is requested at registration; keep-alives are sent
	// every SessionTimeout/2.
	SessionTimeout time.Duration `yaml:"-"`
	RPCTimeout     time.Duration `yaml:"-"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Log: LoggerCfg{Env: logger.Prod},
		Timings: ServerTimings{
			ElectionTimeout:   500 * time.Millisecond,
			HeartbeatInterval: 150 * time.Millisecond,
			SessionTimeout:    5 * time.Second,
			RPCTimeout:        250 * time.Millisecond,
			ShutdownTimeout:   3 * time.Second,
		},
		ReplicationBatchSize: 128,
		SnapshotChunkSize:    32 * 1024,
		CompactionThreshold:  8192,
		DataDir:              "data",
	}
}

func TestsServerConfig() *ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Log.Env = logger.Dev
	cfg.Timings.ElectionTimeout = 150 * time.Millisecond
	cfg.Timings.HeartbeatInterval = 50 * time.Millisecond
	cfg.Timings.SessionTimeout = time.Second
	cfg.Timings.RPCTimeout = 100 * time.Millisecond
	cfg.CompactionThreshold = 0
	cfg.DataDir = "" // in-memory log and metadata
	return cfg
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Log:            LoggerCfg{Env: logger.Prod},
		SessionTimeout: 5 * time.Second,
		RPCTimeout:     time.Second,
	}
}

// LoadServerConfig reads and validates a YAML server configuration.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.MemberID == 0 {
		return fmt.Errorf("member_id must be greater than 0")
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("members must contain at least one member")
	}

	found := false
	seen := make(map[int64]bool, len(c.Members))
	for _, m := range c.Members {
		if seen[m.ID] {
			return fmt.Errorf("duplicate member ID: %d", m.ID)
		}
		seen[m.ID] = true
		if m.ID == c.MemberID {
			found = true
			if c.Address == "" {
				c.Address = m.Address
			} else if m.Address != c.Address {
				return fmt.Errorf("address mismatch: address=%s but members entry has %s", c.Address, m.Address)
			}
		}
	}
	if !found {
		return fmt.Errorf("member_id=%d not found in members", c.MemberID)
	}

	if c.Timings.ElectionTimeout <= 0 {
		return fmt.Errorf("timings.election_timeout must be positive")
	}
	if c.Timings.HeartbeatInterval <= 0 || c.Timings.HeartbeatInterval >= c.Timings.ElectionTimeout {
		return fmt.Errorf("timings.heartbeat_interval must be positive and below the election timeout")
	}
	return nil
}
