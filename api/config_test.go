package api

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
member_id: 2
members:
  - id: 1
    address: "10.0.0.1:5000"
    type: 3
  - id: 2
    address: "10.0.0.2:5000"
    type: 3
  - id: 3
    address: "10.0.0.3:5000"
    type: 2
timings:
  election_timeout: 300ms
  heartbeat_interval: 100ms
data_dir: "/var/lib/raft"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadServerConfig(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, int64(2), cfg.MemberID)
	assert.Equal(t, "10.0.0.2:5000", cfg.Address)
	assert.Len(t, cfg.Members, 3)
	assert.Equal(t, 300*time.Millisecond, cfg.Timings.ElectionTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Timings.HeartbeatInterval)
	assert.Equal(t, "/var/lib/raft", cfg.DataDir)

	// Defaults survive partial files.
	assert.Equal(t, DefaultServerConfig().Timings.RPCTimeout, cfg.Timings.RPCTimeout)
}

func TestLoadServerConfigRejectsUnknownMember(t *testing.T) {
	_, err := LoadServerConfig(writeConfig(t, `
member_id: 9
members:
  - id: 1
    address: "a:1"
    type: 3
`))
	assert.ErrorContains(t, err, "not found in members")
}

func TestLoadServerConfigRejectsDuplicateIDs(t *testing.T) {
	_, err := LoadServerConfig(writeConfig(t, `
member_id: 1
members:
  - id: 1
    address: "a:1"
    type: 3
  - id: 1
    address: "b:1"
    type: 3
`))
	assert.ErrorContains(t, err, "duplicate member ID")
}

func TestValidateRejectsBadTimings(t *testing.T) {
	_, err := LoadServerConfig(writeConfig(t, `
member_id: 1
members:
  - id: 1
    address: "a:1"
    type: 3
timings:
  election_timeout: 100ms
  heartbeat_interval: 200ms
`))
	assert.ErrorContains(t, err, "heartbeat_interval")
}
