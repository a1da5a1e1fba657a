package config

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const validYAML = `
listen: ":7171"
team:
  name: ring
  self: 1
  peers:
    - global_id: 0
      addr: "10.0.0.1:7171"
    - global_id: 1
      addr: "10.0.0.2:7171"
queue:
  id: main
  capacity_bytes: "1MB"
`

func TestUnmarshalValidConfig(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(validYAML), &cfg))

	require.Equal(t, "ring", cfg.Team.Name)
	require.Equal(t, uint32(1), cfg.Team.Self)
	require.Equal(t, []uint32{0, 1}, cfg.Team.GlobalIDs())
	require.Equal(t, uint64(1024*1024), cfg.Queue.CapacityBytes.Bytes())

	rel, ok := cfg.Team.RelativeOf(1)
	require.True(t, ok)
	require.Equal(t, uint32(1), rel)
}

func TestValidateRejectsMissingTeamName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Team.Self = 0
	cfg.Team.Peers = []PeerConfig{{GlobalID: 0, Addr: "x:1"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsSelfNotInPeers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Team.Name = "ring"
	cfg.Team.Self = 5
	cfg.Team.Peers = []PeerConfig{{GlobalID: 0, Addr: "x:1"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Team.Name = "ring"
	cfg.Team.Self = 0
	cfg.Team.Peers = []PeerConfig{{GlobalID: 0, Addr: "x:1"}}
	cfg.Queue.CapacityBytes = 0
	require.Error(t, cfg.Validate())
}
