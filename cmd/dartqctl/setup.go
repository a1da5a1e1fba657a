package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dart-go/dartq/internal/config"
	"github.com/dart-go/dartq/internal/fabric"
	"github.com/dart-go/dartq/internal/team"
)

// buildTeam turns the config's flat peer list into a *team.Team with Self
// resolved to its team-relative position.
func buildTeam(tc config.TeamConfig) (*team.Team, error) {
	rel, ok := tc.RelativeOf(tc.Self)
	if !ok {
		return nil, fmt.Errorf("team.self %d not found in team.peers", tc.Self)
	}
	return team.New(tc.Name, tc.GlobalIDs(), rel)
}

// buildFabric constructs the TCP fabric endpoint for this unit, addressed
// at cfg.Listen and aware of every peer's address.
func buildFabric(cfg *config.Config, log *zap.SugaredLogger) (*fabric.TCP, error) {
	peers := make([]fabric.TCPPeer, len(cfg.Team.Peers))
	for i, p := range cfg.Team.Peers {
		peers[i] = fabric.TCPPeer{GlobalID: p.GlobalID, Addr: p.Addr}
	}

	return fabric.NewTCP(fabric.TCPConfig{
		Self:   cfg.Team.Self,
		Listen: cfg.Listen,
		Peers:  peers,
	}, fabric.WithTCPLog(log))
}
