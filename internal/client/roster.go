package client

import (
	"github.com/ridenet-project/ridenet/internal/game"
	"github.com/ridenet-project/ridenet/internal/protocol"
)

// OtherClient is a remote peer as this client sees it. Owned exclusively
// by the client session: created on roster-add deltas, destroyed on
// roster-remove deltas or in bulk on disconnect.
type OtherClient struct {
	ID        int
	Name      string
	Mode      protocol.Mode
	LevelID   string
	LevelName string
	Points    int

	// ghosts holds the lazily created per-scene ghost bindings for each
	// of the peer's up-to-4 sub-players. A binding is created at most
	// once per (peer, subSource) pair and reused until leaving play.
	ghosts [protocol.MaxSubSources][]game.Ghost
}

// RosterSnapshot is a read-only copy of one roster entry.
type RosterSnapshot struct {
	ID        int            `json:"id"`
	Name      string         `json:"name"`
	Mode      string         `json:"mode"`
	LevelID   string         `json:"level_id"`
	LevelName string         `json:"level_name"`
	Points    int            `json:"points"`
}

// OtherClients returns a read-only snapshot of the roster.
func (c *Client) OtherClients() []RosterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]RosterSnapshot, 0, len(c.roster))
	for _, oc := range c.roster {
		out = append(out, RosterSnapshot{
			ID:        oc.ID,
			Name:      oc.Name,
			Mode:      oc.Mode.String(),
			LevelID:   oc.LevelID,
			LevelName: oc.LevelName,
			Points:    oc.Points,
		})
	}
	return out
}

// rosterByName resolves a display name to a roster entry by exact match.
func (c *Client) rosterByName(name string) (*OtherClient, bool) {
	for _, oc := range c.roster {
		if oc.Name == name {
			return oc, true
		}
	}
	return nil, false
}

// clearGhosts drops every ghost binding; called when leaving play so the
// next session recreates them against the new scenes.
func (c *Client) clearGhosts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, oc := range c.roster {
		oc.ghosts = [protocol.MaxSubSources][]game.Ghost{}
	}
}
