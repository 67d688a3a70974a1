package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/ridenet-project/ridenet/internal/events"
	"github.com/ridenet-project/ridenet/internal/protocol"
)

// handleAction applies one decoded client action. A returned error is a
// protocol violation: the dispatch loop removes the client (TCP) or
// drops the datagram (UDP).
func (s *Server) handleAction(sc *ServerClient, a protocol.Action, overUDP bool) error {
	s.logger.Trace().
		Str("action", protocol.Describe(a)).
		Int("client", sc.id).
		Bool("udp", overUDP).
		Msg("inbound")

	switch act := a.(type) {
	case *protocol.UDPBindQuery, *protocol.SrvError, *protocol.ClientsAddedRemoved,
		*protocol.PointsDelta, *protocol.PrepareToPlay, *protocol.PrepareToGo,
		*protocol.KillAlert, *protocol.SrvCmdAnswer:
		// Server-to-client-only directions; a client sending one is
		// hostile or broken.
		return fmt.Errorf("%w: client %d sent server-only action %s",
			protocol.ErrNastyPeer, sc.id, a.Key())

	case *protocol.ClientInfos:
		return s.handleClientInfos(sc, act)

	case *protocol.UDPBind:
		// Key presentation is consumed by the anonymous-datagram path
		// before it reaches this switch; from a bound client it is a
		// redundant re-send and ignored.
		return nil

	case *protocol.UDPBindValidation:
		// The client confirmed our datagrams reach it: the outbound
		// direction toward this client is UDP-confirmed.
		sc.mu.Lock()
		sc.clientReceivesUDP = true
		sc.mu.Unlock()
		sc.transport.SetUDPConfirmed(true)
		return nil

	case *protocol.ChangeMode:
		sc.mu.Lock()
		sc.mode = act.Mode
		sc.mu.Unlock()
		return nil

	case *protocol.ChangeName:
		return s.handleChangeName(sc, act)

	case *protocol.Chat:
		// Relay verbatim to everyone else, with source rewritten to the
		// server-assigned id, never the client's claimed value.
		s.broadcast(&protocol.Chat{Message: act.Message}, sc.id, act.SubSource(), sc)
		return nil

	case *protocol.ChatPP:
		s.relayPrivateChat(sc, act)
		return nil

	case *protocol.PlayingLevel:
		sc.setLevel(act.LevelID)
		s.broadcast(&protocol.PlayingLevel{LevelID: act.LevelID}, sc.id, act.SubSource(), sc)
		return nil

	case *protocol.Frame:
		s.relayFrame(sc, act)
		return nil

	case *protocol.GameEvents:
		s.relaySameLevel(sc, &protocol.GameEvents{Buffer: act.Buffer}, act.SubSource())
		return nil

	case *protocol.Ping:
		if act.Pong {
			return nil // no server-initiated pings outstanding here
		}
		// Echo back with the same correlation id. Best-effort.
		sc.send(&protocol.Ping{Pong: true, ID: act.ID}, protocol.SourceServer, 0, overUDP)
		return nil

	case *protocol.SrvCmd:
		s.handleSrvCmd(sc, act)
		return nil

	default:
		s.logger.Debug().Str("action", a.Key()).Int("client", sc.id).Msg("unhandled action")
		return nil
	}
}

// handleClientInfos validates the protocol version, stores the bind key,
// kicks off the UDP handshake and sends the current named roster.
func (s *Server) handleClientInfos(sc *ServerClient, info *protocol.ClientInfos) error {
	if info.Version != protocol.ProtocolVersion {
		sc.send(&protocol.SrvError{
			Message: fmt.Sprintf("incompatible protocol version %d (server speaks %d)",
				info.Version, protocol.ProtocolVersion),
		}, protocol.SourceServer, 0, false)
		return fmt.Errorf("%w: client %d protocol version %d",
			protocol.ErrNastyPeer, sc.id, info.Version)
	}

	sc.mu.Lock()
	sc.bindKey = info.BindKey
	sc.mu.Unlock()

	// Kick off the UDP binding handshake.
	sc.send(&protocol.UDPBindQuery{}, protocol.SourceServer, 0, false)

	// Announce the peers that are already visible. Clients mid-handshake
	// without a name yet are not announced until they choose one.
	var added []protocol.RosterEntry
	s.mu.RLock()
	for _, other := range s.clients {
		if other == sc {
			continue
		}
		if name := other.getName(); name != "" {
			added = append(added, protocol.RosterEntry{ID: other.id, Name: name})
		}
	}
	s.mu.RUnlock()

	if len(added) > 0 {
		return sc.send(&protocol.ClientsAddedRemoved{Added: added}, protocol.SourceServer, 0, false)
	}
	return nil
}

// handleChangeName stores the name. The first non-empty name makes the
// client visible: that is the moment its roster-add is broadcast.
func (s *Server) handleChangeName(sc *ServerClient, act *protocol.ChangeName) error {
	if act.Name == "" {
		return fmt.Errorf("%w: client %d sent empty name", protocol.ErrNastyPeer, sc.id)
	}

	first := sc.getName() == ""
	sc.setName(act.Name)

	if first {
		delta := &protocol.ClientsAddedRemoved{
			Added: []protocol.RosterEntry{{ID: sc.id, Name: act.Name}},
		}
		s.broadcast(delta, protocol.SourceServer, 0, sc)

		if s.bus != nil {
			s.bus.Emit(context.Background(), events.Event{
				Type:    events.EventClientJoined,
				Source:  "net_server",
				Payload: events.ClientRosterPayload{ID: sc.id, Name: act.Name},
			})
		}
		return nil
	}

	s.broadcast(&protocol.ChangeName{Name: act.Name}, sc.id, act.SubSource(), sc)
	return nil
}

// relayPrivateChat forwards an addressed chat only to the listed
// recipients that are still connected.
func (s *Server) relayPrivateChat(sc *ServerClient, act *protocol.ChatPP) {
	relayed := &protocol.ChatPP{Recipients: act.Recipients, Message: act.Message}

	s.mu.RLock()
	targets := make([]*ServerClient, 0, len(act.Recipients))
	for _, id := range act.Recipients {
		if target, ok := s.clients[id]; ok && target != sc {
			targets = append(targets, target)
		}
	}
	s.mu.RUnlock()

	for _, target := range targets {
		if err := target.send(relayed, sc.id, act.SubSource(), false); err != nil {
			s.removeClient(target, fmt.Errorf("private chat relay failed: %w", err))
		}
	}
}

// relayFrame forwards a frame only to clients playing the same non-empty
// level as the sender, never echoing back to the sender.
func (s *Server) relayFrame(sc *ServerClient, act *protocol.Frame) {
	s.relaySameLevel(sc, &protocol.Frame{State: act.State}, act.SubSource())
}

func (s *Server) relaySameLevel(sc *ServerClient, relayed protocol.Action, subSource int) {
	level := sc.getLevel()
	if level == "" {
		return
	}

	s.mu.RLock()
	targets := make([]*ServerClient, 0, len(s.clients))
	for _, other := range s.clients {
		if other != sc && other.getLevel() == level {
			targets = append(targets, other)
		}
	}
	s.mu.RUnlock()

	for _, target := range targets {
		// PrefAny actions pick UDP per target once that direction is
		// confirmed; the transport falls back to TCP otherwise.
		if err := target.send(relayed, sc.id, subSource, false); err != nil {
			s.removeClient(target, fmt.Errorf("relay failed: %w", err))
		}
	}
}

// handleSrvCmd answers a small set of administrative queries.
func (s *Server) handleSrvCmd(sc *ServerClient, act *protocol.SrvCmd) {
	var answer string
	switch strings.TrimSpace(act.Command) {
	case "info":
		answer = fmt.Sprintf("ridenet server, %d/%d clients", s.ClientCount(), s.cfg.MaxClients)
	case "clients":
		var names []string
		for _, snap := range s.Clients() {
			name := snap.Name
			if name == "" {
				name = fmt.Sprintf("client %d", snap.ID)
			}
			names = append(names, name)
		}
		answer = strings.Join(names, ", ")
	case "stats":
		st := s.Stats()
		answer = fmt.Sprintf("tcp %d pkts / %d bytes, udp %d pkts / %d bytes",
			st.TCPPacketsSent+st.TCPPacketsRecv, st.TCPBytesSent+st.TCPBytesRecv,
			st.UDPPacketsSent+st.UDPPacketsRecv, st.UDPBytesSent+st.UDPBytesRecv)
	default:
		answer = "unknown command: " + act.Command
	}
	sc.send(&protocol.SrvCmdAnswer{Answer: answer}, protocol.SourceServer, 0, false)
}
