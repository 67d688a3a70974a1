package client

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ridenet-project/ridenet/internal/events"
	"github.com/ridenet-project/ridenet/internal/game"
	"github.com/ridenet-project/ridenet/internal/protocol"
)

// ExecuteNetActions drains the inbound queue and dispatches every action.
// Call once per game tick from the goroutine that owns the simulation
// state. db resolves level ids for roster announcements and may be nil.
func (c *Client) ExecuteNetActions(db game.LevelDB) {
	// Fast path: the queue is empty most ticks, and the atomic mirror of
	// its length lets us skip the lock entirely then.
	if c.queueLen.Load() == 0 {
		return
	}

	c.queueMu.Lock()
	batch := c.queue
	c.queue = nil
	c.queueLen.Store(0)
	c.queueMu.Unlock()

	// Actions already pulled off the queue are dispatched to completion
	// even if a disconnect starts meanwhile.
	for _, a := range batch {
		c.dispatch(a, db)
	}
}

func (c *Client) dispatch(a protocol.Action, db game.LevelDB) {
	switch act := a.(type) {
	case *protocol.ClientInfos, *protocol.ChangeMode, *protocol.SrvCmd:
		// Server-bound actions are never expected inbound on the client.
		c.logger.Debug().Str("action", a.Key()).Msg("ignoring unexpected inbound action")

	case *protocol.UDPBindQuery:
		c.answerBindQuery()

	case *protocol.UDPBind:
		if act.Answer {
			// The server confirmed it received our key: our outbound
			// direction is UDP-confirmed.
			c.mu.Lock()
			c.serverReceivesUDP = true
			t := c.transport
			c.mu.Unlock()
			if t != nil {
				t.SetUDPConfirmed(true)
			}
		}

	case *protocol.UDPBindValidation:
		// Ack of our ack; nothing further to flip on this side.

	case *protocol.Chat:
		c.showChat(act.Source(), act.Message, false)

	case *protocol.ChatPP:
		if !utf8.ValidString(act.Message) {
			c.logger.Warn().Int("source", act.Source()).Msg("dropping addressed chat with invalid UTF-8")
			return
		}
		c.showChat(act.Source(), act.Message, true)

	case *protocol.Frame:
		c.applyFrame(act)

	case *protocol.ChangeName:
		c.mu.Lock()
		if oc, ok := c.roster[act.Source()]; ok {
			oc.Name = act.Name
		}
		c.mu.Unlock()

	case *protocol.PlayingLevel:
		c.updatePlayingLevel(act, db)

	case *protocol.SrvError:
		// Untranslated server text; localization is the UI layer's job.
		if c.console != nil {
			c.console.AppendLine(game.TagServer, act.Message)
		}

	case *protocol.ClientsAddedRemoved:
		c.applyRosterDelta(act)

	case *protocol.PointsDelta:
		c.applyPoints(act)

	case *protocol.PrepareToPlay:
		c.applyPrepareToPlay(act)

	case *protocol.PrepareToGo:
		c.applyCountdown(act.Seconds, true)

	case *protocol.KillAlert:
		c.applyKillAlert(act.Seconds)

	case *protocol.GameEvents:
		c.applyGameEvents(act.Buffer)

	case *protocol.SrvCmdAnswer:
		if c.bus != nil {
			c.bus.Emit(context.Background(), events.Event{
				Type:    events.EventServerCmdAnswer,
				Source:  "net_client",
				Payload: events.ServerCmdAnswerPayload{Answer: act.Answer},
			})
		}

	case *protocol.Ping:
		c.handlePing(act)

	default:
		c.logger.Debug().Str("action", a.Key()).Msg("unhandled action kind")
	}
}

// answerBindQuery sends the bind key 3 times over UDP. The redundancy is
// a deliberate loss-survival policy, not retry-on-failure.
func (c *Client) answerBindQuery() {
	c.mu.Lock()
	t := c.transport
	key := c.bindKey
	c.mu.Unlock()
	if t == nil {
		return
	}
	for i := 0; i < 3; i++ {
		t.Send(&protocol.UDPBind{BindKey: key}, 0, 0, false)
	}
}

func (c *Client) showChat(source int, msg string, private bool) {
	author := "server"
	c.mu.Lock()
	if source != protocol.SourceServer {
		if oc, ok := c.roster[source]; ok {
			author = oc.Name
		} else {
			author = fmt.Sprintf("client %d", source)
		}
	}
	c.mu.Unlock()

	tag := game.TagInfo
	if private {
		tag = game.TagPrivate
	}
	if c.console != nil {
		c.console.AppendLine(tag, author+": "+msg)
	}
	if c.bus != nil {
		c.bus.Emit(context.Background(), events.Event{
			Type:    events.EventChatReceived,
			Source:  "net_client",
			Payload: events.ChatPayload{Author: author, Message: msg, Private: private},
		})
	}
}

// applyFrame applies one bike state update. Source -1 is our own
// authoritative frame echoed by the server (slave mode reconciliation);
// any other source is a peer whose ghost gets the state.
func (c *Client) applyFrame(f *protocol.Frame) {
	c.mu.Lock()
	u := c.universe
	mode := c.mode
	c.mu.Unlock()

	if u == nil {
		return // no active play session, frame is stale
	}

	if f.Source() == protocol.SourceServer {
		if mode != protocol.ModeSlave {
			return
		}
		c.accountOwnFrame()
		for _, scene := range u.Scenes() {
			scene.SetPlayerState(f.SubSource(), f.State)
			scene.SetTargetTime(f.State.GameTime)
		}
		return
	}

	c.mu.Lock()
	oc, ok := c.roster[f.Source()]
	c.mu.Unlock()
	if !ok {
		return
	}

	ghosts := c.ghostsFor(oc, f.SubSource(), u)
	for _, g := range ghosts {
		g.SetState(f.State)
	}
}

// ghostsFor returns the peer's per-scene ghost bindings for a
// sub-player, creating them on first use. The tint follows the peer's
// current mode: slave-tinted for party members, ghost-tinted otherwise.
func (c *Client) ghostsFor(oc *OtherClient, sub int, u game.Universe) []game.Ghost {
	c.mu.Lock()
	existing := oc.ghosts[sub]
	name := oc.Name
	mode := oc.Mode
	c.mu.Unlock()

	if existing != nil {
		return existing
	}

	tint := game.TintGhost
	theme := c.theme.GhostTheme()
	if mode == protocol.ModeSlave {
		tint = game.TintSlave
		theme = c.theme.NetPlayerTheme()
	}

	var ghosts []game.Ghost
	for _, scene := range u.Scenes() {
		g, err := scene.AddGhost(name, theme, tint)
		if err != nil {
			c.logger.Warn().Err(err).Str("peer", name).Msg("ghost creation failed")
			continue
		}
		ghosts = append(ghosts, g)
	}

	c.mu.Lock()
	oc.ghosts[sub] = ghosts
	c.mu.Unlock()
	return ghosts
}

func (c *Client) accountOwnFrame() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.fpsWindowFrom.IsZero() || now.Sub(c.fpsWindowFrom) >= time.Second {
		if !c.fpsWindowFrom.IsZero() {
			c.ownFrameFPS = float64(c.ownFrames) / now.Sub(c.fpsWindowFrom).Seconds()
		}
		c.fpsWindowFrom = now
		c.ownFrames = 0
	}
	c.ownFrames++
}

func (c *Client) updatePlayingLevel(act *protocol.PlayingLevel, db game.LevelDB) {
	c.mu.Lock()
	oc, ok := c.roster[act.Source()]
	if !ok {
		c.mu.Unlock()
		return
	}
	changed := oc.LevelID != act.LevelID
	oc.LevelID = act.LevelID
	name := oc.Name
	c.mu.Unlock()

	if !changed {
		return
	}

	levelName := act.LevelID
	if db != nil && act.LevelID != "" {
		if resolved, err := db.DisplayName(act.LevelID); err == nil {
			levelName = resolved
		}
	}

	c.mu.Lock()
	oc.LevelName = levelName
	c.mu.Unlock()

	if c.console != nil && act.LevelID != "" {
		c.console.AppendLine(game.TagGameInfo,
			fmt.Sprintf("%s is now playing %s", name, levelName))
	}
}

func (c *Client) applyRosterDelta(act *protocol.ClientsAddedRemoved) {
	for _, e := range act.Added {
		c.mu.Lock()
		c.roster[e.ID] = &OtherClient{ID: e.ID, Name: e.Name, Mode: protocol.ModeGhost}
		c.mu.Unlock()
		if c.console != nil {
			c.console.AppendLine(game.TagInfo, e.Name+" joined")
		}
	}
	for _, e := range act.Removed {
		c.mu.Lock()
		oc, ok := c.roster[e.ID]
		if ok {
			delete(c.roster, e.ID)
		}
		c.mu.Unlock()
		if ok && c.console != nil {
			c.console.AppendLine(game.TagInfo, oc.Name+" left")
		}
	}
}

func (c *Client) applyPoints(act *protocol.PointsDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range act.Entries {
		if e.ID == protocol.SourceServer {
			c.points = e.Points
			continue
		}
		if oc, ok := c.roster[e.ID]; ok {
			oc.Points = e.Points
		}
	}
}

// applyPrepareToPlay replaces the slave membership wholesale: every
// roster member in the supplied list becomes a slave, everyone else is
// forced back to ghost mode.
func (c *Client) applyPrepareToPlay(act *protocol.PrepareToPlay) {
	slaves := make(map[int]bool, len(act.Slaves))
	for _, id := range act.Slaves {
		slaves[id] = true
	}

	c.mu.Lock()
	for id, oc := range c.roster {
		if slaves[id] {
			oc.Mode = protocol.ModeSlave
		} else {
			oc.Mode = protocol.ModeGhost
		}
	}
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Emit(context.Background(), events.Event{
			Type:    events.EventPrepareToPlay,
			Source:  "net_client",
			Payload: events.PrepareToPlayPayload{LevelID: act.LevelID, Slaves: act.Slaves},
		})
	}
}

// applyCountdown renders the prepare-to-go countdown; zero means go and
// unpauses any locally paused scene. Only acts while playing in slave
// mode.
func (c *Client) applyCountdown(seconds int, unpauseAtZero bool) {
	c.mu.Lock()
	u := c.universe
	mode := c.mode
	c.mu.Unlock()

	if u == nil || mode != protocol.ModeSlave {
		return
	}

	for _, scene := range u.Scenes() {
		if seconds > 0 {
			scene.DisplayMessage(fmt.Sprintf("%d", seconds))
		} else {
			scene.DisplayMessage("GO!")
			if unpauseAtZero {
				scene.Unpause()
			}
		}
	}
}

func (c *Client) applyKillAlert(seconds int) {
	c.mu.Lock()
	u := c.universe
	mode := c.mode
	c.mu.Unlock()

	if u == nil || mode != protocol.ModeSlave {
		return
	}
	for _, scene := range u.Scenes() {
		scene.DisplayMessage(fmt.Sprintf("round ends in %d", seconds))
	}
}

// applyGameEvents replays a batched buffer of scene events onto every
// local scene. The buffer is a sequence of length-prefixed records.
func (c *Client) applyGameEvents(buf []byte) {
	c.mu.Lock()
	u := c.universe
	mode := c.mode
	c.mu.Unlock()

	if u == nil || mode != protocol.ModeSlave {
		return
	}

	chunks, err := protocol.SplitEventBuffer(buf)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed game event buffer")
		return
	}
	for _, scene := range u.Scenes() {
		for _, ev := range chunks {
			if err := scene.HandleEvent(ev); err != nil {
				c.logger.Warn().Err(err).Msg("scene event replay failed")
			}
		}
	}
}

func (c *Client) handlePing(p *protocol.Ping) {
	if p.Pong {
		c.mu.Lock()
		if c.pingPending && p.ID == c.pingID {
			c.latency = time.Since(c.pingSentAt)
			c.pingPending = false
		}
		// Mismatched id: a newer ping superseded this pong, ignore.
		c.mu.Unlock()
		return
	}

	// Server-initiated probe: echo it straight back. Best-effort.
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t != nil {
		t.Send(&protocol.Ping{Pong: true, ID: p.ID}, 0, 0, false)
	}
}
