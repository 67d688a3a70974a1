package client

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ridenet-project/ridenet/internal/events"
	"github.com/ridenet-project/ridenet/internal/game"
	"github.com/ridenet-project/ridenet/internal/protocol"
)

// ---- test doubles for the game interfaces ----

type fakeConsole struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeConsole) AppendLine(tag game.ConsoleTag, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
}

func (f *fakeConsole) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

type fakeGhost struct {
	states []protocol.BikeState
}

func (g *fakeGhost) SetState(st protocol.BikeState) { g.states = append(g.states, st) }

type fakeScene struct {
	playerStates map[int][]protocol.BikeState
	targetTimes  []float32
	ghosts       []*fakeGhost
	ghostNames   []string
	ghostTints   []game.GhostTint
	events       [][]byte
	messages     []string
	unpaused     int
}

func newFakeScene() *fakeScene {
	return &fakeScene{playerStates: make(map[int][]protocol.BikeState)}
}

func (s *fakeScene) SetPlayerState(sub int, st protocol.BikeState) {
	s.playerStates[sub] = append(s.playerStates[sub], st)
}

func (s *fakeScene) SetTargetTime(t float32) { s.targetTimes = append(s.targetTimes, t) }

func (s *fakeScene) AddGhost(name, theme string, tint game.GhostTint) (game.Ghost, error) {
	g := &fakeGhost{}
	s.ghosts = append(s.ghosts, g)
	s.ghostNames = append(s.ghostNames, name)
	s.ghostTints = append(s.ghostTints, tint)
	return g, nil
}

func (s *fakeScene) HandleEvent(buf []byte) error {
	s.events = append(s.events, append([]byte(nil), buf...))
	return nil
}

func (s *fakeScene) DisplayMessage(msg string) { s.messages = append(s.messages, msg) }
func (s *fakeScene) Unpause()                  { s.unpaused++ }

type fakeUniverse struct {
	scenes []game.Scene
}

func (u *fakeUniverse) Scenes() []game.Scene { return u.scenes }

type fakeLevelDB struct {
	names map[string]string
}

func (db *fakeLevelDB) DisplayName(id string) (string, error) {
	if n, ok := db.names[id]; ok {
		return n, nil
	}
	return "", fmt.Errorf("unknown level %q", id)
}

// ----

func newTestClient(t *testing.T) (*Client, *fakeConsole) {
	t.Helper()
	console := &fakeConsole{}
	c := New(Options{Name: "me"}, events.NewBus(), console)
	return c, console
}

func stamp(t *testing.T, a protocol.Action, source, sub int) protocol.Action {
	t.Helper()
	a.SetSource(source)
	a.SetSubSource(sub)
	return a
}

func TestRosterDeltaAddRemove(t *testing.T) {
	c, console := newTestClient(t)

	c.dispatch(stamp(t, &protocol.ClientsAddedRemoved{
		Added: []protocol.RosterEntry{{ID: 1, Name: "alice"}, {ID: 2, Name: "bob"}},
	}, protocol.SourceServer, 0), nil)

	roster := c.OtherClients()
	if len(roster) != 2 {
		t.Fatalf("roster has %d entries, want 2", len(roster))
	}

	// Removing an already-removed id must be harmless and silent.
	rm := &protocol.ClientsAddedRemoved{Removed: []protocol.RosterEntry{{ID: 2, Name: "bob"}}}
	c.dispatch(stamp(t, rm, protocol.SourceServer, 0), nil)
	c.dispatch(stamp(t, rm, protocol.SourceServer, 0), nil)

	roster = c.OtherClients()
	if len(roster) != 1 || roster[0].Name != "alice" {
		t.Fatalf("roster after removal: %+v", roster)
	}

	var leaves int
	for _, l := range console.all() {
		if l == "bob left" {
			leaves++
		}
	}
	if leaves != 1 {
		t.Fatalf("bob announced leaving %d times, want 1", leaves)
	}
}

func TestChangeNameRenamesRosterEntry(t *testing.T) {
	c, _ := newTestClient(t)
	c.dispatch(stamp(t, &protocol.ClientsAddedRemoved{
		Added: []protocol.RosterEntry{{ID: 5, Name: "old"}},
	}, protocol.SourceServer, 0), nil)

	c.dispatch(stamp(t, &protocol.ChangeName{Name: "new"}, 5, 0), nil)

	roster := c.OtherClients()
	if len(roster) != 1 || roster[0].Name != "new" {
		t.Fatalf("roster after rename: %+v", roster)
	}
}

func TestOwnFrameAppliesOnlyInSlaveMode(t *testing.T) {
	c, _ := newTestClient(t)
	scene := newFakeScene()
	c.AttachUniverse(&fakeUniverse{scenes: []game.Scene{scene}})

	st := protocol.BikeState{GameTime: 9.5, CenterX: 1}
	frame := stamp(t, &protocol.Frame{State: st}, protocol.SourceServer, 0)

	// Ghost mode: the authoritative echo must not touch the local bike.
	c.dispatch(frame, nil)
	if len(scene.playerStates[0]) != 0 {
		t.Fatal("own frame applied in ghost mode")
	}

	c.mu.Lock()
	c.mode = protocol.ModeSlave
	c.mu.Unlock()

	c.dispatch(frame, nil)
	if got := scene.playerStates[0]; len(got) != 1 || got[0] != st {
		t.Fatalf("player state = %+v, want one entry %+v", got, st)
	}
	if len(scene.targetTimes) != 1 || scene.targetTimes[0] != 9.5 {
		t.Fatalf("target times = %v", scene.targetTimes)
	}
}

func TestPeerFrameCreatesGhostLazily(t *testing.T) {
	c, _ := newTestClient(t)
	scene := newFakeScene()
	c.AttachUniverse(&fakeUniverse{scenes: []game.Scene{scene}})

	c.dispatch(stamp(t, &protocol.ClientsAddedRemoved{
		Added: []protocol.RosterEntry{{ID: 3, Name: "peer"}},
	}, protocol.SourceServer, 0), nil)

	st := protocol.BikeState{CenterX: 7}
	c.dispatch(stamp(t, &protocol.Frame{State: st}, 3, 0), nil)
	c.dispatch(stamp(t, &protocol.Frame{State: st}, 3, 0), nil)

	if len(scene.ghosts) != 1 {
		t.Fatalf("created %d ghosts, want 1", len(scene.ghosts))
	}
	if scene.ghostNames[0] != "peer" || scene.ghostTints[0] != game.TintGhost {
		t.Fatalf("ghost %q tint %d", scene.ghostNames[0], scene.ghostTints[0])
	}
	if len(scene.ghosts[0].states) != 2 {
		t.Fatalf("ghost received %d states, want 2", len(scene.ghosts[0].states))
	}

	// A second sub-player of the same peer gets its own ghost binding.
	c.dispatch(stamp(t, &protocol.Frame{State: st}, 3, 1), nil)
	if len(scene.ghosts) != 2 {
		t.Fatalf("created %d ghosts after sub-player frame, want 2", len(scene.ghosts))
	}
}

func TestFrameFromUnknownPeerIsDropped(t *testing.T) {
	c, _ := newTestClient(t)
	scene := newFakeScene()
	c.AttachUniverse(&fakeUniverse{scenes: []game.Scene{scene}})

	c.dispatch(stamp(t, &protocol.Frame{}, 99, 0), nil)
	if len(scene.ghosts) != 0 {
		t.Fatal("ghost created for unknown peer")
	}
}

func TestFrameWithoutUniverseIsDropped(t *testing.T) {
	c, _ := newTestClient(t)
	// Must not panic with no active play session.
	c.dispatch(stamp(t, &protocol.Frame{}, protocol.SourceServer, 0), nil)
}

func TestSlaveGhostTint(t *testing.T) {
	c, _ := newTestClient(t)
	scene := newFakeScene()
	c.AttachUniverse(&fakeUniverse{scenes: []game.Scene{scene}})

	c.dispatch(stamp(t, &protocol.ClientsAddedRemoved{
		Added: []protocol.RosterEntry{{ID: 3, Name: "partner"}},
	}, protocol.SourceServer, 0), nil)
	c.dispatch(stamp(t, &protocol.PrepareToPlay{LevelID: "_iL02_", Slaves: []int{3}}, protocol.SourceServer, 0), nil)

	c.dispatch(stamp(t, &protocol.Frame{}, 3, 0), nil)
	if len(scene.ghostTints) != 1 || scene.ghostTints[0] != game.TintSlave {
		t.Fatalf("ghost tints = %v, want [TintSlave]", scene.ghostTints)
	}
}

func TestPrepareToPlayReplacesSlaveSet(t *testing.T) {
	c, _ := newTestClient(t)
	c.dispatch(stamp(t, &protocol.ClientsAddedRemoved{
		Added: []protocol.RosterEntry{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}},
	}, protocol.SourceServer, 0), nil)

	c.dispatch(stamp(t, &protocol.PrepareToPlay{Slaves: []int{1, 2}}, protocol.SourceServer, 0), nil)
	c.dispatch(stamp(t, &protocol.PrepareToPlay{Slaves: []int{2}}, protocol.SourceServer, 0), nil)

	for _, oc := range c.OtherClients() {
		want := "ghost"
		if oc.ID == 2 {
			want = "slave"
		}
		if oc.Mode != want {
			t.Fatalf("client %d mode %v, want %v", oc.ID, oc.Mode, want)
		}
	}
}

func TestPlayingLevelResolvesDisplayName(t *testing.T) {
	c, console := newTestClient(t)
	db := &fakeLevelDB{names: map[string]string{"_iL01_": "First Jumps"}}

	c.dispatch(stamp(t, &protocol.ClientsAddedRemoved{
		Added: []protocol.RosterEntry{{ID: 1, Name: "alice"}},
	}, protocol.SourceServer, 0), nil)

	c.dispatch(stamp(t, &protocol.PlayingLevel{LevelID: "_iL01_"}, 1, 0), db)

	roster := c.OtherClients()
	if roster[0].LevelName != "First Jumps" {
		t.Fatalf("level name = %q, want resolved display name", roster[0].LevelName)
	}

	found := false
	for _, l := range console.all() {
		if l == "alice is now playing First Jumps" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no level announcement in %v", console.all())
	}

	// Same level again: no duplicate announcement.
	before := len(console.all())
	c.dispatch(stamp(t, &protocol.PlayingLevel{LevelID: "_iL01_"}, 1, 0), db)
	if len(console.all()) != before {
		t.Fatal("unchanged level re-announced")
	}

	// Unknown id falls back to the raw id.
	c.dispatch(stamp(t, &protocol.PlayingLevel{LevelID: "xyz"}, 1, 0), db)
	if c.OtherClients()[0].LevelName != "xyz" {
		t.Fatalf("level name = %q, want raw id fallback", c.OtherClients()[0].LevelName)
	}
}

func TestGameEventsReplayedOnlyWhilePlayingSlave(t *testing.T) {
	c, _ := newTestClient(t)
	scene := newFakeScene()
	c.AttachUniverse(&fakeUniverse{scenes: []game.Scene{scene}})

	var buf []byte
	buf = protocol.AppendEventBuffer(buf, []byte("ev1"))
	buf = protocol.AppendEventBuffer(buf, []byte("ev2"))

	c.dispatch(stamp(t, &protocol.GameEvents{Buffer: buf}, protocol.SourceServer, 0), nil)
	if len(scene.events) != 0 {
		t.Fatal("events replayed in ghost mode")
	}

	c.mu.Lock()
	c.mode = protocol.ModeSlave
	c.mu.Unlock()

	c.dispatch(stamp(t, &protocol.GameEvents{Buffer: buf}, protocol.SourceServer, 0), nil)
	if len(scene.events) != 2 {
		t.Fatalf("replayed %d events, want 2", len(scene.events))
	}
	if string(scene.events[0]) != "ev1" || string(scene.events[1]) != "ev2" {
		t.Fatalf("events = %q", scene.events)
	}
}

func TestCountdownUnpausesAtZero(t *testing.T) {
	c, _ := newTestClient(t)
	scene := newFakeScene()
	c.AttachUniverse(&fakeUniverse{scenes: []game.Scene{scene}})
	c.mu.Lock()
	c.mode = protocol.ModeSlave
	c.mu.Unlock()

	c.dispatch(stamp(t, &protocol.PrepareToGo{Seconds: 3}, protocol.SourceServer, 0), nil)
	if scene.unpaused != 0 {
		t.Fatal("unpaused during countdown")
	}
	c.dispatch(stamp(t, &protocol.PrepareToGo{Seconds: 0}, protocol.SourceServer, 0), nil)
	if scene.unpaused != 1 {
		t.Fatalf("unpaused %d times, want 1", scene.unpaused)
	}
}

func TestPointsDelta(t *testing.T) {
	c, _ := newTestClient(t)
	c.dispatch(stamp(t, &protocol.ClientsAddedRemoved{
		Added: []protocol.RosterEntry{{ID: 1, Name: "a"}},
	}, protocol.SourceServer, 0), nil)

	c.dispatch(stamp(t, &protocol.PointsDelta{Entries: []protocol.PointsEntry{
		{ID: protocol.SourceServer, Points: 40},
		{ID: 1, Points: 25},
	}}, protocol.SourceServer, 0), nil)

	if c.Points() != 40 {
		t.Fatalf("own points = %d, want 40", c.Points())
	}
	if got := c.OtherClients()[0].Points; got != 25 {
		t.Fatalf("peer points = %d, want 25", got)
	}
}

func TestChatAuthorResolution(t *testing.T) {
	c, console := newTestClient(t)
	c.dispatch(stamp(t, &protocol.ClientsAddedRemoved{
		Added: []protocol.RosterEntry{{ID: 1, Name: "alice"}},
	}, protocol.SourceServer, 0), nil)

	c.dispatch(stamp(t, &protocol.Chat{Message: "hi"}, 1, 0), nil)
	c.dispatch(stamp(t, &protocol.Chat{Message: "welcome"}, protocol.SourceServer, 0), nil)
	c.dispatch(stamp(t, &protocol.Chat{Message: "??"}, 42, 0), nil)

	lines := console.all()
	want := []string{"alice: hi", "server: welcome", "client 42: ??"}
	if len(lines) < len(want) {
		t.Fatalf("console lines = %v", lines)
	}
	got := lines[len(lines)-3:]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAddressedChatInvalidUTF8Dropped(t *testing.T) {
	c, console := newTestClient(t)
	before := len(console.all())
	c.dispatch(stamp(t, &protocol.ChatPP{Message: string([]byte{0xff, 0xfe})}, 1, 0), nil)
	if len(console.all()) != before {
		t.Fatal("invalid UTF-8 addressed chat displayed")
	}
}

func TestExecuteNetActionsDrainsQueue(t *testing.T) {
	c, console := newTestClient(t)

	c.enqueue(stamp(t, &protocol.ClientsAddedRemoved{
		Added: []protocol.RosterEntry{{ID: 1, Name: "alice"}},
	}, protocol.SourceServer, 0))
	c.enqueue(stamp(t, &protocol.Chat{Message: "queued"}, 1, 0))

	c.ExecuteNetActions(nil)

	if len(c.OtherClients()) != 1 {
		t.Fatal("queued roster delta not applied")
	}
	found := false
	for _, l := range console.all() {
		if l == "alice: queued" {
			found = true
		}
	}
	if !found {
		t.Fatalf("queued chat not dispatched: %v", console.all())
	}

	// Queue must be drained, a second call is a no-op.
	before := len(console.all())
	c.ExecuteNetActions(nil)
	if len(console.all()) != before {
		t.Fatal("second drain re-dispatched actions")
	}
}

func TestPongCorrelation(t *testing.T) {
	c, _ := newTestClient(t)

	c.mu.Lock()
	c.pingPending = true
	c.pingID = 7
	c.mu.Unlock()

	// A stale pong id must not resolve the outstanding ping.
	c.dispatch(stamp(t, &protocol.Ping{Pong: true, ID: 6}, protocol.SourceServer, 0), nil)
	c.mu.Lock()
	pending := c.pingPending
	c.mu.Unlock()
	if !pending {
		t.Fatal("stale pong resolved the ping")
	}

	c.dispatch(stamp(t, &protocol.Ping{Pong: true, ID: 7}, protocol.SourceServer, 0), nil)
	c.mu.Lock()
	pending = c.pingPending
	c.mu.Unlock()
	if pending {
		t.Fatal("matching pong did not resolve the ping")
	}
}

func TestConcurrentEnqueueWhileDraining(t *testing.T) {
	c, console := newTestClient(t)
	seedRoster(c, protocol.RosterEntry{ID: 1, Name: "alice"})

	const producers = 4
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				c.enqueue(stamp(t, &protocol.Chat{Message: "hi"}, 1, 0))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Drain concurrently with the producers, as the game tick does.
	deadline := time.After(5 * time.Second)
drain:
	for {
		c.ExecuteNetActions(nil)
		select {
		case <-done:
			break drain
		case <-deadline:
			t.Fatal("producers did not finish")
		default:
		}
	}
	c.ExecuteNetActions(nil)

	if got, want := len(console.all()), producers*perProducer; got != want {
		t.Fatalf("dispatched %d chat lines, want %d", got, want)
	}
	c.ExecuteNetActions(nil)
	if got := len(console.all()); got != producers*perProducer {
		t.Fatalf("empty drain dispatched again, now %d lines", got)
	}
}
