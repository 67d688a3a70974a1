// Package game declares the interfaces through which the network core
// touches game state: scenes and ghosts, themes, the console, and the
// level database. The simulation, rendering, and level-loading code
// behind these interfaces lives outside this repository's scope.
package game

import (
	"github.com/ridenet-project/ridenet/internal/protocol"
)

// GhostTint selects the visual treatment of a remote player's ghost.
type GhostTint int

const (
	// TintGhost renders an independent ghost playback.
	TintGhost GhostTint = iota
	// TintSlave renders a synchronized-party participant.
	TintSlave
)

// Ghost is a non-authoritative rendered representation of a remote
// player's bike, not subject to local physics.
type Ghost interface {
	SetState(st protocol.BikeState)
}

// Scene is one active play scene (a client may run several at once for
// multi-view play).
type Scene interface {
	// SetPlayerState applies the server's authoritative state onto the
	// local player bike for the given sub-player.
	SetPlayerState(subSource int, st protocol.BikeState)

	// SetTargetTime adjusts the scene's virtual time toward the game
	// time embedded in a received frame.
	SetTargetTime(t float32)

	// AddGhost creates a ghost in this scene using the given theme name
	// and tint.
	AddGhost(name, theme string, tint GhostTint) (Ghost, error)

	// HandleEvent replays one serialized scene event.
	HandleEvent(buf []byte) error

	// DisplayMessage shows a transient on-screen message (countdowns,
	// kill alerts).
	DisplayMessage(msg string)

	// Unpause resumes the scene if locally paused (the "go" signal).
	Unpause()
}

// Universe lists the active scenes. Nil means "no active play session";
// frame actions received then are stale and dropped.
type Universe interface {
	Scenes() []Scene
}

// ThemeProvider exposes the named sub-themes the ghost bindings use.
type ThemeProvider interface {
	GhostTheme() string
	NetPlayerTheme() string
}

// ConsoleTag categorizes a console line.
type ConsoleTag int

const (
	TagInfo ConsoleTag = iota
	TagServer
	TagPrivate
	TagGameInfo
)

// Console is the chat/notification sink.
type Console interface {
	AppendLine(tag ConsoleTag, line string)
}

// LevelDB resolves level ids to display names for roster announcements.
type LevelDB interface {
	DisplayName(levelID string) (string, error)
}
