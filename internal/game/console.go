package game

import (
	"github.com/rs/zerolog"

	"github.com/ridenet-project/ridenet/internal/util"
)

// LogConsole is a Console that writes lines through the structured
// logger. The headless client and tests use it in place of the in-game
// console widget.
type LogConsole struct {
	logger zerolog.Logger
}

// NewLogConsole creates a logger-backed console sink.
func NewLogConsole() *LogConsole {
	return &LogConsole{logger: util.ComponentLogger("console")}
}

// AppendLine writes one tagged console line.
func (c *LogConsole) AppendLine(tag ConsoleTag, line string) {
	switch tag {
	case TagServer:
		c.logger.Info().Str("tag", "server").Msg(line)
	case TagPrivate:
		c.logger.Info().Str("tag", "private").Msg(line)
	case TagGameInfo:
		c.logger.Info().Str("tag", "game").Msg(line)
	default:
		c.logger.Info().Msg(line)
	}
}

// StaticTheme is a ThemeProvider returning fixed theme names.
type StaticTheme struct {
	Ghost     string
	NetPlayer string
}

// GhostTheme returns the ghost sub-theme name.
func (t StaticTheme) GhostTheme() string { return t.Ghost }

// NetPlayerTheme returns the net-player sub-theme name.
func (t StaticTheme) NetPlayerTheme() string { return t.NetPlayer }

// DefaultTheme is the fallback theme used when no theme system is wired.
var DefaultTheme = StaticTheme{Ghost: "ghost", NetPlayer: "netplayer"}
