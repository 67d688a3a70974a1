// ridenet-client is a headless session client. It connects to a
// ridenet server, keeps the session alive, prints chat and roster
// changes, and sends chat lines typed on stdin. It is what the full
// game embeds, minus rendering.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ridenet-project/ridenet/internal/client"
	"github.com/ridenet-project/ridenet/internal/config"
	"github.com/ridenet-project/ridenet/internal/db"
	"github.com/ridenet-project/ridenet/internal/events"
	"github.com/ridenet-project/ridenet/internal/game"
	"github.com/ridenet-project/ridenet/internal/protocol"
	"github.com/ridenet-project/ridenet/internal/util"
)

// privateSuffix marks addressed chat, as in "Bob: meet at the start".
const privateSuffix = ": "

func main() {
	configPath := flag.String("config", config.DefaultConfigFile, "path to the configuration file")
	host := flag.String("host", "", "server host (overrides config)")
	port := flag.Int("port", 0, "server port (overrides config)")
	name := flag.String("name", "", "display name (overrides config)")
	flag.Parse()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *host != "" {
		cfg.Client.ServerHost = *host
	}
	if *port != 0 {
		cfg.Client.ServerPort = *port
	}
	if *name != "" {
		cfg.Client.Name = *name
	}

	levels, err := db.Open(cfg.Server.LevelsDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open levels database")
	}
	defer levels.Close()

	bus := events.NewBus()
	console := game.NewLogConsole()

	c := client.New(client.Options{Name: cfg.Client.Name}, bus, console)

	if err := c.Connect(cfg.Client.ServerHost, cfg.Client.ServerPort); err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer c.Disconnect()

	log.Info().
		Str("host", cfg.Client.ServerHost).
		Int("port", cfg.Client.ServerPort).
		Str("name", cfg.Client.Name).
		Msg("connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// The game loop stand-in: drain the inbound queue at a fixed tick
	// and ping periodically.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	pingTick := time.NewTicker(5 * time.Second)
	defer pingTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("disconnecting")
			return
		case <-tick.C:
			c.ExecuteNetActions(levels)
			if !c.IsConnected() {
				log.Warn().Msg("connection lost")
				return
			}
		case <-pingTick.C:
			if err := c.SendPing(); err != nil {
				log.Warn().Err(err).Msg("ping failed")
				return
			}
			if lat := c.Latency(); lat > 0 {
				log.Debug().Dur("latency", lat).Msg("ping")
			}
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := sendChat(c, line); err != nil {
				log.Warn().Err(err).Msg("chat failed")
				return
			}
		}
	}
}

// sendChat sends one typed line, as addressed chat when it names
// connected peers with the "name: " convention.
func sendChat(c *client.Client, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	ids, unknown := c.FillPrivatePeople(line, privateSuffix)
	for _, u := range unknown {
		log.Warn().Str("name", u).Msg("no such rider, not delivered to them")
	}
	if len(ids) > 0 {
		return c.Send(&protocol.ChatPP{Recipients: ids, Message: line}, 0, false)
	}
	return c.Send(&protocol.Chat{Message: line}, 0, false)
}
