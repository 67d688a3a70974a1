// ridenet-server hosts multiplayer riding sessions: it accepts client
// connections over TCP, negotiates per-client UDP channels, and relays
// frames, chat, and game events between riders on the same level.
//
// Alongside the game port it runs an interactive console, an optional
// read-only HTTP status API, and optional MQTT telemetry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ridenet-project/ridenet/internal/api"
	"github.com/ridenet-project/ridenet/internal/cli"
	"github.com/ridenet-project/ridenet/internal/config"
	"github.com/ridenet-project/ridenet/internal/db"
	"github.com/ridenet-project/ridenet/internal/events"
	"github.com/ridenet-project/ridenet/internal/server"
	"github.com/ridenet-project/ridenet/internal/telemetry"
	"github.com/ridenet-project/ridenet/internal/util"
)

const (
	AppName    = "ridenet-server"
	AppVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigFile, "path to the configuration file")
	port := flag.Int("port", 0, "override the listen port from the config")
	noCLI := flag.Bool("no-cli", false, "disable the interactive console")
	flag.Parse()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting ridenet server")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	// Re-initialize logger with config-based settings.
	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Error().Err(e).Msg("invalid configuration")
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Int("cores", sysInfo.CPUCores).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	levels, err := db.Open(cfg.Server.LevelsDBPath)
	if err != nil {
		log.Warn().Err(err).Msg("levels database unavailable, showing raw level ids")
		levels = nil
	} else {
		defer levels.Close()
	}

	bus := events.NewBus()
	srv := server.New(cfg.Server, bus)

	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start game server")
	}
	log.Info().Int("port", cfg.Server.Port).Msg("game server listening")

	var wg sync.WaitGroup

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, cfg.Logging.Level, srv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("status API failed (non-fatal)")
			}
		}()
	}

	if cfg.MQTT.Enabled {
		publisher, err := telemetry.NewPublisher(cfg.MQTT, srv, bus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := publisher.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed (non-fatal)")
				}
			}()
		}
	}

	if !*noCLI {
		console := cli.NewCLI(bus, srv, levels)
		wg.Add(1)
		go func() {
			defer wg.Done()
			console.Start(ctx)
		}()
	}

	// Graceful shutdown on signal or console quit.
	shutdownCh := make(chan struct{}, 1)
	bus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, e events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	srv.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	bus.Stop()
	log.Info().Msg("ridenet server stopped")
}
