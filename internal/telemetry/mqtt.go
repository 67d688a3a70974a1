// Package telemetry publishes server status snapshots over MQTT.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/ridenet-project/ridenet/internal/config"
	"github.com/ridenet-project/ridenet/internal/events"
	"github.com/ridenet-project/ridenet/internal/network"
	"github.com/ridenet-project/ridenet/internal/server"
	"github.com/ridenet-project/ridenet/internal/util"
)

// MQTT topics.
const (
	TopicServerStatus = "ridenet/server/status"
	TopicServerRoster = "ridenet/server/roster"
	TopicServerAdmin  = "ridenet/server/admin"
)

// Publisher connects to an MQTT broker and periodically publishes the
// server's transport statistics and client roster.
type Publisher struct {
	cfg    config.MQTTConfig
	srv    *server.Server
	bus    *events.Bus
	client mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

type statusMessage struct {
	Clients int                    `json:"clients"`
	Stats   network.TransportStats `json:"stats"`
	CPU     float64                `json:"cpu_percent"`
	Memory  float64                `json:"memory_percent"`
}

// NewPublisher creates an MQTT status publisher for a running server.
func NewPublisher(cfg config.MQTTConfig, srv *server.Server, bus *events.Bus) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":  sysInfo.Hostname,
		"os":        sysInfo.OS,
		"cpu_cores": sysInfo.CPUCores,
	}
	if ip, err := util.GetLocalIP(); err == nil {
		metadata["local_ip"] = ip
	}

	p := &Publisher{
		cfg:      cfg,
		srv:      srv,
		bus:      bus,
		metadata: metadata,
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("ridenet-%s", sysInfo.Hostname))
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	p.client = mqtt.NewClient(opts)
	return p, nil
}

// Start connects to the broker and publishes snapshots every interval
// until the context is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	log.Info().
		Str("broker", p.cfg.Broker).
		Int("port", p.cfg.Port).
		Msg("connecting to MQTT broker")

	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	p.subscribeEvents()

	interval := time.Duration(p.cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.publishStatus()
		case <-ctx.Done():
			p.publishShutdown()
			p.client.Disconnect(5000)
			log.Info().Msg("MQTT disconnected")
			return nil
		}
	}
}

// subscribeEvents mirrors join/leave signals onto the roster topic so
// dashboards see membership changes between ticks.
func (p *Publisher) subscribeEvents() {
	p.bus.Subscribe(events.EventClientJoined, "mqtt.clientJoined", p.onRosterChange("joined"))
	p.bus.Subscribe(events.EventClientLeft, "mqtt.clientLeft", p.onRosterChange("left"))
}

func (p *Publisher) onRosterChange(kind string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		p.publish(TopicServerRoster, map[string]interface{}{
			"event":   kind,
			"payload": event.Payload,
			"roster":  p.srv.Clients(),
		})
		return nil
	}
}

func (p *Publisher) publishStatus() {
	msg := statusMessage{
		Clients: p.srv.ClientCount(),
		Stats:   p.srv.Stats(),
	}
	if cpu, err := util.GetCPUUsage(); err == nil {
		msg.CPU = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		msg.Memory = mem.UsedPercent
	}
	p.publish(TopicServerStatus, msg)
}

func (p *Publisher) publishShutdown() {
	p.publish(TopicServerAdmin, map[string]interface{}{
		"event": "shutdown",
	})
}

// publish sends a JSON message to an MQTT topic at QoS 1.
func (p *Publisher) publish(topic string, payload interface{}) {
	if !p.client.IsConnected() {
		return
	}

	msg := make(map[string]interface{})
	for k, v := range p.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := p.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}
