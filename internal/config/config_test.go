package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("server port = %d, want %d", cfg.Server.Port, DefaultServerPort)
	}
	if cfg.Server.MaxClients != DefaultMaxClients {
		t.Errorf("max clients = %d, want %d", cfg.Server.MaxClients, DefaultMaxClients)
	}
	if cfg.Server.PollTimeoutMs != DefaultPollTimeoutMs {
		t.Errorf("poll timeout = %d, want %d", cfg.Server.PollTimeoutMs, DefaultPollTimeoutMs)
	}
	if cfg.Client.ServerPort != DefaultServerPort {
		t.Errorf("client server port = %d, want %d", cfg.Client.ServerPort, DefaultServerPort)
	}
	if !cfg.API.Enabled || cfg.API.Port != DefaultAPIPort {
		t.Errorf("api = %+v, want enabled on %d", cfg.API, DefaultAPIPort)
	}
	if cfg.MQTT.Enabled {
		t.Error("mqtt enabled by default")
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("defaults fail validation: %v", errs)
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "ridenet.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("server port = %d, want default", cfg.Server.Port)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ridenet.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Server.Port = 4230
	cfg.Server.MaxClients = 4
	cfg.Client.Name = "pierre"
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "broker.example.com"
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Server.Port != 4230 || loaded.Server.MaxClients != 4 {
		t.Errorf("server = %+v", loaded.Server)
	}
	if loaded.Client.Name != "pierre" {
		t.Errorf("client name = %q", loaded.Client.Name)
	}
	if !loaded.MQTT.Enabled || loaded.MQTT.Broker != "broker.example.com" {
		t.Errorf("mqtt = %+v", loaded.MQTT)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ridenet.json")
	if err := os.WriteFile(path, []byte(`{"server":{"bind_host":"0.0.0.0","port":9999,"max_clients":2,"poll_timeout_ms":200}}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Server.MaxClients != 2 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.API.Port != DefaultAPIPort {
		t.Errorf("api port = %d, want default %d", cfg.API.Port, DefaultAPIPort)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging level = %q, want default", cfg.Logging.Level)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ridenet.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed file accepted")
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"portZero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"portHuge", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"noClients", func(c *Config) { c.Server.MaxClients = 0 }, "max_clients"},
		{"tinyPoll", func(c *Config) { c.Server.PollTimeoutMs = 5 }, "poll_timeout_ms"},
		{"apiPort", func(c *Config) { c.API.Port = -1 }, "api.port"},
		{"mqttNoBroker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }, "mqtt.broker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("bad value accepted")
			}
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v do not mention %q", errs, tt.want)
			}
		})
	}
}

func TestValidateIgnoresDisabledSections(t *testing.T) {
	cfg := Default()
	cfg.API.Enabled = false
	cfg.API.Port = 0
	cfg.MQTT.Enabled = false
	cfg.MQTT.Broker = ""
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("disabled sections validated: %v", errs)
	}
}
