// Package config loads the relay's settings from the environment, in the
// teacher's direct os.Getenv style (websocket/websocket.go checks
// os.Getenv("ENVIRONMENT") inline rather than going through a config
// framework) rather than a config framework.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"
)

// Config holds every knob listed in spec.md §6.
type Config struct {
	Port int

	LogLevel string
	LogDir   string

	PingInterval      time.Duration
	ConnectionTimeout time.Duration

	TelemetryBufferSize int

	ICEServers []webrtc.ICEServer

	// CommandAckTimeout and CommandHistoryCap are spec constants
	// (spec.md §6), not independently configurable, but are kept here
	// so every pipeline reads its knobs from one place.
	CommandAckTimeout time.Duration
	CommandHistoryCap int

	// DebugDBDSN selects the debugstore backend: empty uses the sqlite
	// file boat-relay-debug.db in the working directory, a postgres:// URL switches
	// the debug capture store to Postgres (SPEC_FULL.md Domain Stack).
	DebugDBDSN string

	Environment string
}

const (
	defaultPort                = 8000
	defaultPingInterval        = 20 * time.Second
	defaultConnectionTimeout   = 30 * time.Second
	defaultTelemetryBufferSize = 100
	defaultCommandAckTimeout   = 10 * time.Second
	defaultCommandHistoryCap   = 100
)

// Load reads Config from the process environment, applying the defaults
// from spec.md §6.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("PORT", defaultPort),
		LogLevel:            envString("LOG_LEVEL", "INFO"),
		LogDir:              envString("LOG_DIR", ""),
		PingInterval:        envSeconds("PING_INTERVAL", defaultPingInterval),
		ConnectionTimeout:   envSeconds("CONNECTION_TIMEOUT", defaultConnectionTimeout),
		TelemetryBufferSize: envInt("TELEMETRY_BUFFER_SIZE", defaultTelemetryBufferSize),
		CommandAckTimeout:   defaultCommandAckTimeout,
		CommandHistoryCap:   defaultCommandHistoryCap,
		DebugDBDSN:          envString("DEBUG_DB_DSN", ""),
		Environment:         envString("ENVIRONMENT", ""),
	}

	servers, err := parseICEServers(os.Getenv("WEBRTC_ICE_SERVERS"))
	if err != nil {
		return Config{}, fmt.Errorf("config: WEBRTC_ICE_SERVERS: %w", err)
	}
	cfg.ICEServers = servers

	return cfg, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

// iceServerDescriptor mirrors the JSON shape the original Python settings
// default to: a list of {urls, username?, credential?} objects.
type iceServerDescriptor struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func parseICEServers(raw string) ([]webrtc.ICEServer, error) {
	if raw == "" {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}, nil
	}

	var descriptors []iceServerDescriptor
	if err := json.Unmarshal([]byte(raw), &descriptors); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(descriptors))
	for _, d := range descriptors {
		servers = append(servers, webrtc.ICEServer{
			URLs:       d.URLs,
			Username:   d.Username,
			Credential: d.Credential,
		})
	}
	return servers, nil
}
