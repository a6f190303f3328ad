// Package config loads the YAML configuration surface for a PlayHouse node.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ServiceID identifies the role a node plays in the mesh.
type ServiceID int

const (
	ServicePlay ServiceID = 1
	ServiceAPI  ServiceID = 2
)

func (s ServiceID) String() string {
	switch s {
	case ServicePlay:
		return "play"
	case ServiceAPI:
		return "api"
	default:
		return fmt.Sprintf("service(%d)", int(s))
	}
}

// NodeEntry is one row of the static node registry (C11).
type NodeEntry struct {
	ServerID  string    `yaml:"server_id"`
	ServiceID ServiceID `yaml:"service_id"`
	Endpoint  string    `yaml:"endpoint"`
}

// Node holds the full configuration surface enumerated in the spec for a
// single process (Play or API node), including the client-facing edge
// listeners it may also terminate.
type Node struct {
	// Identity
	ServerID     string    `yaml:"server_id"`
	ServiceID    ServiceID `yaml:"service_id"`
	BindEndpoint string    `yaml:"bind_endpoint"`

	// Client-facing transport endpoints (C3). Zero value disables the listener.
	TCPPort       int    `yaml:"tcp_port"`
	TCPTLSPort    int    `yaml:"tcp_tls_port"`
	HTTPPort      int    `yaml:"http_port"`
	HTTPSPort     int    `yaml:"https_port"`
	WebSocketPath string `yaml:"websocket_path"`
	TLSCertFile   string `yaml:"tls_cert_file"`
	TLSKeyFile    string `yaml:"tls_key_file"`

	// Limits
	MaxPacketSize             int `yaml:"max_packet_size"`
	MaxPendingRequestsPerSess int `yaml:"max_pending_requests_per_session"`
	SendQueueSize             int `yaml:"send_queue_size"`

	// Timeouts
	RequestTimeoutMs    int `yaml:"request_timeout_ms"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	ActorPausedWindowMs int `yaml:"actor_paused_window_ms"`
	SessionCloseGraceMs int `yaml:"session_close_grace_ms"`

	// Async pools (C8)
	IOPoolConcurrency      int `yaml:"io_pool_concurrency"`
	ComputePoolConcurrency int `yaml:"compute_pool_concurrency"`

	// Game loop (C7)
	GameLoopMaxAccumulatorCapMs int `yaml:"game_loop_max_accumulator_cap_ms"`
	GameLoopTimestepMinMs       int `yaml:"game_loop_timestep_min_ms"`
	GameLoopTimestepMaxMs       int `yaml:"game_loop_timestep_max_ms"`

	// Auth
	AuthenticateMessageID string `yaml:"authenticate_message_id"`

	// DefaultStageType is the stageType a Play node's session router assumes
	// when a join request names a not-yet-existing stage id (spec's
	// "join request triggers a stage-create path"). A node hosting more
	// than one stage type needs a richer join protocol; single-type Play
	// nodes (the common case) just need this one name.
	DefaultStageType string `yaml:"default_stage_type"`

	// Static node registry (C11)
	Nodes []NodeEntry `yaml:"nodes"`

	// MeshAuthKey is the pre-shared Blowfish key nodes use to authenticate
	// each other's mesh handshake. Empty falls back to mesh.DefaultAuthKey
	// (fine for local development, not for a real deployment).
	MeshAuthKey string `yaml:"mesh_auth_key"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Optional durable store (audit/session log persistence, see SPEC_FULL §2)
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL connection parameters for the optional
// audit/session-log store. Unset (empty Host) disables the store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string, or "" if the store is disabled.
func (d DatabaseConfig) DSN() string {
	if d.Host == "" {
		return ""
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// Default returns a Node configuration with the defaults enumerated in the spec.
func Default() Node {
	return Node{
		ServiceID:                   ServicePlay,
		BindEndpoint:                "127.0.0.1:9000",
		WebSocketPath:               "/ws",
		MaxPacketSize:               2 << 20, // 2 MiB
		MaxPendingRequestsPerSess:   1024,
		SendQueueSize:               10000,
		RequestTimeoutMs:            30000,
		HeartbeatIntervalMs:         30000,
		ActorPausedWindowMs:         300000,
		SessionCloseGraceMs:         200,
		IOPoolConcurrency:           100,
		ComputePoolConcurrency:      runtime.NumCPU(),
		GameLoopMaxAccumulatorCapMs: 200,
		GameLoopTimestepMinMs:       1,
		GameLoopTimestepMaxMs:       1000,
		AuthenticateMessageID:       "Authenticate",
		DefaultStageType:            "room",
		LogLevel:                    "info",
	}
}

// Load reads a Node configuration from a YAML file, seeded with Default().
// A missing file is not an error; Default() is returned unchanged.
func Load(path string) (Node, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
