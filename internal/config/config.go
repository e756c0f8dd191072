// Package config loads and validates the hub configuration from YAML.
//
// Load order: read file, expand ${VAR} environment variables, unmarshal,
// apply defaults, validate. Minimums on the timing fields are hard floors,
// not defaults: a config that asks for a 100ms connection timeout is an
// error, not a clamp.
package config

import "time"

// Config is the root configuration for a pushd instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Database  DBConfig        `yaml:"database"`
	Feed      FeedConfig      `yaml:"feed"`
}

// InstanceConfig identifies this hub instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	WSPath    string `yaml:"ws_path"`
	ReadLimit int64  `yaml:"read_limit"` // Max inbound frame size in bytes
}

// AuthConfig holds credential validation settings.
type AuthConfig struct {
	Secret string `yaml:"secret"` // HMAC shared secret, usually ${PUSHD_AUTH_SECRET}
}

// SessionConfig holds connection lifecycle settings.
type SessionConfig struct {
	ConnectionTimeout          time.Duration `yaml:"connection_timeout"` // Unauthenticated grace period, >= 1s
	HeartbeatInterval          time.Duration `yaml:"heartbeat_interval"` // >= 5s
	MaxConnectionsPerPrincipal int           `yaml:"max_connections_per_principal"`
}

// RoomsConfig holds room registry settings.
type RoomsConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Idle sweep period, >= 60s
	Seed            []string      `yaml:"seed"`             // Rooms created at startup
}

// RateLimitConfig holds handshake throttling settings.
type RateLimitConfig struct {
	MaxRequests   int           `yaml:"max_requests"`
	Window        time.Duration `yaml:"window"`
	BlockDuration time.Duration `yaml:"block_duration"`
}

// BroadcastConfig holds broadcaster and retry queue settings.
type BroadcastConfig struct {
	MaxQueueSize    int           `yaml:"max_queue_size"`
	ProcessInterval time.Duration `yaml:"process_interval"`
}

// DBConfig holds the optional Postgres connection for the change feed.
// An empty Host disables the feed entirely.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// FeedConfig holds change-feed listener settings.
type FeedConfig struct {
	Channel        string        `yaml:"channel"`         // LISTEN channel name
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // Base delay between reconnect attempts
}
