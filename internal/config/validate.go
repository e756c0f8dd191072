package config

import (
	"errors"
	"fmt"
	"time"
)

// Floors for the timing fields. Values below these are configuration errors.
const (
	MinConnectionTimeout = time.Second
	MinHeartbeatInterval = 5 * time.Second
	MinRoomCleanup       = 60 * time.Second
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ReadLimit < 1 {
		return errors.New("server.read_limit must be >= 1")
	}

	if c.Session.ConnectionTimeout < MinConnectionTimeout {
		return fmt.Errorf("session.connection_timeout must be >= %s, got %s",
			MinConnectionTimeout, c.Session.ConnectionTimeout)
	}
	if c.Session.HeartbeatInterval < MinHeartbeatInterval {
		return fmt.Errorf("session.heartbeat_interval must be >= %s, got %s",
			MinHeartbeatInterval, c.Session.HeartbeatInterval)
	}
	if c.Session.MaxConnectionsPerPrincipal < 1 {
		return errors.New("session.max_connections_per_principal must be >= 1")
	}

	if c.Rooms.CleanupInterval < MinRoomCleanup {
		return fmt.Errorf("rooms.cleanup_interval must be >= %s, got %s",
			MinRoomCleanup, c.Rooms.CleanupInterval)
	}

	if c.RateLimit.MaxRequests < 1 {
		return errors.New("rate_limit.max_requests must be >= 1")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.window must be positive")
	}
	if c.RateLimit.BlockDuration <= 0 {
		return errors.New("rate_limit.block_duration must be positive")
	}

	if c.Broadcast.MaxQueueSize < 1 {
		return errors.New("broadcast.max_queue_size must be >= 1")
	}
	if c.Broadcast.ProcessInterval <= 0 {
		return errors.New("broadcast.process_interval must be positive")
	}

	if c.Database.Host != "" {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
