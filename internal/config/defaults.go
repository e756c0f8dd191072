package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPort            = 8080
	DefaultWSPath          = "/ws"
	DefaultReadLimit       = 32 * 1024
	DefaultConnTimeout     = 30 * time.Second
	DefaultHeartbeat       = 30 * time.Second
	DefaultMaxPerPrincipal = 5
	DefaultRoomCleanup     = 5 * time.Minute
	DefaultRLMaxRequests   = 10
	DefaultRLWindow        = 60 * time.Second
	DefaultRLBlock         = 5 * time.Minute
	DefaultMaxQueueSize    = 1000
	DefaultProcessInterval = 100 * time.Millisecond
	DefaultDBPort          = 5432
	DefaultDBSSLMode       = "prefer"
	DefaultDBMaxConns      = 4
	DefaultDBMinConns      = 1
	DefaultFeedChannel     = "push_events"
	DefaultFeedReconnect   = time.Second
)

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = DefaultReadLimit
	}

	if c.Session.ConnectionTimeout == 0 {
		c.Session.ConnectionTimeout = DefaultConnTimeout
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = DefaultHeartbeat
	}
	if c.Session.MaxConnectionsPerPrincipal == 0 {
		c.Session.MaxConnectionsPerPrincipal = DefaultMaxPerPrincipal
	}

	if c.Rooms.CleanupInterval == 0 {
		c.Rooms.CleanupInterval = DefaultRoomCleanup
	}

	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = DefaultRLMaxRequests
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = DefaultRLWindow
	}
	if c.RateLimit.BlockDuration == 0 {
		c.RateLimit.BlockDuration = DefaultRLBlock
	}

	if c.Broadcast.MaxQueueSize == 0 {
		c.Broadcast.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.Broadcast.ProcessInterval == 0 {
		c.Broadcast.ProcessInterval = DefaultProcessInterval
	}

	if c.Database.Host != "" {
		if c.Database.Port == 0 {
			c.Database.Port = DefaultDBPort
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = DefaultDBSSLMode
		}
		if c.Database.MaxConns == 0 {
			c.Database.MaxConns = DefaultDBMaxConns
		}
		if c.Database.MinConns == 0 {
			c.Database.MinConns = DefaultDBMinConns
		}
	}

	if c.Feed.Channel == "" {
		c.Feed.Channel = DefaultFeedChannel
	}
	if c.Feed.ReconnectDelay == 0 {
		c.Feed.ReconnectDelay = DefaultFeedReconnect
	}
}
